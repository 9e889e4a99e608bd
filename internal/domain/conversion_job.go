package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConversionJob queue statuses. RetryPending marks a row waiting out the
// backoff between attempts; Failed is terminal.
const (
	JobQueued       = "queued"
	JobRunning      = "running"
	JobRetryPending = "retry_pending"
	JobSucceeded    = "succeeded"
	JobFailed       = "failed"
	JobCanceled     = "canceled"
)

// ConversionJob is one dispatch of the conversion pipeline for a document.
// ReservedAt is the queue reservation timestamp: set when a worker claims
// the row, cleared by the reconciler when the reservation goes stale.
type ConversionJob struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID  int64          `gorm:"column:document_id;not null;index" json:"document_id"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ReservedAt  *time.Time     `gorm:"column:reserved_at;index" json:"reserved_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ConversionJob) TableName() string { return "conversion_job" }
