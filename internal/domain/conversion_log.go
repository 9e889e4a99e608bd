package domain

import (
	"time"

	"gorm.io/datatypes"
)

// ConversionLogEntry statuses.
const (
	LogInfo    = "info"
	LogSuccess = "success"
	LogWarning = "warning"
	LogError   = "error"
)

// ConversionLogEntry is an append-only audit record of a single pipeline
// stage event. Rows are never updated or deleted.
type ConversionLogEntry struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID int64          `gorm:"column:document_id;not null;index" json:"document_id"`
	Actor      string         `gorm:"column:actor" json:"actor,omitempty"`
	JobName    string         `gorm:"column:job_name;not null" json:"job_name"`
	Stage      string         `gorm:"column:stage;not null;index" json:"stage"`
	Status     string         `gorm:"column:status;not null" json:"status"`
	Message    string         `gorm:"column:message" json:"message"`
	Metadata   datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	QueueJobID string         `gorm:"column:queue_job_id" json:"queue_job_id,omitempty"`
	QueueName  string         `gorm:"column:queue_name" json:"queue_name,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (ConversionLogEntry) TableName() string { return "conversion_log" }
