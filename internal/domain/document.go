package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Document lifecycle states. The orchestrator and reconciler are the only
// writers of processing/completed/failed; admin reprocess is the only path
// back from a terminal state to pending.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	DocTypePublication = "publication"
	DocTypeBRS         = "brs"
)

type Document struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ExternalID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"external_id"`

	Title        string `gorm:"column:title;not null" json:"title"`
	Slug         string `gorm:"column:slug;uniqueIndex;not null" json:"slug"`
	Type         string `gorm:"column:type;not null;index" json:"type"`
	Year         int    `gorm:"column:year;index" json:"year"`
	IndicatorRef string `gorm:"column:indicator_ref" json:"indicator_ref,omitempty"`
	Description  string `gorm:"column:description" json:"description,omitempty"`

	FilePath         string `gorm:"column:file_path" json:"file_path"`
	LegacyContent    string `gorm:"column:legacy_content;type:text" json:"-"`
	OriginalFilename string `gorm:"column:original_filename" json:"original_filename"`
	MimeType         string `gorm:"column:mime_type" json:"mime_type"`
	FileSize         int64  `gorm:"column:file_size" json:"file_size"`

	CoverPath     string `gorm:"column:cover_path" json:"cover_path,omitempty"`
	CoverMimeType string `gorm:"column:cover_mime_type" json:"cover_mime_type,omitempty"`

	ExtractedText string   `gorm:"column:extracted_text;type:text" json:"extracted_text,omitempty"`
	AudioPath     string   `gorm:"column:audio_path" json:"audio_path,omitempty"`
	AudioChecksum string   `gorm:"column:audio_checksum" json:"audio_checksum,omitempty"`
	AudioSize     int64    `gorm:"column:audio_size" json:"audio_size,omitempty"`
	AudioDuration *float64 `gorm:"column:audio_duration" json:"audio_duration,omitempty"`

	Status                string         `gorm:"column:status;not null;default:'pending';index" json:"status"`
	ProcessingStartedAt   *time.Time     `gorm:"column:processing_started_at;index" json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time     `gorm:"column:processing_completed_at" json:"processing_completed_at,omitempty"`
	ProcessingMetadata    datatypes.JSON `gorm:"column:processing_metadata;type:jsonb" json:"processing_metadata"`

	DownloadCount int64 `gorm:"column:download_count;not null;default:0" json:"download_count"`
	PlayCount     int64 `gorm:"column:play_count;not null;default:0" json:"play_count"`

	DeletedBy    string `gorm:"column:deleted_by" json:"deleted_by,omitempty"`
	DeleteReason string `gorm:"column:delete_reason" json:"delete_reason,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Document) TableName() string { return "document" }

// allowedTransitions is the authoritative state machine. No transition
// skips processing.
var allowedTransitions = map[string][]string{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusPending},
	StatusCompleted:  {StatusPending},
	StatusFailed:     {StatusPending},
}

func CanTransition(from, to string) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
