package services

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/govpress/docaudio-backend/internal/data/repos/conversionlog"
	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
)

// ConversionLogService is the pipeline's audit side channel. Record never
// returns an error: a failed log write must not fail the conversion.
type ConversionLogService interface {
	Record(ctx context.Context, entry LogEntry)
	List(ctx context.Context, documentID int64, limit int) ([]*domain.ConversionLogEntry, error)
	CountStage(ctx context.Context, documentID int64, stage string) (int64, error)
}

type LogEntry struct {
	DocumentID int64
	Actor      string
	JobName    string
	Stage      string
	Status     string
	Message    string
	Metadata   map[string]interface{}
	QueueJobID string
	QueueName  string
}

type conversionLogService struct {
	db      *gorm.DB
	log     *logger.Logger
	logRepo conversionlog.ConversionLogRepo
}

func NewConversionLogService(db *gorm.DB, baseLog *logger.Logger, logRepo conversionlog.ConversionLogRepo) ConversionLogService {
	return &conversionLogService{
		db:      db,
		log:     baseLog.With("service", "ConversionLogService"),
		logRepo: logRepo,
	}
}

func (s *conversionLogService) Record(ctx context.Context, entry LogEntry) {
	row := &domain.ConversionLogEntry{
		DocumentID: entry.DocumentID,
		Actor:      entry.Actor,
		JobName:    entry.JobName,
		Stage:      entry.Stage,
		Status:     entry.Status,
		Message:    entry.Message,
		QueueJobID: entry.QueueJobID,
		QueueName:  entry.QueueName,
	}
	if entry.JobName == "" {
		row.JobName = "document_conversion"
	}
	if entry.Status == "" {
		row.Status = domain.LogInfo
	}
	if len(entry.Metadata) > 0 {
		if raw, err := json.Marshal(entry.Metadata); err == nil {
			row.Metadata = datatypes.JSON(raw)
		}
	}
	if _, err := s.logRepo.Create(dbctx.Context{Ctx: ctx}, row); err != nil {
		s.log.Warn("conversion log write failed (ignored)",
			"document_id", entry.DocumentID, "stage", entry.Stage, "error", err)
	}
}

func (s *conversionLogService) List(ctx context.Context, documentID int64, limit int) ([]*domain.ConversionLogEntry, error) {
	return s.logRepo.ListByDocument(dbctx.Context{Ctx: ctx}, documentID, limit)
}

func (s *conversionLogService) CountStage(ctx context.Context, documentID int64, stage string) (int64, error) {
	return s.logRepo.CountByDocumentStage(dbctx.Context{Ctx: ctx}, documentID, stage)
}
