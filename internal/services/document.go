package services

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/govpress/docaudio-backend/internal/clients/gcp"
	"github.com/govpress/docaudio-backend/internal/data/repos/documents"
	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/progress"
)

// Dispatcher hands a document to the async conversion machinery. The
// temporal client is the production implementation.
type Dispatcher interface {
	DispatchConversion(ctx context.Context, doc *domain.Document) error
}

type CreateDocumentInput struct {
	Title        string
	Type         string
	Year         int
	IndicatorRef string
	Description  string

	OriginalFilename string
	MimeType         string
	FileSize         int64
	File             io.Reader
}

// DocumentStatus is the admin read model: coarse status plus whatever the
// progress cache still holds, plus remediation hints for protected sources.
type DocumentStatus struct {
	Document    *domain.Document   `json:"document"`
	Progress    *progress.Snapshot `json:"progress,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	Remediation []string           `json:"remediation,omitempty"`
}

type DocumentService interface {
	Create(ctx context.Context, in CreateDocumentInput) (*domain.Document, error)
	GetByExternalID(ctx context.Context, externalID uuid.UUID) (*domain.Document, error)
	List(ctx context.Context, status string, limit, offset int) ([]*domain.Document, error)
	Status(ctx context.Context, externalID uuid.UUID) (*DocumentStatus, error)

	Reprocess(ctx context.Context, externalID uuid.UUID, actor string) (*domain.Document, error)
	SoftDelete(ctx context.Context, externalID uuid.UUID, actor, reason string) error
	HardDelete(ctx context.Context, externalID uuid.UUID, actor string) error

	RecordDownload(ctx context.Context, externalID uuid.UUID) error
	RecordPlay(ctx context.Context, externalID uuid.UUID) error
}

type documentService struct {
	db         *gorm.DB
	log        *logger.Logger
	docRepo    documents.DocumentRepo
	logSvc     ConversionLogService
	bucket     gcp.BucketService
	progress   progress.Store
	dispatcher Dispatcher
}

func NewDocumentService(
	db *gorm.DB,
	baseLog *logger.Logger,
	docRepo documents.DocumentRepo,
	logSvc ConversionLogService,
	bucket gcp.BucketService,
	progressStore progress.Store,
	dispatcher Dispatcher,
) DocumentService {
	return &documentService{
		db:         db,
		log:        baseLog.With("service", "DocumentService"),
		docRepo:    docRepo,
		logSvc:     logSvc,
		bucket:     bucket,
		progress:   progressStore,
		dispatcher: dispatcher,
	}
}

func (s *documentService) Create(ctx context.Context, in CreateDocumentInput) (*domain.Document, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, newConversionError(KindValidation, "upload", "title required", nil)
	}
	if in.Type != domain.DocTypePublication && in.Type != domain.DocTypeBRS {
		return nil, newConversionError(KindValidation, "upload", fmt.Sprintf("unknown document type %q", in.Type), nil)
	}
	if in.File == nil {
		return nil, newConversionError(KindValidation, "upload", "source file required", nil)
	}

	externalID := uuid.New()
	ext := strings.ToLower(filepath.Ext(in.OriginalFilename))
	key := fmt.Sprintf("documents/source/%s%s", externalID, ext)

	if err := s.bucket.UploadFile(ctx, key, in.File); err != nil {
		return nil, newConversionError(KindPersistence, "upload", "store source file", err)
	}

	doc := &domain.Document{
		ExternalID:       externalID,
		Title:            title,
		Slug:             s.uniqueSlug(ctx, title, in.Year),
		Type:             in.Type,
		Year:             in.Year,
		IndicatorRef:     strings.TrimSpace(in.IndicatorRef),
		Description:      strings.TrimSpace(in.Description),
		FilePath:         key,
		OriginalFilename: in.OriginalFilename,
		MimeType:         in.MimeType,
		FileSize:         in.FileSize,
		Status:           domain.StatusPending,
	}
	doc, err := s.docRepo.Create(dbctx.Context{Ctx: ctx}, doc)
	if err != nil {
		// The row failed but the blob landed; clean up best-effort.
		if delErr := s.bucket.DeleteFile(ctx, key); delErr != nil {
			s.log.Warn("orphaned source cleanup failed (ignored)", "key", key, "error", delErr)
		}
		return nil, newConversionError(KindPersistence, "upload", "create document record", err)
	}

	s.logSvc.Record(ctx, LogEntry{
		DocumentID: doc.ID,
		Stage:      "upload",
		Status:     domain.LogInfo,
		Message:    "document uploaded, conversion queued",
		Metadata:   map[string]interface{}{"filename": in.OriginalFilename, "size": in.FileSize},
	})

	if s.dispatcher != nil {
		if err := s.dispatcher.DispatchConversion(ctx, doc); err != nil {
			// The reconciler's stale-pending sweep picks these up later.
			s.log.Error("conversion dispatch failed", "document_id", doc.ID, "error", err)
			s.logSvc.Record(ctx, LogEntry{
				DocumentID: doc.ID,
				Stage:      "upload",
				Status:     domain.LogWarning,
				Message:    fmt.Sprintf("conversion dispatch failed, will be retried by reconciler: %v", err),
			})
		}
	}
	return doc, nil
}

func (s *documentService) GetByExternalID(ctx context.Context, externalID uuid.UUID) (*domain.Document, error) {
	return s.docRepo.GetByExternalID(dbctx.Context{Ctx: ctx}, externalID)
}

func (s *documentService) List(ctx context.Context, status string, limit, offset int) ([]*domain.Document, error) {
	return s.docRepo.List(dbctx.Context{Ctx: ctx}, status, limit, offset)
}

func (s *documentService) Status(ctx context.Context, externalID uuid.UUID) (*DocumentStatus, error) {
	doc, err := s.docRepo.GetByExternalID(dbctx.Context{Ctx: ctx}, externalID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, newConversionError(KindNotFound, "status", fmt.Sprintf("document %s not found", externalID), nil)
	}

	out := &DocumentStatus{Document: doc}

	snap, err := s.progress.Get(ctx, doc.ID)
	if err != nil {
		s.log.Warn("progress read failed (ignored)", "document_id", doc.ID, "error", err)
	}
	if snap != nil {
		out.Progress = snap
	} else {
		// Cache loss degrades to coarse document status.
		out.Progress = coarseSnapshot(doc)
	}

	meta := metadataMap(doc.ProcessingMetadata)
	if msg, ok := meta["last_error"].(string); ok {
		out.LastError = msg
	}
	if raw, ok := meta["remediation"].([]interface{}); ok {
		for _, v := range raw {
			if sug, ok := v.(string); ok {
				out.Remediation = append(out.Remediation, sug)
			}
		}
	}
	return out, nil
}

func coarseSnapshot(doc *domain.Document) *progress.Snapshot {
	snap := &progress.Snapshot{DocumentID: doc.ID, Stage: doc.Status, UpdatedAt: doc.UpdatedAt}
	switch doc.Status {
	case domain.StatusCompleted:
		snap.Percent = 100
	case domain.StatusFailed:
		snap.Percent = progress.PercentError
	default:
		snap.Percent = 0
	}
	return snap
}

// Reprocess sends a failed or completed document back through the
// pipeline. Derived artifacts are cleared so a completed document never
// carries stale audio while pending.
func (s *documentService) Reprocess(ctx context.Context, externalID uuid.UUID, actor string) (*domain.Document, error) {
	dbc := dbctx.Context{Ctx: ctx}
	doc, err := s.docRepo.GetByExternalID(dbc, externalID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, newConversionError(KindNotFound, "reprocess", fmt.Sprintf("document %s not found", externalID), nil)
	}
	if !domain.CanTransition(doc.Status, domain.StatusPending) {
		return nil, newConversionError(KindValidation, "reprocess",
			fmt.Sprintf("document %s cannot be reprocessed from status %q", externalID, doc.Status), nil)
	}

	meta := metadataMap(doc.ProcessingMetadata)
	meta["reprocessed_by"] = actor
	meta["reprocessed_at"] = time.Now().UTC().Format(time.RFC3339)
	delete(meta, "attempts")
	delete(meta, "all_attempts_exhausted")
	delete(meta, "error_type")
	delete(meta, "user_action_required")
	delete(meta, "remediation")

	if err := s.docRepo.UpdateFields(dbc, doc.ID, map[string]interface{}{
		"status":                  domain.StatusPending,
		"extracted_text":          "",
		"audio_path":              "",
		"audio_checksum":          "",
		"audio_size":              0,
		"audio_duration":          nil,
		"processing_started_at":   nil,
		"processing_completed_at": nil,
		"processing_metadata":     mustJSON(meta),
	}); err != nil {
		return nil, err
	}
	if doc.AudioPath != "" {
		if err := s.bucket.DeleteFile(ctx, doc.AudioPath); err != nil {
			s.log.Warn("stale audio cleanup failed (ignored)", "key", doc.AudioPath, "error", err)
		}
	}
	if err := s.progress.Delete(ctx, doc.ID); err != nil {
		s.log.Warn("progress delete failed (ignored)", "document_id", doc.ID, "error", err)
	}

	s.logSvc.Record(ctx, LogEntry{
		DocumentID: doc.ID,
		Actor:      actor,
		Stage:      "reprocess",
		Status:     domain.LogInfo,
		Message:    "document queued for reprocessing",
	})

	doc, err = s.docRepo.GetByID(dbc, doc.ID)
	if err != nil || doc == nil {
		return nil, fmt.Errorf("reload document after reprocess: %w", err)
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.DispatchConversion(ctx, doc); err != nil {
			s.log.Error("reprocess dispatch failed", "document_id", doc.ID, "error", err)
		}
	}
	return doc, nil
}

func (s *documentService) SoftDelete(ctx context.Context, externalID uuid.UUID, actor, reason string) error {
	dbc := dbctx.Context{Ctx: ctx}
	doc, err := s.docRepo.GetByExternalID(dbc, externalID)
	if err != nil {
		return err
	}
	if doc == nil {
		return newConversionError(KindNotFound, "delete", fmt.Sprintf("document %s not found", externalID), nil)
	}
	if err := s.docRepo.SoftDelete(dbc, doc.ID, actor, reason); err != nil {
		return err
	}
	s.logSvc.Record(ctx, LogEntry{
		DocumentID: doc.ID,
		Actor:      actor,
		Stage:      "delete",
		Status:     domain.LogInfo,
		Message:    "document soft-deleted: " + reason,
	})
	return nil
}

// HardDelete removes the row and every blob artifact. Blob deletes are
// attempted first so a storage failure leaves the audited row in place.
func (s *documentService) HardDelete(ctx context.Context, externalID uuid.UUID, actor string) error {
	dbc := dbctx.Context{Ctx: ctx}
	doc, err := s.docRepo.GetByExternalID(dbc, externalID)
	if err != nil {
		return err
	}
	if doc == nil {
		return newConversionError(KindNotFound, "delete", fmt.Sprintf("document %s not found", externalID), nil)
	}

	for _, key := range []string{doc.FilePath, doc.AudioPath, doc.CoverPath} {
		if strings.TrimSpace(key) == "" {
			continue
		}
		if err := s.bucket.DeleteFile(ctx, key); err != nil {
			s.log.Warn("artifact delete failed (ignored)", "key", key, "error", err)
		}
	}
	if err := s.progress.Delete(ctx, doc.ID); err != nil {
		s.log.Warn("progress delete failed (ignored)", "document_id", doc.ID, "error", err)
	}

	s.logSvc.Record(ctx, LogEntry{
		DocumentID: doc.ID,
		Actor:      actor,
		Stage:      "delete",
		Status:     domain.LogWarning,
		Message:    "document hard-deleted",
	})
	return s.docRepo.HardDelete(dbc, doc.ID)
}

func (s *documentService) RecordDownload(ctx context.Context, externalID uuid.UUID) error {
	doc, err := s.docRepo.GetByExternalID(dbctx.Context{Ctx: ctx}, externalID)
	if err != nil || doc == nil {
		return err
	}
	return s.docRepo.IncrementDownload(dbctx.Context{Ctx: ctx}, doc.ID)
}

func (s *documentService) RecordPlay(ctx context.Context, externalID uuid.UUID) error {
	doc, err := s.docRepo.GetByExternalID(dbctx.Context{Ctx: ctx}, externalID)
	if err != nil || doc == nil {
		return err
	}
	return s.docRepo.IncrementPlay(dbctx.Context{Ctx: ctx}, doc.ID)
}

// ------------------------
// Slug helpers
// ------------------------

func (s *documentService) uniqueSlug(ctx context.Context, title string, year int) string {
	base := Slugify(title)
	if base == "" {
		base = "document"
	}
	if year > 0 {
		base = fmt.Sprintf("%s-%d", base, year)
	}
	// Slug collisions are rare; a short random suffix avoids a lookup loop.
	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
}

func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteRune('-')
			lastDash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 80 {
		out = strings.Trim(out[:80], "-")
	}
	return out
}
