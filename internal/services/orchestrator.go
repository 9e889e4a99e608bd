package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/govpress/docaudio-backend/internal/clients/gcp"
	"github.com/govpress/docaudio-backend/internal/covergen"
	"github.com/govpress/docaudio-backend/internal/data/repos/documents"
	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/extraction"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/envutil"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/progress"
	"github.com/govpress/docaudio-backend/internal/tts"
)

// Pipeline stage tokens. Stage names are stable identifiers: they appear
// in progress snapshots, conversion log rows and metadata.
const (
	StageInitializing    = "initializing"
	StageExtractingText  = "extracting_text"
	StagePreparingTTS    = "preparing_tts"
	StageTTSStarting     = "tts_starting"
	StageTTSProcessing   = "tts_processing"
	StageGeneratingCover = "generating_cover"
	StageSavingData      = "saving_data"
	StageCompleted       = "completed"
)

// Text bounds enforced before synthesis. Out-of-bounds text hard-fails.
const (
	minTextChars = 10
	maxTextChars = 500_000
)

const (
	ttsPercentStart = 25
	ttsPercentEnd   = 84
)

// ConversionOrchestrator drives one document through the full conversion
// pipeline. One invocation owns one document attempt.
type ConversionOrchestrator interface {
	Process(ctx context.Context, documentID int64) error
	HandleTerminalFailure(ctx context.Context, documentID int64, errMsg string)
}

type conversionOrchestrator struct {
	db       *gorm.DB
	log      *logger.Logger
	docRepo  documents.DocumentRepo
	logSvc   ConversionLogService
	bucket   gcp.BucketService
	bytesEx  extraction.BytesExtractor
	streamEx extraction.StreamExtractor
	tts      tts.Converter
	progress progress.Store
	covers   covergen.Generator

	ownershipWindow time.Duration
	maxAttempts     int
	workerID        string
}

func NewConversionOrchestrator(
	db *gorm.DB,
	baseLog *logger.Logger,
	docRepo documents.DocumentRepo,
	logSvc ConversionLogService,
	bucket gcp.BucketService,
	extractor extraction.BytesExtractor,
	converter tts.Converter,
	progressStore progress.Store,
	covers covergen.Generator,
) (ConversionOrchestrator, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if docRepo == nil || logSvc == nil || bucket == nil || extractor == nil || converter == nil || progressStore == nil {
		return nil, fmt.Errorf("missing orchestrator dependency")
	}

	worker, _ := os.Hostname()
	if worker == "" {
		worker = "worker"
	}

	o := &conversionOrchestrator{
		db:              db,
		log:             baseLog.With("service", "ConversionOrchestrator"),
		docRepo:         docRepo,
		logSvc:          logSvc,
		bucket:          bucket,
		bytesEx:         extractor,
		tts:             converter,
		progress:        progressStore,
		covers:          covers,
		ownershipWindow: envutil.Duration("CONVERSION_OWNERSHIP_WINDOW", 5*time.Minute),
		maxAttempts:     envutil.Int("CONVERSION_MAX_ATTEMPTS", 3),
		workerID:        worker,
	}
	// Capability resolution happens once, not per document.
	if se, ok := extractor.(extraction.StreamExtractor); ok {
		o.streamEx = se
	}
	return o, nil
}

// run carries the per-attempt state so progress stays monotonic and
// metadata merges accumulate.
type run struct {
	doc         *domain.Document
	attempt     int
	startedAt   time.Time
	lastPercent int
	meta        map[string]interface{}
}

func (o *conversionOrchestrator) Process(ctx context.Context, documentID int64) error {
	dbc := dbctx.Context{Ctx: ctx}

	doc, err := o.docRepo.GetByID(dbc, documentID)
	if err != nil {
		return newConversionError(KindPersistence, StageInitializing, "load document", err)
	}
	if doc == nil {
		// Abandoned: one log row, zero document writes.
		o.logSvc.Record(ctx, LogEntry{
			DocumentID: documentID,
			Stage:      "document_not_found",
			Status:     domain.LogError,
			Message:    fmt.Sprintf("document %d does not exist, conversion abandoned", documentID),
		})
		return newConversionError(KindNotFound, StageInitializing, fmt.Sprintf("document %d not found", documentID), nil)
	}
	if strings.TrimSpace(doc.FilePath) == "" && strings.TrimSpace(doc.LegacyContent) == "" {
		return newConversionError(KindValidation, StageInitializing, fmt.Sprintf("document %d has no source file", documentID), nil)
	}
	if doc.Status == domain.StatusCompleted {
		return newConversionError(KindValidation, StageInitializing, fmt.Sprintf("document %d already completed", documentID), nil)
	}

	r := &run{
		doc:         doc,
		attempt:     priorAttempts(doc.ProcessingMetadata) + 1,
		lastPercent: -1,
		meta:        metadataMap(doc.ProcessingMetadata),
	}
	r.meta["attempts"] = r.attempt
	r.meta["worker"] = o.workerID
	r.meta["last_attempt_started_at"] = time.Now().UTC().Format(time.RFC3339)
	delete(r.meta, "retry_pending")

	claimed, err := o.docRepo.ClaimProcessing(dbc, doc.ID, o.ownershipWindow, map[string]interface{}{
		"processing_metadata":     mustJSON(r.meta),
		"processing_completed_at": nil,
	})
	if err != nil {
		return newConversionError(KindPersistence, StageInitializing, "claim document", err)
	}
	if !claimed {
		return newConversionError(KindValidation, StageInitializing,
			fmt.Sprintf("document %d is owned by another conversion attempt", documentID), nil)
	}
	r.startedAt = time.Now()

	o.stage(ctx, r, StageInitializing, 0, fmt.Sprintf("starting conversion attempt %d", r.attempt))

	text, cerr := o.extractText(ctx, r)
	if cerr != nil {
		return o.failAttempt(ctx, r, cerr)
	}

	text, cerr = o.prepareText(ctx, r, text)
	if cerr != nil {
		return o.failAttempt(ctx, r, cerr)
	}

	result, cerr := o.synthesize(ctx, r, text)
	if cerr != nil {
		return o.failAttempt(ctx, r, cerr)
	}

	o.generateCover(ctx, r)

	cerr = o.saveArtifacts(ctx, r, text, result)
	if cerr != nil {
		return o.failAttempt(ctx, r, cerr)
	}

	return o.complete(ctx, r)
}

func (o *conversionOrchestrator) extractText(ctx context.Context, r *run) (string, *ConversionError) {
	o.stage(ctx, r, StageExtractingText, 5, "extracting text from source file")

	// Rows migrated from the old portal carry their text inline and have
	// no source blob.
	if strings.TrimSpace(r.doc.FilePath) == "" {
		text := r.doc.LegacyContent
		o.stage(ctx, r, StageExtractingText, 10, fmt.Sprintf("using inline content, %d characters", len(text)))
		return text, nil
	}

	var (
		text string
		err  error
	)
	if o.streamEx != nil {
		var rc io.ReadCloser
		rc, err = o.bucket.DownloadFile(ctx, r.doc.FilePath)
		if err == nil {
			text, err = o.streamEx.ExtractStream(ctx, rc, r.doc.OriginalFilename, r.doc.MimeType)
			_ = rc.Close()
		}
	} else {
		var data []byte
		data, err = o.bucket.ReadAll(ctx, r.doc.FilePath)
		if err == nil {
			text, err = o.bytesEx.ExtractBytes(ctx, data, r.doc.OriginalFilename, r.doc.MimeType)
		}
	}
	if err != nil {
		if extraction.IsProtected(err) {
			return "", newConversionError(KindProtectedSource, StageExtractingText,
				"source file is password-protected or encrypted", err)
		}
		return "", newConversionError(KindExtraction, StageExtractingText, "text extraction failed", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", newConversionError(KindExtraction, StageExtractingText, "no text extracted from source file", nil)
	}

	if err := o.docRepo.UpdateFields(dbctx.Context{Ctx: ctx}, r.doc.ID, map[string]interface{}{
		"extracted_text": text,
	}); err != nil {
		return "", newConversionError(KindPersistence, StageExtractingText, "failed to persist extracted text", err)
	}

	o.stage(ctx, r, StageExtractingText, 10, fmt.Sprintf("extracted %d characters", len(text)))
	return text, nil
}

func (o *conversionOrchestrator) prepareText(ctx context.Context, r *run, text string) (string, *ConversionError) {
	o.stage(ctx, r, StagePreparingTTS, 15, "preparing text for synthesis")

	text = strings.TrimSpace(text)
	if text == "" {
		return "", newConversionError(KindValidation, StagePreparingTTS, "extracted text is empty after cleanup", nil)
	}
	if len(text) < minTextChars {
		return "", newConversionError(KindValidation, StagePreparingTTS,
			fmt.Sprintf("extracted text too short for synthesis: %d chars", len(text)), nil)
	}
	if len(text) > maxTextChars {
		return "", newConversionError(KindValidation, StagePreparingTTS,
			fmt.Sprintf("extracted text too long for synthesis: %d chars", len(text)), nil)
	}

	o.stage(ctx, r, StagePreparingTTS, 20, fmt.Sprintf("text ready: %d characters", len(text)))
	return text, nil
}

func (o *conversionOrchestrator) synthesize(ctx context.Context, r *run, text string) (*tts.Result, *ConversionError) {
	o.stage(ctx, r, StageTTSStarting, ttsPercentStart, "starting text-to-speech synthesis")

	result, err := o.tts.ConvertWithProgress(ctx, text, func(i, total int, status string) {
		// Per-chunk updates are best-effort and must not block synthesis.
		percent := ttsPercentStart
		if total > 0 {
			percent = ttsPercentStart + (i+1)*(ttsPercentEnd-ttsPercentStart)/total
		}
		o.stage(ctx, r, StageTTSProcessing, percent,
			fmt.Sprintf("synthesized chunk %d of %d", i+1, total))
	})
	if err != nil {
		return nil, newConversionError(KindTTS, StageTTSProcessing, "text-to-speech synthesis failed", err)
	}
	if result == nil || len(result.AudioByFormat["mp3"]) == 0 {
		return nil, newConversionError(KindTTS, StageTTSProcessing, "synthesis produced no audio", nil)
	}
	return result, nil
}

// generateCover is best-effort in full: any failure is logged as a warning
// and the pipeline continues.
func (o *conversionOrchestrator) generateCover(ctx context.Context, r *run) {
	if o.covers == nil || strings.TrimSpace(r.doc.CoverPath) != "" {
		return
	}
	o.stage(ctx, r, StageGeneratingCover, r.lastPercent, "generating cover image")

	buf, err := o.covers.Generate(r.doc.Title, r.doc.Type, r.doc.Year)
	if err != nil {
		o.warn(ctx, r, StageGeneratingCover, "cover generation failed", err)
		return
	}
	key := fmt.Sprintf("documents/covers/%d.png", r.doc.ID)
	if err := o.bucket.UploadFile(ctx, key, bytes.NewReader(buf.Bytes())); err != nil {
		o.warn(ctx, r, StageGeneratingCover, "cover upload failed", err)
		return
	}
	if err := o.docRepo.UpdateFields(dbctx.Context{Ctx: ctx}, r.doc.ID, map[string]interface{}{
		"cover_path":      key,
		"cover_mime_type": "image/png",
	}); err != nil {
		o.warn(ctx, r, StageGeneratingCover, "cover record update failed", err)
		return
	}
	r.doc.CoverPath = key
}

func (o *conversionOrchestrator) saveArtifacts(ctx context.Context, r *run, text string, result *tts.Result) *ConversionError {
	o.stage(ctx, r, StageSavingData, 90, "saving audio artifacts")

	audio := result.AudioByFormat["mp3"]
	transientKey := fmt.Sprintf("documents/audio/tmp/%d-%d.mp3", r.doc.ID, r.attempt)
	durableKey := fmt.Sprintf("documents/audio/%d.mp3", r.doc.ID)

	if err := o.bucket.UploadFile(ctx, transientKey, bytes.NewReader(audio)); err != nil {
		return newConversionError(KindPersistence, StageSavingData, "upload transient audio", err)
	}
	if err := o.bucket.CopyObject(ctx, transientKey, durableKey); err != nil {
		return newConversionError(KindPersistence, StageSavingData, "promote audio to durable key", err)
	}
	size, err := o.bucket.Size(ctx, durableKey)
	if err != nil {
		return newConversionError(KindPersistence, StageSavingData, "stat durable audio", err)
	}
	if err := o.bucket.DeleteFile(ctx, transientKey); err != nil {
		o.warn(ctx, r, StageSavingData, "transient audio cleanup failed", err)
	}

	sum := sha256.Sum256(audio)
	duration := result.DurationSeconds

	r.meta["chunks"] = result.ChunkCount
	r.meta["audio_formats"] = []string{"mp3"}
	r.meta["processing_seconds"] = time.Since(r.startedAt).Seconds()

	if err := o.docRepo.UpdateFields(dbctx.Context{Ctx: ctx}, r.doc.ID, map[string]interface{}{
		"extracted_text":      text,
		"audio_path":          durableKey,
		"audio_checksum":      hex.EncodeToString(sum[:]),
		"audio_size":          size,
		"audio_duration":      duration,
		"processing_metadata": mustJSON(r.meta),
	}); err != nil {
		return newConversionError(KindPersistence, StageSavingData, "persist conversion results", err)
	}
	r.doc.AudioPath = durableKey
	r.doc.AudioDuration = &duration

	o.stage(ctx, r, StageSavingData, 95, "audio artifacts saved")
	return nil
}

func (o *conversionOrchestrator) complete(ctx context.Context, r *run) error {
	now := time.Now()
	if err := o.docRepo.UpdateFields(dbctx.Context{Ctx: ctx}, r.doc.ID, map[string]interface{}{
		"status":                  domain.StatusCompleted,
		"processing_completed_at": now,
	}); err != nil {
		return o.failAttempt(ctx, r, newConversionError(KindPersistence, StageSavingData, "mark completed", err))
	}

	o.logSvc.Record(ctx, LogEntry{
		DocumentID: r.doc.ID,
		Stage:      StageCompleted,
		Status:     domain.LogSuccess,
		Message:    "document conversion completed",
		Metadata:   map[string]interface{}{"attempts": r.attempt},
	})
	if err := o.progress.MarkTerminal(ctx, progress.Snapshot{
		DocumentID: r.doc.ID,
		Percent:    100,
		Stage:      StageCompleted,
		Message:    "conversion completed",
	}); err != nil {
		o.log.Warn("terminal progress write failed (ignored)", "document_id", r.doc.ID, "error", err)
	}

	o.log.Info("conversion completed", "document_id", r.doc.ID, "attempt", r.attempt)
	return nil
}

// failAttempt applies the uniform failure policy: protected sources fail
// terminally at once, retryable kinds under the attempt cap reset the
// document to pending and re-raise so the dispatcher applies backoff, and
// everything else fails terminally.
func (o *conversionOrchestrator) failAttempt(ctx context.Context, r *run, cerr *ConversionError) error {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now().UTC()

	r.meta["last_error"] = cerr.Error()
	r.meta["last_error_stage"] = cerr.Stage
	r.meta["last_error_at"] = now.Format(time.RFC3339)

	if cerr.Kind == KindProtectedSource {
		r.meta["error_type"] = "pdf_protected"
		r.meta["user_action_required"] = true
		r.meta["remediation"] = []string{
			"remove the password from the source file",
			"re-export the document without encryption",
			"upload the unprotected version and reprocess",
		}
		r.meta["all_attempts_exhausted"] = true
		o.markFailed(ctx, r, cerr, "source file is protected, user action required")
		return cerr
	}

	if !Retryable(cerr.Kind) || r.attempt >= o.maxAttempts {
		r.meta["all_attempts_exhausted"] = true
		o.markFailed(ctx, r, cerr, fmt.Sprintf("conversion failed after %d attempt(s)", r.attempt))
		return cerr
	}

	r.meta["retry_pending"] = true
	if err := o.docRepo.UpdateFields(dbc, r.doc.ID, map[string]interface{}{
		"status":                domain.StatusPending,
		"processing_started_at": nil,
		"processing_metadata":   mustJSON(r.meta),
	}); err != nil {
		o.log.Error("failed to reset document for retry", "document_id", r.doc.ID, "error", err)
	}
	o.logSvc.Record(ctx, LogEntry{
		DocumentID: r.doc.ID,
		Stage:      cerr.Stage,
		Status:     domain.LogWarning,
		Message:    fmt.Sprintf("attempt %d failed, retry pending: %s", r.attempt, cerr.Msg),
		Metadata:   map[string]interface{}{"attempt": r.attempt, "kind": cerr.Kind},
	})
	if err := o.progress.Set(ctx, progress.Snapshot{
		DocumentID: r.doc.ID,
		Percent:    progress.PercentError,
		Stage:      cerr.Stage,
		Message:    fmt.Sprintf("attempt %d failed, retry scheduled", r.attempt),
	}); err != nil {
		o.log.Warn("progress write failed (ignored)", "document_id", r.doc.ID, "error", err)
	}

	o.log.Warn("conversion attempt failed, retry pending",
		"document_id", r.doc.ID, "attempt", r.attempt, "kind", cerr.Kind, "error", cerr)
	return cerr
}

func (o *conversionOrchestrator) markFailed(ctx context.Context, r *run, cerr *ConversionError, msg string) {
	if err := o.docRepo.UpdateFields(dbctx.Context{Ctx: ctx}, r.doc.ID, map[string]interface{}{
		"status":              domain.StatusFailed,
		"processing_metadata": mustJSON(r.meta),
	}); err != nil {
		o.log.Error("failed to mark document failed", "document_id", r.doc.ID, "error", err)
	}
	o.logSvc.Record(ctx, LogEntry{
		DocumentID: r.doc.ID,
		Stage:      cerr.Stage,
		Status:     domain.LogError,
		Message:    msg,
		Metadata:   map[string]interface{}{"attempt": r.attempt, "kind": cerr.Kind, "error": cerr.Error()},
	})
	if err := o.progress.MarkTerminal(ctx, progress.Snapshot{
		DocumentID: r.doc.ID,
		Percent:    progress.PercentError,
		Stage:      cerr.Stage,
		Message:    msg,
	}); err != nil {
		o.log.Warn("terminal progress write failed (ignored)", "document_id", r.doc.ID, "error", err)
	}
	o.log.Error("conversion failed terminally",
		"document_id", r.doc.ID, "attempt", r.attempt, "kind", cerr.Kind, "error", cerr)
}

// HandleTerminalFailure is the dispatcher's final-attempt callback. Every
// write here is best-effort; nothing is thrown back to the caller.
func (o *conversionOrchestrator) HandleTerminalFailure(ctx context.Context, documentID int64, errMsg string) {
	dbc := dbctx.Context{Ctx: ctx}
	doc, err := o.docRepo.GetByID(dbc, documentID)
	if err != nil || doc == nil {
		o.log.Warn("terminal failure handler could not load document",
			"document_id", documentID, "error", err)
		return
	}
	if doc.Status == domain.StatusCompleted {
		return
	}

	meta := metadataMap(doc.ProcessingMetadata)
	meta["all_attempts_exhausted"] = true
	meta["last_error"] = errMsg
	meta["failed_by"] = "dispatcher"

	if err := o.docRepo.UpdateFields(dbc, documentID, map[string]interface{}{
		"status":              domain.StatusFailed,
		"processing_metadata": mustJSON(meta),
	}); err != nil {
		o.log.Warn("terminal failure update failed (ignored)", "document_id", documentID, "error", err)
	}
	o.logSvc.Record(ctx, LogEntry{
		DocumentID: documentID,
		Stage:      StageCompleted,
		Status:     domain.LogError,
		Message:    "dispatcher reported terminal failure: " + errMsg,
	})
	if err := o.progress.MarkTerminal(ctx, progress.Snapshot{
		DocumentID: documentID,
		Percent:    progress.PercentError,
		Stage:      StageCompleted,
		Message:    "conversion failed",
	}); err != nil {
		o.log.Warn("terminal progress write failed (ignored)", "document_id", documentID, "error", err)
	}
}

// stage writes one progress snapshot and one log row. Progress percents
// never move backwards within an attempt.
func (o *conversionOrchestrator) stage(ctx context.Context, r *run, stage string, percent int, msg string) {
	if percent < r.lastPercent {
		percent = r.lastPercent
	}
	r.lastPercent = percent

	if err := o.progress.Set(ctx, progress.Snapshot{
		DocumentID: r.doc.ID,
		Percent:    percent,
		Stage:      stage,
		Message:    msg,
	}); err != nil {
		o.log.Warn("progress write failed (ignored)", "document_id", r.doc.ID, "stage", stage, "error", err)
	}
	o.logSvc.Record(ctx, LogEntry{
		DocumentID: r.doc.ID,
		Stage:      stage,
		Status:     domain.LogInfo,
		Message:    msg,
		Metadata:   map[string]interface{}{"percent": percent, "attempt": r.attempt},
	})
}

func (o *conversionOrchestrator) warn(ctx context.Context, r *run, stage, msg string, err error) {
	o.logSvc.Record(ctx, LogEntry{
		DocumentID: r.doc.ID,
		Stage:      stage,
		Status:     domain.LogWarning,
		Message:    fmt.Sprintf("%s: %v", msg, err),
	})
	o.log.Warn(msg, "document_id", r.doc.ID, "stage", stage, "error", err)
}

// ------------------------
// Metadata helpers
// ------------------------

func metadataMap(raw datatypes.JSON) map[string]interface{} {
	out := map[string]interface{}{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func priorAttempts(raw datatypes.JSON) int {
	meta := metadataMap(raw)
	switch v := meta["attempts"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func mustJSON(m map[string]interface{}) datatypes.JSON {
	raw, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}
