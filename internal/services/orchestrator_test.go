package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/extraction"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/progress"
)

type orchestratorFixture struct {
	repo      *fakeDocumentRepo
	logs      *fakeLogService
	bucket    *fakeBucket
	extractor *fakeExtractor
	converter *fakeConverter
	store     *recordingStore
	orch      ConversionOrchestrator
}

// recordingStore captures every percent written so tests can check
// monotonicity; MemoryStore alone only keeps the last snapshot.
type recordingStore struct {
	*progress.MemoryStore
	mu       sync.Mutex
	percents []int
}

func (r *recordingStore) Set(ctx context.Context, snap progress.Snapshot) error {
	r.mu.Lock()
	r.percents = append(r.percents, snap.Percent)
	r.mu.Unlock()
	return r.MemoryStore.Set(ctx, snap)
}

func (r *recordingStore) MarkTerminal(ctx context.Context, snap progress.Snapshot) error {
	r.mu.Lock()
	r.percents = append(r.percents, snap.Percent)
	r.mu.Unlock()
	return r.MemoryStore.MarkTerminal(ctx, snap)
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	f := &orchestratorFixture{
		repo:      newFakeDocumentRepo(),
		logs:      &fakeLogService{},
		bucket:    newFakeBucket(),
		extractor: &fakeExtractor{text: "Hello world"},
		converter: &fakeConverter{chunks: 1, duration: 5},
		store:     &recordingStore{MemoryStore: progress.NewMemoryStore()},
	}
	orch, err := NewConversionOrchestrator(nil, log, f.repo, f.logs, f.bucket, f.extractor, f.converter, f.store, nil)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func (f *orchestratorFixture) seedDocument(t *testing.T, id int64, status string) *domain.Document {
	t.Helper()
	key := fmt.Sprintf("documents/source/%d.pdf", id)
	f.bucket.objects[key] = []byte("%PDF-source")
	return f.repo.put(&domain.Document{
		ID:               id,
		Title:            "Annual Statistics",
		Slug:             fmt.Sprintf("annual-statistics-%d", id),
		Type:             domain.DocTypePublication,
		Year:             2025,
		FilePath:         key,
		OriginalFilename: "annual.pdf",
		MimeType:         "application/pdf",
		Status:           status,
		CreatedAt:        time.Now(),
	})
}

func docMeta(t *testing.T, repo *fakeDocumentRepo, id int64) map[string]interface{} {
	t.Helper()
	doc, _ := repo.GetByID(dbctxBg(), id)
	if doc == nil {
		t.Fatalf("document %d missing", id)
	}
	out := map[string]interface{}{}
	if len(doc.ProcessingMetadata) > 0 {
		if err := json.Unmarshal(doc.ProcessingMetadata, &out); err != nil {
			t.Fatalf("metadata unmarshal: %v", err)
		}
	}
	return out
}

func dbctxBg() dbctx.Context {
	return dbctx.Context{Ctx: context.Background()}
}

func TestOrchestratorHappyPath(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.seedDocument(t, 42, domain.StatusPending)

	if err := f.orch.Process(context.Background(), 42); err != nil {
		t.Fatalf("process: %v", err)
	}

	doc, _ := f.repo.GetByID(dbctxBg(), 42)
	if doc.Status != domain.StatusCompleted {
		t.Fatalf("status %q, want completed", doc.Status)
	}
	if doc.AudioPath != "documents/audio/42.mp3" {
		t.Fatalf("audio path %q", doc.AudioPath)
	}
	if doc.AudioDuration == nil || *doc.AudioDuration != 5 {
		t.Fatalf("audio duration %v", doc.AudioDuration)
	}
	if doc.ExtractedText != "Hello world" {
		t.Fatalf("extracted text %q", doc.ExtractedText)
	}
	if doc.AudioChecksum == "" || doc.AudioSize == 0 {
		t.Fatalf("missing checksum/size: %q %d", doc.AudioChecksum, doc.AudioSize)
	}
	if doc.ProcessingCompletedAt == nil {
		t.Fatal("completion timestamp not set")
	}

	snap, err := f.store.Get(context.Background(), 42)
	if err != nil || snap == nil {
		t.Fatalf("progress snapshot: %v %v", snap, err)
	}
	if snap.Percent != 100 || snap.Stage != StageCompleted {
		t.Fatalf("terminal snapshot %+v", snap)
	}

	if n := f.logs.count(); n < 7 {
		t.Fatalf("expected at least 7 log entries, got %d", n)
	}

	if _, ok := f.bucket.objects["documents/audio/42.mp3"]; !ok {
		t.Fatal("durable audio object missing")
	}
	for key := range f.bucket.objects {
		if len(key) > 20 && key[:20] == "documents/audio/tmp/" {
			t.Fatalf("transient object %q not cleaned up", key)
		}
	}
}

func TestOrchestratorLegacyInlineContent(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.repo.put(&domain.Document{
		ID:            7,
		Title:         "Migrated Bulletin",
		Slug:          "migrated-bulletin-7",
		Type:          domain.DocTypePublication,
		Year:          2019,
		LegacyContent: "Text carried over from the old portal.",
		Status:        domain.StatusPending,
		CreatedAt:     time.Now(),
	})

	if err := f.orch.Process(context.Background(), 7); err != nil {
		t.Fatalf("process: %v", err)
	}

	doc, _ := f.repo.GetByID(dbctxBg(), 7)
	if doc.Status != domain.StatusCompleted {
		t.Fatalf("status %q, want completed", doc.Status)
	}
	if doc.ExtractedText != "Text carried over from the old portal." {
		t.Fatalf("extracted text %q", doc.ExtractedText)
	}
	if f.extractor.calls != 0 {
		t.Fatalf("extractor called %d times for inline content", f.extractor.calls)
	}
}

func TestOrchestratorProcessingSecondsReflectAttempt(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.converter.delay = 50 * time.Millisecond
	f.seedDocument(t, 3, domain.StatusPending)

	if err := f.orch.Process(context.Background(), 3); err != nil {
		t.Fatalf("process: %v", err)
	}

	meta := docMeta(t, f.repo, 3)
	secs, ok := meta["processing_seconds"].(float64)
	if !ok {
		t.Fatalf("processing_seconds missing or not a number: %v", meta["processing_seconds"])
	}
	if secs < 0.05 {
		t.Fatalf("processing_seconds %.6f, want at least the synthesis time", secs)
	}
}

func TestOrchestratorFailedDocRequiresReprocess(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.seedDocument(t, 5, domain.StatusFailed)

	err := f.orch.Process(context.Background(), 5)
	if KindOf(err) != KindValidation {
		t.Fatalf("kind %q, want Validation", KindOf(err))
	}

	doc, _ := f.repo.GetByID(dbctxBg(), 5)
	if doc.Status != domain.StatusFailed {
		t.Fatalf("status %q, want failed to stay terminal", doc.Status)
	}
}

func TestOrchestratorProgressMonotonic(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.converter.chunks = 8
	f.seedDocument(t, 1, domain.StatusPending)

	if err := f.orch.Process(context.Background(), 1); err != nil {
		t.Fatalf("process: %v", err)
	}

	last := -1
	for i, p := range f.store.percents {
		if p == progress.PercentError {
			continue
		}
		if p < last {
			t.Fatalf("progress went backwards at write %d: %d after %d", i, p, last)
		}
		last = p
	}
	if last != 100 {
		t.Fatalf("final percent %d, want 100", last)
	}
}

func TestOrchestratorNotFoundAbandons(t *testing.T) {
	f := newOrchestratorFixture(t)

	err := f.orch.Process(context.Background(), 999)
	if KindOf(err) != KindNotFound {
		t.Fatalf("kind %q, want NotFound", KindOf(err))
	}
	entries := f.logs.byStage("document_not_found")
	if len(entries) != 1 {
		t.Fatalf("expected exactly one document_not_found entry, got %d", len(entries))
	}
	if f.logs.count() != 1 {
		t.Fatalf("expected no other log entries, got %d", f.logs.count())
	}
	if f.repo.writes != 0 {
		t.Fatalf("expected zero document writes, got %d", f.repo.writes)
	}
}

func TestOrchestratorCompletedIsIdempotent(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.seedDocument(t, 7, domain.StatusCompleted)
	writesBefore := f.repo.writes

	err := f.orch.Process(context.Background(), 7)
	if KindOf(err) != KindValidation {
		t.Fatalf("kind %q, want Validation", KindOf(err))
	}
	if f.repo.writes != writesBefore {
		t.Fatalf("completed document was written to: %d writes", f.repo.writes-writesBefore)
	}
}

func TestOrchestratorConcurrentOwnerRejected(t *testing.T) {
	f := newOrchestratorFixture(t)
	doc := f.seedDocument(t, 3, domain.StatusProcessing)
	now := time.Now()
	doc.ProcessingStartedAt = &now
	f.repo.put(doc)

	err := f.orch.Process(context.Background(), 3)
	if KindOf(err) != KindValidation {
		t.Fatalf("kind %q, want Validation", KindOf(err))
	}
}

func TestOrchestratorStaleOwnerTakenOver(t *testing.T) {
	f := newOrchestratorFixture(t)
	doc := f.seedDocument(t, 4, domain.StatusProcessing)
	stale := time.Now().Add(-30 * time.Minute)
	doc.ProcessingStartedAt = &stale
	f.repo.put(doc)

	if err := f.orch.Process(context.Background(), 4); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := f.repo.GetByID(dbctxBg(), 4)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status %q, want completed", got.Status)
	}
}

func TestOrchestratorRetryCap(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.converter.err = errors.New("tts backend down")
	f.seedDocument(t, 10, domain.StatusPending)

	for attempt := 1; attempt <= 2; attempt++ {
		err := f.orch.Process(context.Background(), 10)
		if KindOf(err) != KindTTS {
			t.Fatalf("attempt %d: kind %q, want TTS", attempt, KindOf(err))
		}
		doc, _ := f.repo.GetByID(dbctxBg(), 10)
		if doc.Status != domain.StatusPending {
			t.Fatalf("attempt %d: status %q, want pending", attempt, doc.Status)
		}
		if doc.ProcessingStartedAt != nil {
			t.Fatalf("attempt %d: processing_started_at not cleared", attempt)
		}
		meta := docMeta(t, f.repo, 10)
		if meta["retry_pending"] != true {
			t.Fatalf("attempt %d: retry_pending missing: %v", attempt, meta)
		}
		if int(meta["attempts"].(float64)) != attempt {
			t.Fatalf("attempt %d: attempts=%v", attempt, meta["attempts"])
		}
	}

	err := f.orch.Process(context.Background(), 10)
	if KindOf(err) != KindTTS {
		t.Fatalf("final attempt kind %q", KindOf(err))
	}
	doc, _ := f.repo.GetByID(dbctxBg(), 10)
	if doc.Status != domain.StatusFailed {
		t.Fatalf("status %q, want failed", doc.Status)
	}
	meta := docMeta(t, f.repo, 10)
	if meta["all_attempts_exhausted"] != true {
		t.Fatalf("all_attempts_exhausted missing: %v", meta)
	}
	if int(meta["attempts"].(float64)) != 3 {
		t.Fatalf("attempts=%v, want 3", meta["attempts"])
	}
}

func TestOrchestratorProtectedSourceShortCircuits(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.extractor.err = &extraction.Error{Op: "pdf_reader", Protected: true, Err: errors.New("encrypted")}
	f.seedDocument(t, 20, domain.StatusPending)

	err := f.orch.Process(context.Background(), 20)
	if KindOf(err) != KindProtectedSource {
		t.Fatalf("kind %q, want ProtectedSource", KindOf(err))
	}

	doc, _ := f.repo.GetByID(dbctxBg(), 20)
	if doc.Status != domain.StatusFailed {
		t.Fatalf("status %q, want failed on first occurrence", doc.Status)
	}
	meta := docMeta(t, f.repo, 20)
	if meta["error_type"] != "pdf_protected" {
		t.Fatalf("error_type=%v", meta["error_type"])
	}
	if meta["user_action_required"] != true {
		t.Fatalf("user_action_required=%v", meta["user_action_required"])
	}
	if int(meta["attempts"].(float64)) != 1 {
		t.Fatalf("attempts=%v, want 1", meta["attempts"])
	}
	if rem, ok := meta["remediation"].([]interface{}); !ok || len(rem) == 0 {
		t.Fatalf("remediation missing: %v", meta["remediation"])
	}
}

func TestOrchestratorValidationHardFailsShortText(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.extractor.text = "short"
	f.seedDocument(t, 30, domain.StatusPending)

	err := f.orch.Process(context.Background(), 30)
	if KindOf(err) != KindValidation {
		t.Fatalf("kind %q, want Validation", KindOf(err))
	}
	doc, _ := f.repo.GetByID(dbctxBg(), 30)
	if doc.Status != domain.StatusFailed {
		t.Fatalf("status %q, want failed without retries", doc.Status)
	}
}

func TestOrchestratorPersistenceFailureRetries(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.bucket.failCopy = true
	f.seedDocument(t, 40, domain.StatusPending)

	err := f.orch.Process(context.Background(), 40)
	if KindOf(err) != KindPersistence {
		t.Fatalf("kind %q, want Persistence", KindOf(err))
	}
	doc, _ := f.repo.GetByID(dbctxBg(), 40)
	if doc.Status != domain.StatusPending {
		t.Fatalf("status %q, want pending for retry", doc.Status)
	}
}

func TestOrchestratorHandleTerminalFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.seedDocument(t, 50, domain.StatusPending)

	f.orch.HandleTerminalFailure(context.Background(), 50, "all retries exhausted")

	doc, _ := f.repo.GetByID(dbctxBg(), 50)
	if doc.Status != domain.StatusFailed {
		t.Fatalf("status %q, want failed", doc.Status)
	}
	meta := docMeta(t, f.repo, 50)
	if meta["all_attempts_exhausted"] != true {
		t.Fatalf("all_attempts_exhausted missing: %v", meta)
	}

	snap, _ := f.store.Get(context.Background(), 50)
	if snap == nil || snap.Percent != progress.PercentError {
		t.Fatalf("terminal snapshot %+v", snap)
	}
}

func TestOrchestratorHandleTerminalFailureLeavesCompleted(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.seedDocument(t, 60, domain.StatusCompleted)

	f.orch.HandleTerminalFailure(context.Background(), 60, "late failure report")

	doc, _ := f.repo.GetByID(dbctxBg(), 60)
	if doc.Status != domain.StatusCompleted {
		t.Fatalf("completed document was downgraded to %q", doc.Status)
	}
}
