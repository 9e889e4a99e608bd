package conversion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"gorm.io/gorm"

	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/services"
)

type fakeOrchestrator struct {
	err       error
	processed []int64
	terminal  []int64
}

func (f *fakeOrchestrator) Process(ctx context.Context, documentID int64) error {
	f.processed = append(f.processed, documentID)
	return f.err
}

func (f *fakeOrchestrator) HandleTerminalFailure(ctx context.Context, documentID int64, errMsg string) {
	f.terminal = append(f.terminal, documentID)
}

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.ConversionJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[uuid.UUID]*domain.ConversionJob{}}
}

func (f *fakeJobStore) Create(dbc dbctx.Context, job *domain.ConversionJob) (*domain.ConversionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	return &cp, nil
}

func (f *fakeJobStore) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ConversionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobStore) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay, staleRunning time.Duration) (*domain.ConversionJob, error) {
	return nil, nil
}

func (f *fakeJobStore) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil
	}
	for k, v := range updates {
		switch k {
		case "status":
			job.Status = v.(string)
		case "error":
			job.Error = v.(string)
		case "attempts":
			// gorm.Expr("attempts + 1") in production.
			job.Attempts++
		case "last_error_at":
			t := v.(time.Time)
			job.LastErrorAt = &t
		}
	}
	return nil
}

func (f *fakeJobStore) Heartbeat(dbc dbctx.Context, id uuid.UUID) error { return nil }

func (f *fakeJobStore) HasRunnableForDocument(dbc dbctx.Context, documentID int64) (bool, error) {
	return false, nil
}

func (f *fakeJobStore) ListStaleReservations(dbc dbctx.Context, reservedBefore time.Time) ([]*domain.ConversionJob, error) {
	return nil, nil
}

func (f *fakeJobStore) ClearReservation(dbc dbctx.Context, id uuid.UUID) error { return nil }

func (f *fakeJobStore) CountByStatus(dbc dbctx.Context, status string) (int64, error) {
	return 0, nil
}

func (f *fakeJobStore) status(t *testing.T, id uuid.UUID) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		t.Fatalf("job %v missing", id)
	}
	return job.Status
}

func activitiesFixture(t *testing.T, orchErr error) (*Activities, *fakeOrchestrator, *fakeJobStore, uuid.UUID) {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	orch := &fakeOrchestrator{err: orchErr}
	store := newFakeJobStore()
	jobID := uuid.New()
	if _, err := store.Create(dbctx.Context{Ctx: context.Background()}, &domain.ConversionJob{
		ID:         jobID,
		DocumentID: 42,
		Status:     domain.JobQueued,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return &Activities{Log: log, DB: &gorm.DB{}, Orchestrator: orch, Jobs: store}, orch, store, jobID
}

func TestProcessDocumentSuccessMarksSucceeded(t *testing.T) {
	acts, orch, store, jobID := activitiesFixture(t, nil)

	err := acts.ProcessDocument(context.Background(), Input{DocumentID: 42, QueueJobID: jobID.String()})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if len(orch.processed) != 1 || orch.processed[0] != 42 {
		t.Fatalf("processed %v, want [42]", orch.processed)
	}
	if got := store.status(t, jobID); got != domain.JobSucceeded {
		t.Fatalf("job status %q, want succeeded", got)
	}
}

func TestProcessDocumentRetryableParksRetryPending(t *testing.T) {
	procErr := &services.ConversionError{Kind: services.KindTTS, Stage: "tts_processing", Msg: "synthesis failed"}
	acts, _, store, jobID := activitiesFixture(t, procErr)

	err := acts.ProcessDocument(context.Background(), Input{DocumentID: 42, QueueJobID: jobID.String()})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := store.status(t, jobID); got != domain.JobRetryPending {
		t.Fatalf("job status %q, want retry_pending between attempts", got)
	}

	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected application error, got %T", err)
	}
	if appErr.NonRetryable() {
		t.Fatal("TTS failure must stay retryable")
	}
	if appErr.Type() != services.KindTTS {
		t.Fatalf("error type %q, want %q", appErr.Type(), services.KindTTS)
	}
}

func TestProcessDocumentNonRetryableMarksFailed(t *testing.T) {
	procErr := &services.ConversionError{Kind: services.KindProtectedSource, Stage: "extracting_text", Msg: "source encrypted"}
	acts, _, store, jobID := activitiesFixture(t, procErr)

	err := acts.ProcessDocument(context.Background(), Input{DocumentID: 42, QueueJobID: jobID.String()})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := store.status(t, jobID); got != domain.JobFailed {
		t.Fatalf("job status %q, want failed", got)
	}

	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected application error, got %T", err)
	}
	if !appErr.NonRetryable() {
		t.Fatal("protected source must be non-retryable")
	}
}

func TestHandleTerminalFailureMarksFailed(t *testing.T) {
	acts, orch, store, jobID := activitiesFixture(t, nil)

	err := acts.HandleTerminalFailure(context.Background(), TerminalInput{
		DocumentID: 42,
		QueueJobID: jobID.String(),
		Error:      "conversion failed after 3 attempt(s)",
	})
	if err != nil {
		t.Fatalf("HandleTerminalFailure: %v", err)
	}
	if len(orch.terminal) != 1 || orch.terminal[0] != 42 {
		t.Fatalf("terminal callbacks %v, want [42]", orch.terminal)
	}
	if got := store.status(t, jobID); got != domain.JobFailed {
		t.Fatalf("job status %q, want failed", got)
	}
}
