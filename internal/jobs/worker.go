package jobs

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	jobsrepo "github.com/govpress/docaudio-backend/internal/data/repos/jobs"
	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/envutil"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/services"
)

// Worker is the queue-polling conversion driver used when Temporal is not
// configured. It claims conversion_job rows straight from postgres (FOR
// UPDATE SKIP LOCKED, so multiple workers can poll the same table) and
// runs the orchestrator in-process.
type Worker struct {
	db           *gorm.DB
	log          *logger.Logger
	repo         jobsrepo.ConversionJobRepo
	orchestrator services.ConversionOrchestrator

	pollInterval time.Duration
	maxAttempts  int
	retryDelay   time.Duration
	staleRunning time.Duration
}

func NewWorker(
	db *gorm.DB,
	baseLog *logger.Logger,
	repo jobsrepo.ConversionJobRepo,
	orchestrator services.ConversionOrchestrator,
) (*Worker, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if repo == nil || orchestrator == nil {
		return nil, fmt.Errorf("job worker missing deps")
	}
	return &Worker{
		db:           db,
		log:          baseLog.With("component", "JobWorker"),
		repo:         repo,
		orchestrator: orchestrator,

		pollInterval: envutil.Duration("JOB_POLL_INTERVAL", 2*time.Second),
		maxAttempts:  envutil.Int("CONVERSION_MAX_ATTEMPTS", 3),
		retryDelay:   envutil.Duration("JOB_RETRY_DELAY", 60*time.Second),
		staleRunning: envutil.Duration("JOB_STALE_RUNNING", 30*time.Minute),
	}, nil
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting queue-polling conversion worker",
		"poll_interval", w.pollInterval.String(), "max_attempts", w.maxAttempts)
	go func() {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.maxAttempts, w.retryDelay, w.staleRunning)
				if err != nil {
					w.log.Warn("ClaimNextRunnable failed", "error", err)
					continue
				}
				if job == nil {
					continue
				}
				w.runJob(ctx, job)
			}
		}
	}()
}

func (w *Worker) runJob(ctx context.Context, job *domain.ConversionJob) {
	defer func() {
		if rec := recover(); rec != nil {
			w.log.Error("conversion panicked", "job_id", job.ID, "document_id", job.DocumentID, "panic", rec)
			w.markOutcome(ctx, job, domain.JobFailed, fmt.Sprintf("panic: %v", rec))
		}
	}()

	err := w.orchestrator.Process(ctx, job.DocumentID)
	if err == nil {
		w.markOutcome(ctx, job, domain.JobSucceeded, "")
		return
	}

	// The claim already counted this attempt; job.Attempts is the value
	// before the claim bumped it.
	attempt := job.Attempts + 1
	kind := services.KindOf(err)
	status := domain.JobRetryPending
	if !services.Retryable(kind) || attempt >= w.maxAttempts {
		status = domain.JobFailed
	}
	w.markOutcome(ctx, job, status, err.Error())
	w.log.Warn("conversion attempt failed",
		"job_id", job.ID, "document_id", job.DocumentID, "attempt", attempt, "kind", kind, "status", status, "error", err)
}

func (w *Worker) markOutcome(ctx context.Context, job *domain.ConversionJob, status, errMsg string) {
	updates := map[string]interface{}{
		"status": status,
	}
	if errMsg != "" {
		updates["error"] = errMsg
		updates["last_error_at"] = time.Now()
	}
	if err := w.repo.UpdateFields(dbctx.Context{Ctx: ctx}, job.ID, updates); err != nil {
		w.log.Warn("job outcome update failed (ignored)", "job_id", job.ID, "error", err)
	}
}
