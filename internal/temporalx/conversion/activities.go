package conversion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"gorm.io/gorm"

	"github.com/govpress/docaudio-backend/internal/data/repos/jobs"
	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/services"
)

type Activities struct {
	Log          *logger.Logger
	DB           *gorm.DB
	Orchestrator services.ConversionOrchestrator
	Jobs         jobs.ConversionJobRepo
}

// ProcessDocument runs one conversion attempt and mirrors the outcome onto
// the conversion_job row the dispatcher created.
func (a *Activities) ProcessDocument(ctx context.Context, input Input) error {
	jobID := parseJobID(input.QueueJobID)
	a.markJobRunning(ctx, jobID)

	stopHeartbeat := a.heartbeatLoop(ctx, jobID)
	defer stopHeartbeat()

	err := a.Orchestrator.Process(ctx, input.DocumentID)
	if err == nil {
		a.markJob(ctx, jobID, map[string]interface{}{
			"status": domain.JobSucceeded,
		})
		return nil
	}

	// Retryable outcomes park the row in retry_pending for the backoff
	// window; failed is reserved for terminal outcomes, which the
	// terminal-failure activity stamps.
	now := time.Now()
	kind := services.KindOf(err)
	status := domain.JobRetryPending
	if !services.Retryable(kind) {
		status = domain.JobFailed
	}
	a.markJob(ctx, jobID, map[string]interface{}{
		"status":        status,
		"error":         err.Error(),
		"last_error_at": now,
	})

	if !services.Retryable(kind) {
		return temporal.NewNonRetryableApplicationError(err.Error(), kind, err)
	}
	return temporal.NewApplicationError(err.Error(), kind)
}

// HandleTerminalFailure is best-effort by contract: it never returns an
// error to the workflow.
func (a *Activities) HandleTerminalFailure(ctx context.Context, input TerminalInput) error {
	a.Orchestrator.HandleTerminalFailure(ctx, input.DocumentID, input.Error)
	a.markJob(ctx, parseJobID(input.QueueJobID), map[string]interface{}{
		"status": domain.JobFailed,
	})
	return nil
}

// heartbeatLoop keeps the activity alive past the heartbeat timeout during
// long TTS runs, and refreshes the job row's heartbeat for the reconciler.
func (a *Activities) heartbeatLoop(ctx context.Context, jobID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
				if a.Jobs != nil && jobID != uuid.Nil {
					if err := a.Jobs.Heartbeat(dbctx.Context{Ctx: ctx}, jobID); err != nil {
						a.Log.Warn("job heartbeat failed (ignored)", "job_id", jobID, "error", err)
					}
				}
			}
		}
	}()
	return func() { close(done) }
}

func (a *Activities) markJobRunning(ctx context.Context, jobID uuid.UUID) {
	now := time.Now()
	a.markJob(ctx, jobID, map[string]interface{}{
		"status":       domain.JobRunning,
		"attempts":     gorm.Expr("attempts + 1"),
		"reserved_at":  now,
		"heartbeat_at": now,
	})
}

func (a *Activities) markJob(ctx context.Context, jobID uuid.UUID, updates map[string]interface{}) {
	if a.Jobs == nil || jobID == uuid.Nil {
		return
	}
	if err := a.Jobs.UpdateFields(dbctx.Context{Ctx: ctx}, jobID, updates); err != nil {
		a.Log.Warn("job status update failed (ignored)", "job_id", jobID, "error", err)
	}
}

func parseJobID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}
