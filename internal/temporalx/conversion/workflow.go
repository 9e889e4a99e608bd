package conversion

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/govpress/docaudio-backend/internal/services"
)

// Workflow drives one document conversion. Retry with backoff lives in the
// activity retry policy; the orchestrator resets the document between
// attempts so each retry starts from pending.
func Workflow(ctx workflow.Context, input Input) error {
	if input.DocumentID == 0 {
		return fmt.Errorf("conversion workflow: missing document_id")
	}

	actCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Hour,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    60 * time.Second,
			BackoffCoefficient: 5.0,
			MaximumInterval:    900 * time.Second,
			MaximumAttempts:    3,
			NonRetryableErrorTypes: []string{
				services.KindNotFound,
				services.KindValidation,
				services.KindProtectedSource,
			},
		},
	})

	err := workflow.ExecuteActivity(actCtx, ActivityProcess, input).Get(ctx, nil)
	if err == nil {
		return nil
	}

	// Final failure: let the orchestrator stamp the terminal state. The
	// cleanup activity gets one shot and its failure is swallowed.
	cleanupCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	terminal := TerminalInput{
		DocumentID: input.DocumentID,
		QueueJobID: input.QueueJobID,
		Error:      err.Error(),
	}
	if cleanupErr := workflow.ExecuteActivity(cleanupCtx, ActivityTerminalFailure, terminal).Get(ctx, nil); cleanupErr != nil {
		workflow.GetLogger(ctx).Warn("terminal failure activity failed",
			"document_id", input.DocumentID, "error", cleanupErr)
	}
	return err
}
