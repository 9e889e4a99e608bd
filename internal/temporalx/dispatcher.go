package temporalx

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/govpress/docaudio-backend/internal/data/repos/jobs"
	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/services"
	"github.com/govpress/docaudio-backend/internal/temporalx/conversion"
)

// workflowStarter is the slice of the Temporal client the dispatcher needs.
type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options temporalsdkclient.StartWorkflowOptions, workflow interface{}, args ...interface{}) (temporalsdkclient.WorkflowRun, error)
}

type dispatcher struct {
	log     *logger.Logger
	tc      workflowStarter
	jobRepo jobs.ConversionJobRepo
	cfg     Config
}

// NewDispatcher wires document conversions onto Temporal. Each dispatch
// writes a conversion_job mirror row first so the reconciler sees queued
// work even if the workflow start fails.
func NewDispatcher(log *logger.Logger, tc temporalsdkclient.Client, jobRepo jobs.ConversionJobRepo) (services.Dispatcher, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if tc == nil {
		return nil, fmt.Errorf("temporal client required")
	}
	if jobRepo == nil {
		return nil, fmt.Errorf("job repo required")
	}
	return &dispatcher{
		log:     log.With("service", "ConversionDispatcher"),
		tc:      tc,
		jobRepo: jobRepo,
		cfg:     LoadConfig(),
	}, nil
}

func (d *dispatcher) DispatchConversion(ctx context.Context, doc *domain.Document) error {
	if doc == nil || doc.ID == 0 {
		return fmt.Errorf("dispatch: document required")
	}

	job := &domain.ConversionJob{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		Status:     domain.JobQueued,
	}
	if _, err := d.jobRepo.Create(dbctx.Context{Ctx: ctx}, job); err != nil {
		return fmt.Errorf("dispatch: create job row: %w", err)
	}

	// ALLOW_DUPLICATE still rejects a start while a run with this ID is
	// open, which is the dedup we want. Once that run closes, a later
	// reprocess or reconcile redispatch can start a fresh run.
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    fmt.Sprintf("doc-convert-%s", doc.ExternalID),
		TaskQueue:             d.cfg.TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	input := conversion.Input{
		DocumentID: doc.ID,
		ExternalID: doc.ExternalID.String(),
		QueueJobID: job.ID.String(),
	}

	run, err := d.tc.ExecuteWorkflow(ctx, opts, conversion.WorkflowName, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			// A run for this document is still open; drop our row.
			if uErr := d.jobRepo.UpdateFields(dbctx.Context{Ctx: ctx}, job.ID, map[string]interface{}{
				"status": domain.JobCanceled,
			}); uErr != nil {
				d.log.Warn("duplicate job row cancel failed (ignored)", "job_id", job.ID, "error", uErr)
			}
			d.log.Info("conversion already dispatched", "document_id", doc.ID)
			return nil
		}
		if uErr := d.jobRepo.UpdateFields(dbctx.Context{Ctx: ctx}, job.ID, map[string]interface{}{
			"status": domain.JobFailed,
			"error":  err.Error(),
		}); uErr != nil {
			d.log.Warn("failed job row update failed (ignored)", "job_id", job.ID, "error", uErr)
		}
		return fmt.Errorf("dispatch: start workflow: %w", err)
	}

	d.log.Info("conversion dispatched",
		"document_id", doc.ID, "workflow_id", run.GetID(), "run_id", run.GetRunID(), "job_id", job.ID)
	return nil
}
