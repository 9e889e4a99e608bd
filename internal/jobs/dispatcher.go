package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	jobsrepo "github.com/govpress/docaudio-backend/internal/data/repos/jobs"
	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/services"
)

type queueDispatcher struct {
	log  *logger.Logger
	repo jobsrepo.ConversionJobRepo
}

// NewQueueDispatcher enqueues conversion_job rows for the polling Worker.
// It is the dispatch path when Temporal is not configured.
func NewQueueDispatcher(log *logger.Logger, repo jobsrepo.ConversionJobRepo) (services.Dispatcher, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if repo == nil {
		return nil, fmt.Errorf("job repo required")
	}
	return &queueDispatcher{
		log:  log.With("service", "QueueDispatcher"),
		repo: repo,
	}, nil
}

func (d *queueDispatcher) DispatchConversion(ctx context.Context, doc *domain.Document) error {
	if doc == nil || doc.ID == 0 {
		return fmt.Errorf("dispatch: document required")
	}

	dbc := dbctx.Context{Ctx: ctx}
	has, err := d.repo.HasRunnableForDocument(dbc, doc.ID)
	if err != nil {
		return fmt.Errorf("dispatch: check runnable jobs: %w", err)
	}
	if has {
		d.log.Info("conversion already queued", "document_id", doc.ID)
		return nil
	}

	job := &domain.ConversionJob{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		Status:     domain.JobQueued,
	}
	if _, err := d.repo.Create(dbc, job); err != nil {
		return fmt.Errorf("dispatch: create job row: %w", err)
	}
	d.log.Info("conversion queued", "document_id", doc.ID, "job_id", job.ID)
	return nil
}
