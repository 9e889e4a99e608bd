package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/govpress/docaudio-backend/internal/data/repos/documents"
	"github.com/govpress/docaudio-backend/internal/data/repos/jobs"
	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/envutil"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
)

// Backlog sizes above these emit warnings; they never trigger mutation.
const (
	failedBacklogWarn = 5
	queuedBacklogWarn = 10
)

// ReconcileReport is what a sweep found, and for Reconcile, what it did.
type ReconcileReport struct {
	StuckProcessing   []int64     `json:"stuck_processing"`
	StalePending      []int64     `json:"stale_pending"`
	StaleReservations []uuid.UUID `json:"stale_reservations"`

	FailedBacklog int64 `json:"failed_backlog"`
	QueuedBacklog int64 `json:"queued_backlog"`

	ResetDocuments      int      `json:"reset_documents"`
	ClearedReservations int      `json:"cleared_reservations"`
	Redispatched        int      `json:"redispatched"`
	Warnings            []string `json:"warnings,omitempty"`
}

// Reconciler finds work the pipeline lost track of: documents stuck in
// processing after a worker crash, pending documents nothing ever picked
// up, and queue rows holding reservations nobody will honor.
type Reconciler interface {
	Scan(ctx context.Context) (*ReconcileReport, error)
	Reconcile(ctx context.Context) (*ReconcileReport, error)
}

type reconciler struct {
	db         *gorm.DB
	log        *logger.Logger
	docRepo    documents.DocumentRepo
	jobRepo    jobs.ConversionJobRepo
	logSvc     ConversionLogService
	dispatcher Dispatcher

	stuckProcessingAfter time.Duration
	stalePendingAfter    time.Duration
	reservationAfter     time.Duration
	redispatch           bool
}

func NewReconciler(
	db *gorm.DB,
	baseLog *logger.Logger,
	docRepo documents.DocumentRepo,
	jobRepo jobs.ConversionJobRepo,
	logSvc ConversionLogService,
	dispatcher Dispatcher,
) Reconciler {
	return &reconciler{
		db:         db,
		log:        baseLog.With("service", "Reconciler"),
		docRepo:    docRepo,
		jobRepo:    jobRepo,
		logSvc:     logSvc,
		dispatcher: dispatcher,

		stuckProcessingAfter: envutil.Duration("RECONCILE_STUCK_PROCESSING_AFTER", 2*time.Hour),
		stalePendingAfter:    envutil.Duration("RECONCILE_STALE_PENDING_AFTER", 6*time.Hour),
		reservationAfter:     envutil.Duration("RECONCILE_RESERVATION_AFTER", 30*time.Minute),
		redispatch:           envutil.Bool("RECONCILE_REDISPATCH", false),
	}
}

func (r *reconciler) Scan(ctx context.Context) (*ReconcileReport, error) {
	now := time.Now()
	report := &ReconcileReport{}

	var (
		stuck []*domain.Document
		stale []*domain.Document
		rsv   []*domain.ConversionJob
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stuck, err = r.docRepo.ListStuckProcessing(dbctx.Context{Ctx: gctx}, now.Add(-r.stuckProcessingAfter))
		return err
	})
	g.Go(func() error {
		var err error
		stale, err = r.docRepo.ListStalePending(dbctx.Context{Ctx: gctx}, now.Add(-r.stalePendingAfter))
		return err
	})
	g.Go(func() error {
		var err error
		rsv, err = r.jobRepo.ListStaleReservations(dbctx.Context{Ctx: gctx}, now.Add(-r.reservationAfter))
		return err
	})
	g.Go(func() error {
		var err error
		report.FailedBacklog, err = r.jobRepo.CountByStatus(dbctx.Context{Ctx: gctx}, domain.JobFailed)
		return err
	})
	g.Go(func() error {
		var err error
		report.QueuedBacklog, err = r.jobRepo.CountByStatus(dbctx.Context{Ctx: gctx}, domain.JobQueued)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reconciler scan: %w", err)
	}

	for _, d := range stuck {
		report.StuckProcessing = append(report.StuckProcessing, d.ID)
	}
	for _, d := range stale {
		report.StalePending = append(report.StalePending, d.ID)
	}
	for _, j := range rsv {
		report.StaleReservations = append(report.StaleReservations, j.ID)
	}
	if report.FailedBacklog > failedBacklogWarn {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("failed job backlog at %d (threshold %d)", report.FailedBacklog, failedBacklogWarn))
	}
	if report.QueuedBacklog > queuedBacklogWarn {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("queued job backlog at %d (threshold %d)", report.QueuedBacklog, queuedBacklogWarn))
	}
	return report, nil
}

func (r *reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	now := time.Now()
	dbc := dbctx.Context{Ctx: ctx}

	report, err := r.Scan(ctx)
	if err != nil {
		return nil, err
	}

	stuck, err := r.docRepo.ListStuckProcessing(dbc, now.Add(-r.stuckProcessingAfter))
	if err != nil {
		return nil, err
	}
	for _, doc := range stuck {
		if err := r.resetStuck(ctx, doc); err != nil {
			r.log.Error("failed to reset stuck document", "document_id", doc.ID, "error", err)
			continue
		}
		report.ResetDocuments++
		if r.maybeRedispatch(ctx, doc) {
			report.Redispatched++
		}
	}

	if r.redispatch {
		stale, err := r.docRepo.ListStalePending(dbc, now.Add(-r.stalePendingAfter))
		if err != nil {
			return nil, err
		}
		for _, doc := range stale {
			r.logSvc.Record(ctx, LogEntry{
				DocumentID: doc.ID,
				JobName:    "reconciler",
				Stage:      "reconcile",
				Status:     domain.LogWarning,
				Message:    "pending document never picked up, re-dispatching",
				Metadata: map[string]interface{}{
					"reset_reason":  "stale_pending",
					"pending_since": doc.CreatedAt.UTC().Format(time.RFC3339),
				},
			})
			if r.maybeRedispatch(ctx, doc) {
				report.Redispatched++
			}
		}
	}

	rsv, err := r.jobRepo.ListStaleReservations(dbc, now.Add(-r.reservationAfter))
	if err != nil {
		return nil, err
	}
	for _, job := range rsv {
		if err := r.jobRepo.ClearReservation(dbc, job.ID); err != nil {
			r.log.Error("failed to clear stale reservation", "job_id", job.ID, "error", err)
			continue
		}
		report.ClearedReservations++
		r.logSvc.Record(ctx, LogEntry{
			DocumentID: job.DocumentID,
			JobName:    "reconciler",
			Stage:      "reconcile",
			Status:     domain.LogWarning,
			Message:    "cleared stale queue reservation",
			Metadata: map[string]interface{}{
				"reset_reason": "stale_reservation",
				"queue_job_id": job.ID.String(),
				"reserved_at":  formatTimePtr(job.ReservedAt),
			},
			QueueJobID: job.ID.String(),
		})
	}

	r.log.Info("reconcile sweep finished",
		"reset_documents", report.ResetDocuments,
		"cleared_reservations", report.ClearedReservations,
		"redispatched", report.Redispatched,
		"warnings", len(report.Warnings))
	return report, nil
}

// resetStuck sends a wedged processing document back to pending, keeping
// the original start timestamp in metadata for the audit trail.
func (r *reconciler) resetStuck(ctx context.Context, doc *domain.Document) error {
	meta := metadataMap(doc.ProcessingMetadata)
	meta["reset_reason"] = "stuck_processing"
	meta["reset_at"] = time.Now().UTC().Format(time.RFC3339)
	if doc.ProcessingStartedAt != nil {
		meta["stalled_processing_started_at"] = doc.ProcessingStartedAt.UTC().Format(time.RFC3339)
	}

	if err := r.docRepo.UpdateFields(dbctx.Context{Ctx: ctx}, doc.ID, map[string]interface{}{
		"status":                domain.StatusPending,
		"processing_started_at": nil,
		"processing_metadata":   mustJSON(meta),
	}); err != nil {
		return err
	}
	r.logSvc.Record(ctx, LogEntry{
		DocumentID: doc.ID,
		JobName:    "reconciler",
		Stage:      "reconcile",
		Status:     domain.LogWarning,
		Message:    "stuck processing document reset to pending",
		Metadata: map[string]interface{}{
			"reset_reason":                  "stuck_processing",
			"stalled_processing_started_at": formatTimePtr(doc.ProcessingStartedAt),
		},
	})
	return nil
}

func (r *reconciler) maybeRedispatch(ctx context.Context, doc *domain.Document) bool {
	if !r.redispatch || r.dispatcher == nil {
		return false
	}
	if err := r.dispatcher.DispatchConversion(ctx, doc); err != nil {
		r.log.Warn("redispatch failed (ignored)", "document_id", doc.ID, "error", err)
		return false
	}
	return true
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
