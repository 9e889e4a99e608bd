package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
)

type ConversionJobRepo interface {
	Create(dbc dbctx.Context, job *domain.ConversionJob) (*domain.ConversionJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ConversionJob, error)
	ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*domain.ConversionJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	HasRunnableForDocument(dbc dbctx.Context, documentID int64) (bool, error)

	ListStaleReservations(dbc dbctx.Context, reservedBefore time.Time) ([]*domain.ConversionJob, error)
	ClearReservation(dbc dbctx.Context, id uuid.UUID) error
	CountByStatus(dbc dbctx.Context, status string) (int64, error)
}

type conversionJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversionJobRepo(db *gorm.DB, baseLog *logger.Logger) ConversionJobRepo {
	return &conversionJobRepo{
		db:  db,
		log: baseLog.With("repo", "ConversionJobRepo"),
	}
}

func (r *conversionJobRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *conversionJobRepo) Create(dbc dbctx.Context, job *domain.ConversionJob) (*domain.ConversionJob, error) {
	if job == nil {
		return nil, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *conversionJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ConversionJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.ConversionJob
	err := r.conn(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *conversionJobRepo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*domain.ConversionJob, error) {
	now := time.Now()
	retryCutoff := now.Add(-retryDelay)
	staleCutoff := now.Add(-staleRunning)
	var claimed *domain.ConversionJob
	err := r.conn(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job domain.ConversionJob
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        (
          status = ?
          OR (
            status = ?
            AND attempts < ?
            AND (last_error_at IS NULL OR last_error_at < ?)
          )
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, domain.JobQueued, domain.JobRetryPending, maxAttempts, retryCutoff, domain.JobRunning, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&domain.ConversionJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       domain.JobRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"reserved_at":  now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *conversionJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&domain.ConversionJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *conversionJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&domain.ConversionJob{}).
		Where("id = ? AND status = ?", id, domain.JobRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *conversionJobRepo) HasRunnableForDocument(dbc dbctx.Context, documentID int64) (bool, error) {
	if documentID == 0 {
		return false, nil
	}
	var count int64
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&domain.ConversionJob{}).
		Where("document_id = ? AND status IN ?", documentID,
			[]string{domain.JobQueued, domain.JobRunning, domain.JobRetryPending}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *conversionJobRepo) ListStaleReservations(dbc dbctx.Context, reservedBefore time.Time) ([]*domain.ConversionJob, error) {
	var out []*domain.ConversionJob
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("status IN ? AND reserved_at IS NOT NULL AND reserved_at < ?",
			[]string{domain.JobQueued, domain.JobRunning}, reservedBefore).
		Order("reserved_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *conversionJobRepo) ClearReservation(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&domain.ConversionJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.JobQueued,
			"reserved_at":  nil,
			"heartbeat_at": nil,
			"updated_at":   now,
		}).Error
}

func (r *conversionJobRepo) CountByStatus(dbc dbctx.Context, status string) (int64, error) {
	var count int64
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&domain.ConversionJob{}).
		Where("status = ?", status).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
