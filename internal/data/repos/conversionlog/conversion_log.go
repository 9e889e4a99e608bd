package conversionlog

import (
	"gorm.io/gorm"

	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
)

// ConversionLogRepo is append-only: there is deliberately no update or
// delete surface.
type ConversionLogRepo interface {
	Create(dbc dbctx.Context, entry *domain.ConversionLogEntry) (*domain.ConversionLogEntry, error)
	ListByDocument(dbc dbctx.Context, documentID int64, limit int) ([]*domain.ConversionLogEntry, error)
	CountByDocumentStage(dbc dbctx.Context, documentID int64, stage string) (int64, error)
}

type conversionLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversionLogRepo(db *gorm.DB, baseLog *logger.Logger) ConversionLogRepo {
	return &conversionLogRepo{
		db:  db,
		log: baseLog.With("repo", "ConversionLogRepo"),
	}
}

func (r *conversionLogRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *conversionLogRepo) Create(dbc dbctx.Context, entry *domain.ConversionLogEntry) (*domain.ConversionLogEntry, error) {
	if entry == nil {
		return nil, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *conversionLogRepo) ListByDocument(dbc dbctx.Context, documentID int64, limit int) ([]*domain.ConversionLogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []*domain.ConversionLogEntry
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *conversionLogRepo) CountByDocumentStage(dbc dbctx.Context, documentID int64, stage string) (int64, error) {
	var count int64
	q := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&domain.ConversionLogEntry{}).
		Where("document_id = ?", documentID)
	if stage != "" {
		q = q.Where("stage = ?", stage)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
