package documents

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
)

type DocumentRepo interface {
	Create(dbc dbctx.Context, doc *domain.Document) (*domain.Document, error)
	GetByID(dbc dbctx.Context, id int64) (*domain.Document, error)
	GetByExternalID(dbc dbctx.Context, externalID uuid.UUID) (*domain.Document, error)
	List(dbc dbctx.Context, status string, limit, offset int) ([]*domain.Document, error)
	UpdateFields(dbc dbctx.Context, id int64, updates map[string]interface{}) error

	// ClaimProcessing atomically flips a document into processing. The guard
	// admits pending and failed documents, and processing documents whose
	// ProcessingStartedAt predates the ownership window (stale takeover).
	// Returns false when another attempt holds the document.
	ClaimProcessing(dbc dbctx.Context, id int64, ownershipWindow time.Duration, updates map[string]interface{}) (bool, error)

	ListStuckProcessing(dbc dbctx.Context, startedBefore time.Time) ([]*domain.Document, error)
	ListStalePending(dbc dbctx.Context, createdBefore time.Time) ([]*domain.Document, error)

	SoftDelete(dbc dbctx.Context, id int64, actor, reason string) error
	HardDelete(dbc dbctx.Context, id int64) error
	IncrementDownload(dbc dbctx.Context, id int64) error
	IncrementPlay(dbc dbctx.Context, id int64) error
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return &documentRepo{
		db:  db,
		log: baseLog.With("repo", "DocumentRepo"),
	}
}

func (r *documentRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *documentRepo) Create(dbc dbctx.Context, doc *domain.Document) (*domain.Document, error) {
	if doc == nil {
		return nil, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(doc).Error; err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *documentRepo) GetByID(dbc dbctx.Context, id int64) (*domain.Document, error) {
	var doc domain.Document
	err := r.conn(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepo) GetByExternalID(dbc dbctx.Context, externalID uuid.UUID) (*domain.Document, error) {
	if externalID == uuid.Nil {
		return nil, nil
	}
	var doc domain.Document
	err := r.conn(dbc).WithContext(dbc.Ctx).Where("external_id = ?", externalID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepo) List(dbc dbctx.Context, status string, limit, offset int) ([]*domain.Document, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.conn(dbc).WithContext(dbc.Ctx).Order("created_at DESC").Limit(limit).Offset(offset)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*domain.Document
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) UpdateFields(dbc dbctx.Context, id int64, updates map[string]interface{}) error {
	if id == 0 {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&domain.Document{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *documentRepo) ClaimProcessing(dbc dbctx.Context, id int64, ownershipWindow time.Duration, updates map[string]interface{}) (bool, error) {
	if id == 0 {
		return false, nil
	}
	now := time.Now()
	staleCutoff := now.Add(-ownershipWindow)
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = domain.StatusProcessing
	updates["processing_started_at"] = now
	updates["updated_at"] = now

	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&domain.Document{}).
		Where(`id = ? AND (
			status = ?
			OR (status = ? AND (processing_started_at IS NULL OR processing_started_at < ?))
		)`, id, domain.StatusPending, domain.StatusProcessing, staleCutoff).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *documentRepo) ListStuckProcessing(dbc dbctx.Context, startedBefore time.Time) ([]*domain.Document, error) {
	var out []*domain.Document
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("status = ? AND processing_started_at IS NOT NULL AND processing_started_at < ?",
			domain.StatusProcessing, startedBefore).
		Order("processing_started_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) ListStalePending(dbc dbctx.Context, createdBefore time.Time) ([]*domain.Document, error) {
	var out []*domain.Document
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("status = ? AND created_at < ? AND processing_started_at IS NULL",
			domain.StatusPending, createdBefore).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) SoftDelete(dbc dbctx.Context, id int64, actor, reason string) error {
	if id == 0 {
		return nil
	}
	now := time.Now()
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&domain.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"deleted_by":    actor,
			"delete_reason": reason,
			"deleted_at":    now,
			"updated_at":    now,
		}).Error
}

func (r *documentRepo) HardDelete(dbc dbctx.Context, id int64) error {
	if id == 0 {
		return nil
	}
	return r.conn(dbc).WithContext(dbc.Ctx).
		Unscoped().
		Where("id = ?", id).
		Delete(&domain.Document{}).Error
}

func (r *documentRepo) IncrementDownload(dbc dbctx.Context, id int64) error {
	return r.increment(dbc, id, "download_count")
}

func (r *documentRepo) IncrementPlay(dbc dbctx.Context, id int64) error {
	return r.increment(dbc, id, "play_count")
}

func (r *documentRepo) increment(dbc dbctx.Context, id int64, column string) error {
	if id == 0 {
		return nil
	}
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&domain.Document{}).
		Where("id = ?", id).
		UpdateColumn(column, gorm.Expr(column+" + 1")).Error
}
