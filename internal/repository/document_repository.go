package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"studymate/internal/model"
)

// ErrInvalidTransition is returned when a document is not in the state a
// status change expects, or the change is not allowed at all.
var ErrInvalidTransition = errors.New("invalid document status transition")

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Get(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) GetByIDAndUserID(ctx context.Context, id string, userID uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) ListByUserID(ctx context.Context, userID uint) ([]model.Document, error) {
	var list []model.Document
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list documents failed: %w", err)
	}
	return list, nil
}

func (r *DocumentRepository) ListByStatus(ctx context.Context, status model.DocumentStatus) ([]model.Document, error) {
	var list []model.Document
	if err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list documents by status failed: %w", err)
	}
	return list, nil
}

// ListIDs returns the ids of every document owned by userID.
func (r *DocumentRepository) ListIDs(ctx context.Context, userID uint) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&model.Document{}).Where("user_id = ?", userID).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list document ids failed: %w", err)
	}
	return ids, nil
}

// IDsByStatus returns the ids of every document in status.
func (r *DocumentRepository) IDsByStatus(ctx context.Context, status model.DocumentStatus) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&model.Document{}).Where("status = ?", status).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list document ids by status failed: %w", err)
	}
	return ids, nil
}

// Transition moves a document from one status to the next and applies the
// extra column updates in the same statement. The update only matches while the
// row is still in status from, so concurrent transitions cannot both succeed.
func (r *DocumentRepository) Transition(ctx context.Context, id string, from, to model.DocumentStatus, updates map[string]any) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	values := map[string]any{"status": to}
	for k, v := range updates {
		values[k] = v
	}

	res := r.db.WithContext(ctx).
		Model(&model.Document{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("update document status failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: document %s is not %s", ErrInvalidTransition, id, from)
	}
	return nil
}

func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Document{}).Error; err != nil {
		return fmt.Errorf("delete document failed: %w", err)
	}
	return nil
}

// CountByStatus returns the number of documents in each status.
func (r *DocumentRepository) CountByStatus(ctx context.Context) (map[model.DocumentStatus]int64, error) {
	var rows []struct {
		Status model.DocumentStatus
		Total  int64
	}
	if err := r.db.WithContext(ctx).
		Model(&model.Document{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count documents failed: %w", err)
	}

	counts := make(map[model.DocumentStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// DocumentNames maps each known id to its filename, falling back to the
// extracted title.
func (r *DocumentRepository) DocumentNames(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	var docs []model.Document
	if err := r.db.WithContext(ctx).Select("id", "filename", "title").Where("id IN ?", ids).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("list document names failed: %w", err)
	}
	names := make(map[string]string, len(docs))
	for _, d := range docs {
		names[d.ID] = d.Filename
		if d.Filename == "" {
			names[d.ID] = d.Title
		}
	}
	return names, nil
}
