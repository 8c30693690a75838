package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"studymate/internal/model"
)

const (
	insertBatchSize = 100
	lookupBatchSize = 500
)

// ChunkRepository is the durable chunk store.
type ChunkRepository struct {
	db *gorm.DB
}

func NewChunkRepository(db *gorm.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// Put inserts or replaces a single chunk.
func (r *ChunkRepository) Put(ctx context.Context, chunk *model.Chunk) error {
	if err := r.db.WithContext(ctx).Save(chunk).Error; err != nil {
		return fmt.Errorf("put chunk failed: %w", err)
	}
	return nil
}

// PutBatch inserts all chunks in one transaction.
func (r *ChunkRepository) PutBatch(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&chunks, insertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("put chunks batch failed: %w", err)
	}
	return nil
}

func (r *ChunkRepository) Get(ctx context.Context, id string) (*model.Chunk, error) {
	var chunk model.Chunk
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&chunk).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chunk failed: %w", err)
	}
	return &chunk, nil
}

// GetMany loads the chunks that exist among ids, keyed by id.
func (r *ChunkRepository) GetMany(ctx context.Context, ids []string) (map[string]model.Chunk, error) {
	out := make(map[string]model.Chunk, len(ids))
	for start := 0; start < len(ids); start += lookupBatchSize {
		end := start + lookupBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		var chunks []model.Chunk
		if err := r.db.WithContext(ctx).Where("id IN ?", ids[start:end]).Find(&chunks).Error; err != nil {
			return nil, fmt.Errorf("get chunks failed: %w", err)
		}
		for _, c := range chunks {
			out[c.ID] = c
		}
	}
	return out, nil
}

func (r *ChunkRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Chunk{}).Error; err != nil {
		return fmt.Errorf("delete chunk failed: %w", err)
	}
	return nil
}

// DeleteByDocument removes every chunk of a document and reports how many went.
func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&model.Chunk{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete chunks by document failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// IDsByDocument returns chunk ids of a document in chunk order.
func (r *ChunkRepository) IDsByDocument(ctx context.Context, documentID string) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&model.Chunk{}).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list chunk ids failed: %w", err)
	}
	return ids, nil
}

func (r *ChunkRepository) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	var holder model.Chunk
	holder.SetEmbedding(vec)
	res := r.db.WithContext(ctx).Model(&model.Chunk{}).Where("id = ?", id).Update("embedding", holder.Embedding)
	if res.Error != nil {
		return fmt.Errorf("set chunk embedding failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set chunk embedding failed: %w", gorm.ErrRecordNotFound)
	}
	return nil
}

// Each walks every chunk in primary key order, batchSize rows at a time.
func (r *ChunkRepository) Each(ctx context.Context, batchSize int, fn func([]model.Chunk) error) error {
	if batchSize <= 0 {
		batchSize = lookupBatchSize
	}
	var batch []model.Chunk
	res := r.db.WithContext(ctx).FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
		return fn(batch)
	})
	if res.Error != nil {
		return fmt.Errorf("scan chunks failed: %w", res.Error)
	}
	return nil
}

func (r *ChunkRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Chunk{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count chunks failed: %w", err)
	}
	return n, nil
}
