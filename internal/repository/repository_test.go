package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"studymate/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.Document{}, &model.Chunk{}))
	return db
}

func testChunks(docID string, n int) []model.Chunk {
	chunks := make([]model.Chunk, n)
	for i := range chunks {
		chunks[i] = model.Chunk{
			ID:         fmt.Sprintf("%s#%05d", docID, i),
			DocumentID: docID,
			ChunkIndex: i,
			Content:    fmt.Sprintf("chunk %d of %s", i, docID),
			PageStart:  1,
			PageEnd:    1,
		}
		chunks[i].SetEmbedding([]float32{float32(i), 1})
	}
	return chunks
}

func TestDocumentRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(newTestDB(t))

	doc := &model.Document{ID: "doc-1", UserID: 7, Filename: "bio.pdf", SizeBytes: 10, Status: model.DocumentUploaded}
	require.NoError(t, repo.Create(ctx, doc))

	got, err := repo.GetByIDAndUserID(ctx, "doc-1", 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bio.pdf", got.Filename)

	missing, err := repo.GetByIDAndUserID(ctx, "doc-1", 8)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, repo.Transition(ctx, "doc-1", model.DocumentUploaded, model.DocumentProcessing, nil))
	require.NoError(t, repo.Transition(ctx, "doc-1", model.DocumentProcessing, model.DocumentProcessed,
		map[string]any{"chunk_count": 3, "page_count": 2}))

	got, err = repo.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentProcessed, got.Status)
	assert.Equal(t, 3, got.ChunkCount)
	assert.Equal(t, 2, got.PageCount)

	// terminal states never move again
	err = repo.Transition(ctx, "doc-1", model.DocumentProcessed, model.DocumentFailed, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = repo.Transition(ctx, "doc-1", model.DocumentProcessing, model.DocumentFailed, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err = repo.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentProcessed, got.Status)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.DocumentProcessed])

	require.NoError(t, repo.Delete(ctx, "doc-1"))
	got, err = repo.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDocumentRepository_ListByStatusAndOwner(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(newTestDB(t))

	require.NoError(t, repo.Create(ctx, &model.Document{ID: "a", UserID: 1, Filename: "a", Status: model.DocumentProcessing}))
	require.NoError(t, repo.Create(ctx, &model.Document{ID: "b", UserID: 1, Filename: "b", Status: model.DocumentProcessed}))
	require.NoError(t, repo.Create(ctx, &model.Document{ID: "c", UserID: 2, Filename: "c", Status: model.DocumentProcessing}))

	stuck, err := repo.ListByStatus(ctx, model.DocumentProcessing)
	require.NoError(t, err)
	assert.Len(t, stuck, 2)

	mine, err := repo.ListByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	ids, err := repo.ListIDs(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids)

	processed, err := repo.IDsByStatus(ctx, model.DocumentProcessed)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, processed)
}

func TestChunkRepository_BatchAndLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewChunkRepository(newTestDB(t))

	require.NoError(t, repo.PutBatch(ctx, testChunks("doc-a", 3)))
	require.NoError(t, repo.PutBatch(ctx, testChunks("doc-b", 2)))

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	c, err := repo.Get(ctx, "doc-a#00001")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []float32{1, 1}, c.EmbeddingVector())

	none, err := repo.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, none)

	many, err := repo.GetMany(ctx, []string{"doc-a#00000", "doc-b#00001", "ghost"})
	require.NoError(t, err)
	assert.Len(t, many, 2)
	assert.Contains(t, many, "doc-b#00001")

	ids, err := repo.IDsByDocument(ctx, "doc-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-a#00000", "doc-a#00001", "doc-a#00002"}, ids)

	removed, err := repo.DeleteByDocument(ctx, "doc-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	n, err = repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestChunkRepository_PutBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := NewChunkRepository(newTestDB(t))

	require.NoError(t, repo.PutBatch(ctx, testChunks("doc", 1)))

	// the second batch collides on doc#00000 and must leave nothing behind
	err := repo.PutBatch(ctx, append(testChunks("other", 2), testChunks("doc", 1)...))
	require.Error(t, err)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestChunkRepository_EmbeddingAndScan(t *testing.T) {
	ctx := context.Background()
	repo := NewChunkRepository(newTestDB(t))

	chunks := testChunks("doc", 5)
	chunks[4].SetEmbedding(nil)
	require.NoError(t, repo.PutBatch(ctx, chunks))

	require.NoError(t, repo.SetEmbedding(ctx, "doc#00004", []float32{0.5, 0.5}))
	assert.Error(t, repo.SetEmbedding(ctx, "missing", []float32{1}))

	var seen []string
	err := repo.Each(ctx, 2, func(batch []model.Chunk) error {
		assert.LessOrEqual(t, len(batch), 2)
		for _, c := range batch {
			assert.True(t, c.HasEmbedding())
			seen = append(seen, c.ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 5)

	require.NoError(t, repo.Put(ctx, &model.Chunk{ID: "doc#00000", DocumentID: "doc", Content: "replaced"}))
	c, err := repo.Get(ctx, "doc#00000")
	require.NoError(t, err)
	assert.Equal(t, "replaced", c.Content)
	assert.False(t, c.HasEmbedding())

	require.NoError(t, repo.Delete(ctx, "doc#00000"))
	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
