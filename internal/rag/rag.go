// Package rag holds the query side of the pipeline: retrieving ranked chunks
// for a question and assembling a grounded, cited answer from them.
package rag

import (
	"context"

	"studymate/internal/ai"
	"studymate/internal/model"
	"studymate/internal/vectorindex"
)

// Embedder turns text into vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces answer text from a prompt.
type Generator interface {
	Generate(ctx context.Context, req ai.GenerateRequest) (*ai.GenerateResult, error)
}

// ChunkStore is the durable home of chunk records.
type ChunkStore interface {
	Put(ctx context.Context, chunk *model.Chunk) error
	PutBatch(ctx context.Context, chunks []model.Chunk) error
	Get(ctx context.Context, id string) (*model.Chunk, error)
	GetMany(ctx context.Context, ids []string) (map[string]model.Chunk, error)
	Delete(ctx context.Context, id string) error
	DeleteByDocument(ctx context.Context, documentID string) (int64, error)
	IDsByDocument(ctx context.Context, documentID string) ([]string, error)
	SetEmbedding(ctx context.Context, id string, vec []float32) error
	Each(ctx context.Context, batchSize int, fn func([]model.Chunk) error) error
	Count(ctx context.Context) (int64, error)
}

// Searcher is the read side of the vector index.
type Searcher interface {
	Search(query []float32, k int) ([]vectorindex.Result, error)
	Len() int
}

// QueryCache remembers query embeddings. Misses and failures both report false.
type QueryCache interface {
	Get(ctx context.Context, text string) ([]float32, bool)
	Set(ctx context.Context, text string, vec []float32)
}

// SourceResolver maps document ids to display names for source tags.
type SourceResolver interface {
	DocumentNames(ctx context.Context, ids []string) (map[string]string, error)
}

// Filter limits retrieval to the chunks it accepts.
type Filter func(chunk *model.Chunk) bool

// DocumentFilter accepts chunks of the given documents only.
func DocumentFilter(documentIDs []string) Filter {
	allowed := make(map[string]struct{}, len(documentIDs))
	for _, id := range documentIDs {
		allowed[id] = struct{}{}
	}
	return func(chunk *model.Chunk) bool {
		_, ok := allowed[chunk.DocumentID]
		return ok
	}
}

// SearchResult is a hydrated hit. Rank starts at 1 and has no gaps.
type SearchResult struct {
	Rank   int         `json:"rank"`
	Score  float64     `json:"score"`
	Source string      `json:"source"`
	Chunk  model.Chunk `json:"chunk"`
}

// Citation points at the pages a context chunk came from. PageEnd equals Page
// unless the chunk runs across a page break.
type Citation struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Page       int     `json:"page"`
	PageEnd    int     `json:"page_end"`
	Score      float64 `json:"score"`
	Preview    string  `json:"preview"`
}

// Answer always has the same shape; provider failures set Error instead of
// surfacing as Go errors.
type Answer struct {
	Text       string     `json:"text"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
	Truncated  bool       `json:"truncated"`
	Error      bool       `json:"error"`
}

// Exchange is an earlier question and its answer, fed back as conversation context.
type Exchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}
