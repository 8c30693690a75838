package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"studymate/internal/ai"
	"studymate/internal/model"
	"studymate/internal/vectorindex"
)

const (
	DefaultEmbedTimeout = 10 * time.Second
	defaultOverfetch    = 4
)

type Retriever struct {
	embedder Embedder
	index    Searcher
	store    ChunkStore
	logger   *zap.Logger

	cache        QueryCache
	sources      SourceResolver
	embedTimeout time.Duration
	minScore     float64
	overfetch    int
}

type RetrieverOption func(*Retriever)

// WithQueryCache reuses embeddings of repeated questions.
func WithQueryCache(cache QueryCache) RetrieverOption {
	return func(r *Retriever) { r.cache = cache }
}

// WithSourceResolver names hits by their document instead of its id.
func WithSourceResolver(sources SourceResolver) RetrieverOption {
	return func(r *Retriever) { r.sources = sources }
}

func WithEmbedTimeout(d time.Duration) RetrieverOption {
	return func(r *Retriever) {
		if d > 0 {
			r.embedTimeout = d
		}
	}
}

// WithMinScore drops hits scoring below min. Zero keeps everything.
func WithMinScore(min float64) RetrieverOption {
	return func(r *Retriever) { r.minScore = min }
}

// WithOverfetch sets how many candidates per requested result are pulled from
// the index when a filter is applied.
func WithOverfetch(factor int) RetrieverOption {
	return func(r *Retriever) {
		if factor >= 1 {
			r.overfetch = factor
		}
	}
}

func NewRetriever(embedder Embedder, index Searcher, store ChunkStore, logger *zap.Logger, opts ...RetrieverOption) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retriever{
		embedder:     embedder,
		index:        index,
		store:        store,
		logger:       logger,
		embedTimeout: DefaultEmbedTimeout,
		overfetch:    defaultOverfetch,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns at most k chunks for query ordered by descending
// similarity. Embedding failures wrap ai.ErrEmbeddingUnavailable. Hits whose
// chunk is gone from the store are logged and skipped.
//
// With a filter the index is searched for k·overfetch candidates first and the
// window doubles until k accepted chunks are found or the index is exhausted,
// so fewer than k results means fewer than k chunks pass the filter.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, filter Filter) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if k <= 0 || query == "" {
		return []SearchResult{}, nil
	}

	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	n := r.index.Len()
	if n == 0 {
		return []SearchResult{}, nil
	}
	fetch := k
	if filter != nil {
		fetch = n
		if k <= n/r.overfetch {
			fetch = k * r.overfetch
		}
	}
	if fetch > n {
		fetch = n
	}

	// nil marks an id the store no longer has
	loaded := make(map[string]*model.Chunk)
	var results []SearchResult
	for {
		hits, err := r.index.Search(vec, fetch)
		if err != nil {
			return nil, fmt.Errorf("search index failed: %w", err)
		}
		if err := r.load(ctx, hits, loaded); err != nil {
			return nil, err
		}

		var cut bool
		results, cut = r.collect(hits, loaded, k, filter)
		if len(results) == k || cut || len(hits) < fetch || fetch >= r.index.Len() {
			break
		}
		if fetch > math.MaxInt/2 {
			fetch = math.MaxInt
		} else {
			fetch *= 2
		}
	}

	r.nameSources(ctx, results)
	return results, nil
}

// load hydrates the hits not seen in an earlier round.
func (r *Retriever) load(ctx context.Context, hits []vectorindex.Result, loaded map[string]*model.Chunk) error {
	var ids []string
	for _, h := range hits {
		if _, ok := loaded[h.ID]; !ok {
			ids = append(ids, h.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	chunks, err := r.store.GetMany(ctx, ids)
	if err != nil {
		return fmt.Errorf("load chunks failed: %w", err)
	}
	for _, id := range ids {
		chunk, ok := chunks[id]
		if !ok {
			r.logger.Warn("indexed chunk missing from store", zap.String("chunk_id", id))
			loaded[id] = nil
			continue
		}
		loaded[id] = &chunk
	}
	return nil
}

// collect walks hits in rank order and keeps up to k accepted chunks. cut
// reports that the minimum score ended the walk, so a wider search cannot add
// anything.
func (r *Retriever) collect(hits []vectorindex.Result, loaded map[string]*model.Chunk, k int, filter Filter) ([]SearchResult, bool) {
	capacity := k
	if capacity > len(hits) {
		capacity = len(hits)
	}
	results := make([]SearchResult, 0, capacity)
	for _, h := range hits {
		if len(results) == k {
			break
		}
		if r.minScore > 0 && h.Score < r.minScore {
			// hits are sorted, nothing after this one passes either
			return results, true
		}
		chunk := loaded[h.ID]
		if chunk == nil {
			continue
		}
		if filter != nil && !filter(chunk) {
			continue
		}
		results = append(results, SearchResult{
			Rank:   len(results) + 1,
			Score:  h.Score,
			Source: chunk.DocumentID,
			Chunk:  *chunk,
		})
	}
	return results, false
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if r.cache != nil {
		if vec, ok := r.cache.Get(ctx, query); ok {
			return vec, nil
		}
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.embedTimeout)
	defer cancel()
	vec, err := r.embedder.Embed(embedCtx, query)
	if err != nil {
		if errors.Is(err, ai.ErrEmbeddingUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ai.ErrEmbeddingUnavailable, err)
	}

	if r.cache != nil {
		r.cache.Set(ctx, query, vec)
	}
	return vec, nil
}

func (r *Retriever) nameSources(ctx context.Context, results []SearchResult) {
	if r.sources == nil || len(results) == 0 {
		return
	}
	seen := make(map[string]struct{})
	var docIDs []string
	for _, res := range results {
		if _, ok := seen[res.Chunk.DocumentID]; !ok {
			seen[res.Chunk.DocumentID] = struct{}{}
			docIDs = append(docIDs, res.Chunk.DocumentID)
		}
	}
	names, err := r.sources.DocumentNames(ctx, docIDs)
	if err != nil {
		r.logger.Warn("resolve source names failed", zap.Error(err))
		return
	}
	for i := range results {
		if name, ok := names[results[i].Chunk.DocumentID]; ok && name != "" {
			results[i].Source = name
		}
	}
}
