package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"studymate/internal/ai"
	"studymate/internal/chunker"
	"studymate/internal/model"
	"studymate/internal/pkg/pdfextract"
	"studymate/internal/rag"
	"studymate/internal/repository"
	"studymate/internal/vectorindex"
)

const (
	defaultTopK          = 5
	defaultIngestTimeout = 2 * time.Minute
	maxFailReason        = 500
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrDocumentBusy       = errors.New("document is being processed")
	ErrIndexInconsistency = errors.New("vector index inconsistent with chunk store")
)

// IngestError reports a failed ingestion. The document is left failed with
// nothing indexed or stored for it; Retryable tells the caller whether
// submitting the same bytes again may succeed.
type IngestError struct {
	DocumentID string
	Retryable  bool
	Err        error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest document %s failed: %v", e.DocumentID, e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// IndexSnapshot persists index entries outside the process.
type IndexSnapshot interface {
	Put(ctx context.Context, entries []vectorindex.Entry) error
	Delete(ctx context.Context, ids []string) error
	Load(ctx context.Context) ([]vectorindex.Entry, int, error)
}

type RAGConfig struct {
	TopK          int
	IngestTimeout time.Duration
	// UserScoped limits retrieval to the asking user's documents.
	UserScoped bool
}

type RAGService struct {
	docs      *repository.DocumentRepository
	chunks    rag.ChunkStore
	index     *vectorindex.Index
	snapshot  IndexSnapshot
	embedder  rag.Embedder
	chunker   *chunker.Chunker
	retriever *rag.Retriever
	assembler *rag.Assembler
	cfg       RAGConfig
	logger    *zap.Logger
}

// NewRAGService wires the pipeline. snapshot may be nil.
func NewRAGService(
	docs *repository.DocumentRepository,
	chunks rag.ChunkStore,
	index *vectorindex.Index,
	snapshot IndexSnapshot,
	embedder rag.Embedder,
	splitter *chunker.Chunker,
	retriever *rag.Retriever,
	assembler *rag.Assembler,
	cfg RAGConfig,
	logger *zap.Logger,
) *RAGService {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = defaultIngestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RAGService{
		docs:      docs,
		chunks:    chunks,
		index:     index,
		snapshot:  snapshot,
		embedder:  embedder,
		chunker:   splitter,
		retriever: retriever,
		assembler: assembler,
		cfg:       cfg,
		logger:    logger,
	}
}

// IngestInput carries one uploaded document. When DocumentID is empty a new
// document record is created; otherwise it must name an uploaded document
// registered earlier for the same user.
type IngestInput struct {
	UserID     uint
	DocumentID string
	Filename   string
	Data       []byte
}

type IngestResult struct {
	Document   *model.Document `json:"document"`
	ChunkCount int             `json:"chunk_count"`
}

// Register records an uploaded document so it can be ingested later.
func (s *RAGService) Register(ctx context.Context, userID uint, filename string, size int64) (*model.Document, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = "untitled"
	}
	doc := &model.Document{
		ID:        uuid.NewString(),
		UserID:    userID,
		Filename:  filename,
		SizeBytes: size,
		Status:    model.DocumentUploaded,
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Ingest extracts, chunks, embeds, stores and indexes one document. It is all
// or nothing: on failure the document ends up failed and no chunk of it is left
// in the store, the index or the snapshot.
func (s *RAGService) Ingest(ctx context.Context, input IngestInput) (*IngestResult, error) {
	if input.UserID == 0 || len(input.Data) == 0 {
		return nil, ErrInvalidInput
	}

	doc, err := s.claim(ctx, input)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(zap.String("document_id", doc.ID), zap.String("filename", doc.Filename))

	ingestCtx, cancel := context.WithTimeout(ctx, s.cfg.IngestTimeout)
	defer cancel()

	start := time.Now()
	stats, err := s.process(ingestCtx, doc, input.Data)
	if err != nil {
		ingestErr := s.fail(ctx, doc, err)
		logger.Warn("ingest document failed", zap.Bool("retryable", ingestErr.Retryable), zap.Error(err))
		return nil, ingestErr
	}

	updates := map[string]any{
		"title":       stats.title,
		"page_count":  stats.pageCount,
		"word_count":  stats.wordCount,
		"chunk_count": len(stats.ids),
		"fingerprint": stats.fingerprint,
	}
	if err := s.docs.Transition(context.WithoutCancel(ctx), doc.ID, model.DocumentProcessing, model.DocumentProcessed, updates); err != nil {
		s.rollback(ctx, doc.ID, stats.ids)
		ingestErr := s.fail(ctx, doc, err)
		logger.Error("mark document processed failed", zap.Error(err))
		return nil, ingestErr
	}

	doc.Status = model.DocumentProcessed
	doc.Title = stats.title
	doc.PageCount = stats.pageCount
	doc.WordCount = stats.wordCount
	doc.ChunkCount = len(stats.ids)
	doc.Fingerprint = stats.fingerprint

	logger.Info("document ingested",
		zap.Int("chunks", len(stats.ids)),
		zap.Int("pages", stats.pageCount),
		zap.Duration("took", time.Since(start)),
	)
	return &IngestResult{Document: doc, ChunkCount: len(stats.ids)}, nil
}

// claim creates or loads the document and moves it to processing.
func (s *RAGService) claim(ctx context.Context, input IngestInput) (*model.Document, error) {
	var (
		doc *model.Document
		err error
	)
	if input.DocumentID == "" {
		doc, err = s.Register(ctx, input.UserID, input.Filename, int64(len(input.Data)))
	} else {
		doc, err = s.docs.GetByIDAndUserID(ctx, input.DocumentID, input.UserID)
		if err == nil && doc == nil {
			err = ErrDocumentNotFound
		}
	}
	if err != nil {
		return nil, err
	}

	if err := s.docs.Transition(ctx, doc.ID, model.DocumentUploaded, model.DocumentProcessing, nil); err != nil {
		return nil, err
	}
	doc.Status = model.DocumentProcessing
	return doc, nil
}

type ingestStats struct {
	ids         []string
	title       string
	pageCount   int
	wordCount   int
	fingerprint string
}

func (s *RAGService) process(ctx context.Context, doc *model.Document, data []byte) (*ingestStats, error) {
	extracted, err := pdfextract.Extract(data)
	if err != nil {
		return nil, err
	}

	pieces := s.chunker.Split(doc.ID, extracted.Pages)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("%w: no chunks produced", pdfextract.ErrUnreadableDocument)
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if errors.Is(err, ai.ErrEmbeddingUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ai.ErrEmbeddingUnavailable, err)
	}
	if len(vecs) != len(pieces) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d chunks", ai.ErrEmbeddingUnavailable, len(vecs), len(pieces))
	}
	if err := s.checkDimensions(vecs); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make([]model.Chunk, len(pieces))
	ids := make([]string, len(pieces))
	for i, p := range pieces {
		records[i] = model.Chunk{
			ID:         p.ID,
			DocumentID: doc.ID,
			ChunkIndex: p.Index,
			Content:    p.Text,
			CharCount:  p.CharCount,
			WordCount:  p.WordCount,
			PageStart:  p.PageStart,
			PageEnd:    p.PageEnd,
		}
		records[i].SetEmbedding(vecs[i])
		ids[i] = p.ID
	}

	// store first, then index: a crash in between leaves stored chunks that
	// reconciliation indexes from their embeddings
	if err := s.chunks.PutBatch(ctx, records); err != nil {
		return nil, err
	}
	if err := s.index.AddBatch(ids, vecs); err != nil {
		s.rollback(ctx, doc.ID, nil)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		s.rollback(ctx, doc.ID, ids)
		return nil, err
	}
	s.mirror(ctx, ids, vecs)

	return &ingestStats{
		ids:         ids,
		title:       extracted.Title,
		pageCount:   extracted.PageCount,
		wordCount:   extracted.WordCount,
		fingerprint: extracted.Fingerprint,
	}, nil
}

func (s *RAGService) checkDimensions(vecs [][]float32) error {
	want := s.index.Dimension()
	for _, v := range vecs {
		if want == 0 {
			want = len(v)
		}
		if len(v) == 0 || len(v) != want {
			return fmt.Errorf("%w: expected %d, embedding has %d", vectorindex.ErrDimensionMismatch, want, len(v))
		}
	}
	return nil
}

// rollback removes whatever an interrupted ingest wrote. It runs detached from
// ctx so a cancelled request still cleans up.
func (s *RAGService) rollback(ctx context.Context, documentID string, indexed []string) {
	ctx = context.WithoutCancel(ctx)
	if len(indexed) > 0 {
		s.index.RemoveMany(indexed)
		if s.snapshot != nil {
			if err := s.snapshot.Delete(ctx, indexed); err != nil {
				s.logger.Warn("rollback snapshot failed", zap.String("document_id", documentID), zap.Error(err))
			}
		}
	}
	if _, err := s.chunks.DeleteByDocument(ctx, documentID); err != nil {
		s.logger.Error("rollback chunk store failed", zap.String("document_id", documentID), zap.Error(err))
	}
}

// fail marks the document failed and classifies err.
func (s *RAGService) fail(ctx context.Context, doc *model.Document, err error) *IngestError {
	retryable := isRetryable(err)
	reason := err.Error()
	if len(reason) > maxFailReason {
		reason = reason[:maxFailReason]
	}
	updates := map[string]any{"fail_reason": reason, "retryable": retryable}
	if terr := s.docs.Transition(context.WithoutCancel(ctx), doc.ID, model.DocumentProcessing, model.DocumentFailed, updates); terr != nil {
		s.logger.Error("mark document failed failed", zap.String("document_id", doc.ID), zap.Error(terr))
	}
	doc.Status = model.DocumentFailed
	doc.FailReason = reason
	doc.Retryable = retryable
	return &IngestError{DocumentID: doc.ID, Retryable: retryable, Err: err}
}

func isRetryable(err error) bool {
	switch {
	case errors.Is(err, pdfextract.ErrUnreadableDocument),
		errors.Is(err, vectorindex.ErrDimensionMismatch),
		errors.Is(err, chunker.ErrInvalidChunkParameters):
		return false
	}
	return true
}

// mirror copies new entries to the snapshot. The snapshot is rebuilt by
// reconciliation, so a failed write only logs.
func (s *RAGService) mirror(ctx context.Context, ids []string, vecs [][]float32) {
	if s.snapshot == nil || len(ids) == 0 {
		return
	}
	entries := make([]vectorindex.Entry, len(ids))
	for i := range ids {
		entries[i] = vectorindex.Entry{ID: ids[i], Vector: vecs[i]}
	}
	if err := s.snapshot.Put(context.WithoutCancel(ctx), entries); err != nil {
		s.logger.Warn("write index snapshot failed", zap.Error(err))
	}
}

type QueryInput struct {
	UserID   uint
	Question string
	TopK     int
	// DocumentIDs narrows retrieval to these documents of the user.
	DocumentIDs []string
	History     []rag.Exchange
}

// Query answers a question from indexed content. Failures are reported in the
// returned Answer, never as an error.
func (s *RAGService) Query(ctx context.Context, input QueryInput) rag.Answer {
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return rag.Answer{Text: "Please ask a question.", Citations: []rag.Citation{}}
	}
	k := input.TopK
	if k <= 0 {
		k = s.cfg.TopK
	}

	filter, err := s.queryFilter(ctx, input)
	if err != nil {
		s.logger.Error("resolve query scope failed", zap.Error(err))
		return rag.Answer{Text: rag.RetrievalFailedAnswer, Citations: []rag.Citation{}, Error: true}
	}

	results, err := s.retriever.Retrieve(ctx, question, k, filter)
	if err != nil {
		s.logger.Warn("retrieve chunks failed", zap.Uint("user_id", input.UserID), zap.Error(err))
		return rag.Answer{Text: rag.RetrievalFailedAnswer, Citations: []rag.Citation{}, Error: true}
	}
	return s.assembler.Answer(ctx, question, results, input.History...)
}

func (s *RAGService) queryFilter(ctx context.Context, input QueryInput) (rag.Filter, error) {
	if len(input.DocumentIDs) == 0 && !s.cfg.UserScoped {
		return nil, nil
	}
	owned, err := s.docs.ListIDs(ctx, input.UserID)
	if err != nil {
		return nil, err
	}
	if len(input.DocumentIDs) == 0 {
		return rag.DocumentFilter(owned), nil
	}

	mine := make(map[string]struct{}, len(owned))
	for _, id := range owned {
		mine[id] = struct{}{}
	}
	var allowed []string
	for _, id := range input.DocumentIDs {
		if _, ok := mine[id]; ok || !s.cfg.UserScoped {
			allowed = append(allowed, id)
		}
	}
	return rag.DocumentFilter(allowed), nil
}

// DeleteDocument removes a document with its index entries, snapshot entries
// and chunks, in that order.
func (s *RAGService) DeleteDocument(ctx context.Context, userID uint, documentID string) error {
	doc, err := s.docs.GetByIDAndUserID(ctx, documentID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}
	if doc.Status == model.DocumentProcessing {
		return ErrDocumentBusy
	}

	ids, err := s.chunks.IDsByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	removed := s.index.RemoveMany(ids)
	if s.snapshot != nil {
		if err := s.snapshot.Delete(ctx, ids); err != nil {
			s.logger.Warn("delete snapshot entries failed", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
	if _, err := s.chunks.DeleteByDocument(ctx, doc.ID); err != nil {
		return err
	}
	if err := s.docs.Delete(ctx, doc.ID); err != nil {
		return err
	}

	s.logger.Info("document deleted", zap.String("document_id", doc.ID), zap.Int("index_entries", removed))
	return nil
}

func (s *RAGService) GetDocument(ctx context.Context, userID uint, documentID string) (*model.Document, error) {
	doc, err := s.docs.GetByIDAndUserID(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

func (s *RAGService) ListDocuments(ctx context.Context, userID uint) ([]model.Document, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.docs.ListByUserID(ctx, userID)
}

type Stats struct {
	Index     vectorindex.Stats              `json:"index"`
	Chunks    int64                          `json:"chunks"`
	Documents map[model.DocumentStatus]int64 `json:"documents"`
}

func (s *RAGService) Stats(ctx context.Context) (*Stats, error) {
	chunks, err := s.chunks.Count(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.docs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Index: s.index.Stats(), Chunks: chunks, Documents: docs}, nil
}

// RebuildIndex retrains the approximate search structure.
func (s *RAGService) RebuildIndex() vectorindex.Stats {
	s.index.Rebuild()
	return s.index.Stats()
}

// IndexLen is the number of entries currently searchable.
func (s *RAGService) IndexLen() int {
	return s.index.Len()
}
