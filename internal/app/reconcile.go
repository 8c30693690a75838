package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"studymate/internal/model"
)

var errInterrupted = errors.New("ingestion interrupted")

const (
	reconcileScanBatch  = 500
	reconcileEmbedBatch = 32
)

type ReconcileReport struct {
	SnapshotLoaded  int `json:"snapshot_loaded"`
	SnapshotSkipped int `json:"snapshot_skipped"`
	Restored        int `json:"restored"`
	Reembedded      int `json:"reembedded"`
	ReembedFailed   int `json:"reembed_failed"`
	Orphans         int `json:"orphans"`
	StrayChunks     int `json:"stray_chunks"`
	InterruptedDocs int `json:"interrupted_docs"`
	IndexEntries    int `json:"index_entries"`
	ChunkStoreCount int `json:"chunk_store_count"`
}

// Consistent reports whether the index now matches the chunk store one to one.
func (r *ReconcileReport) Consistent() bool {
	return r.IndexEntries == r.ChunkStoreCount
}

// Reconcile brings the index back in line with the chunk store. It fails
// documents left in processing by a crash, loads the snapshot, indexes stored
// chunks of processed documents the index lacks (re-embedding those without a
// stored vector) and drops index entries whose chunk no longer exists. Chunks
// of failed or deleted documents are removed instead of indexed. It is meant
// to run before the service takes traffic.
func (s *RAGService) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	if err := s.failInterrupted(ctx, report); err != nil {
		return nil, err
	}
	s.loadSnapshot(ctx, report)

	processedIDs, err := s.docs.IDsByStatus(ctx, model.DocumentProcessed)
	if err != nil {
		return nil, err
	}
	processed := make(map[string]struct{}, len(processedIDs))
	for _, id := range processedIDs {
		processed[id] = struct{}{}
	}

	inStore := make(map[string]struct{})
	unprocessed := make(map[string]struct{})
	var missing []model.Chunk
	err = s.chunks.Each(ctx, reconcileScanBatch, func(batch []model.Chunk) error {
		var (
			ids  []string
			vecs [][]float32
		)
		for _, c := range batch {
			inStore[c.ID] = struct{}{}
			if _, ok := processed[c.DocumentID]; !ok {
				unprocessed[c.DocumentID] = struct{}{}
				continue
			}
			if s.index.Has(c.ID) {
				continue
			}
			if vec := c.EmbeddingVector(); len(vec) > 0 && s.fits(vec) {
				ids = append(ids, c.ID)
				vecs = append(vecs, vec)
				continue
			}
			missing = append(missing, c)
		}
		if len(ids) == 0 {
			return nil
		}
		if err := s.index.AddBatch(ids, vecs); err != nil {
			return fmt.Errorf("restore index entries failed: %w", err)
		}
		s.mirror(ctx, ids, vecs)
		report.Restored += len(ids)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.reembed(ctx, missing, report)
	if err := s.dropStray(ctx, unprocessed, inStore, report); err != nil {
		return nil, err
	}

	var orphans []string
	for _, id := range s.index.IDs() {
		if _, ok := inStore[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		report.Orphans = s.index.RemoveMany(orphans)
		if s.snapshot != nil {
			if err := s.snapshot.Delete(ctx, orphans); err != nil {
				s.logger.Warn("delete orphan snapshot entries failed", zap.Error(err))
			}
		}
	}

	report.IndexEntries = s.index.Len()
	report.ChunkStoreCount = len(inStore)
	if report.Orphans > 0 || report.StrayChunks > 0 || report.Restored > 0 || report.Reembedded > 0 || !report.Consistent() {
		s.logger.Warn("index reconciled",
			zap.NamedError("inconsistency", ErrIndexInconsistency),
			zap.Int("orphans", report.Orphans),
			zap.Int("stray_chunks", report.StrayChunks),
			zap.Int("restored", report.Restored),
			zap.Int("reembedded", report.Reembedded),
			zap.Int("reembed_failed", report.ReembedFailed),
			zap.Bool("consistent", report.Consistent()),
		)
	} else {
		s.logger.Info("index consistent with chunk store", zap.Int("entries", report.IndexEntries))
	}
	return report, nil
}

// failInterrupted fails documents a crash left in processing and removes any
// partial output they wrote.
func (s *RAGService) failInterrupted(ctx context.Context, report *ReconcileReport) error {
	stuck, err := s.docs.ListByStatus(ctx, model.DocumentProcessing)
	if err != nil {
		return err
	}
	for i := range stuck {
		doc := &stuck[i]
		ids, err := s.chunks.IDsByDocument(ctx, doc.ID)
		if err != nil {
			return err
		}
		s.rollback(ctx, doc.ID, ids)
		s.fail(ctx, doc, errInterrupted)
		report.InterruptedDocs++
	}
	return nil
}

// dropStray removes the chunks of documents that are failed or gone. Chunks of
// a document still uploaded or processing belong to an ingest running right
// now and are left alone.
func (s *RAGService) dropStray(ctx context.Context, docIDs map[string]struct{}, inStore map[string]struct{}, report *ReconcileReport) error {
	for docID := range docIDs {
		doc, err := s.docs.Get(ctx, docID)
		if err != nil {
			return err
		}
		if doc != nil && doc.Status != model.DocumentFailed {
			continue
		}
		ids, err := s.chunks.IDsByDocument(ctx, docID)
		if err != nil {
			return err
		}
		s.rollback(ctx, docID, ids)
		for _, id := range ids {
			delete(inStore, id)
		}
		report.StrayChunks += len(ids)
		s.logger.Warn("removed chunks of unprocessed document", zap.String("document_id", docID), zap.Int("chunks", len(ids)))
	}
	return nil
}

func (s *RAGService) loadSnapshot(ctx context.Context, report *ReconcileReport) {
	if s.snapshot == nil {
		return
	}
	entries, bad, err := s.snapshot.Load(ctx)
	if err != nil {
		s.logger.Warn("load index snapshot failed, rebuilding from chunk store", zap.Error(err))
		return
	}
	report.SnapshotSkipped = bad
	if len(entries) == 0 {
		return
	}
	// a stable order keeps tie-breaking identical across restarts
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	ids := make([]string, 0, len(entries))
	vecs := make([][]float32, 0, len(entries))
	for _, e := range entries {
		if !s.fits(e.Vector) {
			report.SnapshotSkipped++
			continue
		}
		ids = append(ids, e.ID)
		vecs = append(vecs, e.Vector)
	}
	if err := s.index.AddBatch(ids, vecs); err != nil {
		s.logger.Warn("apply index snapshot failed, rebuilding from chunk store", zap.Error(err))
		return
	}
	report.SnapshotLoaded = len(ids)
}

// fits reports whether vec can go into the index given its current dimension.
// An empty index accepts any dimension.
func (s *RAGService) fits(vec []float32) bool {
	dim := s.index.Dimension()
	return len(vec) > 0 && (dim == 0 || dim == len(vec))
}

func (s *RAGService) reembed(ctx context.Context, missing []model.Chunk, report *ReconcileReport) {
	for start := 0; start < len(missing); start += reconcileEmbedBatch {
		end := start + reconcileEmbedBatch
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		embedCtx, cancel := context.WithTimeout(ctx, s.cfg.IngestTimeout)
		vecs, err := s.embedder.EmbedBatch(embedCtx, texts)
		cancel()
		if err == nil && len(vecs) != len(batch) {
			err = fmt.Errorf("got %d embeddings for %d chunks", len(vecs), len(batch))
		}
		if err != nil {
			s.logger.Warn("re-embed chunks failed", zap.Int("chunks", len(batch)), zap.Error(err))
			report.ReembedFailed += len(batch)
			continue
		}

		var (
			ids  []string
			good [][]float32
		)
		for i, c := range batch {
			if !s.fits(vecs[i]) {
				report.ReembedFailed++
				continue
			}
			if err := s.chunks.SetEmbedding(ctx, c.ID, vecs[i]); err != nil {
				s.logger.Warn("store re-embedded vector failed", zap.String("chunk_id", c.ID), zap.Error(err))
			}
			ids = append(ids, c.ID)
			good = append(good, vecs[i])
		}
		if len(ids) == 0 {
			continue
		}
		if err := s.index.AddBatch(ids, good); err != nil {
			s.logger.Warn("index re-embedded chunks failed", zap.Error(err))
			report.ReembedFailed += len(ids)
			continue
		}
		s.mirror(ctx, ids, good)
		report.Reembedded += len(ids)
	}
}
