// Package vectorindex keeps chunk embeddings in memory and answers k-nearest
// neighbour queries by cosine similarity.
//
// Vectors are L2-normalised on insert, so similarity is a plain inner product.
// Small corpora are always scanned exactly. Once the entry count reaches the
// exact threshold an IVF structure (spherical k-means lists) is built and only
// the closest lists are probed; when probing cannot supply k candidates the
// search falls back to the exact scan.
package vectorindex

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

const (
	DefaultExactThreshold = 20000
	DefaultProbe          = 8

	// rebuild the IVF lists once this fraction of the entries they were
	// trained on has been removed
	degradeRatio = 0.25
)

var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrInvalidEntry      = errors.New("invalid index entry")
)

// Mode names the search strategy currently in effect.
type Mode string

const (
	ModeExact       Mode = "exact"
	ModeApproximate Mode = "approximate"
)

// Result is one search hit. Rank starts at 1.
type Result struct {
	Rank  int     `json:"rank"`
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Entry is an exported (id, vector) pair.
type Entry struct {
	ID     string
	Vector []float32
}

type Stats struct {
	Entries           int  `json:"entries"`
	Dimension         int  `json:"dimension"`
	Mode              Mode `json:"mode"`
	ExactThreshold    int  `json:"exact_threshold"`
	Lists             int  `json:"lists"`
	Probe             int  `json:"probe"`
	RemovedSinceBuild int  `json:"removed_since_build"`
}

type entry struct {
	id  string
	seq uint64
	vec []float32
}

// Index is safe for concurrent use: searches share a read lock and every
// mutation, including batches, happens under a single write lock.
type Index struct {
	mu      sync.RWMutex
	dim     int
	entries []entry
	pos     map[string]int
	nextSeq uint64

	exactThreshold int
	lists          int
	probe          int
	ivf            *ivf
}

// Option configures an Index.
type Option func(*Index)

// WithExactThreshold sets the entry count at which the IVF structure is built.
// Zero or less keeps the index exact forever.
func WithExactThreshold(n int) Option {
	return func(idx *Index) {
		idx.exactThreshold = n
	}
}

// WithLists fixes the number of IVF lists. By default it is √n.
func WithLists(n int) Option {
	return func(idx *Index) {
		if n > 0 {
			idx.lists = n
		}
	}
}

// WithProbe sets how many IVF lists a query scans.
func WithProbe(n int) Option {
	return func(idx *Index) {
		if n > 0 {
			idx.probe = n
		}
	}
}

// WithDimension fixes the dimensionality up front instead of on first insert.
func WithDimension(d int) Option {
	return func(idx *Index) {
		if d > 0 {
			idx.dim = d
		}
	}
}

func New(opts ...Option) *Index {
	idx := &Index{
		pos:            make(map[string]int),
		exactThreshold: DefaultExactThreshold,
		probe:          DefaultProbe,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Add inserts or replaces one vector.
func (idx *Index) Add(id string, vec []float32) error {
	return idx.AddBatch([]string{id}, [][]float32{vec})
}

// AddBatch inserts or replaces several vectors. The batch is validated as a
// whole before anything is applied, so it either lands completely or not at all.
func (idx *Index) AddBatch(ids []string, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("%w: %d ids for %d vectors", ErrInvalidEntry, len(ids), len(vecs))
	}
	if len(ids) == 0 {
		return nil
	}
	normalized := make([][]float32, len(vecs))
	for i, v := range vecs {
		if ids[i] == "" || len(v) == 0 {
			return fmt.Errorf("%w: empty id or vector at %d", ErrInvalidEntry, i)
		}
		if len(v) != len(vecs[0]) {
			return fmt.Errorf("%w: batch mixes %d and %d", ErrDimensionMismatch, len(vecs[0]), len(v))
		}
		normalized[i] = Normalize(v)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.dim != 0 && idx.dim != len(vecs[0]) {
		return fmt.Errorf("%w: index has %d, got %d", ErrDimensionMismatch, idx.dim, len(vecs[0]))
	}
	idx.dim = len(vecs[0])

	for i, id := range ids {
		if at, ok := idx.pos[id]; ok {
			idx.entries[at].vec = normalized[i]
			if idx.ivf != nil {
				idx.ivf.reassign(id, normalized[i])
			}
			continue
		}
		idx.pos[id] = len(idx.entries)
		idx.entries = append(idx.entries, entry{id: id, seq: idx.nextSeq, vec: normalized[i]})
		idx.nextSeq++
		if idx.ivf != nil {
			idx.ivf.assign(id, normalized[i])
		}
	}

	if idx.ivf == nil && idx.approximateEligible() {
		idx.buildLocked()
	}
	return nil
}

// Remove deletes one entry. Removing an unknown id is not an error.
func (idx *Index) Remove(id string) bool {
	return idx.RemoveMany([]string{id}) == 1
}

// RemoveMany deletes the given entries and reports how many existed.
func (idx *Index) RemoveMany(ids []string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := 0
	for _, id := range ids {
		at, ok := idx.pos[id]
		if !ok {
			continue
		}
		last := len(idx.entries) - 1
		if at != last {
			idx.entries[at] = idx.entries[last]
			idx.pos[idx.entries[at].id] = at
		}
		idx.entries = idx.entries[:last]
		delete(idx.pos, id)
		if idx.ivf != nil {
			idx.ivf.remove(id)
		}
		removed++
	}

	if idx.ivf != nil {
		switch {
		case !idx.approximateEligible():
			idx.ivf = nil
		case float64(idx.ivf.removed) > degradeRatio*float64(idx.ivf.trainedOn):
			idx.buildLocked()
		}
	}
	return removed
}

// Rebuild retrains the IVF lists from the current entries, or drops them when
// the index has shrunk below the exact threshold.
func (idx *Index) Rebuild() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.approximateEligible() {
		idx.ivf = nil
		return
	}
	idx.buildLocked()
}

// Search returns up to k entries by descending similarity, ties going to the
// earlier insert. k <= 0 and an empty index both give an empty result.
func (idx *Index) Search(query []float32, k int) ([]Result, error) {
	return idx.search(query, k, false)
}

// SearchExact always scans every entry.
func (idx *Index) SearchExact(query []float32, k int) ([]Result, error) {
	return idx.search(query, k, true)
}

func (idx *Index) search(query []float32, k int, exact bool) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if k <= 0 || len(idx.entries) == 0 {
		return []Result{}, nil
	}
	if len(query) != idx.dim {
		return nil, fmt.Errorf("%w: index has %d, query has %d", ErrDimensionMismatch, idx.dim, len(query))
	}
	q := Normalize(query)

	want := k
	if want > len(idx.entries) {
		want = len(idx.entries)
	}

	var top *topK
	if !exact && idx.ivf != nil {
		top = newTopK(want)
		seen := 0
		for _, list := range idx.ivf.nearestLists(q, idx.probe) {
			for _, id := range idx.ivf.members[list] {
				e := idx.entries[idx.pos[id]]
				top.offer(e, Dot(q, e.vec))
				seen++
			}
		}
		if seen < want {
			top = nil
		}
	}
	if top == nil {
		top = newTopK(want)
		for _, e := range idx.entries {
			top.offer(e, Dot(q, e.vec))
		}
	}
	return top.results(), nil
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Dimension is zero until the first vector is added.
func (idx *Index) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

func (idx *Index) Has(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.pos[id]
	return ok
}

// IDs lists the indexed ids in insertion order.
func (idx *Index) IDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	sorted := make([]entry, len(idx.entries))
	copy(sorted, idx.entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].seq < sorted[j].seq })
	ids := make([]string, len(sorted))
	for i, e := range sorted {
		ids[i] = e.id
	}
	return ids
}

// Entries copies out every (id, normalised vector) pair in insertion order.
func (idx *Index) Entries() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	sorted := make([]entry, len(idx.entries))
	copy(sorted, idx.entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].seq < sorted[j].seq })
	out := make([]Entry, len(sorted))
	for i, e := range sorted {
		vec := make([]float32, len(e.vec))
		copy(vec, e.vec)
		out[i] = Entry{ID: e.id, Vector: vec}
	}
	return out
}

func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	st := Stats{
		Entries:        len(idx.entries),
		Dimension:      idx.dim,
		Mode:           ModeExact,
		ExactThreshold: idx.exactThreshold,
	}
	if idx.ivf != nil {
		st.Mode = ModeApproximate
		st.Lists = len(idx.ivf.centroids)
		st.Probe = idx.probe
		st.RemovedSinceBuild = idx.ivf.removed
	}
	return st
}

func (idx *Index) approximateEligible() bool {
	return idx.exactThreshold > 0 && len(idx.entries) >= idx.exactThreshold
}

func (idx *Index) buildLocked() {
	lists := idx.lists
	if lists <= 0 {
		lists = int(math.Sqrt(float64(len(idx.entries))))
	}
	idx.ivf = trainIVF(idx.entries, lists)
}

// Normalize returns a unit-length copy of v. The zero vector stays zero.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// Dot is the inner product of two equal-length vectors.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

type scored struct {
	id    string
	seq   uint64
	score float64
}

// worse orders hits so that the heap root is the weakest kept candidate.
func worse(a, b scored) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.seq > b.seq
}

type hitHeap []scored

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type topK struct {
	k int
	h hitHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, h: make(hitHeap, 0, k)}
}

func (t *topK) offer(e entry, score float64) {
	s := scored{id: e.id, seq: e.seq, score: score}
	if len(t.h) < t.k {
		heap.Push(&t.h, s)
		return
	}
	if worse(t.h[0], s) {
		t.h[0] = s
		heap.Fix(&t.h, 0)
	}
}

func (t *topK) results() []Result {
	hits := make([]scored, len(t.h))
	copy(hits, t.h)
	sort.Slice(hits, func(i, j int) bool { return worse(hits[j], hits[i]) })
	out := make([]Result, len(hits))
	for i, s := range hits {
		out[i] = Result{Rank: i + 1, ID: s.id, Score: s.score}
	}
	return out
}
