package vectorindex

import (
	"sort"
)

const kmeansRounds = 8

// ivf partitions entries into lists around unit-length centroids.
type ivf struct {
	centroids [][]float32
	members   [][]string
	list      map[string]int

	trainedOn int
	removed   int
}

// trainIVF runs spherical k-means over the entries. Seeds are picked at even
// strides in insertion order so training is deterministic.
func trainIVF(entries []entry, lists int) *ivf {
	n := len(entries)
	if lists > n {
		lists = n
	}
	if lists < 1 {
		lists = 1
	}

	ordered := make([]entry, n)
	copy(ordered, entries)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	centroids := make([][]float32, lists)
	for c := range centroids {
		seed := ordered[c*n/lists].vec
		centroids[c] = append([]float32(nil), seed...)
	}

	assign := make([]int, n)
	for round := 0; round < kmeansRounds; round++ {
		changed := false
		for i, e := range ordered {
			best := nearest(centroids, e.vec)
			if round == 0 || best != assign[i] {
				changed = true
			}
			assign[i] = best
		}
		if !changed {
			break
		}
		centroids = recenter(centroids, ordered, assign)
	}
	for i, e := range ordered {
		assign[i] = nearest(centroids, e.vec)
	}

	out := &ivf{
		centroids: centroids,
		members:   make([][]string, lists),
		list:      make(map[string]int, n),
		trainedOn: n,
	}
	for i, e := range ordered {
		out.members[assign[i]] = append(out.members[assign[i]], e.id)
		out.list[e.id] = assign[i]
	}
	return out
}

func recenter(prev [][]float32, entries []entry, assign []int) [][]float32 {
	dim := len(prev[0])
	sums := make([][]float64, len(prev))
	counts := make([]int, len(prev))
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, e := range entries {
		c := assign[i]
		counts[c]++
		for d, x := range e.vec {
			sums[c][d] += float64(x)
		}
	}

	next := make([][]float32, len(prev))
	for c := range prev {
		if counts[c] == 0 {
			// empty lists keep their previous centroid
			next[c] = prev[c]
			continue
		}
		mean := make([]float32, dim)
		for d := range mean {
			mean[d] = float32(sums[c][d] / float64(counts[c]))
		}
		next[c] = Normalize(mean)
	}
	return next
}

func nearest(centroids [][]float32, vec []float32) int {
	best, bestScore := 0, Dot(centroids[0], vec)
	for c := 1; c < len(centroids); c++ {
		if s := Dot(centroids[c], vec); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// nearestLists returns the probe lists whose centroids score highest.
func (f *ivf) nearestLists(query []float32, probe int) []int {
	if probe > len(f.centroids) {
		probe = len(f.centroids)
	}
	order := make([]int, len(f.centroids))
	scores := make([]float64, len(f.centroids))
	for c := range f.centroids {
		order[c] = c
		scores[c] = Dot(f.centroids[c], query)
	}
	sort.SliceStable(order, func(i, j int) bool { return scores[order[i]] > scores[order[j]] })
	return order[:probe]
}

func (f *ivf) assign(id string, vec []float32) {
	c := nearest(f.centroids, vec)
	f.members[c] = append(f.members[c], id)
	f.list[id] = c
}

func (f *ivf) reassign(id string, vec []float32) {
	f.detach(id)
	f.assign(id, vec)
}

func (f *ivf) remove(id string) {
	if f.detach(id) {
		f.removed++
	}
}

func (f *ivf) detach(id string) bool {
	c, ok := f.list[id]
	if !ok {
		return false
	}
	members := f.members[c]
	for i, m := range members {
		if m == id {
			members[i] = members[len(members)-1]
			f.members[c] = members[:len(members)-1]
			break
		}
	}
	delete(f.list, id)
	return true
}
