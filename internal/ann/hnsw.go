// Package ann is the approximate vector index used by chunk tables once they
// outgrow exhaustive search.
//
// It implements Hierarchical Navigable Small World graphs (Malkov &
// Yashunin, 2018, https://arxiv.org/abs/1603.09320) in pure Go. Keys are the
// SQLite rowids of chunk rows; distances are cosine distances in [0, 2].
// Deleted rows are tombstoned and skipped by search until Compact rebuilds
// the graph.
package ann

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

const (
	// DefaultM is the default max connections per layer.
	DefaultM = 16
	// DefaultEfConstruction is the default build-time beam width.
	DefaultEfConstruction = 200
	// DefaultEfSearch is the default search-time beam width.
	DefaultEfSearch = 64
)

// Index is an in-memory HNSW graph. It is safe for concurrent use.
type Index struct {
	mu         sync.RWMutex
	nodes      []node
	byKey      map[int64]int
	entryPoint int // -1 when empty
	maxLevel   int
	dims       int
	deleted    int

	M              int
	Mmax0          int
	EfConstruction int
	EfSearch       int
	levelMult      float64

	rng *rand.Rand
}

type node struct {
	key     int64
	vector  []float32
	links   [][]int // links[layer] = neighbor node positions
	level   int
	deleted bool
}

// Hit is one search result.
type Hit struct {
	Key      int64
	Distance float32
}

// New creates an empty index with default parameters.
func New(dims int) *Index {
	return NewWithParams(dims, DefaultM, DefaultEfConstruction, DefaultEfSearch)
}

// NewWithParams creates an empty index with custom parameters.
func NewWithParams(dims, m, efConstruction, efSearch int) *Index {
	if m < 2 {
		m = 2
	}
	return &Index{
		dims:           dims,
		M:              m,
		Mmax0:          2 * m,
		EfConstruction: efConstruction,
		EfSearch:       efSearch,
		levelMult:      1.0 / math.Log(float64(m)),
		entryPoint:     -1,
		maxLevel:       -1,
		byKey:          make(map[int64]int),
		rng:            newRand(42),
	}
}

// Dims returns the vector width.
func (idx *Index) Dims() int { return idx.dims }

// Len returns the number of live vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes) - idx.deleted
}

// Has reports whether key is present and not deleted.
func (idx *Index) Has(key int64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	pos, ok := idx.byKey[key]
	return ok && !idx.nodes[pos].deleted
}

// Insert adds vector under key. Re-inserting a live key is a no-op;
// re-inserting a deleted key revives it with the new vector.
func (idx *Index) Insert(key int64, vector []float32) error {
	if len(vector) != idx.dims {
		return fmt.Errorf("vector has %d dims, index has %d", len(vector), idx.dims)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if pos, ok := idx.byKey[key]; ok {
		if !idx.nodes[pos].deleted {
			return nil
		}
		// The old node keeps its place in the graph; only the key moves.
		delete(idx.byKey, key)
		idx.nodes[pos].key = -1
	}

	vec := make([]float32, len(vector))
	copy(vec, vector)

	pos := len(idx.nodes)
	level := idx.randomLevel()
	idx.nodes = append(idx.nodes, node{
		key:    key,
		vector: vec,
		links:  make([][]int, level+1),
		level:  level,
	})
	idx.byKey[key] = pos

	if idx.entryPoint == -1 {
		idx.entryPoint = pos
		idx.maxLevel = level
		return nil
	}

	ep := idx.entryPoint
	for l := idx.maxLevel; l > level; l-- {
		ep = idx.greedyClosest(vec, ep, l)
	}

	for l := min(level, idx.maxLevel); l >= 0; l-- {
		found := idx.searchLayer(vec, ep, idx.EfConstruction, l)
		maxConn := idx.M
		if l == 0 {
			maxConn = idx.Mmax0
		}

		neighbors := make([]int, 0, maxConn)
		for _, c := range found {
			if len(neighbors) == maxConn {
				break
			}
			neighbors = append(neighbors, c.pos)
		}
		idx.nodes[pos].links[l] = neighbors

		for _, nb := range neighbors {
			idx.nodes[nb].links[l] = append(idx.nodes[nb].links[l], pos)
			if len(idx.nodes[nb].links[l]) > maxConn {
				idx.nodes[nb].links[l] = idx.prune(nb, idx.nodes[nb].links[l], maxConn)
			}
		}
		if len(found) > 0 {
			ep = found[0].pos
		}
	}

	if level > idx.maxLevel {
		idx.entryPoint = pos
		idx.maxLevel = level
	}
	return nil
}

// Delete tombstones key. It reports whether the key was live.
func (idx *Index) Delete(key int64) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	pos, ok := idx.byKey[key]
	if !ok || idx.nodes[pos].deleted {
		return false
	}
	idx.nodes[pos].deleted = true
	idx.deleted++
	return true
}

// Search returns up to k live keys nearest to query, closest first.
func (idx *Index) Search(query []float32, k int) []Hit {
	return idx.SearchEf(query, k, idx.EfSearch)
}

// SearchEf is Search with an explicit beam width; ef below k is raised to k.
func (idx *Index) SearchEf(query []float32, k, ef int) []Hit {
	if k <= 0 || len(query) != idx.dims {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint == -1 || len(idx.nodes) == idx.deleted {
		return nil
	}
	// Tombstones still occupy beam slots.
	ef = max(ef, k) + idx.deleted

	ep := idx.entryPoint
	for l := idx.maxLevel; l > 0; l-- {
		ep = idx.greedyClosest(query, ep, l)
	}

	found := idx.searchLayer(query, ep, ef, 0)
	hits := make([]Hit, 0, k)
	for _, c := range found {
		n := idx.nodes[c.pos]
		if n.deleted || n.key < 0 {
			continue
		}
		hits = append(hits, Hit{Key: n.key, Distance: c.dist})
		if len(hits) == k {
			break
		}
	}
	return hits
}

// Compact returns a fresh index holding only the live vectors.
func (idx *Index) Compact() *Index {
	idx.mu.RLock()
	type entry struct {
		key int64
		vec []float32
	}
	live := make([]entry, 0, len(idx.nodes)-idx.deleted)
	for _, n := range idx.nodes {
		if !n.deleted && n.key >= 0 {
			live = append(live, entry{n.key, n.vector})
		}
	}
	out := NewWithParams(idx.dims, idx.M, idx.EfConstruction, idx.EfSearch)
	idx.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool { return live[i].key < live[j].key })
	for _, e := range live {
		out.Insert(e.key, e.vec) //nolint:errcheck // dims already match
	}
	return out
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func (idx *Index) randomLevel() int {
	r := idx.rng.Float64()
	if r == 0 {
		r = 1e-10
	}
	return int(math.Floor(-math.Log(r) * idx.levelMult))
}

// greedyClosest walks layer from ep toward query until no neighbor improves.
func (idx *Index) greedyClosest(query []float32, ep, layer int) int {
	dist := CosineDistance(query, idx.nodes[ep].vector)
	for {
		improved := false
		if layer < len(idx.nodes[ep].links) {
			for _, nb := range idx.nodes[ep].links[layer] {
				if d := CosineDistance(query, idx.nodes[nb].vector); d < dist {
					ep, dist, improved = nb, d, true
				}
			}
		}
		if !improved {
			return ep
		}
	}
}

// searchLayer is the beam search of the paper's SEARCH-LAYER. It returns up
// to ef candidates ordered by ascending distance.
func (idx *Index) searchLayer(query []float32, ep, ef, layer int) []candidate {
	visited := map[int]struct{}{ep: {}}
	start := candidate{pos: ep, dist: CosineDistance(query, idx.nodes[ep].vector)}

	frontier := &minQueue{start}
	best := &maxQueue{start}

	for frontier.Len() > 0 {
		c := heap.Pop(frontier).(candidate)
		if best.Len() >= ef && c.dist > (*best)[0].dist {
			break
		}
		if layer >= len(idx.nodes[c.pos].links) {
			continue
		}
		for _, nb := range idx.nodes[c.pos].links[layer] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}

			d := CosineDistance(query, idx.nodes[nb].vector)
			if best.Len() < ef || d < (*best)[0].dist {
				heap.Push(frontier, candidate{pos: nb, dist: d})
				heap.Push(best, candidate{pos: nb, dist: d})
				if best.Len() > ef {
					heap.Pop(best)
				}
			}
		}
	}

	out := make([]candidate, best.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(best).(candidate)
	}
	return out
}

// prune keeps the maxConn links of pos closest to it.
func (idx *Index) prune(pos int, links []int, maxConn int) []int {
	vec := idx.nodes[pos].vector
	scored := make([]candidate, len(links))
	for i, nb := range links {
		scored[i] = candidate{pos: nb, dist: CosineDistance(vec, idx.nodes[nb].vector)}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].dist < scored[j].dist })

	out := make([]int, maxConn)
	for i := range out {
		out[i] = scored[i].pos
	}
	return out
}

// CosineDistance returns 1 - cosine similarity, in [0, 2]. Mismatched or
// zero vectors are maximally distant.
func CosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}
