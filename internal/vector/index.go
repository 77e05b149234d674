// Package vector maintains the per-(project, dataset) approximate
// nearest-neighbour indexes. The database is the source of truth; an index
// file is a cache that rebuild_from_db can always replace.
package vector

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

// Metric names accepted by the index.
const (
	MetricCosine = "cos"
	MetricL2     = "l2"
)

// Match is one search hit.
type Match struct {
	VectorID uint64  `json:"vector_id"`
	Score    float32 `json:"score"`
}

// Index is one ANN index for a (project, dataset) pair. Safe for concurrent
// use.
type Index struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	dim    int
	metric string
	nextID uint64
	ids    map[uint64]bool
}

// indexMeta is the gob-persisted sidecar next to the graph file.
type indexMeta struct {
	Dim    int
	Metric string
	NextID uint64
	IDs    map[uint64]bool
}

// New creates an empty index with the given dimensionality.
func New(dim int, metric string) *Index {
	if metric == "" {
		metric = MetricCosine
	}
	return &Index{
		graph:  newGraph(metric),
		dim:    dim,
		metric: metric,
		nextID: 1,
		ids:    make(map[uint64]bool),
	}
}

func newGraph(metric string) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	switch metric {
	case MetricL2:
		g.Distance = hnsw.EuclideanDistance
	default:
		g.Distance = hnsw.CosineDistance
	}
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return g
}

// AddVector inserts a vector and returns its assigned id. Ids are assigned
// monotonically and never reused within one index generation.
func (ix *Index) AddVector(vec []float32) (uint64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(vec) != ix.dim {
		return 0, cerrors.Newf(cerrors.KindInternal,
			"dimension mismatch: index %d, vector %d", ix.dim, len(vec))
	}

	id := ix.nextID
	ix.nextID++

	ix.graph.Add(hnsw.MakeNode(id, ix.prepare(vec)))
	ix.ids[id] = true
	return id, nil
}

// Remove drops vectors by id. Lazy: the graph node stays but is excluded
// from results; a rebuild compacts.
func (ix *Index) Remove(ids ...uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range ids {
		delete(ix.ids, id)
	}
}

// Contains reports whether the id is live in the index.
func (ix *Index) Contains(id uint64) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.ids[id]
}

// Count returns the number of live vectors.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// IDs returns all live vector ids.
func (ix *Index) IDs() []uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]uint64, 0, len(ix.ids))
	for id := range ix.ids {
		out = append(out, id)
	}
	return out
}

// Search returns up to limit nearest neighbours ordered best-first.
func (ix *Index) Search(query []float32, limit int) ([]Match, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(query) != ix.dim {
		return nil, cerrors.Newf(cerrors.KindInternal,
			"dimension mismatch: index %d, query %d", ix.dim, len(query))
	}
	if len(ix.ids) == 0 {
		return []Match{}, nil
	}

	q := ix.prepare(query)
	// Overfetch to compensate for lazily removed nodes.
	nodes := ix.graph.Search(q, limit+ix.graph.Len()-len(ix.ids))

	out := make([]Match, 0, limit)
	for _, node := range nodes {
		if !ix.ids[node.Key] {
			continue
		}
		dist := ix.graph.Distance(q, node.Value)
		out = append(out, Match{VectorID: node.Key, Score: distanceToScore(dist, ix.metric)})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Rebuild replaces the whole index content with the given id -> vector set,
// preserving the ids (they come from the chunks table).
func (ix *Index) Rebuild(vectors map[uint64][]float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	graph := newGraph(ix.metric)
	ids := make(map[uint64]bool, len(vectors))
	next := uint64(1)

	for id, vec := range vectors {
		if len(vec) != ix.dim {
			return cerrors.Newf(cerrors.KindInternal,
				"dimension mismatch during rebuild: index %d, vector %d", ix.dim, len(vec))
		}
		graph.Add(hnsw.MakeNode(id, ix.prepare(vec)))
		ids[id] = true
		if id >= next {
			next = id + 1
		}
	}

	ix.graph = graph
	ix.ids = ids
	ix.nextID = next
	return nil
}

// prepare copies and, for cosine, normalises a vector.
func (ix *Index) prepare(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	if ix.metric == MetricCosine {
		normalizeInPlace(out)
	}
	return out
}

func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

func distanceToScore(dist float32, metric string) float32 {
	switch metric {
	case MetricL2:
		return 1 / (1 + dist)
	default:
		// Cosine distance in [0,2] -> similarity in [-1,1].
		return 1 - dist
	}
}

// Save persists the index atomically: graph to path via temp-file+rename,
// id metadata to path+".meta".
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cerrors.Wrap(cerrors.KindIo, err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return cerrors.Wrap(cerrors.KindIo, err)
	}
	if err := ix.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return cerrors.Wrapf(cerrors.KindIo, err, "export graph")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return cerrors.Wrap(cerrors.KindIo, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return cerrors.Wrap(cerrors.KindIo, err)
	}

	metaTmp := path + ".meta.tmp"
	mf, err := os.Create(metaTmp)
	if err != nil {
		return cerrors.Wrap(cerrors.KindIo, err)
	}
	meta := indexMeta{Dim: ix.dim, Metric: ix.metric, NextID: ix.nextID, IDs: ix.ids}
	if err := gob.NewEncoder(mf).Encode(meta); err != nil {
		_ = mf.Close()
		_ = os.Remove(metaTmp)
		return cerrors.Wrapf(cerrors.KindIo, err, "encode metadata")
	}
	if err := mf.Close(); err != nil {
		_ = os.Remove(metaTmp)
		return cerrors.Wrap(cerrors.KindIo, err)
	}
	if err := os.Rename(metaTmp, path+".meta"); err != nil {
		_ = os.Remove(metaTmp)
		return cerrors.Wrap(cerrors.KindIo, err)
	}
	return nil
}

// Load reads an index saved by Save. A missing file yields KindNotFound so
// callers can fall back to a rebuild.
func Load(path string) (*Index, error) {
	mf, err := os.Open(path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.Newf(cerrors.KindNotFound, "no index at %s", path)
		}
		return nil, cerrors.Wrap(cerrors.KindIo, err)
	}
	defer mf.Close()

	var meta indexMeta
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		return nil, cerrors.Wrapf(cerrors.KindIo, err, "decode metadata")
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.Newf(cerrors.KindNotFound, "no index at %s", path)
		}
		return nil, cerrors.Wrap(cerrors.KindIo, err)
	}
	defer f.Close()

	graph := newGraph(meta.Metric)
	if err := graph.Import(bufio.NewReader(f)); err != nil {
		return nil, cerrors.Wrapf(cerrors.KindIo, err, "import graph")
	}

	if meta.IDs == nil {
		meta.IDs = make(map[uint64]bool)
	}
	return &Index{
		graph:  graph,
		dim:    meta.Dim,
		metric: meta.Metric,
		nextID: meta.NextID,
		ids:    meta.IDs,
	}, nil
}

// EncodeVector packs a float32 vector into the BLOB stored on chunk rows.
func EncodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// DecodeVector unpacks a chunk embedding BLOB.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, cerrors.Newf(cerrors.KindInternal, "embedding blob length %d not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
