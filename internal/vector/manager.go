package vector

import (
	"os"
	"path/filepath"
	"sync"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

// Manager owns the indexes of one process, keyed by (project, dataset), and
// maps them to their on-disk layout {faiss_dir}/{project_id}/{dataset_id}.bin.
type Manager struct {
	dir    string
	dim    int
	metric string

	mu      sync.Mutex
	indexes map[string]*Index
}

// NewManager creates a manager rooted at faiss_dir.
func NewManager(dir string, dim int, metric string) *Manager {
	if metric == "" {
		metric = MetricCosine
	}
	return &Manager{
		dir:     dir,
		dim:     dim,
		metric:  metric,
		indexes: make(map[string]*Index),
	}
}

// Path returns the index file path for a (project, dataset) pair.
func (m *Manager) Path(projectID, datasetID string) string {
	return filepath.Join(m.dir, projectID, datasetID+".bin")
}

// Get returns the index for (project, dataset), loading it from disk or
// creating an empty one.
func (m *Manager) Get(projectID, datasetID string) (*Index, error) {
	key := projectID + "/" + datasetID

	m.mu.Lock()
	defer m.mu.Unlock()

	if ix, ok := m.indexes[key]; ok {
		return ix, nil
	}

	ix, err := Load(m.Path(projectID, datasetID))
	if err != nil {
		if !cerrors.IsKind(err, cerrors.KindNotFound) {
			return nil, err
		}
		ix = New(m.dim, m.metric)
	}
	m.indexes[key] = ix
	return ix, nil
}

// Save persists one index.
func (m *Manager) Save(projectID, datasetID string) error {
	m.mu.Lock()
	ix, ok := m.indexes[m.keyOf(projectID, datasetID)]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return ix.Save(m.Path(projectID, datasetID))
}

// SaveAll persists every loaded index.
func (m *Manager) SaveAll() error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.indexes))
	for k := range m.indexes {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		project, dataset := splitKey(key)
		if err := m.Save(project, dataset); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete drops the in-memory index and removes its files. Used when a
// project is deleted.
func (m *Manager) Delete(projectID string) error {
	m.mu.Lock()
	for key := range m.indexes {
		if p, _ := splitKey(key); p == projectID {
			delete(m.indexes, key)
		}
	}
	m.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(m.dir, projectID)); err != nil {
		return cerrors.Wrap(cerrors.KindIo, err)
	}
	return nil
}

func (m *Manager) keyOf(projectID, datasetID string) string {
	return projectID + "/" + datasetID
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
