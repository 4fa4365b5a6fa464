package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/errors"
)

// MemoryRepository is a thread-safe in-memory Repository. Descriptors
// round-trip through the wire format so tests exercise the same
// serialization as production.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[datasource.ID][]byte
}

// NewMemory creates an empty in-memory repository
func NewMemory() *MemoryRepository {
	return &MemoryRepository{entries: make(map[datasource.ID][]byte)}
}

// GetAllIDs lists stored ids in lexical order
func (m *MemoryRepository) GetAllIDs(_ context.Context) ([]datasource.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]datasource.ID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// GetAll loads every descriptor
func (m *MemoryRepository) GetAll(ctx context.Context) ([]*datasource.DataSource, error) {
	ids, err := m.GetAllIDs(ctx)
	if err != nil {
		return nil, err
	}

	sources := make([]*datasource.DataSource, 0, len(ids))
	for _, id := range ids {
		ds, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ds)
	}
	return sources, nil
}

// Get loads one descriptor
func (m *MemoryRepository) Get(_ context.Context, id datasource.ID) (*datasource.DataSource, error) {
	m.mu.RLock()
	data, ok := m.entries[id]
	m.mu.RUnlock()

	if !ok {
		return nil, errors.ErrSourceNotFound
	}
	return datasource.Deserialize(data)
}

// Save creates or replaces a descriptor
func (m *MemoryRepository) Save(_ context.Context, ds *datasource.DataSource) error {
	data, err := datasource.Serialize(ds)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[ds.ID] = data
	return nil
}

// Delete removes a descriptor
func (m *MemoryRepository) Delete(_ context.Context, id datasource.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; !ok {
		return errors.ErrSourceNotFound
	}
	delete(m.entries, id)
	return nil
}
