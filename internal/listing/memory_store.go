package listing

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory listing store for demo/development mode.
type MemoryStore struct {
	listings map[uint64]*Listing
	nextID   uint64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[uint64]*Listing),
		nextID:   1,
	}
}

func (m *MemoryStore) Create(ctx context.Context, l *Listing) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	cp := l.Clone()
	cp.ID = id
	m.listings[id] = cp
	return id, nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Listing
	for id := uint64(1); id < m.nextID; id++ {
		l, ok := m.listings[id]
		if !ok || l.Owner != owner {
			continue
		}
		result = append(result, l.Clone())
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
