package reservation

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory reservation store for demo/development mode.
type MemoryStore struct {
	reservations map[uint64]*Reservation
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory reservation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reservations: make(map[uint64]*Reservation)}
}

func (m *MemoryStore) Create(ctx context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reservations[r.ID]; exists {
		return fmt.Errorf("reservation %d already exists", r.ID)
	}
	m.reservations[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[r.ID]; !ok {
		return ErrNotFound
	}
	m.reservations[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Count(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.reservations)), nil
}

func (m *MemoryStore) ListByRenter(ctx context.Context, renter string, beforeID uint64, limit int) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Reservation
	for _, r := range m.reservations {
		if r.Renter == renter && (beforeID == 0 || r.ID < beforeID) {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListEnded(ctx context.Context, before int64, limit int) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Reservation
	for _, r := range m.reservations {
		if r.Status == StatusActive && r.DisputeID == 0 && r.EndTime() <= before {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
