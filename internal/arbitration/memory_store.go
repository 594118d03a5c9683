package arbitration

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store.
type MemoryStore struct {
	mu            sync.RWMutex
	disputes      map[uint64]*Dispute
	byReservation map[uint64]uint64
	nextID        uint64
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes:      make(map[uint64]*Dispute),
		byReservation: make(map[uint64]uint64),
		nextID:        1,
	}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	cp := *d
	cp.ID = id
	m.disputes[id] = &cp
	m.byReservation[d.ReservationID] = id
	return id, nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) GetByReservation(_ context.Context, reservationID uint64) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byReservation[reservationID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.disputes[id].clone(), nil
}

func (m *MemoryStore) Resolve(_ context.Context, id uint64, ratio uint32, at time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	d.Status = StatusResolved
	d.RatioToA = ratio
	d.ResolvedAt = &at
	return d.clone(), nil
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
