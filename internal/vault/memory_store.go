package vault

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/reservo/internal/wei"
)

// MemoryStore is an in-memory vault store for development and testing.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[uint64]*Entry
	balances  map[string]*big.Int
	movements []*Movement
}

// NewMemoryStore creates a new in-memory vault store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[uint64]*Entry),
		balances: make(map[string]*big.Int),
	}
}

func (m *MemoryStore) Lock(_ context.Context, e *Entry, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[e.ReservationID]; exists {
		return ErrAlreadyLocked
	}
	m.entries[e.ReservationID] = e.clone()
	m.record(e.Depositor, MovementLock, e.Amount, reference(e.ReservationID), at)
	if e.Change.Sign() > 0 {
		m.credit(e.Depositor, e.Change)
		m.record(e.Depositor, MovementChange, e.Change, reference(e.ReservationID), at)
	}
	return nil
}

func (m *MemoryStore) Settle(_ context.Context, reservationID uint64, payouts []Payout, at time.Time) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[reservationID]
	if !ok {
		return nil, ErrNotFound
	}
	resolved, total, err := resolvePayouts(e, payouts)
	if err != nil {
		return nil, err
	}

	for _, p := range resolved {
		if p.Amount.Sign() == 0 {
			continue
		}
		m.credit(p.To, p.Amount)
		m.record(p.To, MovementRelease, p.Amount, reference(reservationID), at)
	}
	e.Released = true
	e.ReleasedAmount = total
	e.ReleasedAt = &at
	return e.clone(), nil
}

func (m *MemoryStore) Void(_ context.Context, reservationID uint64, at time.Time) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[reservationID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Released {
		return nil, ErrAlreadyReleased
	}
	if e.Change.Sign() > 0 {
		bal := m.balance(e.Depositor)
		if bal.Cmp(e.Change) < 0 {
			return nil, ErrInsufficientFunds
		}
		bal.Sub(bal, e.Change)
		m.record(e.Depositor, MovementChangeReversal, e.Change, reference(reservationID), at)
	}
	m.record(e.Depositor, MovementVoid, e.Amount, reference(reservationID), at)
	delete(m.entries, reservationID)
	return e.clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, reservationID uint64) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[reservationID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) Balance(_ context.Context, party string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return wei.Clone(m.balances[party]), nil
}

func (m *MemoryStore) Withdraw(_ context.Context, party string, amount *big.Int, at time.Time) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(party)
	amt := amount
	if wei.IsAll(amount) {
		amt = wei.Clone(bal)
	}
	if amt.Sign() == 0 || bal.Cmp(amt) < 0 {
		return nil, ErrInsufficientFunds
	}
	bal.Sub(bal, amt)
	m.record(party, MovementWithdraw, amt, "withdrawal", at)
	return wei.Clone(amt), nil
}

func (m *MemoryStore) History(_ context.Context, party string, limit int) ([]*Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Movement
	for i := len(m.movements) - 1; i >= 0 && len(result) < limit; i-- {
		mv := m.movements[i]
		if mv.Party == party {
			cp := *mv
			cp.Amount = wei.Clone(mv.Amount)
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Totals(_ context.Context) (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := newTotals()

	ids := make([]uint64, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		e := m.entries[id]
		t.Entries++
		t.Locked.Add(t.Locked, e.Amount)
		t.Released.Add(t.Released, e.ReleasedAmount)
		rem := e.Remainder()
		t.Unreleased.Add(t.Unreleased, rem)
		if e.Released {
			t.Stranded.Add(t.Stranded, rem)
		} else {
			t.Pending.Add(t.Pending, rem)
		}
	}

	for _, mv := range m.movements {
		switch mv.Type {
		case MovementLock:
			t.LedgerLocked.Add(t.LedgerLocked, mv.Amount)
		case MovementRelease:
			t.LedgerReleased.Add(t.LedgerReleased, mv.Amount)
			t.LedgerCredited.Add(t.LedgerCredited, mv.Amount)
		case MovementChange:
			t.LedgerCredited.Add(t.LedgerCredited, mv.Amount)
		case MovementVoid:
			t.LedgerLocked.Sub(t.LedgerLocked, mv.Amount)
		case MovementChangeReversal, MovementWithdraw:
			t.LedgerCredited.Sub(t.LedgerCredited, mv.Amount)
		}
	}

	for _, bal := range m.balances {
		t.Balances.Add(t.Balances, bal)
	}
	return t, nil
}

// balance returns the live balance pointer for party. Caller holds m.mu.
func (m *MemoryStore) balance(party string) *big.Int {
	bal, ok := m.balances[party]
	if !ok {
		bal = new(big.Int)
		m.balances[party] = bal
	}
	return bal
}

func (m *MemoryStore) credit(party string, amount *big.Int) {
	bal := m.balance(party)
	bal.Add(bal, amount)
}

func (m *MemoryStore) record(party string, typ MovementType, amount *big.Int, ref string, at time.Time) {
	m.movements = append(m.movements, &Movement{
		ID:        uint64(len(m.movements) + 1),
		Party:     party,
		Type:      typ,
		Amount:    wei.Clone(amount),
		Reference: ref,
		CreatedAt: at,
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
