// Package arbitration records disputes between a renter and an owner and the
// arbitrator's split decision. It decides; it never moves funds.
package arbitration

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// MaxRatioBps is a ratio of 100% in basis points.
const MaxRatioBps = 10000

var (
	ErrNotFound        = errors.New("dispute not found")
	ErrAlreadyResolved = errors.New("dispute already resolved")
	ErrInvalidRatio    = errors.New("ratio must be between 0 and 10000 basis points")
)

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Dispute is an open or decided disagreement about one reservation.
type Dispute struct {
	ID            uint64     `json:"id"`
	ReservationID uint64     `json:"reservationId"`
	PartyA        string     `json:"partyA"` // renter
	PartyB        string     `json:"partyB"` // owner
	Status        Status     `json:"status"`
	RatioToA      uint32     `json:"ratioToA"` // basis points
	OpenedAt      time.Time  `json:"openedAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// Decision is the outcome of a resolved dispute.
type Decision struct {
	DisputeID uint64 `json:"disputeId"`
	RatioToA  uint32 `json:"ratioToA"`
}

// Shares splits amount by the decision: A gets floor(amount × ratio / 10000),
// B gets the remainder, so the two always sum to amount.
func (d Decision) Shares(amount *big.Int) (toA, toB *big.Int) {
	toA = new(big.Int).Mul(amount, big.NewInt(int64(d.RatioToA)))
	toA.Quo(toA, big.NewInt(MaxRatioBps))
	toB = new(big.Int).Sub(amount, toA)
	return toA, toB
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) (uint64, error)
	Get(ctx context.Context, id uint64) (*Dispute, error)
	GetByReservation(ctx context.Context, reservationID uint64) (*Dispute, error)
	// Resolve flips a pending dispute to resolved; ErrAlreadyResolved otherwise.
	Resolve(ctx context.Context, id uint64, ratio uint32, at time.Time) (*Dispute, error)
}

// Arbitrator opens and decides disputes on behalf of a single configured
// arbitrator identity.
type Arbitrator struct {
	store   Store
	address string
	nowFn   func() time.Time
	mu      sync.Mutex // one dispute per reservation
}

// New creates an arbitrator acting as address.
func New(store Store, address string) *Arbitrator {
	return &Arbitrator{
		store:   store,
		address: strings.ToLower(address),
		nowFn:   time.Now,
	}
}

// WithClock overrides the time source.
func (a *Arbitrator) WithClock(now func() time.Time) *Arbitrator {
	if now != nil {
		a.nowFn = now
	}
	return a
}

// Address is the identity allowed to resolve disputes.
func (a *Arbitrator) Address() string {
	return a.address
}

// Open starts a dispute for a reservation. Opening twice returns the
// existing dispute.
func (a *Arbitrator) Open(ctx context.Context, reservationID uint64, partyA, partyB string) (*Dispute, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.store.GetByReservation(ctx, reservationID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	d := &Dispute{
		ReservationID: reservationID,
		PartyA:        strings.ToLower(partyA),
		PartyB:        strings.ToLower(partyB),
		Status:        StatusPending,
		OpenedAt:      a.nowFn().UTC(),
	}
	id, err := a.store.Create(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to open dispute: %w", err)
	}
	d.ID = id
	return d, nil
}

// Resolve records the arbitrator's decision. ratioBps is the share of the
// escrow that goes to party A.
func (a *Arbitrator) Resolve(ctx context.Context, disputeID uint64, ratioBps uint32) (*Decision, error) {
	if ratioBps > MaxRatioBps {
		return nil, ErrInvalidRatio
	}
	d, err := a.store.Resolve(ctx, disputeID, ratioBps, a.nowFn().UTC())
	if err != nil {
		return nil, err
	}
	return &Decision{DisputeID: d.ID, RatioToA: d.RatioToA}, nil
}

// Get returns a dispute by id.
func (a *Arbitrator) Get(ctx context.Context, id uint64) (*Dispute, error) {
	return a.store.Get(ctx, id)
}

// GetByReservation returns the dispute attached to a reservation.
func (a *Arbitrator) GetByReservation(ctx context.Context, reservationID uint64) (*Dispute, error) {
	return a.store.GetByReservation(ctx, reservationID)
}
