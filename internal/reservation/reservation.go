// Package reservation books listings for a time window and settles the
// escrowed payment.
//
// Flow:
//  1. Reserve: renter pays at least unitPrice × billing units; the required
//     amount is locked in the vault, any excess is credited back as change
//  2. Cancel (renter, before start): full escrow back to the renter
//  3. CompleteAndWithdraw (anyone, after end): full escrow to the owner
//  4. RaiseDispute / DisputeAndResolve: the arbitrator splits the escrow
//
// States only move forward: active → {cancelled, completed, disputed},
// disputed → completed.
package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/mbd888/reservo/internal/wei"
)

var (
	ErrInvalidInput      = errors.New("invalid reservation input")
	ErrNotFound          = errors.New("reservation not found")
	ErrInsufficientFunds = errors.New("not enough ETH to make reservation")
	ErrTooLateToCancel   = errors.New("too late to cancel reservation")
	ErrInvalidState      = errors.New("invalid reservation status for this operation")
	ErrUnauthorized      = errors.New("not authorized for this reservation")
	ErrNotEnded          = errors.New("reservation period has not ended")
	ErrAlreadyResolved   = errors.New("reservation already resolved")
	// ErrNotRecorded means the escrow was paid out but the new status could
	// not be stored. The payout stands; the record needs reconciling.
	ErrNotRecorded = errors.New("escrow paid out but reservation status not recorded")
)

// User-facing messages for the two errors renters hit most.
const (
	MsgInsufficientFunds = "Not enough ETH to make reservation"
	MsgTooLateToCancel   = "Too late to cancel reservation."
)

// SecondsPerDay converts a duration to the stored whole-day count.
const SecondsPerDay = 86400

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusActive    Status = "active"    // escrow locked, period pending or running
	StatusCancelled Status = "cancelled" // renter cancelled before start, refunded
	StatusCompleted Status = "completed" // escrow paid out (to owner or split)
	StatusDisputed  Status = "disputed"  // waiting on the arbitrator
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// Reservation is a booking of one listing for a time window.
type Reservation struct {
	ID              uint64 `json:"id"`
	ListingID       uint64 `json:"listingId"`
	Renter          string `json:"renter"`
	Owner           string `json:"owner"`
	Status          Status `json:"status"`
	StartTime       int64  `json:"startTime"` // unix seconds
	DurationSeconds int64  `json:"durationSeconds"`
	Days            int64  `json:"days"` // whole days, truncated

	AmountEscrowed *big.Int `json:"-"`
	PaidToRenter   *big.Int `json:"-"` // set at settlement
	PaidToOwner    *big.Int `json:"-"` // set at settlement

	// Price feed snapshot taken when the reservation was made.
	PriceAnswer   *big.Int   `json:"-"`
	PriceDecimals uint8      `json:"priceDecimals,omitempty"`
	PriceAt       *time.Time `json:"priceAt,omitempty"`

	DisputeID  uint64     `json:"disputeId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// EndTime is the unix second at which the rental period ends.
func (r *Reservation) EndTime() int64 {
	return r.StartTime + r.DurationSeconds
}

// MarshalJSON renders wei amounts as base-10 strings.
func (r Reservation) MarshalJSON() ([]byte, error) {
	type alias Reservation
	out := struct {
		alias
		AmountEscrowed string `json:"amountEscrowed"`
		PaidToRenter   string `json:"paidToRenter,omitempty"`
		PaidToOwner    string `json:"paidToOwner,omitempty"`
		PriceAnswer    string `json:"priceAnswer,omitempty"`
	}{alias: alias(r), AmountEscrowed: wei.Format(r.AmountEscrowed)}
	if r.PaidToRenter != nil {
		out.PaidToRenter = r.PaidToRenter.String()
	}
	if r.PaidToOwner != nil {
		out.PaidToOwner = r.PaidToOwner.String()
	}
	if r.PriceAnswer != nil {
		out.PriceAnswer = r.PriceAnswer.String()
	}
	return json.Marshal(out)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	cp := *r
	cp.AmountEscrowed = wei.Clone(r.AmountEscrowed)
	cp.PaidToRenter = cloneOptional(r.PaidToRenter)
	cp.PaidToOwner = cloneOptional(r.PaidToOwner)
	cp.PriceAnswer = cloneOptional(r.PriceAnswer)
	if r.PriceAt != nil {
		t := *r.PriceAt
		cp.PriceAt = &t
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func cloneOptional(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// Store persists reservations. Ids are assigned by the engine.
type Store interface {
	Create(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id uint64) (*Reservation, error)
	Update(ctx context.Context, r *Reservation) error
	Count(ctx context.Context) (uint64, error)
	// ListByRenter returns a renter's reservations newest first, starting
	// below beforeID (0 for the newest).
	ListByRenter(ctx context.Context, renter string, beforeID uint64, limit int) ([]*Reservation, error)
	// ListEnded returns active reservations with no dispute whose period
	// ended at or before the given unix second, oldest first.
	ListEnded(ctx context.Context, before int64, limit int) ([]*Reservation, error)
}

// ReserveRequest contains the parameters for reserving a listing.
type ReserveRequest struct {
	ListingID uint64 `json:"listingId" binding:"required"`
	StartTime int64  `json:"startTime"`
	// DurationSeconds may carry a fraction; DurationPolicy decides what happens to it.
	DurationSeconds float64 `json:"durationSeconds" binding:"required"`
	// Value is the wei attached to the reservation.
	Value string `json:"value" binding:"required"`
}

// ResolveRequest carries the arbitrator's decision. RatioToRenter is the
// renter's share in [0, 1]; RatioBps, when set, takes precedence.
type ResolveRequest struct {
	RatioToRenter *json.Number `json:"ratioToRenter"`
	RatioBps      *uint32  `json:"ratioBps"`
}
