// Package listing owns rentable listings: an owner, a price per billing unit
// and a maximum rentable duration. Listings are immutable once created.
package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/reservo/internal/wei"
)

var (
	ErrInvalidInput = errors.New("invalid listing input")
	ErrNotFound     = errors.New("listing not found")
)

// Currency is the denomination of a listing's unit price.
type Currency string

const (
	// CurrencyWei prices the listing directly in wei.
	CurrencyWei Currency = "wei"
	// CurrencyUSD prices the listing in USD with 18 decimals; the reservation
	// engine converts it to wei through the price feed.
	CurrencyUSD Currency = "usd"
)

// Valid reports whether c is a supported denomination.
func (c Currency) Valid() bool {
	return c == CurrencyWei || c == CurrencyUSD
}

// Listing is an offer: price per billing unit and maximum rentable duration.
type Listing struct {
	ID                 uint64    `json:"id"`
	Owner              string    `json:"owner"`
	UnitPrice          *big.Int  `json:"-"`
	MaxDurationSeconds int64     `json:"maxDurationSeconds"`
	Currency           Currency  `json:"currency"`
	CreatedAt          time.Time `json:"createdAt"`
}

// MarshalJSON renders the unit price as a base-10 wei string.
func (l Listing) MarshalJSON() ([]byte, error) {
	type alias Listing
	return json.Marshal(struct {
		alias
		UnitPrice string `json:"unitPrice"`
	}{alias(l), wei.Format(l.UnitPrice)})
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	cp := *l
	cp.UnitPrice = wei.Clone(l.UnitPrice)
	return &cp
}

// Store persists listings. Create assigns the next dense id.
type Store interface {
	Create(ctx context.Context, l *Listing) (uint64, error)
	Get(ctx context.Context, id uint64) (*Listing, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]*Listing, error)
}

// CreateRequest contains the parameters for creating a listing.
type CreateRequest struct {
	UnitPrice          string   `json:"unitPrice" binding:"required"`
	MaxDurationSeconds int64    `json:"maxDurationSeconds" binding:"required"`
	Currency           Currency `json:"currency"`
}

// Registry implements listing business logic.
type Registry struct {
	store Store
	nowFn func() time.Time
	mu    sync.Mutex // serializes Create so ids stay dense
}

// NewRegistry creates a new listing registry.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, nowFn: time.Now}
}

// WithClock overrides the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	if now != nil {
		r.nowFn = now
	}
	return r
}

// Create validates and persists a new listing owned by owner.
func (r *Registry) Create(ctx context.Context, owner string, req CreateRequest) (*Listing, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}

	price, ok := wei.Parse(req.UnitPrice)
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: unit price must be a positive integer", ErrInvalidInput)
	}
	if req.MaxDurationSeconds <= 0 {
		return nil, fmt.Errorf("%w: max duration must be positive", ErrInvalidInput)
	}

	currency := req.Currency
	if currency == "" {
		currency = CurrencyWei
	}
	if !currency.Valid() {
		return nil, fmt.Errorf("%w: unsupported currency %q", ErrInvalidInput, req.Currency)
	}

	l := &Listing{
		Owner:              owner,
		UnitPrice:          price,
		MaxDurationSeconds: req.MaxDurationSeconds,
		Currency:           currency,
		CreatedAt:          r.nowFn().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.store.Create(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("failed to create listing: %w", err)
	}
	l.ID = id
	return l.Clone(), nil
}

// Get returns a listing by id.
func (r *Registry) Get(ctx context.Context, id uint64) (*Listing, error) {
	if id == 0 {
		return nil, ErrNotFound
	}
	return r.store.Get(ctx, id)
}

// ListByOwner returns listings created by owner, oldest first.
func (r *Registry) ListByOwner(ctx context.Context, owner string, limit int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.ListByOwner(ctx, strings.ToLower(owner), limit)
}
