package reservation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/reservo/internal/arbitration"
	"github.com/mbd888/reservo/internal/listing"
	"github.com/mbd888/reservo/internal/logging"
	"github.com/mbd888/reservo/internal/metrics"
	"github.com/mbd888/reservo/internal/oracle"
	"github.com/mbd888/reservo/internal/pagination"
	"github.com/mbd888/reservo/internal/syncutil"
	"github.com/mbd888/reservo/internal/traces"
	"github.com/mbd888/reservo/internal/vault"
	"github.com/mbd888/reservo/internal/wei"
)

// ListingReader looks up the listing being reserved.
type ListingReader interface {
	Get(ctx context.Context, id uint64) (*listing.Listing, error)
}

// Escrow is the subset of the vault the engine moves funds through.
type Escrow interface {
	Lock(ctx context.Context, req vault.LockRequest) (*vault.Entry, error)
	Release(ctx context.Context, reservationID uint64, to string, amount *big.Int) (*vault.Entry, error)
	Split(ctx context.Context, reservationID uint64, payouts ...vault.Payout) (*vault.Entry, error)
	Void(ctx context.Context, reservationID uint64) error
}

// Arbiter opens and decides disputes.
type Arbiter interface {
	Address() string
	Open(ctx context.Context, reservationID uint64, partyA, partyB string) (*arbitration.Dispute, error)
	Resolve(ctx context.Context, disputeID uint64, ratioBps uint32) (*arbitration.Decision, error)
}

// Event is a reservation lifecycle notification.
type Event struct {
	Type        string       `json:"type"`
	Reservation *Reservation `json:"reservation"`
}

// Event types.
const (
	EventCreated   = "reservation_created"
	EventCancelled = "reservation_cancelled"
	EventDisputed  = "reservation_disputed"
	EventResolved  = "reservation_resolved"
	EventCompleted = "reservation_completed"
)

// EventSink receives lifecycle events after the state change is durable.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// DurationPolicy decides how fractional durations are handled.
type DurationPolicy string

const (
	DurationTruncate DurationPolicy = "truncate"
	DurationReject   DurationPolicy = "reject"
)

// Config tunes pricing rules.
type Config struct {
	// BillingUnit is the period unitPrice is charged for. Partial units are
	// charged in full.
	BillingUnit time.Duration
	// DurationPolicy applies to fractional durationSeconds.
	DurationPolicy DurationPolicy
	// EnforceMaxDuration rejects durations longer than the listing allows.
	EnforceMaxDuration bool
}

// DefaultConfig bills per day and truncates fractional seconds.
func DefaultConfig() Config {
	return Config{BillingUnit: 24 * time.Hour, DurationPolicy: DurationTruncate}
}

// Service drives the reservation lifecycle. Every mutation of a reservation
// holds that reservation's lock; creation is serialized to keep ids dense.
type Service struct {
	store    Store
	listings ListingReader
	escrow   Escrow
	arbiter  Arbiter
	feed     oracle.Feed // optional
	events   EventSink   // optional
	cfg      Config
	nowFn    func() time.Time

	createMu sync.Mutex
	locks    *syncutil.ContextShardedMutex
}

// NewService creates the reservation engine.
func NewService(store Store, listings ListingReader, escrow Escrow, arbiter Arbiter, cfg Config) *Service {
	if cfg.BillingUnit < time.Second {
		cfg.BillingUnit = DefaultConfig().BillingUnit
	}
	if cfg.DurationPolicy == "" {
		cfg.DurationPolicy = DurationTruncate
	}
	return &Service{
		store:    store,
		listings: listings,
		escrow:   escrow,
		arbiter:  arbiter,
		cfg:      cfg,
		nowFn:    time.Now,
		locks:    syncutil.NewContextShardedMutex(),
	}
}

// WithPriceFeed attaches the ETH/USD feed. Without one, USD listings cannot
// be reserved and no price snapshot is stored.
func (s *Service) WithPriceFeed(f oracle.Feed) *Service {
	s.feed = f
	return s
}

// WithEvents attaches a lifecycle event sink.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.nowFn = now
	}
	return s
}

func (s *Service) lock(ctx context.Context, id uint64) (func(), error) {
	return s.locks.LockContext(ctx, fmt.Sprintf("res:%d", id))
}

// quote returns the wei required to reserve the listing for durationSeconds,
// plus the price snapshot used (nil for wei listings without a feed).
func (s *Service) quote(ctx context.Context, l *listing.Listing, durationSeconds int64) (*big.Int, *oracle.Price, error) {
	unit := int64(s.cfg.BillingUnit / time.Second)
	units := wei.CeilDiv(big.NewInt(durationSeconds), big.NewInt(unit))
	total := new(big.Int).Mul(l.UnitPrice, units)

	if l.Currency != listing.CurrencyUSD {
		return total, nil, nil
	}
	if s.feed == nil {
		return nil, nil, fmt.Errorf("%w: usd listing needs a price feed", oracle.ErrUnavailable)
	}
	price, err := s.feed.LatestPrice(ctx)
	if err != nil {
		return nil, nil, err
	}
	required, err := oracle.QuoteToWei(total, price)
	if err != nil {
		return nil, nil, err
	}
	return required, price, nil
}

// coerceDuration turns a JSON duration into whole seconds.
func (s *Service) coerceDuration(d float64) (int64, error) {
	if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 || d > math.MaxInt32*float64(SecondsPerDay) {
		return 0, fmt.Errorf("%w: durationSeconds must be a positive number", ErrInvalidInput)
	}
	whole := math.Trunc(d)
	if whole != d && s.cfg.DurationPolicy == DurationReject {
		return 0, fmt.Errorf("%w: durationSeconds must be a whole number", ErrInvalidInput)
	}
	if whole < 1 {
		return 0, fmt.Errorf("%w: durationSeconds must be at least one second", ErrInvalidInput)
	}
	return int64(whole), nil
}

// Reserve books a listing. value is taken from the caller in full: the
// required amount is escrowed and the rest is credited back as change.
func (s *Service) Reserve(ctx context.Context, caller string, req ReserveRequest) (*Reservation, error) {
	ctx, span := traces.StartSpan(ctx, "reservation.Reserve",
		traces.Party(caller), traces.ListingID(req.ListingID), traces.Amount(req.Value))
	defer span.End()

	r, err := s.reserve(ctx, strings.ToLower(caller), req)
	if err != nil {
		traces.Fail(span, err)
		metrics.ReserveRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	span.SetAttributes(traces.ReservationID(r.ID))
	return r, nil
}

func (s *Service) reserve(ctx context.Context, caller string, req ReserveRequest) (*Reservation, error) {
	if caller == "" {
		return nil, ErrUnauthorized
	}
	if req.StartTime < 0 {
		return nil, fmt.Errorf("%w: startTime must not be negative", ErrInvalidInput)
	}
	value, ok := wei.Parse(req.Value)
	if !ok {
		return nil, fmt.Errorf("%w: value must be a non-negative wei integer", ErrInvalidInput)
	}

	l, err := s.listings.Get(ctx, req.ListingID)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return nil, fmt.Errorf("%w: listing %d", ErrNotFound, req.ListingID)
		}
		return nil, err
	}

	secs, err := s.coerceDuration(req.DurationSeconds)
	if err != nil {
		return nil, err
	}
	if s.cfg.EnforceMaxDuration && secs > l.MaxDurationSeconds {
		return nil, fmt.Errorf("%w: listing allows at most %d seconds", ErrInvalidInput, l.MaxDurationSeconds)
	}

	required, price, err := s.quote(ctx, l, secs)
	if err != nil {
		return nil, fmt.Errorf("failed to quote listing %d: %w", l.ID, err)
	}
	if value.Cmp(required) < 0 {
		return nil, ErrInsufficientFunds
	}
	if price == nil && s.feed != nil {
		price, err = s.feed.LatestPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot price: %w", err)
		}
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate reservation id: %w", err)
	}
	now := s.nowFn().UTC()
	r := &Reservation{
		ID:              count + 1,
		ListingID:       l.ID,
		Renter:          caller,
		Owner:           l.Owner,
		Status:          StatusActive,
		StartTime:       req.StartTime,
		DurationSeconds: secs,
		Days:            secs / SecondsPerDay,
		AmountEscrowed:  required,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if price != nil {
		r.PriceAnswer = wei.Clone(price.Answer)
		r.PriceDecimals = price.Decimals
		at := price.UpdatedAt
		r.PriceAt = &at
	}

	if _, err := s.escrow.Lock(ctx, vault.LockRequest{
		ReservationID: r.ID,
		Depositor:     caller,
		Beneficiary:   l.Owner,
		Amount:        required,
		Paid:          value,
	}); err != nil {
		if errors.Is(err, vault.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("failed to lock escrow: %w", err)
	}

	if err := s.store.Create(ctx, r); err != nil {
		if voidErr := s.escrow.Void(ctx, r.ID); voidErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow locked but reservation not recorded and void failed",
				"reservationId", r.ID, "renter", caller, "amount", required.String(),
				"createError", err, "voidError", voidErr)
		}
		return nil, fmt.Errorf("failed to record reservation: %w", err)
	}

	metrics.ReservationsTotal.WithLabelValues(string(StatusActive)).Inc()
	logging.L(ctx).Info("reservation created",
		"reservationId", r.ID, "listingId", l.ID, "renter", caller,
		"amount", required.String(), "change", new(big.Int).Sub(value, required).String())
	s.publish(ctx, EventCreated, r)
	return r.Clone(), nil
}

// Cancel refunds the full escrow to the renter. Only the renter may cancel,
// and only before the period starts.
func (s *Service) Cancel(ctx context.Context, caller string, id uint64) (*Reservation, error) {
	ctx, span := traces.StartSpan(ctx, "reservation.Cancel", traces.ReservationID(id), traces.Party(caller))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, r.Renter) {
		return nil, ErrUnauthorized
	}
	if r.Status != StatusActive {
		return nil, fmt.Errorf("%w: reservation is %s", ErrInvalidState, r.Status)
	}
	now := s.nowFn().UTC()
	if now.Unix() >= r.StartTime {
		return nil, ErrTooLateToCancel
	}

	if _, err := s.escrow.Release(ctx, id, r.Renter, wei.All); err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}

	r.Status = StatusCancelled
	r.PaidToRenter = wei.Clone(r.AmountEscrowed)
	r.PaidToOwner = new(big.Int)
	if err := s.settle(ctx, r, now, "cancel"); err != nil {
		return nil, err
	}
	s.publish(ctx, EventCancelled, r)
	return r.Clone(), nil
}

// RaiseDispute freezes an active reservation until the arbitrator decides.
// Either the renter or the owner may raise it.
func (s *Service) RaiseDispute(ctx context.Context, caller string, id uint64) (*Reservation, error) {
	ctx, span := traces.StartSpan(ctx, "reservation.RaiseDispute", traces.ReservationID(id), traces.Party(caller))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, r.Renter) && !strings.EqualFold(caller, r.Owner) {
		return nil, ErrUnauthorized
	}
	if r.Status != StatusActive {
		return nil, fmt.Errorf("%w: reservation is %s", ErrInvalidState, r.Status)
	}

	d, err := s.arbiter.Open(ctx, id, r.Renter, r.Owner)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(traces.DisputeID(d.ID))

	r.Status = StatusDisputed
	r.DisputeID = d.ID
	r.UpdatedAt = s.nowFn().UTC()
	if err := s.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to record dispute: %w", err)
	}

	metrics.ReservationsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	logging.L(ctx).Info("reservation disputed", "reservationId", id, "disputeId", d.ID, "raisedBy", caller)
	s.publish(ctx, EventDisputed, r)
	return r.Clone(), nil
}

// DisputeAndResolve lets the arbitrator split the escrow: the renter gets
// floor(amount × ratioBps / 10000) and the owner the remainder. Valid from
// active or disputed; funds move exactly once.
func (s *Service) DisputeAndResolve(ctx context.Context, caller string, id uint64, ratioBps uint32) (*Reservation, error) {
	ctx, span := traces.StartSpan(ctx, "reservation.DisputeAndResolve", traces.ReservationID(id), traces.Party(caller))
	defer span.End()

	if ratioBps > arbitration.MaxRatioBps {
		return nil, fmt.Errorf("%w: ratio must be between 0 and %d bps", ErrInvalidInput, arbitration.MaxRatioBps)
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, s.arbiter.Address()) {
		return nil, ErrUnauthorized
	}
	if r.Status.IsTerminal() {
		if r.Status == StatusCompleted {
			return nil, ErrAlreadyResolved
		}
		return nil, fmt.Errorf("%w: reservation is %s", ErrInvalidState, r.Status)
	}

	d, err := s.arbiter.Open(ctx, id, r.Renter, r.Owner)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.DisputeID(d.ID))
	if r.DisputeID != d.ID {
		// Record the dispute before deciding so the sweeper leaves the
		// escrow alone even if the payout below fails.
		r.DisputeID = d.ID
		r.UpdatedAt = s.nowFn().UTC()
		if err := s.store.Update(ctx, r); err != nil {
			return nil, fmt.Errorf("failed to record dispute: %w", err)
		}
	}

	// A dispute decided by an earlier call whose payout failed is settled
	// with the recorded ratio, not the one passed now.
	ratio := d.RatioToA
	if d.Status != arbitration.StatusResolved {
		decision, err := s.arbiter.Resolve(ctx, d.ID, ratioBps)
		if err != nil {
			if errors.Is(err, arbitration.ErrAlreadyResolved) {
				return nil, ErrAlreadyResolved
			}
			return nil, err
		}
		ratio = decision.RatioToA
	} else {
		logging.L(ctx).Warn("settling previously decided dispute",
			"reservationId", id, "disputeId", d.ID, "ratioBps", ratio)
	}

	toRenter, toOwner := arbitration.Decision{DisputeID: d.ID, RatioToA: ratio}.Shares(r.AmountEscrowed)
	if _, err := s.escrow.Split(ctx, id,
		vault.Payout{To: r.Renter, Amount: toRenter},
		vault.Payout{To: r.Owner, Amount: toOwner},
	); err != nil {
		if errors.Is(err, vault.ErrAlreadyReleased) {
			return nil, ErrAlreadyResolved
		}
		logging.L(ctx).Error("dispute decided but escrow split failed; retry settles with the recorded ratio",
			"reservationId", id, "disputeId", d.ID, "ratioBps", ratio, "error", err)
		traces.Fail(span, err)
		return nil, fmt.Errorf("failed to split escrow: %w", err)
	}

	r.Status = StatusCompleted
	r.PaidToRenter = toRenter
	r.PaidToOwner = toOwner
	if err := s.settle(ctx, r, s.nowFn().UTC(), "resolve"); err != nil {
		return nil, err
	}
	metrics.ReservationsTotal.WithLabelValues("resolved").Inc()
	s.publish(ctx, EventResolved, r)
	return r.Clone(), nil
}

// CompleteAndWithdraw pays the full escrow to the owner once the period has
// ended. Anyone may trigger it; the funds only ever go to the owner.
func (s *Service) CompleteAndWithdraw(ctx context.Context, caller string, id uint64) (*Reservation, error) {
	ctx, span := traces.StartSpan(ctx, "reservation.CompleteAndWithdraw", traces.ReservationID(id), traces.Party(caller))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusActive {
		return nil, fmt.Errorf("%w: reservation is %s", ErrInvalidState, r.Status)
	}
	if r.DisputeID != 0 {
		return nil, fmt.Errorf("%w: reservation is under arbitration", ErrInvalidState)
	}
	now := s.nowFn().UTC()
	if now.Unix() < r.EndTime() {
		return nil, ErrNotEnded
	}

	if _, err := s.escrow.Release(ctx, id, r.Owner, wei.All); err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("failed to release escrow: %w", err)
	}

	r.Status = StatusCompleted
	r.PaidToRenter = new(big.Int)
	r.PaidToOwner = wei.Clone(r.AmountEscrowed)
	if err := s.settle(ctx, r, now, "complete"); err != nil {
		return nil, err
	}
	s.publish(ctx, EventCompleted, r)
	return r.Clone(), nil
}

// settle persists a reservation whose funds have already moved. The update is
// retried once; if it still fails the caller gets ErrNotRecorded so it never
// reports a settlement the store does not show.
func (s *Service) settle(ctx context.Context, r *Reservation, now time.Time, op string) error {
	r.UpdatedAt = now
	r.ResolvedAt = &now

	if err := s.store.Update(ctx, r); err != nil {
		if err2 := s.store.Update(ctx, r); err2 != nil {
			logging.L(ctx).Error("CRITICAL: escrow paid out but reservation status not updated",
				"op", op, "reservationId", r.ID, "status", r.Status,
				"paidToRenter", wei.Format(r.PaidToRenter), "paidToOwner", wei.Format(r.PaidToOwner),
				"error", err2)
			return fmt.Errorf("%w: reservation %d (%s): %v", ErrNotRecorded, r.ID, op, err2)
		}
	}

	metrics.ReservationsTotal.WithLabelValues(string(r.Status)).Inc()
	metrics.ReservationLifetime.Observe(now.Sub(r.CreatedAt).Seconds())
	logging.L(ctx).Info("reservation settled",
		"op", op, "reservationId", r.ID, "status", r.Status,
		"paidToRenter", wei.Format(r.PaidToRenter), "paidToOwner", wei.Format(r.PaidToOwner))
	return nil
}

func (s *Service) publish(ctx context.Context, typ string, r *Reservation) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, Event{Type: typ, Reservation: r.Clone()})
}

// Get returns a reservation by id.
func (s *Service) Get(ctx context.Context, id uint64) (*Reservation, error) {
	return s.store.Get(ctx, id)
}

// Count returns the number of reservations ever created.
func (s *Service) Count(ctx context.Context) (uint64, error) {
	return s.store.Count(ctx)
}

// ListByRenter returns a renter's reservations, newest first. A non-empty
// cursor continues from a previous page; the returned cursor is "" on the
// last page.
func (s *Service) ListByRenter(ctx context.Context, renter, cursor string, limit int) ([]*Reservation, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	list, err := s.store.ListByRenter(ctx, strings.ToLower(renter), before, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.Page(list, limit, func(r *Reservation) uint64 { return r.ID })
	return page, next, nil
}

// ListEnded returns active reservations whose period is over.
func (s *Service) ListEnded(ctx context.Context, limit int) ([]*Reservation, error) {
	return s.store.ListEnded(ctx, s.nowFn().Unix(), limit)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotFound):
		return "listing_not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, oracle.ErrStalePrice):
		return "stale_price"
	case errors.Is(err, oracle.ErrUnavailable), errors.Is(err, oracle.ErrInvalidPrice):
		return "oracle_unavailable"
	default:
		return "internal"
	}
}
