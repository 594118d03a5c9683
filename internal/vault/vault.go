// Package vault holds reservation payments in escrow until they are settled.
//
// Flow:
//  1. Lock: the payment attached to a reservation is held against its id;
//     any overpayment is credited back to the depositor as change
//  2. Release / Split: the escrow is paid out once, to one or several parties
//  3. Withdraw: parties take their credited balance out of the vault
//
// A release smaller than the escrowed amount strands the remainder in the
// vault. Settlement is one-shot; a second release fails.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/reservo/internal/wei"
)

var (
	ErrInvalidInput        = errors.New("invalid vault input")
	ErrNotFound            = errors.New("escrow entry not found")
	ErrAlreadyLocked       = errors.New("escrow already locked for reservation")
	ErrAlreadyReleased     = errors.New("escrow already released")
	ErrAmountExceedsEscrow = errors.New("release amount exceeds escrowed amount")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvariant           = errors.New("escrow invariant violated")
)

// Entry is the escrow held for one reservation.
type Entry struct {
	ReservationID  uint64     `json:"reservationId"`
	Depositor      string     `json:"depositor"`
	Beneficiary    string     `json:"beneficiary"`
	Amount         *big.Int   `json:"-"`
	Change         *big.Int   `json:"-"`
	Released       bool       `json:"released"`
	ReleasedAmount *big.Int   `json:"-"`
	LockedAt       time.Time  `json:"lockedAt"`
	ReleasedAt     *time.Time `json:"releasedAt,omitempty"`
}

// Remainder is the part of the escrow that was never paid out.
func (e *Entry) Remainder() *big.Int {
	return new(big.Int).Sub(wei.Clone(e.Amount), wei.Clone(e.ReleasedAmount))
}

// MarshalJSON renders wei amounts as base-10 strings.
func (e Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return json.Marshal(struct {
		alias
		Amount         string `json:"amount"`
		Change         string `json:"change"`
		ReleasedAmount string `json:"releasedAmount"`
	}{alias(e), wei.Format(e.Amount), wei.Format(e.Change), wei.Format(e.ReleasedAmount)})
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Amount = wei.Clone(e.Amount)
	cp.Change = wei.Clone(e.Change)
	cp.ReleasedAmount = wei.Clone(e.ReleasedAmount)
	if e.ReleasedAt != nil {
		t := *e.ReleasedAt
		cp.ReleasedAt = &t
	}
	return &cp
}

// MovementType classifies a vault ledger line.
type MovementType string

const (
	MovementLock     MovementType = "lock"     // payment taken into escrow
	MovementChange   MovementType = "change"   // overpayment credited to depositor
	MovementRelease  MovementType = "release"  // escrow credited to a party
	MovementWithdraw MovementType = "withdraw" // credited balance paid out
	MovementVoid     MovementType = "void"     // lock reversed, escrow never taken

	// MovementChangeReversal undoes the change credit of a voided lock.
	MovementChangeReversal MovementType = "change_reversal"
)

// Movement is one append-only line of the vault ledger.
type Movement struct {
	ID        uint64       `json:"id"`
	Party     string       `json:"party"`
	Type      MovementType `json:"type"`
	Amount    *big.Int     `json:"-"`
	Reference string       `json:"reference"`
	CreatedAt time.Time    `json:"createdAt"`
}

// MarshalJSON renders the amount as a base-10 string.
func (m Movement) MarshalJSON() ([]byte, error) {
	type alias Movement
	return json.Marshal(struct {
		alias
		Amount string `json:"amount"`
	}{alias(m), wei.Format(m.Amount)})
}

// Payout is one recipient of a release.
type Payout struct {
	To     string
	Amount *big.Int
}

// LockRequest describes a payment to hold in escrow.
type LockRequest struct {
	ReservationID uint64
	Depositor     string
	Beneficiary   string
	Amount        *big.Int // required escrow
	Paid          *big.Int // value attached by the depositor
}

// Totals summarises the vault for the invariant audit.
//
// Entry-side figures come from escrow entries; ledger-side figures are
// recomputed from the movement log and the balance table.
type Totals struct {
	Entries    int      `json:"entries"`
	Locked     *big.Int `json:"-"` // Σ amount over live entries
	Released   *big.Int `json:"-"` // Σ released amount
	Unreleased *big.Int `json:"-"` // Σ (amount - released) over live entries
	Pending    *big.Int `json:"-"` // part of Unreleased still awaiting settlement
	Stranded   *big.Int `json:"-"` // part of Unreleased left behind by partial releases

	LedgerLocked   *big.Int `json:"-"` // Σ lock - Σ void movements
	LedgerReleased *big.Int `json:"-"` // Σ release movements
	LedgerCredited *big.Int `json:"-"` // Σ change + Σ release - Σ change_reversal - Σ withdraw
	Balances       *big.Int `json:"-"` // Σ party balances
}

func newTotals() *Totals {
	return &Totals{
		Locked:         new(big.Int),
		Released:       new(big.Int),
		Unreleased:     new(big.Int),
		Pending:        new(big.Int),
		Stranded:       new(big.Int),
		LedgerLocked:   new(big.Int),
		LedgerReleased: new(big.Int),
		LedgerCredited: new(big.Int),
		Balances:       new(big.Int),
	}
}

// MarshalJSON renders every total as a base-10 string.
func (t Totals) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"entries":        t.Entries,
		"locked":         wei.Format(t.Locked),
		"released":       wei.Format(t.Released),
		"unreleased":     wei.Format(t.Unreleased),
		"pending":        wei.Format(t.Pending),
		"stranded":       wei.Format(t.Stranded),
		"ledgerLocked":   wei.Format(t.LedgerLocked),
		"ledgerReleased": wei.Format(t.LedgerReleased),
		"ledgerCredited": wei.Format(t.LedgerCredited),
		"balances":       wei.Format(t.Balances),
	})
}

// Check verifies Σ locked == Σ released + Σ unreleased and that the movement
// ledger agrees with entries and balances.
func (t *Totals) Check() error {
	sum := new(big.Int).Add(t.Released, t.Unreleased)
	if t.Locked.Cmp(sum) != 0 {
		return fmt.Errorf("%w: locked %s != released %s + unreleased %s",
			ErrInvariant, t.Locked, t.Released, t.Unreleased)
	}
	if new(big.Int).Add(t.Pending, t.Stranded).Cmp(t.Unreleased) != 0 {
		return fmt.Errorf("%w: pending %s + stranded %s != unreleased %s",
			ErrInvariant, t.Pending, t.Stranded, t.Unreleased)
	}
	if t.LedgerLocked.Cmp(t.Locked) != 0 {
		return fmt.Errorf("%w: ledger locked %s != entries locked %s",
			ErrInvariant, t.LedgerLocked, t.Locked)
	}
	if t.LedgerReleased.Cmp(t.Released) != 0 {
		return fmt.Errorf("%w: ledger released %s != entries released %s",
			ErrInvariant, t.LedgerReleased, t.Released)
	}
	if t.LedgerCredited.Cmp(t.Balances) != 0 {
		return fmt.Errorf("%w: ledger credited %s != balances %s",
			ErrInvariant, t.LedgerCredited, t.Balances)
	}
	return nil
}

// Store persists escrow entries, balances and the movement log. Every
// mutating method is a single atomic operation.
type Store interface {
	// Lock creates the entry, records the lock and credits change.
	Lock(ctx context.Context, e *Entry, at time.Time) error
	// Settle validates payouts against the entry and pays them out once.
	Settle(ctx context.Context, reservationID uint64, payouts []Payout, at time.Time) (*Entry, error)
	// Void removes an unreleased entry and reverses its lock and change.
	Void(ctx context.Context, reservationID uint64, at time.Time) (*Entry, error)
	Get(ctx context.Context, reservationID uint64) (*Entry, error)
	Balance(ctx context.Context, party string) (*big.Int, error)
	// Withdraw debits party; wei.All withdraws the whole balance.
	Withdraw(ctx context.Context, party string, amount *big.Int, at time.Time) (*big.Int, error)
	History(ctx context.Context, party string, limit int) ([]*Movement, error)
	Totals(ctx context.Context) (*Totals, error)
}

// Vault implements escrow business logic on top of a Store.
type Vault struct {
	store Store
	nowFn func() time.Time
}

// New creates a vault.
func New(store Store) *Vault {
	return &Vault{store: store, nowFn: time.Now}
}

// WithClock overrides the time source.
func (v *Vault) WithClock(now func() time.Time) *Vault {
	if now != nil {
		v.nowFn = now
	}
	return v
}

// Lock takes req.Paid from the depositor and holds req.Amount of it against
// the reservation. Any excess is credited to the depositor as change.
func (v *Vault) Lock(ctx context.Context, req LockRequest) (*Entry, error) {
	defer observeOp("lock")()

	if req.ReservationID == 0 || req.Depositor == "" || req.Beneficiary == "" {
		return nil, fmt.Errorf("%w: reservation, depositor and beneficiary are required", ErrInvalidInput)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: escrow amount must be positive", ErrInvalidInput)
	}
	paid := wei.Clone(req.Paid)
	if paid.Cmp(req.Amount) < 0 {
		return nil, ErrInsufficientFunds
	}

	e := &Entry{
		ReservationID:  req.ReservationID,
		Depositor:      strings.ToLower(req.Depositor),
		Beneficiary:    strings.ToLower(req.Beneficiary),
		Amount:         wei.Clone(req.Amount),
		Change:         new(big.Int).Sub(paid, req.Amount),
		ReleasedAmount: new(big.Int),
		LockedAt:       v.nowFn().UTC(),
	}
	if err := v.store.Lock(ctx, e, e.LockedAt); err != nil {
		return nil, err
	}

	EscrowLockedWei.Add(weiFloat(e.Amount))
	return e.clone(), nil
}

// Release pays amount of the reservation's escrow to a single party.
// wei.All releases the whole entry.
func (v *Vault) Release(ctx context.Context, reservationID uint64, to string, amount *big.Int) (*Entry, error) {
	return v.Split(ctx, reservationID, Payout{To: to, Amount: amount})
}

// Split pays the reservation's escrow out to several parties at once. The
// sum of payouts must not exceed the escrowed amount.
func (v *Vault) Split(ctx context.Context, reservationID uint64, payouts ...Payout) (*Entry, error) {
	defer observeOp("release")()

	if len(payouts) == 0 {
		return nil, fmt.Errorf("%w: at least one payout is required", ErrInvalidInput)
	}
	for _, p := range payouts {
		if p.To == "" || p.Amount == nil || p.Amount.Sign() < 0 {
			return nil, fmt.Errorf("%w: payout needs a recipient and a non-negative amount", ErrInvalidInput)
		}
	}

	e, err := v.store.Settle(ctx, reservationID, payouts, v.nowFn().UTC())
	if err != nil {
		return nil, err
	}

	EscrowReleasedWei.Add(weiFloat(e.ReleasedAmount))
	return e, nil
}

// Void undoes a lock whose reservation could not be recorded. The entry is
// removed so the reservation id can be locked again; the movement log keeps
// both the lock and its reversal.
func (v *Vault) Void(ctx context.Context, reservationID uint64) error {
	defer observeOp("void")()

	e, err := v.store.Void(ctx, reservationID, v.nowFn().UTC())
	if err != nil {
		return err
	}
	EscrowLockedWei.Sub(weiFloat(e.Amount))
	return nil
}

// Get returns the escrow entry for a reservation.
func (v *Vault) Get(ctx context.Context, reservationID uint64) (*Entry, error) {
	return v.store.Get(ctx, reservationID)
}

// BalanceOf returns the value credited to party and not yet withdrawn.
func (v *Vault) BalanceOf(ctx context.Context, party string) (*big.Int, error) {
	return v.store.Balance(ctx, strings.ToLower(party))
}

// Withdraw debits party's credited balance and returns the amount paid out.
func (v *Vault) Withdraw(ctx context.Context, party string, amount *big.Int) (*big.Int, error) {
	defer observeOp("withdraw")()

	if party == "" {
		return nil, fmt.Errorf("%w: party is required", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: withdrawal amount must be positive", ErrInvalidInput)
	}
	return v.store.Withdraw(ctx, strings.ToLower(party), amount, v.nowFn().UTC())
}

// History returns party's vault movements, newest first.
func (v *Vault) History(ctx context.Context, party string, limit int) ([]*Movement, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return v.store.History(ctx, strings.ToLower(party), limit)
}

// Audit recomputes vault totals and checks the escrow invariant.
func (v *Vault) Audit(ctx context.Context) (*Totals, error) {
	defer observeOp("audit")()

	t, err := v.store.Totals(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.Check(); err != nil {
		InvariantViolations.Inc()
		return t, err
	}
	return t, nil
}

// resolvePayouts expands the wei.All sentinel and checks the payouts fit
// inside the entry. Shared by every Store implementation.
func resolvePayouts(e *Entry, payouts []Payout) ([]Payout, *big.Int, error) {
	if e.Released {
		return nil, nil, ErrAlreadyReleased
	}

	resolved := make([]Payout, 0, len(payouts))
	total := new(big.Int)
	for _, p := range payouts {
		amt := p.Amount
		if wei.IsAll(amt) {
			if len(payouts) != 1 {
				return nil, nil, fmt.Errorf("%w: the entire-balance sentinel needs a single payout", ErrInvalidInput)
			}
			amt = e.Amount
		}
		total.Add(total, amt)
		resolved = append(resolved, Payout{To: strings.ToLower(p.To), Amount: wei.Clone(amt)})
	}
	if total.Cmp(e.Amount) > 0 {
		return nil, nil, ErrAmountExceedsEscrow
	}
	return resolved, total, nil
}

func reference(reservationID uint64) string {
	return fmt.Sprintf("reservation:%d", reservationID)
}

func weiFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(wei.Clone(v)).Float64()
	return f
}
