package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/reservo/internal/wei"
)

// PostgresStore implements Store with PostgreSQL. Amounts are NUMERIC(78,0)
// so the full uint256 range fits.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed vault store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Lock(ctx context.Context, e *Entry, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_entries (
			reservation_id, depositor, beneficiary, amount, change_amount,
			released, released_amount, locked_at
		) VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5::NUMERIC(78,0), FALSE, 0, $6)
		ON CONFLICT (reservation_id) DO NOTHING`,
		e.ReservationID, e.Depositor, e.Beneficiary,
		wei.Format(e.Amount), wei.Format(e.Change), at,
	)
	if err != nil {
		return fmt.Errorf("failed to insert escrow entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyLocked
	}

	if err := recordMovement(ctx, tx, e.Depositor, MovementLock, e.Amount, reference(e.ReservationID), at); err != nil {
		return err
	}
	if e.Change.Sign() > 0 {
		if err := credit(ctx, tx, e.Depositor, e.Change, at); err != nil {
			return err
		}
		if err := recordMovement(ctx, tx, e.Depositor, MovementChange, e.Change, reference(e.ReservationID), at); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Settle(ctx context.Context, reservationID uint64, payouts []Payout, at time.Time) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanEntry(tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM escrow_entries
		WHERE reservation_id = $1 FOR UPDATE`, reservationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	resolved, total, err := resolvePayouts(e, payouts)
	if err != nil {
		return nil, err
	}

	for _, po := range resolved {
		if po.Amount.Sign() == 0 {
			continue
		}
		if err := credit(ctx, tx, po.To, po.Amount, at); err != nil {
			return nil, err
		}
		if err := recordMovement(ctx, tx, po.To, MovementRelease, po.Amount, reference(reservationID), at); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE escrow_entries
		SET released = TRUE, released_amount = $2::NUMERIC(78,0), released_at = $3
		WHERE reservation_id = $1`, reservationID, wei.Format(total), at)
	if err != nil {
		return nil, fmt.Errorf("failed to mark escrow released: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.Released = true
	e.ReleasedAmount = total
	e.ReleasedAt = &at
	return e, nil
}

func (p *PostgresStore) Void(ctx context.Context, reservationID uint64, at time.Time) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanEntry(tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM escrow_entries
		WHERE reservation_id = $1 FOR UPDATE`, reservationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.Released {
		return nil, ErrAlreadyReleased
	}

	if e.Change.Sign() > 0 {
		if err := debit(ctx, tx, e.Depositor, e.Change, at); err != nil {
			return nil, err
		}
		if err := recordMovement(ctx, tx, e.Depositor, MovementChangeReversal, e.Change, reference(reservationID), at); err != nil {
			return nil, err
		}
	}
	if err := recordMovement(ctx, tx, e.Depositor, MovementVoid, e.Amount, reference(reservationID), at); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM escrow_entries WHERE reservation_id = $1`, reservationID); err != nil {
		return nil, fmt.Errorf("failed to delete escrow entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) Get(ctx context.Context, reservationID uint64) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM escrow_entries WHERE reservation_id = $1`, reservationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Balance(ctx context.Context, party string) (*big.Int, error) {
	var raw string
	err := p.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM vault_balances WHERE party = $1`, party).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

func (p *PostgresStore) Withdraw(ctx context.Context, party string, amount *big.Int, at time.Time) (*big.Int, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM vault_balances WHERE party = $1 FOR UPDATE`, party).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, err
	}
	bal, err := parseNumeric(raw)
	if err != nil {
		return nil, err
	}

	amt := amount
	if wei.IsAll(amount) {
		amt = bal
	}
	if amt.Sign() == 0 || bal.Cmp(amt) < 0 {
		return nil, ErrInsufficientFunds
	}

	if err := debit(ctx, tx, party, amt, at); err != nil {
		return nil, err
	}
	if err := recordMovement(ctx, tx, party, MovementWithdraw, amt, "withdrawal", at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return wei.Clone(amt), nil
}

func (p *PostgresStore) History(ctx context.Context, party string, limit int) ([]*Movement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, party, type, amount::TEXT, reference, created_at
		FROM vault_movements
		WHERE party = $1
		ORDER BY id DESC
		LIMIT $2`, party, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Movement
	for rows.Next() {
		mv := &Movement{}
		var (
			typ string
			amt string
		)
		if err := rows.Scan(&mv.ID, &mv.Party, &typ, &amt, &mv.Reference, &mv.CreatedAt); err != nil {
			return nil, err
		}
		mv.Type = MovementType(typ)
		if mv.Amount, err = parseNumeric(amt); err != nil {
			return nil, err
		}
		result = append(result, mv)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Totals(ctx context.Context) (*Totals, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	t := newTotals()
	var locked, released, unreleased, pending, stranded string
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(amount), 0)::TEXT,
		       COALESCE(SUM(released_amount), 0)::TEXT,
		       COALESCE(SUM(amount - released_amount), 0)::TEXT,
		       COALESCE(SUM(CASE WHEN released THEN 0 ELSE amount - released_amount END), 0)::TEXT,
		       COALESCE(SUM(CASE WHEN released THEN amount - released_amount ELSE 0 END), 0)::TEXT
		FROM escrow_entries`).Scan(&t.Entries, &locked, &released, &unreleased, &pending, &stranded)
	if err != nil {
		return nil, fmt.Errorf("failed to sum escrow entries: %w", err)
	}
	for dst, raw := range map[*big.Int]string{
		t.Locked: locked, t.Released: released, t.Unreleased: unreleased,
		t.Pending: pending, t.Stranded: stranded,
	} {
		v, err := parseNumeric(raw)
		if err != nil {
			return nil, err
		}
		dst.Set(v)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT type, COALESCE(SUM(amount), 0)::TEXT FROM vault_movements GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to sum movements: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var typ, raw string
		if err := rows.Scan(&typ, &raw); err != nil {
			return nil, err
		}
		v, err := parseNumeric(raw)
		if err != nil {
			return nil, err
		}
		switch MovementType(typ) {
		case MovementLock:
			t.LedgerLocked.Add(t.LedgerLocked, v)
		case MovementVoid:
			t.LedgerLocked.Sub(t.LedgerLocked, v)
		case MovementRelease:
			t.LedgerReleased.Add(t.LedgerReleased, v)
			t.LedgerCredited.Add(t.LedgerCredited, v)
		case MovementChange:
			t.LedgerCredited.Add(t.LedgerCredited, v)
		case MovementChangeReversal, MovementWithdraw:
			t.LedgerCredited.Sub(t.LedgerCredited, v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var balances string
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0)::TEXT FROM vault_balances`).Scan(&balances); err != nil {
		return nil, fmt.Errorf("failed to sum balances: %w", err)
	}
	v, err := parseNumeric(balances)
	if err != nil {
		return nil, err
	}
	t.Balances.Set(v)

	return t, nil
}

func credit(ctx context.Context, tx *sql.Tx, party string, amount *big.Int, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault_balances (party, balance, updated_at)
		VALUES ($1, $2::NUMERIC(78,0), $3)
		ON CONFLICT (party) DO UPDATE SET
			balance    = vault_balances.balance + $2::NUMERIC(78,0),
			updated_at = $3`, party, wei.Format(amount), at)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", party, err)
	}
	return nil
}

// debit fails with ErrInsufficientFunds rather than letting the balance go negative.
func debit(ctx context.Context, tx *sql.Tx, party string, amount *big.Int, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE vault_balances
		SET balance = balance - $2::NUMERIC(78,0), updated_at = $3
		WHERE party = $1 AND balance >= $2::NUMERIC(78,0)`, party, wei.Format(amount), at)
	if err != nil {
		return fmt.Errorf("failed to debit %s: %w", party, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func recordMovement(ctx context.Context, tx *sql.Tx, party string, typ MovementType, amount *big.Int, ref string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault_movements (party, type, amount, reference, created_at)
		VALUES ($1, $2, $3::NUMERIC(78,0), $4, $5)`,
		party, string(typ), wei.Format(amount), ref, at)
	if err != nil {
		return fmt.Errorf("failed to record %s movement: %w", typ, err)
	}
	return nil
}

const entryColumns = `reservation_id, depositor, beneficiary, amount::TEXT, change_amount::TEXT,
	released, released_amount::TEXT, locked_at, released_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var (
		amount, change, released string
		releasedAt               sql.NullTime
	)
	if err := s.Scan(&e.ReservationID, &e.Depositor, &e.Beneficiary, &amount, &change,
		&e.Released, &released, &e.LockedAt, &releasedAt); err != nil {
		return nil, err
	}

	var err error
	if e.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	if e.Change, err = parseNumeric(change); err != nil {
		return nil, err
	}
	if e.ReleasedAmount, err = parseNumeric(released); err != nil {
		return nil, err
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	return e, nil
}

func parseNumeric(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("vault: corrupt numeric value %q", raw)
	}
	return v, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
