package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/reservo/internal/wei"
)

// PostgresStore persists reservations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reservation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Reservation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reservations (
			id, listing_id, renter_addr, owner_addr, status,
			start_time, duration_seconds, days, amount_escrowed,
			price_answer, price_decimals, price_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC(78,0), $10::NUMERIC(78,0), $11, $12, $13, $14)`,
		r.ID, r.ListingID, r.Renter, r.Owner, string(r.Status),
		r.StartTime, r.DurationSeconds, r.Days, wei.Format(r.AmountEscrowed),
		nullableWei(r.PriceAnswer), int16(r.PriceDecimals), nullTime(r.PriceAt),
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Update(ctx context.Context, r *Reservation) error {
	var disputeID sql.NullInt64
	if r.DisputeID != 0 {
		disputeID = sql.NullInt64{Int64: int64(r.DisputeID), Valid: true}
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE reservations SET
			status = $1,
			paid_to_renter = $2::NUMERIC(78,0),
			paid_to_owner = $3::NUMERIC(78,0),
			dispute_id = $4,
			updated_at = $5,
			resolved_at = $6
		WHERE id = $7`,
		string(r.Status), nullableWei(r.PaidToRenter), nullableWei(r.PaidToOwner),
		disputeID, r.UpdatedAt, nullTime(r.ResolvedAt), r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const reservationColumns = `
	id, listing_id, renter_addr, owner_addr, status,
	start_time, duration_seconds, days, amount_escrowed::TEXT,
	paid_to_renter::TEXT, paid_to_owner::TEXT,
	price_answer::TEXT, price_decimals, price_at,
	dispute_id, created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Reservation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)

	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reservations`).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListByRenter(ctx context.Context, renter string, beforeID uint64, limit int) ([]*Reservation, error) {
	return p.query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE renter_addr = $1 AND ($2::BIGINT = 0 OR id < $2::BIGINT)
		ORDER BY id DESC
		LIMIT $3`, renter, int64(beforeID), limit)
}

func (p *PostgresStore) ListEnded(ctx context.Context, before int64, limit int) ([]*Reservation, error) {
	return p.query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = 'active' AND dispute_id IS NULL AND start_time + duration_seconds <= $1
		ORDER BY id ASC
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Reservation, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReservation(s scanner) (*Reservation, error) {
	r := &Reservation{}
	var (
		status                        string
		amount                        string
		paidRenter, paidOwner, answer sql.NullString
		decimals                      int16
		priceAt, resolvedAt           sql.NullTime
		disputeID                     sql.NullInt64
	)
	err := s.Scan(
		&r.ID, &r.ListingID, &r.Renter, &r.Owner, &status,
		&r.StartTime, &r.DurationSeconds, &r.Days, &amount,
		&paidRenter, &paidOwner,
		&answer, &decimals, &priceAt,
		&disputeID, &r.CreatedAt, &r.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.PriceDecimals = uint8(decimals)
	if r.AmountEscrowed, err = parseNumeric(r.ID, amount); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **big.Int
	}{
		{paidRenter, &r.PaidToRenter},
		{paidOwner, &r.PaidToOwner},
		{answer, &r.PriceAnswer},
	} {
		if !f.src.Valid {
			continue
		}
		if *f.dst, err = parseNumeric(r.ID, f.src.String); err != nil {
			return nil, err
		}
	}
	if priceAt.Valid {
		t := priceAt.Time
		r.PriceAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	if disputeID.Valid {
		r.DisputeID = uint64(disputeID.Int64)
	}
	return r, nil
}

func parseNumeric(id uint64, s string) (*big.Int, error) {
	v, ok := wei.Parse(s)
	if !ok {
		return nil, fmt.Errorf("reservation %d: corrupt amount %q", id, s)
	}
	return v, nil
}

func nullableWei(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
