package listing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mbd888/reservo/internal/wei"
)

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, l *Listing) (uint64, error) {
	var id uint64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO listings (owner_addr, unit_price, max_duration_seconds, currency, created_at)
		VALUES ($1, $2::NUMERIC(78,0), $3, $4, $5)
		RETURNING id`,
		l.Owner, wei.Format(l.UnitPrice), l.MaxDurationSeconds, string(l.Currency), l.CreatedAt,
	).Scan(&id)
	return id, err
}

const listingColumns = `id, owner_addr, unit_price::TEXT, max_duration_seconds, currency, created_at`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)

	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE owner_addr = $1
		ORDER BY id ASC
		LIMIT $2`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(s scanner) (*Listing, error) {
	l := &Listing{}
	var (
		price    string
		currency string
	)
	if err := s.Scan(&l.ID, &l.Owner, &price, &l.MaxDurationSeconds, &currency, &l.CreatedAt); err != nil {
		return nil, err
	}
	v, ok := wei.Parse(price)
	if !ok {
		return nil, fmt.Errorf("listing %d: corrupt unit price %q", l.ID, price)
	}
	l.UnitPrice = v
	l.Currency = Currency(currency)
	return l, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
