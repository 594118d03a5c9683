package arbitration

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) (uint64, error) {
	var id uint64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO disputes (reservation_id, party_a, party_b, status, ratio_to_a, opened_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING id`,
		d.ReservationID, d.PartyA, d.PartyB, string(d.Status), d.OpenedAt,
	).Scan(&id)
	return id, err
}

const disputeColumns = `id, reservation_id, party_a, party_b, status, ratio_to_a, opened_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Dispute, error) {
	return p.getOne(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

func (p *PostgresStore) GetByReservation(ctx context.Context, reservationID uint64) (*Dispute, error) {
	return p.getOne(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE reservation_id = $1`, reservationID)
}

// Resolve uses a conditional UPDATE so only one caller can flip the status.
func (p *PostgresStore) Resolve(ctx context.Context, id uint64, ratio uint32, at time.Time) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		UPDATE disputes
		SET status = 'resolved', ratio_to_a = $2, resolved_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+disputeColumns, id, ratio, at))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyResolved
	}
	return d, err
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg uint64) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		resolvedAt sql.NullTime
	)
	if err := s.Scan(&d.ID, &d.ReservationID, &d.PartyA, &d.PartyB, &status,
		&d.RatioToA, &d.OpenedAt, &resolvedAt); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

var _ Store = (*PostgresStore)(nil)
