package payments

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow payments in PostgreSQL.
//
// A partial unique index on engagement_id WHERE status IN ('pending',
// 'held') enforces the one-active-payment invariant; conditional
// updates carry the expected status in the WHERE clause.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const paymentColumns = `id, engagement_id, provider_charge_ref, provider_transfer_ref,
			       provider_refund_ref, amount_cents, currency, status, failure_reason,
			       held_at, released_at, refunded_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, ep *EscrowPayment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_payments (
			id, engagement_id, provider_charge_ref, provider_transfer_ref,
			provider_refund_ref, amount_cents, currency, status, failure_reason,
			held_at, released_at, refunded_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14
		)`,
		ep.ID, ep.EngagementID, nullString(ep.ProviderChargeRef), nullString(ep.ProviderTransferRef),
		nullString(ep.ProviderRefundRef), ep.AmountCents, ep.Currency, string(ep.Status), nullString(ep.FailureReason),
		nullTime(ep.HeldAt), nullTime(ep.ReleasedAt), nullTime(ep.RefundedAt), ep.CreatedAt, ep.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateActive
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*EscrowPayment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM escrow_payments WHERE id = $1`, id)

	ep, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ep, err
}

func (p *PostgresStore) GetByEngagement(ctx context.Context, engagementID string) (*EscrowPayment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM escrow_payments
		WHERE engagement_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, engagementID)

	ep, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ep, err
}

func (p *PostgresStore) SetChargeRef(ctx context.Context, id, chargeRef string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments
		SET provider_charge_ref = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		chargeRef, now, id, string(StatusPending),
	)
	if err != nil {
		return err
	}
	return p.conflictOnZero(ctx, result, id)
}

func (p *PostgresStore) MarkHeld(ctx context.Context, id, chargeRef string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments
		SET status = $1, provider_charge_ref = $2, held_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(StatusHeld), chargeRef, now, id, string(StatusPending),
	)
	if err != nil {
		return err
	}
	return p.conflictOnZero(ctx, result, id)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments
		SET status = $1, failure_reason = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(StatusFailed), reason, now, id, string(StatusPending),
	)
	if err != nil {
		return err
	}
	return p.conflictOnZero(ctx, result, id)
}

func (p *PostgresStore) MarkReleased(ctx context.Context, id, transferRef string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments
		SET status = $1, provider_transfer_ref = $2, released_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(StatusReleased), transferRef, now, id, string(StatusHeld),
	)
	if err != nil {
		return err
	}
	return p.conflictOnZero(ctx, result, id)
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, id, refundRef string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments
		SET status = $1, provider_refund_ref = $2, refunded_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(StatusRefunded), refundRef, now, id, string(StatusHeld),
	)
	if err != nil {
		return err
	}
	return p.conflictOnZero(ctx, result, id)
}

func (p *PostgresStore) RevertToHeld(ctx context.Context, id string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments
		SET status = $1, provider_transfer_ref = NULL, released_at = NULL, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(StatusHeld), now, id, string(StatusReleased),
	)
	if err != nil {
		return err
	}
	return p.conflictOnZero(ctx, result, id)
}

// conflictOnZero distinguishes a missing row from a lost status race.
func (p *PostgresStore) conflictOnZero(ctx context.Context, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_payments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*EscrowPayment, error) {
	ep := &EscrowPayment{}
	var (
		chargeRef   sql.NullString
		transferRef sql.NullString
		refundRef   sql.NullString
		status      string
		failure     sql.NullString
		heldAt      sql.NullTime
		releasedAt  sql.NullTime
		refundedAt  sql.NullTime
	)

	err := s.Scan(
		&ep.ID, &ep.EngagementID, &chargeRef, &transferRef,
		&refundRef, &ep.AmountCents, &ep.Currency, &status, &failure,
		&heldAt, &releasedAt, &refundedAt, &ep.CreatedAt, &ep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ep.Status = Status(status)
	ep.ProviderChargeRef = chargeRef.String
	ep.ProviderTransferRef = transferRef.String
	ep.ProviderRefundRef = refundRef.String
	ep.FailureReason = failure.String
	if heldAt.Valid {
		ep.HeldAt = &heldAt.Time
	}
	if releasedAt.Valid {
		ep.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		ep.RefundedAt = &refundedAt.Time
	}

	return ep, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
