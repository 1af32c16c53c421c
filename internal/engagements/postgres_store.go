package engagements

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists engagements in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed engagement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, e *Engagement) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO engagements (
			id, offer_id, request_id, company_id, talent_id, status,
			total_amount_cents, platform_fee_cents, provider_amount_cents,
			currency, completion_verified, start_date, end_date,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13,
			$14, $15
		)`,
		e.ID, e.OfferID, e.RequestID, e.CompanyID, e.TalentID, string(e.Status),
		e.TotalAmountCents, e.PlatformFeeCents, e.ProviderAmountCents,
		e.Currency, e.CompletionVerified, nullTime(e.StartDate), nullTime(e.EndDate),
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

const engagementColumns = `id, offer_id, request_id, company_id, talent_id, status,
		       total_amount_cents, platform_fee_cents, provider_amount_cents,
		       currency, completion_verified, start_date, end_date,
		       created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Engagement, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE id = $1`, id)

	e, err := scanEngagement(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByOffer(ctx context.Context, offerID string) (*Engagement, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE offer_id = $1`, offerID)

	e, err := scanEngagement(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE engagements
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), now, id, string(from),
	)
	if err != nil {
		return err
	}
	return p.conflictOnZero(ctx, result, id)
}

func (p *PostgresStore) Activate(ctx context.Context, id string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE engagements
		SET status = 'active', start_date = $1, updated_at = $1
		WHERE id = $2 AND status IN ('staged', 'interviewing', 'accepted')`,
		now, id,
	)
	if err != nil {
		return err
	}
	return p.conflictOnZero(ctx, result, id)
}

func (p *PostgresStore) Complete(ctx context.Context, id string, verified bool, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE engagements
		SET status = 'completed', completion_verified = $1, end_date = $2, updated_at = $2
		WHERE id = $3 AND status = 'active'`,
		verified, now, id,
	)
	if err != nil {
		return err
	}
	return p.conflictOnZero(ctx, result, id)
}

func (p *PostgresStore) End(ctx context.Context, id string, to Status, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE engagements
		SET status = $1, end_date = $2, updated_at = $2
		WHERE id = $3 AND status NOT IN ('completed', 'terminated', 'disputed')`,
		string(to), now, id,
	)
	if err != nil {
		return err
	}
	return p.conflictOnZero(ctx, result, id)
}

// conflictOnZero maps a zero-row conditional update to ErrConflict, or
// ErrNotFound when the row does not exist at all.
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
		`SELECT EXISTS (SELECT 1 FROM engagements WHERE id = $1)`, id).Scan(&exists); err != nil {
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

func scanEngagement(s scanner) (*Engagement, error) {
	e := &Engagement{}
	var (
		status    string
		startDate sql.NullTime
		endDate   sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.OfferID, &e.RequestID, &e.CompanyID, &e.TalentID, &status,
		&e.TotalAmountCents, &e.PlatformFeeCents, &e.ProviderAmountCents,
		&e.Currency, &e.CompletionVerified, &startDate, &endDate,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	if startDate.Valid {
		e.StartDate = &startDate.Time
	}
	if endDate.Valid {
		e.EndDate = &endDate.Time
	}

	return e, nil
}

// nullTime converts a nil *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
