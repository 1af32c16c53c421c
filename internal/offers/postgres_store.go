package offers

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists offers in PostgreSQL.
//
// A partial unique index on (request_id, talent_id) WHERE status = 'pending'
// enforces the one-active-offer invariant; conditional updates carry the
// expected status in the WHERE clause so racing writers serialize at the row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (
			id, request_id, talent_id, company_id, rate_cents, currency,
			message, status, proposed_by, counter_of, counter_depth,
			engagement_id, expires_at, decided_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)`,
		o.ID, o.RequestID, o.TalentID, o.CompanyID, o.RateCents, o.Currency,
		nullString(o.Message), string(o.Status), o.ProposedBy, nullString(o.CounterOf), o.CounterDepth,
		nullString(o.EngagementID), o.ExpiresAt, nullTime(o.DecidedAt), o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateActive
	}
	return err
}

const offerColumns = `id, request_id, talent_id, company_id, rate_cents, currency,
		       message, status, proposed_by, counter_of, counter_depth,
		       engagement_id, expires_at, decided_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)

	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, decidedAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers
		SET status = $1, decided_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), decidedAt, id, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a lost race.
		var exists bool
		if qerr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return qerr
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) Counter(ctx context.Context, originalID string, decidedAt time.Time, successor *Offer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE offers
		SET status = $1, decided_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(StatusCountered), decidedAt, originalID, string(StatusPending),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO offers (
			id, request_id, talent_id, company_id, rate_cents, currency,
			message, status, proposed_by, counter_of, counter_depth,
			engagement_id, expires_at, decided_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)`,
		successor.ID, successor.RequestID, successor.TalentID, successor.CompanyID,
		successor.RateCents, successor.Currency,
		nullString(successor.Message), string(successor.Status), successor.ProposedBy,
		nullString(successor.CounterOf), successor.CounterDepth,
		nullString(successor.EngagementID), successor.ExpiresAt, nullTime(successor.DecidedAt),
		successor.CreatedAt, successor.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateActive
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) SetEngagement(ctx context.Context, id, engagementID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET engagement_id = $1, updated_at = NOW() WHERE id = $2`,
		engagementID, id,
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

func (p *PostgresStore) ListByRequest(ctx context.Context, requestID string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE request_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, requestID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

func (p *PostgresStore) ListByTalent(ctx context.Context, talentID string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE talent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, talentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE status = 'pending' AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(s scanner) (*Offer, error) {
	o := &Offer{}
	var (
		message      sql.NullString
		status       string
		counterOf    sql.NullString
		engagementID sql.NullString
		decidedAt    sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.RequestID, &o.TalentID, &o.CompanyID, &o.RateCents, &o.Currency,
		&message, &status, &o.ProposedBy, &counterOf, &o.CounterDepth,
		&engagementID, &o.ExpiresAt, &decidedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.Message = message.String
	o.CounterOf = counterOf.String
	o.EngagementID = engagementID.String
	if decidedAt.Valid {
		o.DecidedAt = &decidedAt.Time
	}

	return o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a nil *time.Time to sql.NullTime.
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
