package notify

import (
	"context"
	"database/sql"
	"fmt"
)

const subscriptionColumns = `id, recipient_id, url, secret, active, created_at, last_success, last_error`

// PostgresStore persists notification subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a subscription store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.RecipientID, sub.URL, sub.Secret, sub.Active,
		sub.CreatedAt, sub.LastSuccess, nullString(sub.LastError),
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM notification_subscriptions
		WHERE id = $1`, id)
	return scanSubscription(row)
}

func (s *PostgresStore) GetByRecipient(ctx context.Context, recipientID string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM notification_subscriptions
		WHERE recipient_id = $1
		ORDER BY created_at`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_subscriptions
		SET url = $2, secret = $3, active = $4, last_success = $5, last_error = $6
		WHERE id = $1`,
		sub.ID, sub.URL, sub.Secret, sub.Active, sub.LastSuccess, nullString(sub.LastError),
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	var sub Subscription
	var lastSuccess sql.NullTime
	var lastErr sql.NullString
	err := row.Scan(
		&sub.ID, &sub.RecipientID, &sub.URL, &sub.Secret, &sub.Active,
		&sub.CreatedAt, &lastSuccess, &lastErr,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	sub.LastError = lastErr.String
	return &sub, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
