package webhooks

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresDedupStore records processed event ids in PostgreSQL. The
// primary key on external_event_id is the idempotency gate.
type PostgresDedupStore struct {
	db *sql.DB
}

func NewPostgresDedupStore(db *sql.DB) *PostgresDedupStore {
	return &PostgresDedupStore{db: db}
}

var _ DedupStore = (*PostgresDedupStore)(nil)

func (s *PostgresDedupStore) Insert(ctx context.Context, externalEventID, eventType string, receivedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_webhook_events (external_event_id, event_type, received_at)
		VALUES ($1, $2, $3)`,
		externalEventID, eventType, receivedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresDedupStore) Delete(ctx context.Context, externalEventID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_webhook_events WHERE external_event_id = $1`,
		externalEventID,
	)
	return err
}
