package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cassiomorais/coursepay/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, status, retry_count, max_retries, created_at, published_at`

	// Rows are locked so that concurrent relays never publish the same entry.
	selectPendingOutbox = `SELECT ` + outboxColumns + `
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
)

// OutboxRepository stores session lifecycle events written in the same
// transaction as the session change.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *OutboxRepository) Insert(ctx context.Context, e *outbox.Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, status, retry_count, max_retries, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.AggregateType, e.AggregateID, e.EventType, payload,
		string(e.Status), e.RetryCount, e.MaxRetries, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry for %s %s: %w", e.AggregateType, e.AggregateID, err)
	}
	return nil
}

// GetPending must run inside a transaction for the row locks to hold until
// the entries are marked.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db(ctx).Query(ctx, selectPendingOutbox, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending outbox entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanOutboxEntry)
	if err != nil {
		return nil, fmt.Errorf("scan outbox entries: %w", err)
	}
	return entries, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET status = 'published', published_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox %s published: %w", id, err)
	}
	return nil
}

// MarkFailed counts a failed publish. The entry stops being retried once it
// reaches max_retries.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox
		 SET retry_count = retry_count + 1,
		     status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox %s failed: %w", id, err)
	}
	return nil
}

func scanOutboxEntry(row pgx.CollectableRow) (*outbox.Entry, error) {
	var (
		e       outbox.Entry
		payload []byte
		status  string
	)
	if err := row.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload,
		&status, &e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.PublishedAt); err != nil {
		return nil, err
	}
	e.Status = outbox.Status(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal outbox payload %s: %w", e.ID, err)
		}
	}
	return &e, nil
}
