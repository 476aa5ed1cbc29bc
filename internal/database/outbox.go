package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxRetryCount is the number of failed deliveries after which an
	// event moves to the dead letter state.
	MaxRetryCount = 5

	// AlertStream is the Redis stream alert events are relayed to.
	AlertStream = "stream:price_alerts"
)

// OutboxEvent is one row of the transactional outbox.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        string          `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

type OutboxRepository struct {
	db  *DB
	now func() time.Time
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db, now: time.Now}
}

// InsertWithTx adds the event inside tx so it commits together with the
// alert it announces. Missing ID, status and stream are filled in.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, ev *OutboxEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Status == "" {
		ev.Status = OutboxStatusPending
	}
	if ev.TargetStream == "" {
		ev.TargetStream = AlertStream
	}
	ev.CreatedAt = r.now()
	if ev.NextRetryAt == nil {
		due := ev.CreatedAt
		ev.NextRetryAt = &due
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_event (id, aggregate_type, aggregate_id, event_type, payload,
			target_stream, status, retry_count, created_at, next_retry_at)
		VALUES (@id, @aggregate_type, @aggregate_id, @event_type, @payload,
			@target_stream, @status, @retry_count, @created_at, @next_retry_at)`,
		pgx.NamedArgs{
			"id":             ev.ID,
			"aggregate_type": ev.AggregateType,
			"aggregate_id":   ev.AggregateID,
			"event_type":     ev.EventType,
			"payload":        ev.Payload,
			"target_stream":  ev.TargetStream,
			"status":         ev.Status,
			"retry_count":    ev.RetryCount,
			"created_at":     ev.CreatedAt,
			"next_retry_at":  ev.NextRetryAt,
		})
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// GetPending returns up to limit pending or failed events that are due,
// oldest first.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, target_stream,
			status, retry_count, error_message, created_at, processed_at, next_retry_at
		FROM outbox_event
		WHERE status = ANY($1) AND next_retry_at <= $2
		ORDER BY created_at
		LIMIT $3`,
		[]string{OutboxStatusPending, OutboxStatusFailed}, r.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	events, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEvent])
	if err != nil {
		return nil, fmt.Errorf("failed to read pending events: %w", err)
	}
	return events, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.pool.Exec(ctx,
		`UPDATE outbox_event SET status = $1, processed_at = $2, error_message = NULL WHERE id = $3`,
		OutboxStatusProcessed, r.now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed records a failed delivery and schedules the next one, or moves
// the event to the dead letter state once MaxRetryCount is reached. The row
// is locked so concurrent relays cannot lose an increment.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, deliveryErr error) error {
	return r.db.Transaction(ctx, func(tx pgx.Tx) error {
		var retries int
		err := tx.QueryRow(ctx,
			`SELECT retry_count FROM outbox_event WHERE id = $1 FOR UPDATE`, id).Scan(&retries)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("outbox event %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock outbox event: %w", err)
		}

		status, retries, next := nextAttempt(retries, r.now())
		if _, err := tx.Exec(ctx,
			`UPDATE outbox_event SET status = $1, retry_count = $2, error_message = $3, next_retry_at = $4 WHERE id = $5`,
			status, retries, deliveryErr.Error(), next, id); err != nil {
			return fmt.Errorf("failed to mark event failed: %w", err)
		}
		return nil
	})
}

// CountByStatus returns the number of outbox events per status.
func (r *OutboxRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT status, COUNT(*) FROM outbox_event GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox events: %w", err)
	}

	type statusCount struct {
		Status string
		Count  int64
	}
	counts, err := pgx.CollectRows(rows, pgx.RowToStructByPos[statusCount])
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox counts: %w", err)
	}

	byStatus := make(map[string]int64, len(counts))
	for _, c := range counts {
		byStatus[c.Status] = c.Count
	}
	return byStatus, nil
}

// nextAttempt computes the state after one more failed delivery. Backoff
// doubles from 2s and is capped at five minutes.
func nextAttempt(retries int, now time.Time) (status string, count int, next time.Time) {
	count = retries + 1
	status = OutboxStatusFailed
	if count >= MaxRetryCount {
		status = OutboxStatusDeadLetter
	}

	backoff := 300 * time.Second
	if count < 9 {
		backoff = min(time.Duration(1<<count)*time.Second, backoff)
	}
	return status, count, now.Add(backoff)
}
