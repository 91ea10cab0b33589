// Package outbox stores integration events in the same transaction as the state change
// that caused them, and relays them to the message broker afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	AggregateSale      = "sale"
	EventSaleCommitted = "sale.committed"
)

// Event is one row of the outbox_events table.
type Event struct {
	ID            string     `db:"id" json:"id"`
	AggregateType string     `db:"aggregate_type" json:"aggregate_type"`
	AggregateID   string     `db:"aggregate_id" json:"aggregate_id"`
	EventType     string     `db:"event_type" json:"event_type"`
	Payload       []byte     `db:"payload" json:"payload"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	PublishedAt   *time.Time `db:"published_at" json:"published_at,omitempty"`
	RetryCount    int        `db:"retry_count" json:"retry_count"`
	LastError     *string    `db:"last_error" json:"last_error,omitempty"`
}

// Append marshals payload and inserts a pending event through q, normally the caller's transaction.
func Append(ctx context.Context, q sqlx.ExtContext, aggregateType, aggregateID, eventType string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	ev := Event{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		CreatedAt:     time.Now().UTC(),
	}
	_, err = q.ExecContext(ctx, q.Rebind(`INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, created_at, retry_count)
                VALUES (?, ?, ?, ?, ?, ?, 0)`),
		ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, string(ev.Payload), ev.CreatedAt)
	if err != nil {
		return Event{}, fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return ev, nil
}

// Pending returns up to limit unpublished events that have been tried fewer than maxRetries times, oldest first.
func Pending(ctx context.Context, q sqlx.ExtContext, maxRetries, limit int) ([]Event, error) {
	var events []Event
	err := sqlx.SelectContext(ctx, q, &events, q.Rebind(`SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, published_at, retry_count, last_error
                FROM outbox_events
                WHERE published_at IS NULL AND retry_count < ?
                ORDER BY created_at, id
                LIMIT ?`), maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending events: %w", err)
	}
	return events, nil
}

func markPublished(ctx context.Context, q sqlx.ExtContext, id string, at time.Time) error {
	_, err := q.ExecContext(ctx, q.Rebind(`UPDATE outbox_events SET published_at = ?, last_error = NULL WHERE id = ?`), at, id)
	return err
}

func markFailed(ctx context.Context, q sqlx.ExtContext, id, reason string) error {
	_, err := q.ExecContext(ctx, q.Rebind(`UPDATE outbox_events SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`), reason, id)
	return err
}
