package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// FlagEvent represents a change event for a flag, stored in the
// flag_events table and used to drive SSE streaming and provider refresh.
type FlagEvent struct {
	EventID   int64           `json:"event_id"`
	FlagKey   string          `json:"flag_key"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PublishFlagEvent inserts a flag event and sends a PostgreSQL NOTIFY on
// the configured channel within a single transaction.
func (r *PostgresRepository) PublishFlagEvent(ctx context.Context, event FlagEvent) (FlagEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created FlagEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO flag_events (flag_key, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING event_id, flag_key, event_type, payload, created_at
	`,
		event.FlagKey,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.FlagKey,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return FlagEvent{}, fmt.Errorf("insert flag event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return FlagEvent{}, fmt.Errorf("notify flag event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return FlagEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// ListEventsSince returns up to eventBatchSize flag events with IDs greater than
// eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]FlagEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, flag_key, event_type, payload, created_at
		FROM flag_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListEventsSinceForKey returns up to eventBatchSize flag events with IDs greater
// than eventID for the specified flag key.
func (r *PostgresRepository) ListEventsSinceForKey(ctx context.Context, eventID int64, key string) ([]FlagEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, flag_key, event_type, payload, created_at
		FROM flag_events
		WHERE event_id > $1
		  AND flag_key = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, key, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since for key: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]FlagEvent, error) {
	events := make([]FlagEvent, 0)
	for rows.Next() {
		var event FlagEvent
		if err := rows.Scan(
			&event.EventID,
			&event.FlagKey,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// SubscribeFlagInvalidation returns a channel that receives a signal
// whenever a flag event notification arrives on the PostgreSQL LISTEN
// channel. The channel is closed if the underlying connection is lost.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runFlagInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runFlagInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForFlagInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForFlagInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for flag event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func marshalNotifyPayload(event FlagEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		FlagKey   string `json:"flag_key"`
		EventType string `json:"event_type"`
	}{
		FlagKey:   event.FlagKey,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
