// Package repository provides PostgreSQL-backed persistence for feature
// flags, API keys, admin accounts, and flag events. It also handles
// LISTEN/NOTIFY-based cache invalidation so the service layer stays fresh
// without polling the database into submission.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel  = "flag_events"
	defaultEventBatchSize = 1000
)

// Flag is the repository-level representation of a feature flag row.
// Rules is stored as a jsonb array of targeting rules; the service layer
// decodes it into the evaluator's typed form.
type Flag struct {
	Key          string          `json:"key"`
	Description  string          `json:"description"`
	Enabled      bool            `json:"enabled"`
	Value        json.RawMessage `json:"value,omitempty"`
	Rules        json.RawMessage `json:"rules"`
	Rollout      *int32          `json:"rollout,omitempty"`
	Environments []string        `json:"environments,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

const flagColumns = `key, description, enabled, value, rules, rollout, environments, expires_at, created_at, updated_at`

// PostgresRepository implements flag, API key, and event persistence backed
// by a pgxpool connection pool. It also supports LISTEN/NOTIFY for
// real-time cache invalidation.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithEventBatchSize caps how many flag events a single ListEventsSince
// query returns.
func WithEventBatchSize(n int) Option {
	return func(r *PostgresRepository) {
		if n > 0 {
			r.eventBatchSize = n
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "flag_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel, opts...)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for flag event notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string, opts ...Option) *PostgresRepository {
	repo := &PostgresRepository{
		pool:           pool,
		notifyChannel:  normalizeNotifyChannel(notifyChannel),
		eventBatchSize: defaultEventBatchSize,
	}
	for _, o := range opts {
		o(repo)
	}
	return repo
}

func scanFlag(row pgx.Row) (Flag, error) {
	var flag Flag
	err := row.Scan(
		&flag.Key,
		&flag.Description,
		&flag.Enabled,
		&flag.Value,
		&flag.Rules,
		&flag.Rollout,
		&flag.Environments,
		&flag.ExpiresAt,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	return flag, err
}

// CreateFlag inserts a new flag row and returns the created record with
// server-generated timestamps.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	created, err := scanFlag(r.pool.QueryRow(ctx, `
		INSERT INTO flags (key, description, enabled, value, rules, rollout, environments, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+flagColumns,
		flag.Key,
		flag.Description,
		flag.Enabled,
		flag.Value,
		ensureJSON(flag.Rules, "[]"),
		flag.Rollout,
		flag.Environments,
		flag.ExpiresAt,
	))
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag updates an existing flag row identified by key and returns the
// updated record. Returns pgx.ErrNoRows (wrapped) if the flag does not
// exist.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	updated, err := scanFlag(r.pool.QueryRow(ctx, `
		UPDATE flags
		SET description = $2,
		    enabled = $3,
		    value = $4,
		    rules = $5,
		    rollout = $6,
		    environments = $7,
		    expires_at = $8,
		    updated_at = NOW()
		WHERE key = $1
		RETURNING `+flagColumns,
		flag.Key,
		flag.Description,
		flag.Enabled,
		flag.Value,
		ensureJSON(flag.Rules, "[]"),
		flag.Rollout,
		flag.Environments,
		flag.ExpiresAt,
	))
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	return updated, nil
}

// GetFlag retrieves a single flag by key. Returns pgx.ErrNoRows (wrapped)
// if not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, key string) (Flag, error) {
	flag, err := scanFlag(r.pool.QueryRow(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE key = $1
	`, key))
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags ordered by key.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}

		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag by key. Returns pgx.ErrNoRows (wrapped) if the
// flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM flags WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	if err := deleteFlagNoRows(commandTag); err != nil {
		return err
	}

	return nil
}

// DeleteExpiredFlags removes flags whose expiry is further in the past than
// the grace period and returns their keys. Expired flags evaluate to false
// immediately; the sweep only reclaims the rows.
func (r *PostgresRepository) DeleteExpiredFlags(ctx context.Context, grace time.Duration) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM flags
		WHERE expires_at IS NOT NULL AND expires_at < NOW() - $1::interval
		RETURNING key
	`, grace.String())
	if err != nil {
		return nil, fmt.Errorf("delete expired flags: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan expired flag key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delete expired flags rows: %w", err)
	}

	return keys, nil
}

func deleteFlagNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag: %w", pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
