package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/pairgrid/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgxQuerier is the subset of *pgxpool.Pool the store uses
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists entries in a PostgreSQL table shared by the cluster
type PostgresStore struct {
	pool   pgxQuerier
	closer func()
	table  string
	logger *zap.Logger
}

// NewPostgresStore connects to dsn and ensures the entries table exists
func NewPostgresStore(ctx context.Context, dsn, table string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := newPostgresStore(pool, table, logger)
	s.closer = pool.Close
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Postgres store connected", zap.String("table", table))
	return s, nil
}

func newPostgresStore(pool pgxQuerier, table string, logger *zap.Logger) *PostgresStore {
	if table == "" {
		table = "grid_entries"
	}
	return &PostgresStore{pool: pool, closer: func() {}, table: pgx.Identifier{table}.Sanitize(), logger: logger}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			version    BIGINT NOT NULL,
			entry      JSONB NOT NULL,
			expires_at TIMESTAMPTZ NULL
		)
	`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

// Apply implements Store. Stores only overwrite older versions, so replays
// and out-of-order writers from several owners converge.
func (s *PostgresStore) Apply(ctx context.Context, mod *model.Modification) error {
	var err error
	switch mod.Type {
	case model.ModificationStore:
		var data []byte
		data, err = json.Marshal(mod.Entry)
		if err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
		var expiresAt *time.Time
		if at := mod.Entry.ExpiresAt(); !at.IsZero() {
			expiresAt = &at
		}
		query := fmt.Sprintf(`
			INSERT INTO %s (key, version, entry, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE
			SET version = EXCLUDED.version, entry = EXCLUDED.entry, expires_at = EXCLUDED.expires_at
			WHERE %s.version <= EXCLUDED.version
		`, s.table, s.table)
		_, err = s.pool.Exec(ctx, query, mod.Key, int64(mod.Entry.Version()), data, expiresAt)

	case model.ModificationRemove:
		_, err = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), mod.Key)

	case model.ModificationClear:
		_, err = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table))

	case model.ModificationPurgeExpired:
		_, err = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= now()`, s.table))

	default:
		return fmt.Errorf("unknown modification type %q", mod.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s for key %q: %w", mod.Type, mod.Key, err)
	}
	return nil
}

// Load implements Store
func (s *PostgresStore) Load(ctx context.Context, key string) (*model.CacheEntry, error) {
	query := fmt.Sprintf(`
		SELECT entry FROM %s
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, s.table)

	var data []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key %q: %w", key, err)
	}

	var e model.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry %q: %w", key, err)
	}
	return &e, nil
}

// Close implements Store
func (s *PostgresStore) Close() error {
	s.closer()
	return nil
}
