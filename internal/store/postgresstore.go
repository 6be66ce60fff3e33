package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPostgresTable     = "session_store"
	defaultPostgresNamespace = "default"
)

// PostgresStoreConfig captures configuration required to initialize a Postgres-backed store.
type PostgresStoreConfig struct {
	DSN       string
	Schema    string
	Table     string
	Namespace string
}

// PostgresStore persists each slot as one row keyed by (namespace, key).
// Batched writes run in a single transaction.
type PostgresStore struct {
	db     *sql.DB
	cfg    PostgresStoreConfig
	sealer *Sealer
}

// NewPostgresStore establishes a connection to PostgreSQL.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig, sealer *Sealer) (*PostgresStore, error) {
	trimmedDSN := strings.TrimSpace(cfg.DSN)
	if trimmedDSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	cfg.DSN = trimmedDSN

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	return newPostgresStoreWithDB(db, cfg, sealer), nil
}

func newPostgresStoreWithDB(db *sql.DB, cfg PostgresStoreConfig, sealer *Sealer) *PostgresStore {
	if cfg.Table == "" {
		cfg.Table = defaultPostgresTable
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultPostgresNamespace
	}
	return &PostgresStore{db: db, cfg: cfg, sealer: sealer}
}

func (s *PostgresStore) Name() string { return "postgres" }

// Close releases the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the slot table (and schema when provided).
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store: not initialized")
	}
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (namespace, key)
		)
	`, s.tableName())); err != nil {
		return fmt.Errorf("postgres store: create table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}
	query := fmt.Sprintf("SELECT key, value FROM %s WHERE namespace = $1", s.tableName())
	rows, err := s.db.QueryContext(ctx, query, s.cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query slots: %w", err)
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.WithError(errClose).Warn("postgres store: close rows")
		}
	}()
	for rows.Next() {
		var key, value string
		if err = rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("postgres store: scan slot: %w", err)
		}
		if _, ok := wanted[key]; !ok {
			continue
		}
		plain, errOpen := s.sealer.Open([]byte(value))
		if errOpen != nil {
			return nil, fmt.Errorf("postgres store: slot %s: %w", key, errOpen)
		}
		out[key] = string(plain)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate slots: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Set(ctx context.Context, items map[string]string) error {
	if len(items) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, s.tableName())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for key, value := range items {
			sealed, err := s.sealer.Seal([]byte(value))
			if err != nil {
				return err
			}
			if _, err = tx.ExecContext(ctx, query, s.cfg.Namespace, key, string(sealed)); err != nil {
				return fmt.Errorf("postgres store: upsert slot %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE namespace = $1 AND key = $2", s.tableName())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, query, s.cfg.Namespace, key); err != nil {
				return fmt.Errorf("postgres store: delete slot %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres store: begin transaction: %w", err)
	}
	if err = fn(tx); err != nil {
		if errRollback := tx.Rollback(); errRollback != nil && !errors.Is(errRollback, sql.ErrTxDone) {
			log.WithError(errRollback).Warn("postgres store: rollback failed")
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) tableName() string {
	if strings.TrimSpace(s.cfg.Schema) == "" {
		return quoteIdentifier(s.cfg.Table)
	}
	return quoteIdentifier(s.cfg.Schema) + "." + quoteIdentifier(s.cfg.Table)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
