// Package postgres provides a Postgres-backed annotation store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// AnnotationStore keeps one row per annotated dataset row. Concurrent writers
// to the same row, even across processes, serialize on a transaction-scoped
// advisory lock keyed by the row ID.
type AnnotationStore struct {
	pool  pool
	table string
	now   func() time.Time
}

// NewAnnotationStore connects to Postgres and ensures the table exists.
func NewAnnotationStore(ctx context.Context, cfg Config) (*AnnotationStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewAnnotationStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewAnnotationStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewAnnotationStoreWithPool(p pool, table string) (*AnnotationStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "annotations"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &AnnotationStore{pool: p, table: table, now: func() time.Time { return time.Now().UTC() }}, nil
}

// EnsureSchema creates the annotations table when missing.
func (s *AnnotationStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	row_id       TEXT PRIMARY KEY,
	annotator    TEXT NOT NULL DEFAULT '',
	field_values JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create annotations table: %w", err)
	}
	return nil
}

// Upsert replaces the record for rowID.
func (s *AnnotationStore) Upsert(
	ctx context.Context,
	rowID string,
	values map[string]string,
	reviewer string,
) (annotator.UpsertResult, error) {
	rec := annotator.Record{
		RowID:     rowID,
		Values:    annotator.CloneValues(values),
		Annotator: strings.TrimSpace(reviewer),
	}
	encoded, err := json.Marshal(rec.Values)
	if err != nil {
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: err}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: fmt.Errorf("begin tx: %w", err)}
	}
	previous, existed, err := s.upsertTx(ctx, tx, rec, encoded)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: fmt.Errorf("commit: %w", err)}
	}
	return annotator.UpsertResult{Record: rec, Previous: previous, Created: !existed}, nil
}

func (s *AnnotationStore) upsertTx(ctx context.Context, tx pgx.Tx, rec annotator.Record, encoded []byte) (string, bool, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.RowID); err != nil {
		return "", false, fmt.Errorf("lock row: %w", err)
	}

	var previous string
	existed := true
	err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT annotator FROM %s WHERE row_id = $1`, s.table), rec.RowID).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		existed = false
	} else if err != nil {
		return "", false, fmt.Errorf("select previous: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (row_id, annotator, field_values, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (row_id) DO UPDATE SET
	annotator = EXCLUDED.annotator,
	field_values = EXCLUDED.field_values,
	updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := tx.Exec(ctx, query, rec.RowID, rec.Annotator, encoded, s.now()); err != nil {
		return "", false, fmt.Errorf("upsert annotation: %w", err)
	}
	return previous, existed, nil
}

// Get returns the record for rowID.
func (s *AnnotationStore) Get(ctx context.Context, rowID string) (annotator.Record, bool, error) {
	var (
		owner string
		raw   []byte
	)
	query := fmt.Sprintf(`SELECT annotator, field_values FROM %s WHERE row_id = $1`, s.table)
	err := s.pool.QueryRow(ctx, query, rowID).Scan(&owner, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return annotator.Record{}, false, nil
	}
	if err != nil {
		return annotator.Record{}, false, fmt.Errorf("get annotation: %w", err)
	}
	rec, err := decode(rowID, owner, raw)
	if err != nil {
		return annotator.Record{}, false, err
	}
	return rec, true, nil
}

// All returns every stored record.
func (s *AnnotationStore) All(ctx context.Context) (map[string]annotator.Record, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT row_id, annotator, field_values FROM %s`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]annotator.Record)
	for rows.Next() {
		var (
			id, owner string
			raw       []byte
		)
		if err := rows.Scan(&id, &owner, &raw); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		rec, err := decode(id, owner, raw)
		if err != nil {
			return nil, err
		}
		out[id] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return out, nil
}

func decode(rowID, owner string, raw []byte) (annotator.Record, error) {
	values := map[string]string{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return annotator.Record{}, fmt.Errorf("decode values for %s: %w", rowID, err)
	}
	return annotator.Record{RowID: rowID, Values: values, Annotator: owner}, nil
}

// Close releases the underlying pool resources.
func (s *AnnotationStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
