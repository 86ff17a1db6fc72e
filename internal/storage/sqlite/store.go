// Package sqlite persists annotations in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/storage/rowlock"
)

const schema = `
CREATE TABLE IF NOT EXISTS annotations (
	row_id      TEXT PRIMARY KEY,
	annotator   TEXT NOT NULL DEFAULT '',
	field_values TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
)`

// Store implements annotator.Store with a single-file SQLite database.
type Store struct {
	db    *sql.DB
	locks *rowlock.Locker
	now   func() time.Time
}

// Open creates (or reuses) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck,gosec // already failing
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, locks: rowlock.New(), now: func() time.Time { return time.Now().UTC() }}, nil
}

// Upsert replaces the record for rowID inside a transaction.
func (s *Store) Upsert(
	ctx context.Context,
	rowID string,
	values map[string]string,
	reviewer string,
) (annotator.UpsertResult, error) {
	unlock := s.locks.Lock(rowID)
	defer unlock()

	rec := annotator.Record{
		RowID:     rowID,
		Values:    annotator.CloneValues(values),
		Annotator: strings.TrimSpace(reviewer),
	}
	encoded, err := json.Marshal(rec.Values)
	if err != nil {
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: err}
	}

	var (
		previous string
		existed  bool
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		scanErr := tx.QueryRowContext(ctx, `SELECT annotator FROM annotations WHERE row_id = ?`, rowID).Scan(&previous)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
		case scanErr != nil:
			return fmt.Errorf("select previous: %w", scanErr)
		default:
			existed = true
		}
		_, execErr := tx.ExecContext(ctx, `
INSERT INTO annotations (row_id, annotator, field_values, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(row_id) DO UPDATE SET
	annotator = excluded.annotator,
	field_values = excluded.field_values,
	updated_at = excluded.updated_at`,
			rowID, rec.Annotator, string(encoded), s.now())
		if execErr != nil {
			return fmt.Errorf("upsert annotation: %w", execErr)
		}
		return nil
	})
	if err != nil {
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: err}
	}
	return annotator.UpsertResult{Record: rec, Previous: previous, Created: !existed}, nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get returns the record for rowID.
func (s *Store) Get(ctx context.Context, rowID string) (annotator.Record, bool, error) {
	var owner, raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT annotator, field_values FROM annotations WHERE row_id = ?`, rowID).Scan(&owner, &raw)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *Store) All(ctx context.Context) (map[string]annotator.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT row_id, annotator, field_values FROM annotations`)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close() //nolint:errcheck // error surfaced by rows.Err

	out := make(map[string]annotator.Record)
	for rows.Next() {
		var id, owner, raw string
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

func decode(rowID, owner, raw string) (annotator.Record, error) {
	values := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return annotator.Record{}, fmt.Errorf("decode values for %s: %w", rowID, err)
	}
	return annotator.Record{RowID: rowID, Values: values, Annotator: owner}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
