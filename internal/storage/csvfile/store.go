// Package csvfile persists annotations as a CSV export of the dataset.
//
// Every save rewrites the whole file: one line per dataset row carrying the
// row identifier, the original columns, each annotation field and the
// annotator column. Writes go to a temp file that is renamed into place, so
// the store serializes writes across all rows, not just per row.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/dataset"
)

// EntryIDColumn is the first column of the output file.
const EntryIDColumn = "entry_id"

// DefaultAnnotatorColumn holds the record owner when Config leaves it unset.
const DefaultAnnotatorColumn = "annotator"

// Config wires the store to its dataset and schema.
type Config struct {
	Path            string
	Dataset         *dataset.Dataset
	Fields          []string
	AnnotatorColumn string
}

// Store implements annotator.Store on top of a CSV file.
type Store struct {
	cfg    Config
	header []string

	// fileMu covers the in-memory map update and the file rewrite together so
	// the file never reflects an older snapshot than the map.
	fileMu  sync.Mutex
	mu      sync.RWMutex
	records map[string]annotator.Record
}

// New builds a Store and loads any annotations already present at cfg.Path.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Dataset == nil {
		return nil, errors.New("dataset is required")
	}
	if cfg.AnnotatorColumn == "" {
		cfg.AnnotatorColumn = DefaultAnnotatorColumn
	}
	for _, f := range cfg.Fields {
		if f == cfg.AnnotatorColumn || f == EntryIDColumn {
			return nil, fmt.Errorf("field %q collides with a reserved column", f)
		}
	}
	s := &Store{
		cfg:     cfg,
		header:  buildHeader(cfg),
		records: make(map[string]annotator.Record),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func buildHeader(cfg Config) []string {
	seen := make(map[string]struct{})
	var header []string
	add := func(col string) {
		if _, ok := seen[col]; ok {
			return
		}
		seen[col] = struct{}{}
		header = append(header, col)
	}
	add(EntryIDColumn)
	for _, col := range cfg.Dataset.Columns {
		add(col)
	}
	for _, f := range cfg.Fields {
		add(f)
	}
	add(cfg.AnnotatorColumn)
	return header
}

func (s *Store) load() error {
	f, err := os.Open(s.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open annotations: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read annotations header: %w", err)
	}
	pos := make(map[string]int, len(header))
	for i, col := range header {
		pos[col] = i
	}
	idPos, ok := pos[EntryIDColumn]
	if !ok {
		return nil
	}
	cell := func(line []string, col string) string {
		i, found := pos[col]
		if !found || i >= len(line) {
			return ""
		}
		return line[i]
	}

	for {
		line, readErr := reader.Read()
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read annotations: %w", readErr)
		}
		if idPos >= len(line) {
			continue
		}
		rowID := strings.TrimSpace(line[idPos])
		if _, known := s.cfg.Dataset.Row(rowID); !known {
			continue
		}
		rec := annotator.Record{RowID: rowID, Values: make(map[string]string, len(s.cfg.Fields))}
		touched := false
		for _, name := range s.cfg.Fields {
			v := cell(line, name)
			rec.Values[name] = v
			touched = touched || v != ""
		}
		rec.Annotator = strings.TrimSpace(cell(line, s.cfg.AnnotatorColumn))
		// Untouched lines are export filler for rows nobody saved.
		if touched || rec.Claimed() {
			s.records[rowID] = rec
		}
	}
}

// Upsert replaces the record for rowID and rewrites the file.
func (s *Store) Upsert(
	ctx context.Context,
	rowID string,
	values map[string]string,
	reviewer string,
) (annotator.UpsertResult, error) {
	if _, ok := s.cfg.Dataset.Row(rowID); !ok {
		return annotator.UpsertResult{}, fmt.Errorf("%w: %s", annotator.ErrRowNotFound, rowID)
	}
	if err := ctx.Err(); err != nil {
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: err}
	}

	rec := annotator.Record{
		RowID:     rowID,
		Values:    annotator.CloneValues(values),
		Annotator: strings.TrimSpace(reviewer),
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.mu.Lock()
	prev, existed := s.records[rowID]
	s.records[rowID] = rec
	s.mu.Unlock()

	if err := s.flush(); err != nil {
		s.mu.Lock()
		if existed {
			s.records[rowID] = prev
		} else {
			delete(s.records, rowID)
		}
		s.mu.Unlock()
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: err}
	}

	return annotator.UpsertResult{Record: rec.Clone(), Previous: prev.Annotator, Created: !existed}, nil
}

func (s *Store) flush() error {
	dir := filepath.Dir(s.cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".annotations-*.csv")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // gone after a successful rename

	if err := s.writeTo(tmp); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.cfg.Path); err != nil {
		return fmt.Errorf("replace output: %w", err)
	}
	return nil
}

func (s *Store) writeTo(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cw := csv.NewWriter(w)
	if err := cw.Write(s.header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	line := make([]string, len(s.header))
	for _, row := range s.cfg.Dataset.Rows {
		rec, saved := s.records[row.ID]
		for i, col := range s.header {
			switch {
			case col == EntryIDColumn:
				line[i] = row.ID
			case col == s.cfg.AnnotatorColumn:
				line[i] = rec.Annotator
			case saved && s.isField(col):
				line[i] = rec.Values[col]
			case s.isField(col):
				line[i] = ""
			default:
				line[i] = row.Data[col]
			}
		}
		if err := cw.Write(line); err != nil {
			return fmt.Errorf("write row %s: %w", row.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func (s *Store) isField(col string) bool {
	for _, f := range s.cfg.Fields {
		if f == col {
			return true
		}
	}
	return false
}

// Get returns the record for rowID.
func (s *Store) Get(_ context.Context, rowID string) (annotator.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[rowID]
	if !ok {
		return annotator.Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

// All returns a copy of every saved record.
func (s *Store) All(_ context.Context) (map[string]annotator.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]annotator.Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.Clone()
	}
	return out, nil
}

// Close is a no-op; every Upsert already flushed.
func (s *Store) Close() error { return nil }
