// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

// AnnotationStore keeps annotation records in a map. Nothing survives a
// restart.
type AnnotationStore struct {
	mu      sync.RWMutex
	records map[string]annotator.Record
}

// NewAnnotationStore constructs an empty AnnotationStore, optionally seeded.
func NewAnnotationStore(seed map[string]annotator.Record) *AnnotationStore {
	records := make(map[string]annotator.Record, len(seed))
	for id, rec := range seed {
		records[id] = rec.Clone()
	}
	return &AnnotationStore{records: records}
}

// Upsert replaces the record for rowID.
func (s *AnnotationStore) Upsert(
	ctx context.Context,
	rowID string,
	values map[string]string,
	reviewer string,
) (annotator.UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return annotator.UpsertResult{}, &annotator.PersistenceError{RowID: rowID, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.records[rowID]
	rec := annotator.Record{
		RowID:     rowID,
		Values:    annotator.CloneValues(values),
		Annotator: strings.TrimSpace(reviewer),
	}
	s.records[rowID] = rec
	return annotator.UpsertResult{
		Record:   rec.Clone(),
		Previous: prev.Annotator,
		Created:  !existed,
	}, nil
}

// Get returns the record for rowID.
func (s *AnnotationStore) Get(_ context.Context, rowID string) (annotator.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[rowID]
	if !ok {
		return annotator.Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

// All returns a copy of every record.
func (s *AnnotationStore) All(_ context.Context) (map[string]annotator.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]annotator.Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.Clone()
	}
	return out, nil
}

// Close is a no-op.
func (s *AnnotationStore) Close() error { return nil }
