// Package annotator defines core types shared across subsystems.
package annotator

import (
	"net/http"
	"strings"
	"time"
)

// Row is one dataset entry under review. Rows are immutable once loaded.
type Row struct {
	ID    string            `json:"id"`
	Index int               `json:"index"`
	URL   string            `json:"url"`
	Data  map[string]string `json:"data"`
}

// Record is the persisted annotation for a row. Values hold the persisted
// string form of every configured field.
type Record struct {
	RowID     string            `json:"row_id"`
	Values    map[string]string `json:"values"`
	Annotator string            `json:"annotator"`
}

// Claimed reports whether someone owns the record.
func (r Record) Claimed() bool {
	return strings.TrimSpace(r.Annotator) != ""
}

// OwnedBy compares the owner case-insensitively.
func (r Record) OwnedBy(reviewer string) bool {
	name := strings.TrimSpace(reviewer)
	return name != "" && strings.EqualFold(strings.TrimSpace(r.Annotator), name)
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	cp := r
	cp.Values = CloneValues(r.Values)
	return cp
}

// UpsertResult is returned by Store.Upsert. Record is the source of truth after
// the write; Previous is the owner before it (empty for a first save).
type UpsertResult struct {
	Record   Record `json:"record"`
	Previous string `json:"previous"`
	Created  bool   `json:"created"`
}

// Conflict returns a non-nil warning when the write replaced another
// reviewer's record.
func (u UpsertResult) Conflict() *OwnershipConflict {
	prev := strings.TrimSpace(u.Previous)
	if prev == "" || strings.EqualFold(prev, strings.TrimSpace(u.Record.Annotator)) {
		return nil
	}
	return &OwnershipConflict{RowID: u.Record.RowID, Previous: prev, Current: u.Record.Annotator}
}

// AnnotationSaved is published after every successful upsert.
type AnnotationSaved struct {
	ID        string            `json:"id"`
	RowID     string            `json:"row_id"`
	Annotator string            `json:"annotator"`
	Previous  string            `json:"previous,omitempty"`
	Values    map[string]string `json:"values"`
	SavedAt   time.Time         `json:"saved_at"`
}

// FetchRequest captures everything needed to fetch a URL upstream.
type FetchRequest struct {
	URL       string
	Method    string
	UserAgent string
	Headers   http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// CloneValues copies a persisted value map.
func CloneValues(src map[string]string) map[string]string {
	if src == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
