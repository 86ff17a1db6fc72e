package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/dataset"
)

const (
	defaultRowLimit = 50
	maxRowLimit     = 500
	progressTimeout = 3 * time.Second
)

// ProgressHandler exposes read-only review progress endpoints.
type ProgressHandler struct {
	rows    *dataset.Dataset
	store   annotator.Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the dataset, store and logger.
func NewProgressHandler(rows *dataset.Dataset, store annotator.Store, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		rows:    rows,
		store:   store,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// Summary handles GET /api/progress. It returns {"total", "claimed",
// "annotators": [...]} with reviewers ordered by rows owned, 503 when the
// store is unavailable, or 500 if loading records fails.
func (h *ProgressHandler) Summary(w http.ResponseWriter, r *http.Request) {
	if h.store == nil || h.rows == nil {
		writeError(w, http.StatusServiceUnavailable, "annotation store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	records, err := h.store.All(ctx)
	if err != nil {
		h.logger.Error("load progress failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	writeJSON(w, http.StatusOK, summarize(h.rows.Rows, records))
}

// ListRows handles GET /api/progress/{annotator}?limit=&offset=. Matching is
// case-insensitive. It returns {"annotator", "total", "rows": [...]}, or 400
// for invalid paging parameters.
func (h *ProgressHandler) ListRows(w http.ResponseWriter, r *http.Request) {
	if h.store == nil || h.rows == nil {
		writeError(w, http.StatusServiceUnavailable, "annotation store unavailable")
		return
	}
	name := strings.TrimSpace(chi.URLParam(r, "annotator"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "annotator is required")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRowLimit, maxRowLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	records, err := h.store.All(ctx)
	if err != nil {
		h.logger.Error("list annotator rows failed", zap.String("annotator", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list rows")
		return
	}
	owned := make([]rowDTO, 0)
	for _, row := range h.rows.Rows {
		if rec, ok := records[row.ID]; ok && rec.OwnedBy(name) {
			owned = append(owned, rowDTO{ID: row.ID, Index: row.Index, URL: row.URL})
		}
	}
	total := len(owned)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"annotator": name,
		"total":     total,
		"rows":      owned[offset:end],
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func summarize(rows []annotator.Row, records map[string]annotator.Record) progressDTO {
	out := progressDTO{Total: len(rows), Annotators: []annotatorDTO{}}
	byKey := make(map[string]int)
	for _, row := range rows {
		rec, ok := records[row.ID]
		if !ok || !rec.Claimed() {
			continue
		}
		out.Claimed++
		name := strings.TrimSpace(rec.Annotator)
		key := strings.ToLower(name)
		i, seen := byKey[key]
		if !seen {
			i = len(out.Annotators)
			byKey[key] = i
			out.Annotators = append(out.Annotators, annotatorDTO{Name: name})
		}
		out.Annotators[i].Rows++
		out.Annotators[i].LastIndex = row.Index
	}
	sort.SliceStable(out.Annotators, func(a, b int) bool {
		return out.Annotators[a].Rows > out.Annotators[b].Rows
	})
	return out
}

type progressDTO struct {
	Total      int            `json:"total"`
	Claimed    int            `json:"claimed"`
	Annotators []annotatorDTO `json:"annotators"`
}

type annotatorDTO struct {
	Name      string `json:"name"`
	Rows      int    `json:"rows"`
	LastIndex int    `json:"last_index"`
}

type rowDTO struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	URL   string `json:"url"`
}
