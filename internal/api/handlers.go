package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/config"
	"github.com/JakeFAU/page-annotator/internal/policy/simple"
	"github.com/JakeFAU/page-annotator/internal/resume"
)

const maxAnnotationBody = 1 << 20

type frameCheckResponse struct {
	Blocked        bool   `json:"blocked"`
	Reason         string `json:"reason,omitempty"`
	Classification string `json:"classification"`
}

type annotationRequest struct {
	Values    map[string]annotator.Value `json:"values"`
	Annotator string                     `json:"annotator"`
}

type annotationResponse struct {
	Values            map[string]annotator.Value `json:"values"`
	Annotator         string                     `json:"annotator"`
	PreviousAnnotator string                     `json:"previous_annotator,omitempty"`
	Warning           string                     `json:"warning,omitempty"`
}

type stateResponse struct {
	Config      config.ClientView                     `json:"config"`
	Entries     []annotator.Row                       `json:"entries"`
	Annotations map[string]map[string]annotator.Value `json:"annotations"`
	Annotators  map[string]string                     `json:"annotators"`
}

type resumeResponse struct {
	Index int    `json:"index"`
	RowID string `json:"row_id"`
}

// lookupRow resolves the {rowId} path parameter, writing a 404 when the row is
// not part of the dataset.
func (s *Server) lookupRow(w http.ResponseWriter, r *http.Request) (annotator.Row, bool) {
	rowID := chi.URLParam(r, "rowId")
	row, ok := s.rows.Row(rowID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown row")
		return annotator.Row{}, false
	}
	return row, true
}

// frameCheck handles GET /api/frame-check/{rowId}. A failed probe answers 502
// with classification "unknown"; clients treat that as "try the live frame".
func (s *Server) frameCheck(w http.ResponseWriter, r *http.Request) {
	row, ok := s.lookupRow(w, r)
	if !ok {
		return
	}
	result, err := s.prober.Probe(r.Context(), row.URL, r.UserAgent())
	if err != nil {
		s.logger.Warn("frame check failed", zap.String("row_id", row.ID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":          err.Error(),
			"classification": string(result.Classification),
		})
		return
	}
	writeJSON(w, http.StatusOK, frameCheckResponse{
		Blocked:        result.Blocked(),
		Reason:         result.Reason,
		Classification: string(result.Classification),
	})
}

// proxyPage handles GET /api/proxy/{rowId}. The upstream request carries the
// caller's User-Agent so the proxied copy matches what the live frame gets.
func (s *Server) proxyPage(w http.ResponseWriter, r *http.Request) {
	row, ok := s.lookupRow(w, r)
	if !ok {
		return
	}
	page, err := s.proxy.Fetch(r.Context(), row.URL, r.UserAgent())
	if err != nil {
		s.logger.Warn("proxy fetch failed", zap.String("row_id", row.ID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	h := w.Header()
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("Cache-Control", "no-cache")
	if page.ETag != "" {
		h.Set("ETag", page.ETag)
		if etagMatches(r.Header.Get("If-None-Match"), page.ETag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	if page.Headless {
		h.Set("X-Annotator-Rendered", "headless")
	}
	h.Set("Content-Type", page.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(page.Body); err != nil {
		s.logger.Debug("proxy write aborted", zap.String("row_id", row.ID), zap.Error(err))
	}
}

// proxyResource handles GET /api/proxy/resource?url=. Only http and https
// targets are fetched; the upstream status is passed through.
func (s *Server) proxyResource(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	res, err := s.proxy.Resource(r.Context(), target, r.UserAgent())
	if err != nil {
		if errors.Is(err, simple.ErrUnsupportedURL) {
			http.Error(w, "unsupported URL scheme", http.StatusBadRequest)
			return
		}
		s.logger.Warn("resource fetch failed", zap.String("url", target), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.WriteHeader(res.StatusCode)
	if _, err := w.Write(res.Body); err != nil {
		s.logger.Debug("resource write aborted", zap.String("url", target), zap.Error(err))
	}
}

func (s *Server) getAnnotation(w http.ResponseWriter, r *http.Request) {
	row, ok := s.lookupRow(w, r)
	if !ok {
		return
	}
	rec, _, err := s.store.Get(r.Context(), row.ID)
	if err != nil {
		s.logger.Error("load annotation failed", zap.String("row_id", row.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load annotation")
		return
	}
	writeJSON(w, http.StatusOK, annotationResponse{
		Values:    s.schema.Decode(rec.Values),
		Annotator: rec.Annotator,
	})
}

// saveAnnotation handles POST /api/annotation/{rowId}. The submitted values
// replace the stored record and the caller becomes its owner; a change of
// owner is reported as a warning, not an error.
func (s *Server) saveAnnotation(w http.ResponseWriter, r *http.Request) {
	row, ok := s.lookupRow(w, r)
	if !ok {
		return
	}
	var req annotationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnnotationBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Values == nil {
		writeError(w, http.StatusBadRequest, "missing annotation values")
		return
	}
	reviewer := strings.TrimSpace(req.Annotator)
	if reviewer == "" {
		writeError(w, http.StatusBadRequest, "annotator is required")
		return
	}

	result, err := s.store.Upsert(r.Context(), row.ID, s.schema.Encode(req.Values), reviewer)
	if err != nil {
		if errors.Is(err, annotator.ErrRowNotFound) {
			writeError(w, http.StatusNotFound, "unknown row")
			return
		}
		s.logger.Error("save annotation failed", zap.String("row_id", row.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save annotation")
		return
	}

	resp := annotationResponse{
		Values:    s.schema.Decode(result.Record.Values),
		Annotator: result.Record.Annotator,
	}
	if conflict := result.Conflict(); conflict != nil {
		s.logger.Warn("ownership transferred",
			zap.String("row_id", row.ID),
			zap.String("previous", conflict.Previous),
			zap.String("current", conflict.Current),
		)
		resp.PreviousAnnotator = conflict.Previous
		resp.Warning = conflict.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// state handles GET /api/state, the bootstrap payload for a review client.
func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.All(r.Context())
	if err != nil {
		s.logger.Error("load annotations failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load annotations")
		return
	}
	annotations := make(map[string]map[string]annotator.Value, len(records))
	annotators := make(map[string]string, len(records))
	for id, rec := range records {
		annotations[id] = s.schema.Decode(rec.Values)
		annotators[id] = rec.Annotator
	}
	entries := s.rows.Rows
	if entries == nil {
		entries = []annotator.Row{}
	}
	writeJSON(w, http.StatusOK, stateResponse{
		Config:      s.cfg.Client(),
		Entries:     entries,
		Annotations: annotations,
		Annotators:  annotators,
	})
}

// resumeIndex handles GET /api/resume?annotator=NAME.
func (s *Server) resumeIndex(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("annotator"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "annotator is required")
		return
	}
	records, err := s.store.All(r.Context())
	if err != nil {
		s.logger.Error("load annotations failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load annotations")
		return
	}
	idx := resume.Index(name, s.rows.Rows, records)
	resp := resumeResponse{Index: idx}
	if idx < len(s.rows.Rows) {
		resp.RowID = s.rows.Rows[idx].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
