// Package detector decides when a proxied page needs a rendered snapshot.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

// Heuristic promotes thin, script-driven HTML documents.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__nuxt"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
}

var noscriptHints = []string{
	"enable javascript",
	"requires javascript",
	"javascript is disabled",
}

// ShouldPromote reports whether the page should be re-rendered headless.
func (h *Heuristic) ShouldPromote(resp annotator.FetchResponse) bool {
	_, ok := h.Reason(resp)
	return ok
}

// Reason explains a promotion decision for logging.
func (h *Heuristic) Reason(resp annotator.FetchResponse) (string, bool) {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless || !isHTML(resp.Headers) {
		return "", false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return "empty-body", true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return "spa-marker:" + string(marker), true
		}
	}
	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "<noscript") {
		for _, hint := range noscriptHints {
			if strings.Contains(lower, hint) {
				return "noscript-hint", true
			}
		}
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(lower) {
		return "script-density", true
	}
	return "", false
}

func isHTML(h http.Header) bool {
	ct := strings.ToLower(h.Get("Content-Type"))
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the lowercased document.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		end := total
		if relEnd := strings.Index(lower[contentStart:], closeTag); relEnd != -1 {
			end = contentStart + relEnd + len(closeTag)
		}
		coverage += end - start
		pos = end
	}
	return coverage*100/total >= 25
}
