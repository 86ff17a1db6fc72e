package detector

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

func page(status int, contentType, body string) annotator.FetchResponse {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return annotator.FetchResponse{StatusCode: status, Headers: h, Body: []byte(body)}
}

func TestHeuristicReasons(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	cases := []struct {
		name   string
		resp   annotator.FetchResponse
		reason string
		want   bool
	}{
		{"empty body", page(200, "text/html", "  "), "empty-body", true},
		{"spa marker", page(200, "text/html; charset=utf-8", `<div id="__next"></div>`), "spa-marker:__next", true},
		{"noscript", page(200, "", `<noscript>Please enable JavaScript</noscript><p>x</p>`), "noscript-hint", true},
		{"script density", page(200, "text/html", `<html><script>var a=1;</script><p>t</p></html>`), "script-density", true},
		{"plain article", page(200, "text/html", `<html><body><article>long enough text</article></body></html>`), "", false},
		{"non 200", page(404, "text/html", ""), "", false},
		{"pdf", page(200, "application/pdf", ""), "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			reason, ok := h.Reason(tc.resp)
			require.Equal(t, tc.want, ok)
			require.Equal(t, tc.reason, reason)
			require.Equal(t, tc.want, h.ShouldPromote(tc.resp))
		})
	}
}

func TestHeuristicSkipsRenderedPages(t *testing.T) {
	t.Parallel()

	resp := page(200, "text/html", "")
	resp.UsedHeadless = true
	require.False(t, NewHeuristic(0).ShouldPromote(resp))
}

func TestScriptDensityUnclosedTag(t *testing.T) {
	t.Parallel()

	require.True(t, scriptDensityHigh("<p>a</p><script>for(;;){}"))
	require.False(t, scriptDensityHigh(""))
}
