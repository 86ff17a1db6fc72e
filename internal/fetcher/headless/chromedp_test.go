package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	r, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 2, cap(r.slots))
	assert.Equal(t, defaultNavTimeout, r.cfg.NavigationTimeout)
	assert.Equal(t, defaultSettleTimeout, r.cfg.SettleTimeout)

	unbounded, err := NewChromedp(Config{})
	require.NoError(t, err)
	defer unbounded.Close()
	assert.Nil(t, unbounded.slots)
}

func TestUserAgentPrefersRequest(t *testing.T) {
	t.Parallel()

	r := &Renderer{cfg: Config{UserAgent: "PageAnnotator/1.0"}}
	assert.Equal(t, "Reviewer/2", r.userAgent(annotator.FetchRequest{UserAgent: "Reviewer/2"}))
	assert.Equal(t, "PageAnnotator/1.0", r.userAgent(annotator.FetchRequest{}))
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	r := &Renderer{slots: make(chan struct{}, 1)}
	require.NoError(t, r.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.acquire(ctx), context.DeadlineExceeded)

	r.release()
	require.NoError(t, r.acquire(context.Background()))
}

func TestDocumentResponseKeepsTopLevelDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  200,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"Content-Security-Policy": "frame-ancestors 'none'"},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://example.com/app.js"},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example/frame"},
	})

	status, headers, url := doc.result("https://req", "https://location")
	assert.Equal(t, 200, status)
	assert.Equal(t, "frame-ancestors 'none'", headers.Get("Content-Security-Policy"))
	assert.Equal(t, "https://example.com/rendered", url)
}

func TestDocumentResponseFallbacks(t *testing.T) {
	t.Parallel()

	status, headers, url := (&documentResponse{}).result("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.NotNil(t, headers)
	assert.Equal(t, "https://final", url)

	_, _, url = (&documentResponse{}).result("https://req", "")
	assert.Equal(t, "https://req", url)
}

func TestHeaderConversions(t *testing.T) {
	t.Parallel()

	got := headerFromNetwork(network.Headers{
		"X-Frame-Options": "DENY",
		"Set-Cookie":      []any{"a=1", "b=2"},
		"Content-Length":  float64(12),
	})
	assert.Equal(t, "DENY", got.Get("X-Frame-Options"))
	assert.Equal(t, []string{"a=1", "b=2"}, got.Values("Set-Cookie"))
	assert.Equal(t, "12", got.Get("Content-Length"))

	out := networkHeaders(http.Header{"X-Test": {"a", "b"}, "Accept-Language": {"en"}, "Empty": {}})
	assert.Equal(t, []string{"a", "b"}, out["X-Test"])
	assert.Equal(t, "en", out["Accept-Language"])
	assert.NotContains(t, out, "Empty")
}
