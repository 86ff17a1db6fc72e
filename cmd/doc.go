// Package cmd defines and implements the CLI commands for the annotator executable.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, dataset state, frame checks, the proxied page
//     fallback, annotation reads/writes, resume positions and reviewer progress. Requests carry an X-Request-ID
//     and, when auth.enabled is set, an API key.
//   - Frame fallback: internal/probe classifies X-Frame-Options and CSP frame-ancestors from a HEAD (or GET)
//     probe. internal/proxy fetches a static copy via the Colly fetcher, optionally promotes it to a Chromedp
//     render when the heuristic detector says the page is script-built, and rewrites it through internal/rewrite
//     so it can be framed same-origin.
//   - Persistence & fanout: annotations go to the configured store (csv, memory, sqlite, postgres, gcs). Every
//     store is wrapped so successful saves publish an annotation-saved event (in memory, or to Pub/Sub when a
//     project and topic are configured).
//   - Review clients: internal/session is the per-reviewer event loop (frame watchdog, proxy fallback,
//     debounced autosave, identity). The review command hosts it in a terminal through internal/client.
//   - Configuration & plumbing: Viper populates config from YAML and ANNOTATOR_* env vars; zap provides
//     structured logging; Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Concurrency model: one goroutine per HTTP request; store writes are serialized per row. Headless renders
//     have their own semaphore inside the Chromedp fetcher and outbound fetches share a per-host rate limiter.
//   - Shutdown: serve reacts to SIGINT/SIGTERM, fails /readyz, drains in-flight requests and closes the store
//     and publisher in reverse order of creation.
//
// Quick checklist:
//   - Point dataset.data_file at a CSV with a url column and list annotation.fields.
//   - Run locally: go run . serve --config config.yaml, then go run . review --as <name>.
//   - Use `annotator configs` to see which config files would be picked up.
package cmd
