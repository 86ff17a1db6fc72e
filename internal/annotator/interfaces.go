package annotator

import (
	"context"
	"time"
)

// Store persists annotation records keyed by row ID. Implementations must
// serialize writes to the same row and replace the full value map on every
// upsert.
type Store interface {
	Upsert(ctx context.Context, rowID string, values map[string]string, reviewer string) (UpsertResult, error)
	Get(ctx context.Context, rowID string) (Record, bool, error)
	All(ctx context.Context) (map[string]Record, error)
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a proxied page needs a rendered snapshot.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Publisher pushes annotation events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Limiter throttles upstream requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for cache validators.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler is a Clock that can also run callbacks after a delay. Session
// watchdogs and autosave debounces use it so tests can drive time manually.
type Scheduler interface {
	Clock
	AfterFunc(d time.Duration, f func()) Timer
}
