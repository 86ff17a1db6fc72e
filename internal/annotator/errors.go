package annotator

import (
	"errors"
	"fmt"
	"time"
)

// ErrRowNotFound is returned for identifiers absent from the dataset.
var ErrRowNotFound = errors.New("row not found")

// ProbeError reports a network failure while inspecting frame headers. It is
// never fatal: callers fall back to trying the live frame.
type ProbeError struct {
	URL string
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.URL, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// FetchError reports that the proxy could not obtain the upstream page. It is
// terminal for the row: there is nothing further to fall back to.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("proxy fetch %s: upstream returned HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("proxy fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PersistenceError reports a failed annotation write. The caller must treat
// the submitted values as uncommitted.
type PersistenceError struct {
	RowID string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist annotation %s: %v", e.RowID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// OwnershipConflict is a warning, not a failure: the save succeeded but
// replaced a record owned by another reviewer.
type OwnershipConflict struct {
	RowID    string
	Previous string
	Current  string
}

func (e *OwnershipConflict) Error() string {
	return fmt.Sprintf("row %s was previously annotated by %s", e.RowID, e.Previous)
}

// FrameTimeout reports that no load signal arrived within the watchdog window.
type FrameTimeout struct {
	RowID string
	After time.Duration
}

func (e *FrameTimeout) Error() string {
	return fmt.Sprintf("frame for row %s did not load within %s", e.RowID, e.After)
}

// FrameLoadError reports an explicit frame load failure.
type FrameLoadError struct {
	RowID string
	Proxy bool
}

func (e *FrameLoadError) Error() string {
	if e.Proxy {
		return fmt.Sprintf("proxied frame for row %s failed to load", e.RowID)
	}
	return fmt.Sprintf("frame for row %s failed to load", e.RowID)
}
