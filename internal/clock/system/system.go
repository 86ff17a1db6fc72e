// Package system provides the wall-clock scheduler.
package system

import (
	"time"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

// Clock implements annotator.Scheduler using the time package.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc runs f on its own goroutine once d has elapsed.
func (Clock) AfterFunc(d time.Duration, f func()) annotator.Timer {
	return time.AfterFunc(d, f)
}
