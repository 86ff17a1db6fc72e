package session

import "github.com/JakeFAU/page-annotator/internal/annotator"

type event interface {
	name() string
}

type activateEvent struct {
	row annotator.Row
}

type frameLoadedEvent struct {
	rowID string
	epoch uint64
}

type frameFailedEvent struct {
	rowID string
	epoch uint64
}

// frameTimeoutEvent is posted by the watchdog timer.
type frameTimeoutEvent struct {
	rowID string
	epoch uint64
}

// probeDoneEvent carries the activation it was started for; a probe outlives
// proxy re-renders but not row changes.
type probeDoneEvent struct {
	rowID      string
	activation uint64
	check      FrameCheck
	err        error
}

type toggleProxyEvent struct {
	on bool
}

type editEvent struct {
	rowID string
	field string
	value annotator.Value
}

type identityEvent struct {
	reviewer string
}

type autosaveEvent struct {
	rowID string
	gen   uint64
}

type saveEvent struct {
	reply chan error
}

type saveDoneEvent struct {
	job    *saveJob
	result annotator.UpsertResult
	err    error
}

type snapshotEvent struct {
	reply chan Snapshot
}

func (activateEvent) name() string    { return "activate" }
func (frameLoadedEvent) name() string { return "frame_loaded" }
func (frameFailedEvent) name() string { return "frame_failed" }
func (frameTimeoutEvent) name() string { return "frame_timeout" }
func (probeDoneEvent) name() string   { return "probe_done" }
func (toggleProxyEvent) name() string { return "toggle_proxy" }
func (editEvent) name() string        { return "edit" }
func (identityEvent) name() string    { return "identity" }
func (autosaveEvent) name() string    { return "autosave" }
func (saveEvent) name() string        { return "save" }
func (saveDoneEvent) name() string    { return "save_done" }
func (snapshotEvent) name() string    { return "snapshot" }
