package session

import (
	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/resume"
)

// loopState is owned by the event loop goroutine.
type loopState struct {
	row    *annotator.Row
	values map[string]annotator.Value

	// activation increments on every row activation; epoch on every frame
	// source change. Both tag asynchronous results.
	activation uint64
	epoch      uint64

	source        string
	proxied       bool
	frame         FrameState
	probe         ProbeState
	probeDetail   string
	blocked       bool
	reason        BlockReason
	useProxy      bool
	autoTriggered bool

	dirty    bool
	revision uint64
	reviewer string

	proxyPref map[string]bool
	autoPref  map[string]bool
	records   map[string]annotator.Record
	saves     map[string]*rowSave
	rows      []annotator.Row

	watchdog    annotator.Timer
	autosave    annotator.Timer
	autosaveGen uint64
}

func newLoopState(opts Options) loopState {
	records := make(map[string]annotator.Record, len(opts.Records))
	for id, rec := range opts.Records {
		records[id] = rec.Clone()
	}
	return loopState{
		frame:     FrameIdle,
		probe:     ProbeUnknown,
		reviewer:  opts.Reviewer,
		proxyPref: map[string]bool{},
		autoPref:  map[string]bool{},
		records:   records,
		saves:     map[string]*rowSave{},
		rows:      opts.Rows,
	}
}

func (st *loopState) stopWatchdog() {
	if st.watchdog != nil {
		st.watchdog.Stop()
		st.watchdog = nil
	}
}

func (st *loopState) stopAutosave() {
	if st.autosave != nil {
		st.autosave.Stop()
		st.autosave = nil
	}
}

func (st *loopState) stopTimers() {
	st.stopWatchdog()
	st.stopAutosave()
}

func (st *loopState) current(rowID string) bool {
	return st.row != nil && st.row.ID == rowID
}

func (st *loopState) saving() bool {
	if st.row == nil {
		return false
	}
	rs, ok := st.saves[st.row.ID]
	return ok && rs.inflight
}

func (st *loopState) snapshot() Snapshot {
	snap := Snapshot{
		Epoch:         st.epoch,
		Source:        st.source,
		Frame:         st.frame,
		Probe:         st.probe,
		ProbeDetail:   st.probeDetail,
		Blocked:       st.blocked,
		Reason:        st.reason,
		UseProxy:      st.useProxy,
		AutoTriggered: st.autoTriggered,
		Values:        make(map[string]annotator.Value, len(st.values)),
		Dirty:         st.dirty,
		Saving:        st.saving(),
		PendingSaves:  len(st.saves),
		Reviewer:      st.reviewer,
		ResumeIndex:   resume.Index(st.reviewer, st.rows, st.records),
	}
	if st.row != nil {
		snap.RowID = st.row.ID
		snap.Index = st.row.Index
	}
	for k, v := range st.values {
		snap.Values[k] = v
	}
	return snap
}
