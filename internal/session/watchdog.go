package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

func (s *Session) handle(ev event) {
	switch e := ev.(type) {
	case activateEvent:
		s.onActivate(e)
	case frameLoadedEvent:
		s.onFrameLoaded(e)
	case frameFailedEvent:
		s.onFrameFailed(e)
	case frameTimeoutEvent:
		s.onFrameTimeout(e)
	case probeDoneEvent:
		s.onProbeDone(e)
	case toggleProxyEvent:
		s.onToggleProxy(e)
	case editEvent:
		s.onEdit(e)
	case identityEvent:
		s.onIdentity(e)
	case autosaveEvent:
		s.onAutosave(e)
	case saveEvent:
		s.onSave(e)
	case saveDoneEvent:
		s.onSaveDone(e)
	case snapshotEvent:
		e.reply <- s.state.snapshot()
	}
}

func (s *Session) emit(kind UpdateKind) {
	s.listener.OnUpdate(Update{Kind: kind, Snapshot: s.state.snapshot()})
}

func (s *Session) notify(n Notice) {
	s.listener.OnUpdate(Update{Kind: UpdateNotice, Snapshot: s.state.snapshot(), Notice: &n})
}

func (s *Session) stale(ev event, rowID string, epoch uint64) bool {
	st := &s.state
	if st.current(rowID) && epoch == st.epoch {
		return false
	}
	s.logger.Debug("stale frame event dropped",
		zap.String("event", ev.name()),
		zap.String("row_id", rowID),
		zap.Uint64("epoch", epoch),
		zap.Uint64("current_epoch", st.epoch),
	)
	return true
}

func (s *Session) onActivate(e activateEvent) {
	st := &s.state
	if st.row != nil && st.dirty {
		s.flushForNavigation()
	}
	st.stopTimers()

	row := e.row
	st.row = &row
	st.activation++
	st.values = s.opts.Schema.Decode(st.records[row.ID].Values)
	st.dirty = false
	st.revision = 0
	st.probe = ProbeUnknown
	st.probeDetail = ""
	st.blocked = false
	st.reason = ""

	useProxy, ok := st.proxyPref[row.ID]
	if !ok {
		useProxy = s.opts.PreferProxy
	}
	st.useProxy = useProxy
	st.autoTriggered = useProxy && st.autoPref[row.ID]

	if useProxy {
		s.render(s.backend.ProxyURL(row.ID), true)
		return
	}
	s.render(row.URL, false)
	s.startWatchdog()
	s.startProbe()
}

// render points the frame at source under a fresh epoch.
func (s *Session) render(source string, proxied bool) {
	st := &s.state
	st.epoch++
	st.source = source
	st.proxied = proxied
	st.frame = FrameAttempting
	s.emit(UpdateRender)
}

func (s *Session) startWatchdog() {
	st := &s.state
	rowID, epoch := st.row.ID, st.epoch
	st.watchdog = s.sched.AfterFunc(s.opts.FrameTimeout, func() {
		s.post(frameTimeoutEvent{rowID: rowID, epoch: epoch})
	})
}

func (s *Session) startProbe() {
	st := &s.state
	st.probe = ProbeRunning
	rowID, activation := st.row.ID, st.activation
	s.goAsync(func(ctx context.Context) {
		check, err := s.backend.FrameCheck(ctx, rowID)
		s.post(probeDoneEvent{rowID: rowID, activation: activation, check: check, err: err})
	})
}

func (s *Session) onFrameLoaded(e frameLoadedEvent) {
	if s.stale(e, e.rowID, e.epoch) {
		return
	}
	st := &s.state
	if st.frame != FrameAttempting {
		return
	}
	st.stopWatchdog()
	st.frame = FrameConfirmed
	s.emit(UpdateState)
}

func (s *Session) onFrameFailed(e frameFailedEvent) {
	if s.stale(e, e.rowID, e.epoch) {
		return
	}
	st := &s.state
	if st.proxied {
		// The proxy is the last resort for a row.
		st.stopWatchdog()
		st.frame = FrameFailed
		err := &annotator.FetchError{URL: st.row.URL, Err: &annotator.FrameLoadError{RowID: st.row.ID, Proxy: true}}
		s.notify(Notice{
			Level:   LevelError,
			RowID:   st.row.ID,
			Message: "The proxied copy could not be loaded. Open the original page in a new tab.",
			Err:     err,
		})
		return
	}
	if st.frame == FrameBlocked {
		return
	}
	s.block(ReasonError, &annotator.FrameLoadError{RowID: st.row.ID})
}

func (s *Session) onFrameTimeout(e frameTimeoutEvent) {
	if s.stale(e, e.rowID, e.epoch) {
		return
	}
	st := &s.state
	st.watchdog = nil
	if st.proxied || st.frame != FrameAttempting {
		return
	}
	s.block(ReasonTimeout, &annotator.FrameTimeout{RowID: st.row.ID, After: s.opts.FrameTimeout})
}

func (s *Session) onProbeDone(e probeDoneEvent) {
	st := &s.state
	if !st.current(e.rowID) || e.activation != st.activation {
		s.logger.Debug("stale probe result dropped", zap.String("row_id", e.rowID))
		return
	}
	if e.err != nil {
		s.logger.Warn("frame check failed, keeping live frame", zap.String("row_id", e.rowID), zap.Error(e.err))
		st.probe = ProbeUnknown
		s.emit(UpdateState)
		return
	}
	if !e.check.Blocked {
		// Once a block has been shown, a late "allowed" changes nothing.
		if st.probe == ProbeRunning && !st.blocked {
			st.probe = ProbeAllowed
			s.emit(UpdateState)
		}
		return
	}
	st.probe = ProbeBlocked
	st.probeDetail = e.check.Reason
	// A confirmed load does not prove the page rendered: blocked frames still
	// fire load on the browser's error page.
	if st.proxied || st.frame == FrameBlocked {
		s.emit(UpdateState)
		return
	}
	s.block(ReasonHeaders, nil)
}

// block declares the live frame blocked and falls back to the proxy when
// auto fallback is enabled.
func (s *Session) block(reason BlockReason, cause error) {
	st := &s.state
	st.stopWatchdog()
	st.frame = FrameBlocked
	st.blocked = true
	st.reason = reason
	rowID := st.row.ID
	s.logger.Info("frame blocked",
		zap.String("row_id", rowID),
		zap.String("reason", string(reason)),
		zap.String("detail", st.probeDetail),
	)

	if !s.opts.AutoProxyOnBlock {
		s.notify(Notice{
			Level:   LevelWarn,
			RowID:   rowID,
			Message: "This page refused to load in the frame (" + string(reason) + "). Enable the proxy or open it in a new tab.",
			Err:     cause,
		})
		return
	}
	st.useProxy = true
	st.autoTriggered = true
	st.proxyPref[rowID] = true
	st.autoPref[rowID] = true
	s.render(s.backend.ProxyURL(rowID), true)
}

func (s *Session) onToggleProxy(e toggleProxyEvent) {
	st := &s.state
	if st.row == nil {
		return
	}
	rowID := st.row.ID
	st.proxyPref[rowID] = e.on
	st.autoPref[rowID] = false
	st.autoTriggered = false
	if !e.on {
		// The proxied copy stays until the row is reloaded.
		st.useProxy = false
		st.blocked = false
		st.reason = ""
		s.emit(UpdateState)
		return
	}
	st.useProxy = true
	if st.proxied {
		s.emit(UpdateState)
		return
	}
	st.stopWatchdog()
	s.render(s.backend.ProxyURL(rowID), true)
}
