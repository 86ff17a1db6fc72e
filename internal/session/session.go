// Package session drives one reviewer's walk through the dataset: which
// source the frame shows, when to fall back to the proxy, and when edits are
// saved. All state lives in a Session and is only touched by its event loop.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/clock/system"
	"github.com/JakeFAU/page-annotator/internal/queue/memory"
)

// ErrNoIdentity is returned by Save when no reviewer name has been set.
var ErrNoIdentity = errors.New("reviewer identity not set")

// FrameState tracks the frame's current source.
type FrameState string

// Frame states.
const (
	FrameIdle       FrameState = "idle"
	FrameAttempting FrameState = "attempting"
	FrameConfirmed  FrameState = "confirmed"
	FrameBlocked    FrameState = "blocked"
	FrameFailed     FrameState = "failed"
)

// ProbeState tracks the header probe for the active row.
type ProbeState string

// Probe states.
const (
	ProbeUnknown ProbeState = "unknown"
	ProbeRunning ProbeState = "probing"
	ProbeAllowed ProbeState = "allowed"
	ProbeBlocked ProbeState = "blocked"
)

// BlockReason says why the live frame was declared blocked.
type BlockReason string

// Block reasons.
const (
	ReasonTimeout BlockReason = "timeout"
	ReasonError   BlockReason = "error"
	ReasonHeaders BlockReason = "headers"
)

// FrameCheck is the server's embeddability verdict for a row.
type FrameCheck struct {
	Blocked        bool   `json:"blocked"`
	Reason         string `json:"reason,omitempty"`
	Classification string `json:"classification,omitempty"`
}

// Backend is the server side of a session.
type Backend interface {
	FrameCheck(ctx context.Context, rowID string) (FrameCheck, error)
	Save(ctx context.Context, rowID string, values map[string]annotator.Value, reviewer string) (annotator.UpsertResult, error)
	ProxyURL(rowID string) string
}

// IdentityStore persists the reviewer name between runs.
type IdentityStore interface {
	Save(name string) error
}

// Options configures a Session.
type Options struct {
	Rows    []annotator.Row
	Records map[string]annotator.Record
	Schema  annotator.Schema

	Reviewer   string
	Identities IdentityStore

	FrameTimeout     time.Duration
	PreferProxy      bool
	AutoProxyOnBlock bool

	AutosaveEnabled  bool
	AutosaveInterval time.Duration

	InboxSize int
}

// Snapshot is a copy of the session state as seen by the loop. Saving covers
// the active row only; PendingSaves counts every row with a write in flight or
// queued, including rows the reviewer has already left.
type Snapshot struct {
	RowID         string                     `json:"row_id"`
	Index         int                        `json:"index"`
	Epoch         uint64                     `json:"epoch"`
	Source        string                     `json:"source"`
	Frame         FrameState                 `json:"frame"`
	Probe         ProbeState                 `json:"probe"`
	ProbeDetail   string                     `json:"probe_detail,omitempty"`
	Blocked       bool                       `json:"blocked"`
	Reason        BlockReason                `json:"reason,omitempty"`
	UseProxy      bool                       `json:"use_proxy"`
	AutoTriggered bool                       `json:"auto_triggered"`
	Values        map[string]annotator.Value `json:"values"`
	Dirty         bool                       `json:"dirty"`
	Saving        bool                       `json:"saving"`
	PendingSaves  int                        `json:"pending_saves"`
	Reviewer      string                     `json:"reviewer"`
	ResumeIndex   int                        `json:"resume_index"`
}

// Session owns one reviewer's client state.
type Session struct {
	backend  Backend
	listener Listener
	sched    annotator.Scheduler
	logger   *zap.Logger
	opts     Options

	inbox  *memory.Queue[event]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
	stop   sync.Once

	state loopState
}

// New builds a Session. Call Start to run its loop and Close to release it.
func New(backend Backend, listener Listener, sched annotator.Scheduler, logger *zap.Logger, opts Options) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sched == nil {
		sched = system.New()
	}
	if listener == nil {
		listener = ListenerFunc(func(Update) {})
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = 4500 * time.Millisecond
	}
	if opts.AutosaveInterval <= 0 {
		opts.AutosaveInterval = 6 * time.Second
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		backend:  backend,
		listener: listener,
		sched:    sched,
		logger:   logger.Named("session"),
		opts:     opts,
		inbox:    memory.NewQueue[event](opts.InboxSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.state = newLoopState(opts)
	return s
}

// Start launches the event loop.
func (s *Session) Start() {
	s.start.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Close stops timers, the loop and in-flight backend calls, then waits for
// every goroutine the session started.
func (s *Session) Close() {
	s.stop.Do(func() {
		s.cancel()
		s.inbox.Close()
		s.wg.Wait()
		s.state.stopTimers()
	})
}

// Activate makes row the active row and renders its frame.
func (s *Session) Activate(ctx context.Context, row annotator.Row) error {
	return s.inbox.Enqueue(ctx, activateEvent{row: row})
}

// FrameLoaded reports a load signal from the frame showing epoch.
func (s *Session) FrameLoaded(ctx context.Context, rowID string, epoch uint64) error {
	return s.inbox.Enqueue(ctx, frameLoadedEvent{rowID: rowID, epoch: epoch})
}

// FrameFailed reports a load error from the frame showing epoch.
func (s *Session) FrameFailed(ctx context.Context, rowID string, epoch uint64) error {
	return s.inbox.Enqueue(ctx, frameFailedEvent{rowID: rowID, epoch: epoch})
}

// ToggleProxy sets the proxy preference for the active row by hand.
func (s *Session) ToggleProxy(ctx context.Context, on bool) error {
	return s.inbox.Enqueue(ctx, toggleProxyEvent{on: on})
}

// Edit records a field change on rowID and restarts the autosave debounce.
func (s *Session) Edit(ctx context.Context, rowID, field string, value annotator.Value) error {
	return s.inbox.Enqueue(ctx, editEvent{rowID: rowID, field: field, value: value})
}

// SetReviewer changes the reviewer identity.
func (s *Session) SetReviewer(ctx context.Context, name string) error {
	return s.inbox.Enqueue(ctx, identityEvent{reviewer: strings.TrimSpace(name)})
}

// Save cancels any pending autosave and saves the active row now. It waits
// for the write and returns its error; nil when nothing was unsaved.
func (s *Session) Save(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.inbox.Enqueue(ctx, saveEvent{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return memory.ErrClosed
	}
}

// Snapshot returns the state after every previously posted event has been
// handled.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := s.inbox.Enqueue(ctx, snapshotEvent{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-s.ctx.Done():
		return Snapshot{}, memory.ErrClosed
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		ev, err := s.inbox.Dequeue(s.ctx)
		if err != nil {
			return
		}
		s.handle(ev)
	}
}

// post is used by timers and workers. Events posted after Close are dropped.
func (s *Session) post(ev event) {
	if err := s.inbox.Enqueue(s.ctx, ev); err != nil {
		s.logger.Debug("event dropped", zap.String("event", ev.name()), zap.Error(err))
	}
}

// goAsync runs fn on a tracked goroutine so Close can wait for it.
func (s *Session) goAsync(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}
