package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

// saveJob is one write of a row's values. Waiters are explicit Save callers.
type saveJob struct {
	rowID      string
	values     map[string]annotator.Value
	reviewer   string
	activation uint64
	revision   uint64
	waiters    []chan error
}

// rowSave serializes writes for a row: one in flight, at most one queued.
type rowSave struct {
	inflight bool
	next     *saveJob
}

func (s *Session) onEdit(e editEvent) {
	st := &s.state
	if !st.current(e.rowID) {
		s.logger.Debug("edit for inactive row dropped", zap.String("row_id", e.rowID))
		return
	}
	st.values[e.field] = e.value
	st.dirty = true
	st.revision++
	s.scheduleAutosave()
	s.emit(UpdateState)
}

// scheduleAutosave restarts the debounce. It is inert without a reviewer.
func (s *Session) scheduleAutosave() {
	st := &s.state
	if !s.opts.AutosaveEnabled || st.reviewer == "" || st.row == nil {
		return
	}
	st.stopAutosave()
	st.autosaveGen++
	rowID, gen := st.row.ID, st.autosaveGen
	st.autosave = s.sched.AfterFunc(s.opts.AutosaveInterval, func() {
		s.post(autosaveEvent{rowID: rowID, gen: gen})
	})
}

func (s *Session) onAutosave(e autosaveEvent) {
	st := &s.state
	if e.gen != st.autosaveGen || !st.current(e.rowID) {
		return
	}
	st.autosave = nil
	if !st.dirty || st.reviewer == "" {
		return
	}
	s.requestSave(nil)
}

func (s *Session) onSave(e saveEvent) {
	st := &s.state
	st.stopAutosave()
	if st.row == nil || !st.dirty {
		e.reply <- nil
		return
	}
	if st.reviewer == "" {
		e.reply <- ErrNoIdentity
		return
	}
	s.requestSave(e.reply)
}

func (s *Session) flushForNavigation() {
	st := &s.state
	st.stopAutosave()
	if st.reviewer == "" {
		s.notify(Notice{
			Level:   LevelWarn,
			RowID:   st.row.ID,
			Message: "Unsaved changes were discarded: set a reviewer name to save.",
			Err:     ErrNoIdentity,
		})
		return
	}
	s.requestSave(nil)
}

// requestSave snapshots the active row's values and writes them, or queues
// them behind the write already in flight for that row.
func (s *Session) requestSave(reply chan error) {
	st := &s.state
	job := &saveJob{
		rowID:      st.row.ID,
		values:     cloneTyped(st.values),
		reviewer:   st.reviewer,
		activation: st.activation,
		revision:   st.revision,
	}
	if reply != nil {
		job.waiters = append(job.waiters, reply)
	}
	rs, ok := st.saves[job.rowID]
	if !ok {
		rs = &rowSave{}
		st.saves[job.rowID] = rs
	}
	if rs.inflight {
		if rs.next != nil {
			job.waiters = append(rs.next.waiters, job.waiters...)
		}
		rs.next = job
		return
	}
	s.startSave(rs, job)
}

func (s *Session) startSave(rs *rowSave, job *saveJob) {
	rs.inflight = true
	s.goAsync(func(ctx context.Context) {
		result, err := s.backend.Save(ctx, job.rowID, job.values, job.reviewer)
		s.post(saveDoneEvent{job: job, result: result, err: err})
	})
	s.emit(UpdateState)
}

func (s *Session) onSaveDone(e saveDoneEvent) {
	st := &s.state
	job := e.job
	rs := st.saves[job.rowID]
	rs.inflight = false

	if e.err != nil {
		err := e.err
		var persistErr *annotator.PersistenceError
		if !errors.As(err, &persistErr) {
			err = &annotator.PersistenceError{RowID: job.rowID, Err: err}
		}
		s.logger.Warn("save failed", zap.String("row_id", job.rowID), zap.Error(err))
		s.notify(Notice{Level: LevelError, RowID: job.rowID, Message: "Save failed; your changes are still unsaved.", Err: err})
		reply(job.waiters, err)
	} else {
		s.applySaved(job, e.result)
		reply(job.waiters, nil)
	}

	if next := rs.next; next != nil {
		rs.next = nil
		s.startSave(rs, next)
		return
	}
	delete(st.saves, job.rowID)
	s.emit(UpdateState)
}

// applySaved adopts the stored record as the source of truth.
func (s *Session) applySaved(job *saveJob, result annotator.UpsertResult) {
	st := &s.state
	rec := result.Record.Clone()
	if rec.RowID == "" {
		rec.RowID = job.rowID
	}
	st.records[job.rowID] = rec
	if st.current(job.rowID) {
		switch {
		case job.activation == st.activation && job.revision == st.revision:
			st.values = s.opts.Schema.Decode(rec.Values)
			st.dirty = false
		case !st.dirty:
			st.values = s.opts.Schema.Decode(rec.Values)
		}
	}
	if conflict := result.Conflict(); conflict != nil {
		s.logger.Warn("ownership transferred",
			zap.String("row_id", job.rowID),
			zap.String("previous", conflict.Previous),
			zap.String("current", conflict.Current),
		)
		s.notify(Notice{Level: LevelWarn, RowID: job.rowID, Message: conflict.Error(), Err: conflict})
	}
	s.listener.OnUpdate(Update{Kind: UpdateSaved, Snapshot: st.snapshot(), Saved: &result})
}

func (s *Session) onIdentity(e identityEvent) {
	st := &s.state
	st.reviewer = e.reviewer
	if s.opts.Identities != nil && e.reviewer != "" {
		if err := s.opts.Identities.Save(e.reviewer); err != nil {
			s.logger.Warn("persist reviewer identity", zap.Error(err))
			s.notify(Notice{Level: LevelWarn, Message: "Reviewer name could not be remembered.", Err: err})
		}
	}
	if st.dirty {
		s.scheduleAutosave()
	}
	s.emit(UpdateState)
}

func reply(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
	}
}

func cloneTyped(src map[string]annotator.Value) map[string]annotator.Value {
	out := make(map[string]annotator.Value, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
