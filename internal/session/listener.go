package session

import "github.com/JakeFAU/page-annotator/internal/annotator"

// UpdateKind classifies an Update.
type UpdateKind string

// Update kinds.
const (
	// UpdateRender asks the host to point the frame at Snapshot.Source and
	// report load signals tagged with Snapshot.Epoch.
	UpdateRender UpdateKind = "render"
	UpdateState  UpdateKind = "state"
	UpdateNotice UpdateKind = "notice"
	UpdateSaved  UpdateKind = "saved"
)

// Level is a notice severity.
type Level string

// Notice levels.
const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is a user-visible, non-fatal message.
type Notice struct {
	Level   Level
	RowID   string
	Message string
	Err     error
}

// Update is delivered to the Listener after the loop changes state.
type Update struct {
	Kind     UpdateKind
	Snapshot Snapshot
	Notice   *Notice
	Saved    *annotator.UpsertResult
}

// Listener receives updates on the loop goroutine. It must not block on
// Session methods that wait for the loop (Save, Snapshot).
type Listener interface {
	OnUpdate(Update)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Update)

// OnUpdate calls f.
func (f ListenerFunc) OnUpdate(u Update) { f(u) }
