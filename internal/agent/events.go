// Package agent defines the protocol for starting, messaging, and
// observing an external interactive coding agent, plus a CLI-subprocess
// implementation speaking newline-delimited JSON.
package agent

import (
	"context"
	"errors"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/attachment"
)

// ErrNotRunning is returned by Send when the session's process has
// already stopped.
var ErrNotRunning = errors.New("session is not running")

// EventKind tags a streamed agent event.
type EventKind string

const (
	// EventSessionInit announces the agent-side session id.
	EventSessionInit EventKind = "session_init"

	// EventToolUse reports a tool invocation.
	EventToolUse EventKind = "tool_use"

	// EventToolResult reports the output of the most recent tool use.
	EventToolResult EventKind = "tool_result"

	// EventText carries a fragment of free-form assistant text.
	EventText EventKind = "text"

	// EventResult is the terminal event carrying the final text.
	EventResult EventKind = "result"

	// EventStatus carries an informational status message.
	EventStatus EventKind = "status"

	// EventError reports an agent-side error; it does not end the stream.
	EventError EventKind = "error"
)

// Event is one element of a session's event stream. Only the fields
// relevant to the kind are populated.
type Event struct {
	Kind      EventKind
	SessionID string
	Tool      string
	Input     string
	Output    string
	Text      string
}

// StartOptions configures a new interactive session.
type StartOptions struct {
	Prompt      string
	WorkingDir  string
	Attachments []attachment.Block
}

// Session is a running external agent process. The event stream is lazy,
// finite, not restartable, and consumed exactly once: read Events until
// closed, then check Err to distinguish failure from normal completion.
type Session interface {
	// Send forwards a follow-up message with optional attachment blocks.
	Send(ctx context.Context, text string, blocks []attachment.Block) error

	// Stop terminates the agent process. The event stream ends as if the
	// stream had broken; consumers run their failure cleanup path.
	Stop() error

	// Running reports whether the process is still alive.
	Running() bool

	// Events returns the session's event stream.
	Events() <-chan Event

	// Err returns the stream failure, if any, once Events is closed.
	Err() error
}

// Launcher starts interactive sessions.
type Launcher interface {
	Start(ctx context.Context, opts StartOptions) (Session, error)
}
