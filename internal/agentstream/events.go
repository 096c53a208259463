// Package agentstream normalizes decoded wire frames into the backend
// agnostic event set the rest of the relay consumes. The variant set is
// closed: wire event names that do not map onto it fail into Unknown
// instead of silently matching the wrong case.
package agentstream

import "encoding/json"

// Kind discriminates the normalized event variants.
type Kind string

const (
	KindStart          Kind = "start"
	KindThreadAssigned Kind = "thread_assigned"
	KindThinking       Kind = "thinking"
	KindToken          Kind = "token"
	KindToolInvoked    Kind = "tool_invoked"
	KindToolCompleted  Kind = "tool_completed"
	KindDone           Kind = "done"
	KindFailed         Kind = "failed"
	KindUnknown        Kind = "unknown"
)

// Event is the normalized representation of one wire frame.
type Event interface {
	Kind() Kind
}

// Start marks the beginning of an assistant turn.
type Start struct {
	Role  string
	Agent string
}

// ThreadAssigned carries the server-confirmed thread identity and triggers
// reconciliation of the provisional id.
type ThreadAssigned struct {
	ThreadID string
}

// Thinking is a reasoning-phase hint for the caller's UI. It never mutates
// conversation state.
type Thinking struct {
	Done bool
}

// Token is one increment of assistant text.
type Token struct {
	Text string
}

// ToolInvoked reports a tool call entering execution.
type ToolInvoked struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// ToolCompleted reports a tool call finishing. Failed carries the agent's
// own verdict on the call, not a stream failure.
type ToolCompleted struct {
	CallID string
	Name   string
	Result string
	Failed bool
}

// Done terminates the stream successfully. FinalText is the agent's
// authoritative rendering of the full assistant message; it replaces the
// accumulated tokens wholesale at finalize.
type Done struct {
	ThreadID  string
	MessageID string
	FinalText string
}

// Failed terminates the stream with the agent's error message, surfaced
// verbatim to the caller.
type Failed struct {
	Reason string
}

// Unknown passes through wire events the relay does not recognize, for
// forward compatibility with new agent backends.
type Unknown struct {
	Event string
	Raw   json.RawMessage
}

func (Start) Kind() Kind          { return KindStart }
func (ThreadAssigned) Kind() Kind { return KindThreadAssigned }
func (Thinking) Kind() Kind       { return KindThinking }
func (Token) Kind() Kind          { return KindToken }
func (ToolInvoked) Kind() Kind    { return KindToolInvoked }
func (ToolCompleted) Kind() Kind  { return KindToolCompleted }
func (Done) Kind() Kind           { return KindDone }
func (Failed) Kind() Kind         { return KindFailed }
func (Unknown) Kind() Kind        { return KindUnknown }

// Terminal reports whether ev closes the stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Done, Failed:
		return true
	default:
		return false
	}
}
