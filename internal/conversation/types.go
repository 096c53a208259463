// Package conversation owns the in-memory thread state: ordered message
// lists per thread, optimistic appends during streaming, and TTL/LRU
// bounded retention. It is the single writer surface for message content;
// identity mapping lives in the reconcile package.
package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus tracks the streaming lifecycle of a message. Content only
// grows while streaming; every other status is frozen.
type MessageStatus string

const (
	StatusStreaming  MessageStatus = "streaming"
	StatusFinal      MessageStatus = "final"
	StatusIncomplete MessageStatus = "incomplete" // stream failed, partial text kept
	StatusCanceled   MessageStatus = "canceled"
)

// ToolCallState is the lifecycle of one tool invocation. Transitions are
// monotonic: pending → running → {completed, failed}, never backwards.
type ToolCallState string

const (
	ToolPending   ToolCallState = "pending"
	ToolRunning   ToolCallState = "running"
	ToolCompleted ToolCallState = "completed"
	ToolFailed    ToolCallState = "failed"
)

func stateRank(s ToolCallState) int {
	switch s {
	case ToolPending:
		return 0
	case ToolRunning:
		return 1
	case ToolCompleted, ToolFailed:
		return 2
	default:
		return -1
	}
}

// ToolCall belongs to exactly one message. Result is set only in the
// completed and failed states.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	State     ToolCallState
	Result    string
}

// Message is one entry in a thread's ordered transcript.
type Message struct {
	ID        string
	Role      Role
	Content   string
	ToolCalls []ToolCall
	Status    MessageStatus
	CreatedAt time.Time
}

func cloneMessage(m *Message) Message {
	clone := *m
	if m.ToolCalls != nil {
		clone.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			clone.ToolCalls[i] = tc
			if tc.Arguments != nil {
				clone.ToolCalls[i].Arguments = append(json.RawMessage(nil), tc.Arguments...)
			}
		}
	}
	return clone
}

// ThreadRef is a sum-typed thread identity: either provisional (locally
// minted, awaiting server confirmation) or confirmed. The distinction is
// carried in the type, never in naming conventions on the id string.
type ThreadRef struct {
	id        string
	confirmed bool
}

// NewProvisionalRef mints a fresh local thread identity for an optimistic
// first submission.
func NewProvisionalRef() ThreadRef {
	return ThreadRef{id: uuid.NewString()}
}

// ProvisionalRef wraps an existing locally generated id.
func ProvisionalRef(id string) ThreadRef {
	return ThreadRef{id: id}
}

// ConfirmedRef wraps a server-assigned thread id.
func ConfirmedRef(id string) ThreadRef {
	return ThreadRef{id: id, confirmed: true}
}

// ID returns the opaque id string.
func (r ThreadRef) ID() string { return r.id }

// Confirmed reports whether the server has acknowledged this identity.
func (r ThreadRef) Confirmed() bool { return r.confirmed }

// IsZero reports whether the ref carries no identity.
func (r ThreadRef) IsZero() bool { return r.id == "" }

func (r ThreadRef) String() string {
	if r.IsZero() {
		return "<none>"
	}
	if r.confirmed {
		return r.id
	}
	return r.id + " (provisional)"
}
