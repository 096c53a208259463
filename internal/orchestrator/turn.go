package orchestrator

import (
	"sync"
	"time"

	"jura/internal/agentstream"
	"jura/internal/conversation"
)

// State is one position in the per-turn state machine.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateCanceling  State = "canceling"
	StateFailing    State = "failing"
	StateClosed     State = "closed"
)

// Transition is one observable state-machine step. Frontends subscribe to
// the sequence instead of wiring callbacks into the protocol code.
type Transition struct {
	State  State
	Thread conversation.ThreadRef // current identity; updates after reconciliation
	Event  agentstream.Event      // the normalized event that drove the step, if any
	Err    error                  // terminal failure, set on Failing steps
}

// session is the ephemeral per-turn record: at most one exists per thread
// id at any time. The orchestrator owns its whole lifecycle.
type session struct {
	thread             conversation.ThreadRef
	assistantMessageID string
	startedAt          time.Time
}

// Turn is the caller's handle on one submitted user turn: a pull-based
// sequence of transitions plus cooperative cancellation.
type Turn struct {
	transitions chan Transition

	cancelOnce sync.Once
	canceled   chan struct{}

	mu        sync.Mutex
	stream    ByteStream
	finalRef  conversation.ThreadRef
	finalErr  error
	messageID string
}

func newTurn(ref conversation.ThreadRef) *Turn {
	return &Turn{
		transitions: make(chan Transition, 64),
		canceled:    make(chan struct{}),
		finalRef:    ref,
	}
}

// Transitions yields the turn's state-machine steps in order. The channel
// closes when the turn reaches Closed; consumers must drain it.
func (t *Turn) Transitions() <-chan Transition {
	return t.transitions
}

// Cancel requests cooperative cancellation. Idempotent; observed at the
// next transport read or event boundary.
func (t *Turn) Cancel() {
	t.cancelOnce.Do(func() {
		close(t.canceled)
		t.mu.Lock()
		stream := t.stream
		t.mu.Unlock()
		if stream != nil {
			stream.Cancel()
		}
	})
}

// Drain discards remaining transitions and returns the terminal error.
func (t *Turn) Drain() error {
	for range t.transitions {
	}
	return t.Err()
}

// Thread returns the turn's thread identity: confirmed once the stream
// announced one, otherwise the provisional ref.
func (t *Turn) Thread() conversation.ThreadRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalRef
}

// AssistantMessageID names the assistant message this turn streamed into.
func (t *Turn) AssistantMessageID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messageID
}

// Err returns the terminal failure, nil for finalized or canceled turns.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalErr
}

func (t *Turn) isCanceled() bool {
	select {
	case <-t.canceled:
		return true
	default:
		return false
	}
}

func (t *Turn) setStream(s ByteStream) {
	t.mu.Lock()
	t.stream = s
	t.mu.Unlock()
	// Cancel may have raced ahead of the stream being attached.
	if t.isCanceled() {
		s.Cancel()
	}
}

func (t *Turn) setThread(ref conversation.ThreadRef) {
	t.mu.Lock()
	t.finalRef = ref
	t.mu.Unlock()
}

func (t *Turn) setMessageID(id string) {
	t.mu.Lock()
	t.messageID = id
	t.mu.Unlock()
}

func (t *Turn) setErr(err error) {
	t.mu.Lock()
	t.finalErr = err
	t.mu.Unlock()
}

// emit delivers a transition unless the consumer is gone (turn canceled
// and channel full); the state machine never deadlocks on a slow reader.
func (t *Turn) emit(tr Transition) {
	select {
	case t.transitions <- tr:
	case <-t.canceled:
		select {
		case t.transitions <- tr:
		default:
		}
	}
}
