package streamerr

import (
	"errors"
	"fmt"
)

// CodecError reports a single malformed SSE frame. It is non-fatal: the
// decoder keeps consuming the stream and the adapter never surfaces it past
// its own logging.
type CodecError struct {
	Event string // wire event name, if one was parsed
	Raw   string // offending payload excerpt
	Err   error
}

func (e *CodecError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("codec: malformed %q frame: %v", e.Event, e.Err)
	}
	return fmt.Sprintf("codec: malformed frame: %v", e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// TransportError is fatal to the turn: connection refused, non-2xx response,
// mid-stream drop or inactivity timeout.
type TransportError struct {
	Err        error
	StatusCode int    // non-zero when the upstream answered with a non-2xx status
	BodyPrefix string // excerpt of the error response body, for diagnostics
	Drop       bool   // connection dropped mid-stream (vs. clean end)
	Timeout    bool   // inactivity timeout fired; implies Drop semantics
}

func (e *TransportError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("transport: stream inactivity timeout: %v", e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("transport: upstream status %d: %s", e.StatusCode, e.BodyPrefix)
	case e.Drop:
		return fmt.Sprintf("transport: connection dropped mid-stream: %v", e.Err)
	default:
		return fmt.Sprintf("transport: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// InconsistencyError marks a protocol violation the relay refuses to guess
// around, such as two conflicting thread-id assignments in one stream or a
// tool-call state moving backwards.
type InconsistencyError struct {
	Reason string
}

func (e *InconsistencyError) Error() string {
	return "protocol inconsistency: " + e.Reason
}

// AgentFailure carries the upstream agent's own `error` event. The message is
// surfaced verbatim to the caller.
type AgentFailure struct {
	Message string
}

func (e *AgentFailure) Error() string {
	return "agent failure: " + e.Message
}

// BusyError rejects a submission while another stream is active on the same
// thread. Caller-recoverable: retry after the active turn closes.
type BusyError struct {
	ThreadID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("thread %s already has an active stream", e.ThreadID)
}

// ErrCanceled is returned by transport reads after Cancel and marks a turn
// that was closed on explicit user request.
var ErrCanceled = errors.New("stream canceled")

// IsBusy reports whether err rejects an overlapping submission.
func IsBusy(err error) bool {
	var busy *BusyError
	return errors.As(err, &busy)
}

// IsInconsistency reports whether err is a fatal protocol violation.
func IsInconsistency(err error) bool {
	var inc *InconsistencyError
	return errors.As(err, &inc)
}

// IsAgentFailure reports whether the upstream agent reported the failure
// itself.
func IsAgentFailure(err error) bool {
	var af *AgentFailure
	return errors.As(err, &af)
}

// IsTimeout reports whether err was caused by the transport inactivity
// timeout.
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Timeout
}

// IsCanceled reports whether err stems from an explicit cancel.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
