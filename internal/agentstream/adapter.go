package agentstream

import (
	"encoding/json"
	"fmt"

	"jura/internal/logging"
	"jura/internal/sse"
)

// Adapter maps decoded frames onto normalized events, one frame to one
// event, preserving wire order. It emits at most one terminal event per
// stream; frames arriving after that are a protocol violation and are
// discarded with a warning rather than aborting anything.
type Adapter struct {
	logger   logging.Logger
	terminal bool
	callSeq  int

	// Synthesized call ids still awaiting completion, keyed by tool name.
	// Lets an id-less completion frame close the invocation it belongs to.
	openSynth map[string]string
}

// NewAdapter returns an adapter for a single stream. Adapters are not
// reused across streams: terminal state and call-id numbering are
// per-stream.
func NewAdapter(logger logging.Logger) *Adapter {
	return &Adapter{logger: logging.OrNop(logger)}
}

// Normalize converts one frame into its normalized event. It returns nil
// for frames discarded after the terminal event.
func (a *Adapter) Normalize(frame sse.Frame) Event {
	if a.terminal {
		a.logger.Warn("frame %q received after terminal event, discarding", frame.Event)
		return nil
	}

	ev := a.mapFrame(frame)
	if Terminal(ev) {
		a.terminal = true
	}
	return ev
}

func (a *Adapter) mapFrame(frame sse.Frame) Event {
	switch frame.Event {
	case "start":
		var body struct {
			Role  string `json:"role"`
			Agent string `json:"agent"`
		}
		if err := json.Unmarshal(frame.Data, &body); err != nil {
			return a.passthrough(frame, err)
		}
		return Start{Role: body.Role, Agent: body.Agent}

	case "metadata":
		var body struct {
			ThreadID string `json:"thread_id"`
		}
		if err := json.Unmarshal(frame.Data, &body); err != nil || body.ThreadID == "" {
			return a.passthrough(frame, fmt.Errorf("metadata without thread_id"))
		}
		return ThreadAssigned{ThreadID: body.ThreadID}

	case "thinking":
		var body struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(frame.Data, &body); err != nil {
			return a.passthrough(frame, err)
		}
		return Thinking{Done: body.Status == "done"}

	case "token":
		var body struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(frame.Data, &body); err != nil {
			return a.passthrough(frame, err)
		}
		return Token{Text: body.Token}

	case "tool_call":
		return a.mapToolCall(frame)

	case "done":
		var body struct {
			MessageID json.Number `json:"message_id"`
			ThreadID  string      `json:"thread_id"`
			Content   string      `json:"content"`
		}
		if err := json.Unmarshal(frame.Data, &body); err != nil {
			return a.passthrough(frame, err)
		}
		return Done{ThreadID: body.ThreadID, MessageID: body.MessageID.String(), FinalText: body.Content}

	case "error":
		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(frame.Data, &body); err != nil {
			return a.passthrough(frame, err)
		}
		return Failed{Reason: body.Message}

	default:
		// Includes `usage` (accounting passthrough per the wire contract)
		// and any event kinds a newer agent backend may add.
		return Unknown{Event: frame.Event, Raw: append(json.RawMessage(nil), frame.Data...)}
	}
}

// mapToolCall distinguishes invocation from completion: the agent wire
// format reuses one event name for both and marks completion by the
// presence of a result field.
func (a *Adapter) mapToolCall(frame sse.Frame) Event {
	var body struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
		Result    *string         `json:"result"`
		Error     string          `json:"error"`
	}
	if err := json.Unmarshal(frame.Data, &body); err != nil {
		return a.passthrough(frame, err)
	}

	completion := body.Result != nil || body.Error != ""

	callID := body.ID
	if callID == "" {
		// The FastAPI-style backends emit invocation and completion as two
		// id-less frames for the same tool. Reuse the synthesized id so the
		// pair collapses into one call instead of stranding the first.
		if id, ok := a.openSynth[body.Name]; completion && ok {
			callID = id
			delete(a.openSynth, body.Name)
		} else {
			a.callSeq++
			callID = fmt.Sprintf("call-%d", a.callSeq)
			if !completion {
				if a.openSynth == nil {
					a.openSynth = make(map[string]string)
				}
				a.openSynth[body.Name] = callID
			}
		}
	}

	if !completion {
		return ToolInvoked{CallID: callID, Name: body.Name, Arguments: body.Arguments}
	}

	completed := ToolCompleted{CallID: callID, Name: body.Name}
	if body.Error != "" {
		completed.Result = body.Error
		completed.Failed = true
	} else {
		completed.Result = *body.Result
	}
	return completed
}

// passthrough downgrades a recognized event whose payload does not match
// the contract. The stream keeps going; the caller sees the raw frame.
func (a *Adapter) passthrough(frame sse.Frame, err error) Event {
	a.logger.Warn("frame %q payload does not match contract (%v), passing through", frame.Event, err)
	return Unknown{Event: frame.Event, Raw: append(json.RawMessage(nil), frame.Data...)}
}
