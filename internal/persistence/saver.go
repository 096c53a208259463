// Package persistence is the external-store collaborator boundary: the
// orchestrator hands each finalized or failed turn to a TurnSaver exactly
// once. The reference implementation is a per-thread JSONL append log;
// anything that can append a record keyed by thread id can stand in.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"jura/internal/conversation"
)

// TurnSaver receives one record per finished turn. Implementations are
// never called concurrently for the same thread; the orchestrator's
// per-thread busy guard sees to that.
type TurnSaver interface {
	SaveTurn(ctx context.Context, threadID, userText, assistantText string, toolCalls []conversation.ToolCall) error
}

// ToolCallRecord is the persisted shape of one tool invocation.
type ToolCallRecord struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	State     string          `json:"state"`
	Result    string          `json:"result,omitempty"`
}

// TurnRecord is one line of the append log.
type TurnRecord struct {
	ThreadID      string           `json:"thread_id"`
	UserText      string           `json:"user_text"`
	AssistantText string           `json:"assistant_text"`
	ToolCalls     []ToolCallRecord `json:"tool_calls,omitempty"`
	SavedAt       time.Time        `json:"saved_at"`
}

func toRecords(calls []conversation.ToolCall) []ToolCallRecord {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCallRecord, len(calls))
	for i, tc := range calls {
		out[i] = ToolCallRecord{
			Name:      tc.Name,
			Arguments: tc.Arguments,
			State:     string(tc.State),
			Result:    tc.Result,
		}
	}
	return out
}

// NopSaver discards turns. Useful for callers that only want the live
// stream.
type NopSaver struct{}

func (NopSaver) SaveTurn(context.Context, string, string, string, []conversation.ToolCall) error {
	return nil
}
