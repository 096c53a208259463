package sse

import (
	"encoding/json"
	"fmt"
	"io"
)

// WriteFrame renders one SSE frame in the wire format consumed by the
// decoder: `event: <name>\ndata: <json>\n\n`. payload is marshaled to
// JSON; pass json.RawMessage to forward bytes untouched.
func WriteFrame(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s frame: %w", event, err)
	}
	return nil
}

// WriteComment emits an SSE comment line. Clients ignore it; load
// balancers see traffic and keep the connection open.
func WriteComment(w io.Writer, text string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("write comment: %w", err)
	}
	return nil
}
