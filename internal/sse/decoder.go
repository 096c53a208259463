// Package sse implements the wire codec for the agent event stream:
// byte chunks in, framed events out, and the reverse direction for the
// relay server. Decoding is chunking-invariant: feeding the same bytes
// split at arbitrary boundaries yields the same frames.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/kaptinlin/jsonrepair"

	"jura/internal/streamerr"
)

var errInvalidJSON = errors.New("payload is not valid JSON")

// DefaultEvent is the event name assumed when a frame carries no
// `event:` field, per SSE convention.
const DefaultEvent = "message"

const maxErrorExcerpt = 256

// Frame is one complete decoded SSE event: name plus JSON payload.
type Frame struct {
	Event string
	Data  []byte
}

// Decoder re-assembles SSE frames from byte chunks of arbitrary size.
// A partial line at the end of a chunk is retained for the next call,
// never dropped. The zero value is not usable; call NewDecoder.
type Decoder struct {
	buf   bytes.Buffer
	event string
	data  [][]byte
	open  bool // a frame has collected at least one field
}

// NewDecoder returns a Decoder with an empty line buffer.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the internal buffer and returns every frame the
// buffer now completes, in wire order. Malformed frames are reported as
// *streamerr.CodecError without interrupting decoding: the stream
// continues with the next frame.
func (d *Decoder) Feed(chunk []byte) ([]Frame, []error) {
	d.buf.Write(chunk)

	var frames []Frame
	var errs []error

	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		d.buf.Next(idx + 1)
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if frame, ok, err := d.consumeLine(line); ok {
			if err != nil {
				errs = append(errs, err)
			} else {
				frames = append(frames, frame)
			}
		}
	}

	return frames, errs
}

// consumeLine processes one complete line. ok reports whether a frame
// boundary was reached; only then are the frame and error meaningful.
func (d *Decoder) consumeLine(line []byte) (frame Frame, ok bool, err error) {
	if len(line) == 0 {
		if !d.open {
			return Frame{}, false, nil
		}
		frame, err = d.finishFrame()
		return frame, true, err
	}

	if line[0] == ':' {
		// Comment line, e.g. heartbeats. Ignored per SSE convention.
		return Frame{}, false, nil
	}

	field, value := splitField(line)
	switch field {
	case "event":
		d.event = string(value)
		d.open = true
	case "data":
		d.data = append(d.data, append([]byte(nil), value...))
		d.open = true
	default:
		// id:, retry: and unknown fields carry nothing the relay needs.
	}
	return Frame{}, false, nil
}

func (d *Decoder) finishFrame() (Frame, error) {
	event := d.event
	if event == "" {
		event = DefaultEvent
	}
	payload := bytes.Join(d.data, []byte{'\n'})

	d.event = ""
	d.data = nil
	d.open = false

	if len(payload) == 0 {
		// Frames without a data field decode to an empty JSON object so
		// downstream consumers see a uniform payload shape.
		return Frame{Event: event, Data: []byte("{}")}, nil
	}

	if !json.Valid(payload) {
		// Agents occasionally emit almost-JSON (truncated braces, single
		// quotes). Payloads that at least start like a JSON document get a
		// repair attempt before the frame is declared lost.
		repaired := ""
		if payload[0] == '{' || payload[0] == '[' {
			if fixed, err := jsonrepair.JSONRepair(string(payload)); err == nil && json.Valid([]byte(fixed)) {
				repaired = fixed
			}
		}
		if repaired == "" {
			return Frame{}, &streamerr.CodecError{
				Event: event,
				Raw:   excerpt(payload),
				Err:   errInvalidJSON,
			}
		}
		payload = []byte(repaired)
	}

	return Frame{Event: event, Data: payload}, nil
}

// splitField separates an SSE field line into name and value, stripping
// the optional single space after the colon.
func splitField(line []byte) (string, []byte) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return string(line), nil
	}
	value := line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:idx]), value
}

func excerpt(payload []byte) string {
	if len(payload) > maxErrorExcerpt {
		payload = payload[:maxErrorExcerpt]
	}
	return string(payload)
}
