// Package transport opens the HTTP stream to the agent service and exposes
// the response body as a cancelable sequence of raw byte chunks. It knows
// nothing about SSE framing; that is the codec's job.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"jura/internal/logging"
	"jura/internal/streamerr"
)

const (
	// DefaultInactivityTimeout bounds how long a stream may go without
	// delivering a single byte before it is treated as dropped.
	DefaultInactivityTimeout = 60 * time.Second

	readChunkSize    = 4 * 1024
	errorBodyExcerpt = 512
)

// Config carries the upstream agent endpoint settings.
type Config struct {
	BaseURL           string
	StreamPath        string
	Headers           map[string]string
	InactivityTimeout time.Duration
}

// Request is the body sent to open a stream, per the agent wire contract.
// An absent ThreadID asks the server to mint a new thread and announce it
// via the metadata event.
type Request struct {
	ThreadID string         `json:"thread_id,omitempty"`
	Agent    string         `json:"agent"`
	Message  string         `json:"message"`
	Params   map[string]any `json:"params,omitempty"`
}

// Client opens agent streams over HTTP POST.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     logging.Logger
}

// NewClient builds a stream client for the configured agent endpoint.
// The underlying http.Client carries no overall timeout: stream lifetime
// is bounded by cancellation and the inactivity watchdog instead.
func NewClient(cfg Config, logger logging.Logger) *Client {
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/stream/chat"
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	return &Client{
		httpClient: &http.Client{},
		cfg:        cfg,
		logger:     logging.OrNop(logger),
	}
}

// Open posts the request and hands back the response body as a Stream.
// A refused connection or a non-2xx status surfaces immediately as a
// *streamerr.TransportError; the caller never sees a half-open stream.
func (c *Client) Open(ctx context.Context, req Request) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	url := c.cfg.BaseURL + c.cfg.StreamPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	c.logger.Debug("opening stream agent=%s thread=%q url=%s", req.Agent, req.ThreadID, url)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &streamerr.TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		prefix := readBodyPrefix(resp.Body)
		_ = resp.Body.Close()
		c.logger.Warn("stream rejected: status=%d body=%q", resp.StatusCode, prefix)
		return nil, &streamerr.TransportError{
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
			StatusCode: resp.StatusCode,
			BodyPrefix: prefix,
		}
	}

	return newStream(resp.Body, c.cfg.InactivityTimeout, c.logger), nil
}

func readBodyPrefix(r io.Reader) string {
	buf := make([]byte, errorBodyExcerpt)
	n, _ := io.ReadFull(r, buf)
	return string(buf[:n])
}
