package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jura/internal/logging"
	"jura/internal/streamerr"
)

func collect(t *testing.T, s *Stream) ([]byte, error) {
	t.Helper()
	var out []byte
	for {
		chunk, err := s.Next()
		if err != nil {
			return out, err
		}
		out = append(out, chunk...)
	}
}

func TestOpenStreamsBodyUntilCleanEnd(t *testing.T) {
	payload := "event: token\ndata: {\"token\":\"hi\"}\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, logging.Nop())
	stream, err := client.Open(context.Background(), Request{Agent: "qwen", Message: "Was ist §433?"})
	require.NoError(t, err)

	got, err := collect(t, stream)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, payload, string(got))

	// Terminal result is sticky.
	_, err = stream.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestOpenNon2xxSurfacesStatusAndBodyPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, logging.Nop())
	_, err := client.Open(context.Background(), Request{Agent: "qwen", Message: "hallo"})

	var te *streamerr.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, http.StatusBadGateway, te.StatusCode)
	require.Contains(t, te.BodyPrefix, "agent unavailable")
}

func TestOpenConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nobody listening anymore

	client := NewClient(Config{BaseURL: srv.URL}, logging.Nop())
	_, err := client.Open(context.Background(), Request{Agent: "qwen", Message: "hallo"})

	var te *streamerr.TransportError
	require.ErrorAs(t, err, &te)
	require.Zero(t, te.StatusCode)
}

// scriptedBody replays reads from a script of chunks/errors and lets tests
// model blocked or dropped connections.
type scriptedBody struct {
	chunks [][]byte
	err    error // returned after chunks are exhausted; nil means block
	closed chan struct{}
}

func newScriptedBody(err error, chunks ...[]byte) *scriptedBody {
	return &scriptedBody{chunks: chunks, err: err, closed: make(chan struct{})}
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	if len(b.chunks) > 0 {
		chunk := b.chunks[0]
		b.chunks = b.chunks[1:]
		return copy(p, chunk), nil
	}
	if b.err != nil {
		return 0, b.err
	}
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b *scriptedBody) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func TestMidStreamDropIsDistinguishedFromCleanEnd(t *testing.T) {
	body := newScriptedBody(errors.New("connection reset"), []byte("partial"))
	stream := newStream(body, time.Second, logging.Nop())

	got, err := collect(t, stream)
	require.Equal(t, "partial", string(got))

	var te *streamerr.TransportError
	require.ErrorAs(t, err, &te)
	require.True(t, te.Drop)
	require.False(t, te.Timeout)
}

func TestInactivityTimeoutFiresDropPath(t *testing.T) {
	body := newScriptedBody(nil, []byte("first"))
	stream := newStream(body, 20*time.Millisecond, logging.Nop())

	chunk, err := stream.Next()
	require.NoError(t, err)
	require.Equal(t, "first", string(chunk))

	_, err = stream.Next()
	var te *streamerr.TransportError
	require.ErrorAs(t, err, &te)
	require.True(t, te.Timeout)
	require.True(t, te.Drop)
}

func TestCancelIsIdempotentAndSuppressesBufferedChunks(t *testing.T) {
	body := newScriptedBody(nil, []byte("a"), []byte("b"))
	stream := newStream(body, time.Second, logging.Nop())

	chunk, err := stream.Next()
	require.NoError(t, err)
	require.Equal(t, "a", string(chunk))

	stream.Cancel()
	stream.Cancel()

	// "b" may already sit in the reader; it must not be yielded.
	_, err = stream.Next()
	require.ErrorIs(t, err, streamerr.ErrCanceled)
	_, err = stream.Next()
	require.ErrorIs(t, err, streamerr.ErrCanceled)
}
