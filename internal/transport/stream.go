package transport

import (
	"errors"
	"io"
	"sync"
	"time"

	"jura/internal/async"
	"jura/internal/logging"
	"jura/internal/streamerr"
)

var errInactivity = errors.New("no bytes received within the inactivity window")

// Stream yields the raw byte chunks of one open agent response body.
//
// Terminal contract: Next returns chunks until exactly one terminal
// condition is reached — io.EOF for a clean end, *streamerr.TransportError
// for a drop or inactivity timeout, streamerr.ErrCanceled after Cancel.
// The terminal result is sticky: every later call repeats it.
type Stream struct {
	body    io.ReadCloser
	chunks  chan []byte
	readErr error // set by the reader before closing chunks
	quit    chan struct{}
	timeout time.Duration
	logger  logging.Logger

	cancelOnce sync.Once

	mu       sync.Mutex
	canceled bool
	terminal error // sticky terminal result; io.EOF for clean end
}

func newStream(body io.ReadCloser, timeout time.Duration, logger logging.Logger) *Stream {
	s := &Stream{
		body:    body,
		chunks:  make(chan []byte),
		quit:    make(chan struct{}),
		timeout: timeout,
		logger:  logger,
	}
	async.Go(logger, "transport-reader", s.readLoop)
	return s
}

// readLoop pumps the body into the chunk channel until EOF, error, or
// cancellation. It owns s.readErr and the closing of s.chunks.
func (s *Stream) readLoop() {
	defer close(s.chunks)

	buf := make([]byte, readChunkSize)
	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.quit:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				s.readErr = err
			}
			return
		}
	}
}

// Next blocks for the next chunk. See the Stream contract for the
// terminal semantics. The inactivity timeout applies to each wait: a
// stream that stays silent longer than the configured bound is treated
// the same as a mid-stream connection drop.
func (s *Stream) Next() ([]byte, error) {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return nil, streamerr.ErrCanceled
	}
	if s.terminal != nil {
		term := s.terminal
		s.mu.Unlock()
		return nil, term
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if s.readErr != nil {
			return nil, s.finish(&streamerr.TransportError{Err: s.readErr, Drop: true})
		}
		return nil, s.finish(io.EOF)

	case <-timer.C:
		s.logger.Warn("stream inactive for %s, dropping", s.timeout)
		_ = s.body.Close()
		return nil, s.finish(&streamerr.TransportError{
			Err:     errInactivity,
			Drop:    true,
			Timeout: true,
		})

	case <-s.quit:
		return nil, streamerr.ErrCanceled
	}
}

// finish records the sticky terminal result unless cancellation won the
// race, in which case ErrCanceled stays authoritative.
func (s *Stream) finish(term error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return streamerr.ErrCanceled
	}
	if s.terminal == nil {
		s.terminal = term
	}
	return s.terminal
}

// Cancel stops the stream. Idempotent. Chunks already buffered by the
// reader are suppressed: the next call to Next returns ErrCanceled. The
// remote peer observes the close on its own schedule.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.canceled = true
		s.mu.Unlock()
		close(s.quit)
		_ = s.body.Close()
	})
}
