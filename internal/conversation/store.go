package conversation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"jura/internal/async"
	"jura/internal/logging"
	"jura/internal/streamerr"
)

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
)

const (
	// DefaultTTL is how long an untouched thread stays cached.
	DefaultTTL = 5 * time.Minute
	// DefaultCapacity bounds the number of cached threads; zero or
	// negative disables the bound.
	DefaultCapacity = 256
)

// StoreConfig tunes cache retention.
type StoreConfig struct {
	TTL      time.Duration
	Capacity int
}

// DefaultStoreConfig returns the retention defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{TTL: DefaultTTL, Capacity: DefaultCapacity}
}

// bucket holds one thread's transcript. All access to its fields goes
// through its own mutex so unrelated threads never contend.
type bucket struct {
	mu         sync.Mutex
	messages   []*Message
	lastAccess time.Time
	pins       int
}

// Store is the in-memory conversation cache. Operations on different
// threads proceed concurrently; operations on the same thread are
// serialized by the bucket lock.
type Store struct {
	cfg    StoreConfig
	logger logging.Logger

	mu      sync.RWMutex // guards the bucket map, never message content
	buckets map[string]*bucket

	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewStore builds a store and starts its eviction janitor.
func NewStore(cfg StoreConfig, logger logging.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	s := &Store{
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	async.Go(s.logger, "conversation-janitor", s.janitor)
	return s
}

// Close stops the eviction janitor.
func (s *Store) Close() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Store) janitor() {
	defer s.wg.Done()

	interval := s.cfg.TTL / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// sweep evicts buckets idle past the TTL and, when over capacity, the
// least recently used unpinned buckets. Pinned buckets (active streams)
// are never touched.
func (s *Store) sweep() {
	now := s.now()

	type candidate struct {
		id         string
		lastAccess time.Time
	}

	s.mu.RLock()
	idle := make([]string, 0)
	all := make([]candidate, 0, len(s.buckets))
	for id, b := range s.buckets {
		b.mu.Lock()
		pinned := b.pins > 0
		last := b.lastAccess
		b.mu.Unlock()
		if pinned {
			continue
		}
		if now.Sub(last) > s.cfg.TTL {
			idle = append(idle, id)
		} else {
			all = append(all, candidate{id: id, lastAccess: last})
		}
	}
	total := len(s.buckets)
	s.mu.RUnlock()

	for _, id := range idle {
		if s.Evict(id) {
			s.logger.Debug("evicted idle thread %s", id)
		}
	}

	if s.cfg.Capacity <= 0 {
		return
	}
	over := total - len(idle) - s.cfg.Capacity
	if over <= 0 {
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastAccess.Before(all[j].lastAccess) })
	for i := 0; i < over && i < len(all); i++ {
		if s.Evict(all[i].id) {
			s.logger.Debug("evicted thread %s over capacity", all[i].id)
		}
	}
}

// getOrCreate returns the bucket for id, creating it on first touch.
func (s *Store) getOrCreate(id string) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[id]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[id]; ok {
		return b
	}
	b = &bucket{lastAccess: s.now()}
	s.buckets[id] = b
	return b
}

func (s *Store) lookup(id string) (*bucket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[id]
	return b, ok
}

// Append adds a message to the end of the thread's transcript, creating
// the thread bucket if this is its first message.
func (s *Store) Append(threadID string, msg Message) {
	b := s.getOrCreate(threadID)
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := cloneMessage(&msg)
	b.messages = append(b.messages, &stored)
	b.lastAccess = s.now()
}

// UpdateContent replaces a message's content. While streaming, content may
// only grow; wholesale replacement is reserved for the finalize path where
// the agent sends a corrected final text.
func (s *Store) UpdateContent(threadID, messageID, newContent string, overwrite bool) error {
	b, ok := s.lookup(threadID)
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	msg, err := findMessage(b, messageID)
	if err != nil {
		return err
	}
	if msg.Status != StatusStreaming {
		return fmt.Errorf("message %s is frozen", messageID)
	}
	if !overwrite && len(newContent) < len(msg.Content) {
		return fmt.Errorf("content for message %s may not shrink while streaming", messageID)
	}
	msg.Content = newContent
	b.lastAccess = s.now()
	return nil
}

// AppendToolCall attaches a tool call to a message, in arrival order.
func (s *Store) AppendToolCall(threadID, messageID string, call ToolCall) error {
	b, ok := s.lookup(threadID)
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	msg, err := findMessage(b, messageID)
	if err != nil {
		return err
	}
	if call.State == "" {
		call.State = ToolPending
	}
	msg.ToolCalls = append(msg.ToolCalls, call)
	b.lastAccess = s.now()
	return nil
}

// UpdateToolCallState advances a tool call along its monotonic lifecycle.
// Any attempt to leave a terminal state or move backwards is a protocol
// inconsistency, never silently accepted.
func (s *Store) UpdateToolCallState(threadID, messageID, callID string, state ToolCallState, result string) error {
	b, ok := s.lookup(threadID)
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	msg, err := findMessage(b, messageID)
	if err != nil {
		return err
	}
	for i := range msg.ToolCalls {
		tc := &msg.ToolCalls[i]
		if tc.ID != callID {
			continue
		}
		cur, next := stateRank(tc.State), stateRank(state)
		if next < 0 {
			return fmt.Errorf("unknown tool call state %q", state)
		}
		if cur >= 2 {
			return &streamerr.InconsistencyError{
				Reason: fmt.Sprintf("tool call %s already %s, refusing transition to %s", callID, tc.State, state),
			}
		}
		if next < cur {
			return &streamerr.InconsistencyError{
				Reason: fmt.Sprintf("tool call %s state %s may not revert to %s", callID, tc.State, state),
			}
		}
		tc.State = state
		if state == ToolCompleted || state == ToolFailed {
			tc.Result = result
		}
		b.lastAccess = s.now()
		return nil
	}
	return fmt.Errorf("tool call %s not found on message %s", callID, messageID)
}

// Freeze closes a message: its content stops growing and its status is
// annotated. finalText, when non-empty, replaces the accumulated content
// wholesale (the agent's corrected final rendering).
func (s *Store) Freeze(threadID, messageID string, status MessageStatus, finalText string) error {
	b, ok := s.lookup(threadID)
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	msg, err := findMessage(b, messageID)
	if err != nil {
		return err
	}
	if msg.Status != StatusStreaming {
		// Freezing is idempotent from the orchestrator's point of view.
		return nil
	}
	if finalText != "" {
		msg.Content = finalText
	}
	msg.Status = status
	b.lastAccess = s.now()
	return nil
}

// Migrate atomically moves every message from one thread bucket to
// another, preserving order, and deletes the source bucket. Pins follow
// the messages so an active stream keeps its eviction protection.
func (s *Store) Migrate(fromID, toID string) error {
	if fromID == toID {
		return nil
	}

	s.mu.Lock()
	src, ok := s.buckets[fromID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("thread %s: %w", fromID, ErrThreadNotFound)
	}
	dst, ok := s.buckets[toID]
	if !ok {
		dst = &bucket{lastAccess: s.now()}
		s.buckets[toID] = dst
	}
	delete(s.buckets, fromID)
	s.mu.Unlock()

	// Lock in a fixed order so a concurrent migrate cannot deadlock.
	first, second := src, dst
	if fromID > toID {
		first, second = dst, src
	}
	first.mu.Lock()
	second.mu.Lock()
	defer first.mu.Unlock()
	defer second.mu.Unlock()

	dst.messages = append(dst.messages, src.messages...)
	dst.pins += src.pins
	dst.lastAccess = s.now()
	src.messages = nil
	src.pins = 0
	return nil
}

// Get returns a deep copy of the thread's ordered transcript and refreshes
// its TTL.
func (s *Store) Get(threadID string) ([]Message, bool) {
	b, ok := s.lookup(threadID)
	if !ok {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, len(b.messages))
	for i, m := range b.messages {
		out[i] = cloneMessage(m)
	}
	b.lastAccess = s.now()
	return out, true
}

// Pin protects a thread from eviction while a stream is active.
func (s *Store) Pin(threadID string) {
	b := s.getOrCreate(threadID)
	b.mu.Lock()
	b.pins++
	b.mu.Unlock()
}

// Unpin releases the eviction protection.
func (s *Store) Unpin(threadID string) {
	b, ok := s.lookup(threadID)
	if !ok {
		return
	}
	b.mu.Lock()
	if b.pins > 0 {
		b.pins--
	}
	b.mu.Unlock()
}

// Evict drops a thread from the cache. Pinned threads are left alone: an
// active stream's bucket is never evicted mid-stream.
func (s *Store) Evict(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[threadID]
	if !ok {
		return false
	}
	b.mu.Lock()
	pinned := b.pins > 0
	b.mu.Unlock()
	if pinned {
		return false
	}
	delete(s.buckets, threadID)
	return true
}

// Len reports the number of cached threads.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

func findMessage(b *bucket, messageID string) (*Message, error) {
	for _, m := range b.messages {
		if m.ID == messageID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", messageID, ErrMessageNotFound)
}
