// Package orchestrator drives one user turn end to end: open the agent
// stream, decode and normalize its events, apply them to the conversation
// store, reconcile thread identity, and hand the finished turn to the
// persistence saver exactly once. It is the only component that holds all
// the collaborators together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"jura/internal/agentstream"
	"jura/internal/async"
	"jura/internal/conversation"
	"jura/internal/logging"
	"jura/internal/metrics"
	"jura/internal/persistence"
	"jura/internal/reconcile"
	"jura/internal/sse"
	"jura/internal/streamerr"
	"jura/internal/transport"
)

// ByteStream is the slice of the transport contract the orchestrator
// consumes. *transport.Stream satisfies it.
type ByteStream interface {
	Next() ([]byte, error)
	Cancel()
}

// Opener opens the upstream agent stream for one request.
type Opener interface {
	Open(ctx context.Context, req transport.Request) (ByteStream, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, req transport.Request) (ByteStream, error)

func (f OpenerFunc) Open(ctx context.Context, req transport.Request) (ByteStream, error) {
	return f(ctx, req)
}

// NewTransportOpener wraps a transport client as an Opener.
func NewTransportOpener(c *transport.Client) Opener {
	return OpenerFunc(func(ctx context.Context, req transport.Request) (ByteStream, error) {
		return c.Open(ctx, req)
	})
}

// SubmitRequest describes one user turn.
type SubmitRequest struct {
	// Thread is the identity to continue; the zero ref mints a fresh
	// provisional thread and asks the server to confirm it mid-stream.
	Thread  conversation.ThreadRef
	Agent   string
	Message string
	Params  map[string]any

	// SaveOnCancel persists the partial turn when the user cancels.
	// By default canceled turns are kept in memory only.
	SaveOnCancel bool
}

// Orchestrator coordinates turns across all threads. At most one turn is
// in flight per thread id at any time.
type Orchestrator struct {
	opener  Opener
	store   *conversation.Store
	rec     *reconcile.Reconciler
	saver   persistence.TurnSaver
	logger  logging.Logger
	metrics *metrics.StreamMetrics

	mu     sync.Mutex
	active map[string]*session
}

// New wires the orchestrator. A nil saver disables persistence, a nil
// metrics falls back to an unscraped registry.
func New(opener Opener, store *conversation.Store, rec *reconcile.Reconciler, saver persistence.TurnSaver, logger logging.Logger, m *metrics.StreamMetrics) *Orchestrator {
	if saver == nil {
		saver = persistence.NopSaver{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Orchestrator{
		opener:  opener,
		store:   store,
		rec:     rec,
		saver:   saver,
		logger:  logging.OrNop(logger),
		metrics: m,
	}
}

// Submit starts one turn. It appends the user message optimistically,
// registers the busy guard, and returns immediately; the stream runs on
// its own goroutine and reports through the returned Turn.
//
// A second Submit for a thread with an active turn fails fast with
// *streamerr.BusyError and mutates nothing.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Turn, error) {
	if req.Message == "" {
		return nil, errors.New("empty message")
	}
	if req.Agent == "" {
		return nil, errors.New("agent is required")
	}

	ref := req.Thread
	if ref.IsZero() {
		ref = conversation.NewProvisionalRef()
	}

	sess := &session{thread: ref, startedAt: time.Now()}
	if !o.register(ref.ID(), sess) {
		o.metrics.BusyRejections.Inc()
		return nil, &streamerr.BusyError{ThreadID: ref.ID()}
	}

	o.store.Pin(ref.ID())
	o.store.Append(ref.ID(), conversation.Message{
		ID:        uuid.NewString(),
		Role:      conversation.RoleUser,
		Content:   req.Message,
		Status:    conversation.StatusFinal,
		CreatedAt: time.Now(),
	})

	o.metrics.StreamsStarted.Inc()
	o.metrics.ActiveSessions.Inc()

	turn := newTurn(ref)
	async.Go(o.logger, "orchestrator-turn", func() {
		o.run(ctx, turn, sess, req)
	})
	return turn, nil
}

// Transcript returns the thread's messages, resolving a provisional ref
// through the identity table when the confirmed bucket already exists.
func (o *Orchestrator) Transcript(ref conversation.ThreadRef) ([]conversation.Message, bool) {
	if msgs, ok := o.store.Get(ref.ID()); ok {
		return msgs, true
	}
	if confirmed, ok := o.rec.Resolve(ref); ok {
		return o.store.Get(confirmed)
	}
	return nil, false
}

func (o *Orchestrator) register(id string, sess *session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[id]; busy {
		return false
	}
	if o.active == nil {
		o.active = make(map[string]*session)
	}
	o.active[id] = sess
	return true
}

func (o *Orchestrator) release(ids ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		delete(o.active, id)
	}
}

// run executes the turn state machine on its own goroutine. All store and
// saver effects for one thread happen here, strictly in wire order.
func (o *Orchestrator) run(ctx context.Context, turn *Turn, sess *session, req SubmitRequest) {
	tx := &turnExec{
		o:       o,
		turn:    turn,
		sess:    sess,
		req:     req,
		decoder: sse.NewDecoder(),
		adapter: agentstream.NewAdapter(o.logger),
	}
	defer tx.close()

	tx.emit(StateSubmitting, nil)

	wireReq := transport.Request{Agent: req.Agent, Message: req.Message, Params: req.Params}
	if sess.thread.Confirmed() {
		wireReq.ThreadID = sess.thread.ID()
	}

	stream, err := o.opener.Open(ctx, wireReq)
	if err != nil {
		tx.fail(err)
		return
	}
	tx.stream = stream
	turn.setStream(stream)

	if turn.isCanceled() {
		tx.cancelTurn()
		return
	}

	sess.assistantMessageID = uuid.NewString()
	turn.setMessageID(sess.assistantMessageID)
	o.store.Append(sess.thread.ID(), conversation.Message{
		ID:        sess.assistantMessageID,
		Role:      conversation.RoleAssistant,
		Status:    conversation.StatusStreaming,
		CreatedAt: time.Now(),
	})
	tx.emit(StateStreaming, nil)

	tx.loop()
}

// turnExec carries the mutable per-turn machinery through the event loop.
type turnExec struct {
	o       *Orchestrator
	turn    *Turn
	sess    *session
	req     SubmitRequest
	decoder *sse.Decoder
	adapter *agentstream.Adapter
	stream  ByteStream

	content  string
	calls    map[string]bool
	migrated reconcile.Migration
	closed   bool
}

func (tx *turnExec) loop() {
	for {
		chunk, err := tx.stream.Next()
		if err != nil {
			switch {
			case streamerr.IsCanceled(err):
				tx.cancelTurn()
			case errors.Is(err, io.EOF):
				// The adapter never saw a terminal event; a clean close
				// without `done` breaks the protocol contract.
				tx.fail(&streamerr.InconsistencyError{Reason: "stream ended without a terminal event"})
			default:
				tx.fail(err)
			}
			return
		}

		frames, codecErrs := tx.decoder.Feed(chunk)
		for _, cerr := range codecErrs {
			tx.o.metrics.CodecErrors.Inc()
			tx.o.logger.Warn("thread %s: %v", tx.sess.thread.ID(), cerr)
		}

		for _, frame := range frames {
			ev := tx.adapter.Normalize(frame)
			if ev == nil {
				continue
			}
			if done := tx.handle(ev); done {
				return
			}
			if tx.turn.isCanceled() {
				tx.cancelTurn()
				return
			}
		}
	}
}

// handle applies one normalized event. It returns true once the turn has
// reached a terminal state.
func (tx *turnExec) handle(ev agentstream.Event) bool {
	switch e := ev.(type) {
	case agentstream.Start, agentstream.Thinking, agentstream.Unknown:
		tx.emit(StateStreaming, ev)

	case agentstream.ThreadAssigned:
		if err := tx.confirmThread(e.ThreadID); err != nil {
			tx.fail(err)
			return true
		}
		tx.emit(StateStreaming, ev)

	case agentstream.Token:
		tx.content += e.Text
		if err := tx.o.store.UpdateContent(tx.sess.thread.ID(), tx.sess.assistantMessageID, tx.content, false); err != nil {
			tx.o.logger.Error("thread %s: apply token: %v", tx.sess.thread.ID(), err)
		}
		tx.o.metrics.TokensRelayed.Inc()
		tx.emit(StateStreaming, ev)

	case agentstream.ToolInvoked:
		if err := tx.applyToolInvoked(e); err != nil {
			tx.fail(err)
			return true
		}
		tx.emit(StateStreaming, ev)

	case agentstream.ToolCompleted:
		if err := tx.applyToolCompleted(e); err != nil {
			tx.fail(err)
			return true
		}
		tx.emit(StateStreaming, ev)

	case agentstream.Done:
		tx.finalize(e)
		return true

	case agentstream.Failed:
		tx.fail(&streamerr.AgentFailure{Message: e.Reason})
		return true
	}
	return false
}

// confirmThread reconciles a mid-stream thread-id announcement: install
// the write-once mapping, migrate the provisional bucket, and move the
// busy guard and pin to the confirmed id.
func (tx *turnExec) confirmThread(confirmedID string) error {
	mig, err := tx.o.rec.Observe(tx.sess.thread, confirmedID)
	if err != nil {
		return err
	}
	if mig.IsZero() {
		if !tx.sess.thread.Confirmed() {
			// Mapping already installed by a previous identical announcement.
			tx.adopt(confirmedID)
		}
		return nil
	}

	if !tx.o.register(confirmedID, tx.sess) {
		return &streamerr.InconsistencyError{
			Reason: fmt.Sprintf("confirmed thread %s already has an active stream", confirmedID),
		}
	}
	if err := tx.o.store.Migrate(mig.From, mig.To); err != nil {
		tx.o.release(confirmedID)
		return err
	}
	tx.migrated = mig
	tx.adopt(confirmedID)
	return nil
}

func (tx *turnExec) adopt(confirmedID string) {
	tx.sess.thread = conversation.ConfirmedRef(confirmedID)
	tx.turn.setThread(tx.sess.thread)
}

// applyToolInvoked records a fresh call and advances it to running. The
// store sees the full monotonic prefix even when the wire collapses it.
func (tx *turnExec) applyToolInvoked(e agentstream.ToolInvoked) error {
	threadID, msgID := tx.sess.thread.ID(), tx.sess.assistantMessageID
	call := conversation.ToolCall{ID: e.CallID, Name: e.Name, Arguments: e.Arguments, State: conversation.ToolPending}
	if err := tx.o.store.AppendToolCall(threadID, msgID, call); err != nil {
		return err
	}
	tx.noteCall(e.CallID)
	return tx.o.store.UpdateToolCallState(threadID, msgID, e.CallID, conversation.ToolRunning, "")
}

// applyToolCompleted closes a call. A completion for a call never seen
// before (single-frame invocation with inline result) walks the whole
// lifecycle in one step.
func (tx *turnExec) applyToolCompleted(e agentstream.ToolCompleted) error {
	threadID, msgID := tx.sess.thread.ID(), tx.sess.assistantMessageID

	if !tx.calls[e.CallID] {
		call := conversation.ToolCall{ID: e.CallID, Name: e.Name, State: conversation.ToolPending}
		if err := tx.o.store.AppendToolCall(threadID, msgID, call); err != nil {
			return err
		}
		tx.noteCall(e.CallID)
		if err := tx.o.store.UpdateToolCallState(threadID, msgID, e.CallID, conversation.ToolRunning, ""); err != nil {
			return err
		}
	}

	final := conversation.ToolCompleted
	if e.Failed {
		final = conversation.ToolFailed
	}
	return tx.o.store.UpdateToolCallState(threadID, msgID, e.CallID, final, e.Result)
}

func (tx *turnExec) noteCall(callID string) {
	if tx.calls == nil {
		tx.calls = make(map[string]bool)
	}
	tx.calls[callID] = true
}

// finalize handles the `done` event: freeze with the agent's final text,
// reconcile the thread id it carries, persist once, close.
func (tx *turnExec) finalize(e agentstream.Done) {
	tx.emit(StateFinalizing, e)

	if e.ThreadID != "" {
		if err := tx.confirmThread(e.ThreadID); err != nil {
			tx.fail(err)
			return
		}
	}

	threadID := tx.sess.thread.ID()
	if err := tx.o.store.Freeze(threadID, tx.sess.assistantMessageID, conversation.StatusFinal, e.FinalText); err != nil {
		tx.o.logger.Error("thread %s: freeze: %v", threadID, err)
	}
	if e.FinalText != "" {
		tx.content = e.FinalText
	}

	tx.save(threadID)
	tx.finish(nil, metrics.OutcomeFinalized)
}

// fail moves the turn to Failing: freeze the partial text as incomplete,
// roll back a migration caused by a conflicting identity, persist the
// partial turn, close with the error.
func (tx *turnExec) fail(err error) {
	tx.turn.setErr(err)
	tx.emit(StateFailing, nil)

	// A conflicting thread assignment poisons the migrated bucket; move
	// the turn's messages back so the provisional transcript survives for
	// the caller to inspect.
	if streamerr.IsInconsistency(err) && !tx.migrated.IsZero() {
		if rbErr := tx.o.store.Migrate(tx.migrated.To, tx.migrated.From); rbErr != nil {
			tx.o.logger.Error("rollback migration %s -> %s: %v", tx.migrated.To, tx.migrated.From, rbErr)
		} else {
			tx.o.release(tx.migrated.To)
			tx.sess.thread = conversation.ProvisionalRef(tx.migrated.From)
			tx.turn.setThread(tx.sess.thread)
			tx.migrated = reconcile.Migration{}
		}
	}

	threadID := tx.sess.thread.ID()
	if tx.sess.assistantMessageID != "" {
		if fErr := tx.o.store.Freeze(threadID, tx.sess.assistantMessageID, conversation.StatusIncomplete, ""); fErr != nil {
			tx.o.logger.Error("thread %s: freeze incomplete: %v", threadID, fErr)
		}
	}

	tx.save(threadID)
	tx.finish(err, metrics.OutcomeFailed)
}

// cancelTurn freezes the partial text as canceled. Persistence is skipped
// unless the submission opted in.
func (tx *turnExec) cancelTurn() {
	tx.emit(StateCanceling, nil)
	if tx.stream != nil {
		tx.stream.Cancel()
	}

	threadID := tx.sess.thread.ID()
	if tx.sess.assistantMessageID != "" {
		if err := tx.o.store.Freeze(threadID, tx.sess.assistantMessageID, conversation.StatusCanceled, ""); err != nil {
			tx.o.logger.Error("thread %s: freeze canceled: %v", threadID, err)
		}
	}
	if tx.req.SaveOnCancel {
		tx.save(threadID)
	}
	tx.finish(nil, metrics.OutcomeCanceled)
}

// save hands the turn to the saver. Called from exactly one terminal path
// per turn; save failures are logged, never fatal.
func (tx *turnExec) save(threadID string) {
	var toolCalls []conversation.ToolCall
	if msgs, ok := tx.o.store.Get(threadID); ok {
		for i := range msgs {
			if msgs[i].ID == tx.sess.assistantMessageID {
				toolCalls = msgs[i].ToolCalls
			}
		}
	}
	if err := tx.o.saver.SaveTurn(context.Background(), threadID, tx.req.Message, tx.content, toolCalls); err != nil {
		tx.o.logger.Error("thread %s: save turn: %v", threadID, err)
	}
}

func (tx *turnExec) finish(err error, outcome string) {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.turn.setErr(err)

	// Upstreams may keep emitting past the terminal event; close the
	// transport so its reader goroutine and connection are released.
	if tx.stream != nil {
		tx.stream.Cancel()
	}

	ids := []string{tx.sess.thread.ID()}
	if !tx.migrated.IsZero() {
		ids = append(ids, tx.migrated.From)
	}
	tx.o.release(ids...)
	tx.o.store.Unpin(tx.sess.thread.ID())

	tx.o.metrics.ActiveSessions.Dec()
	tx.o.metrics.StreamsClosed.WithLabelValues(outcome).Inc()
	tx.o.metrics.StreamDuration.Observe(time.Since(tx.sess.startedAt).Seconds())
	tx.o.logger.Info("turn closed thread=%s outcome=%s err=%v", tx.sess.thread.ID(), outcome, err)

	tx.emit(StateClosed, nil)
}

// close runs after the goroutine unwinds, whether through a terminal path
// or a panic recovered by the async helper.
func (tx *turnExec) close() {
	if !tx.closed {
		tx.finish(errors.New("turn aborted"), metrics.OutcomeFailed)
	}
	close(tx.turn.transitions)
}

func (tx *turnExec) emit(state State, ev agentstream.Event) {
	tx.turn.emit(Transition{
		State:  state,
		Thread: tx.sess.thread,
		Event:  ev,
		Err:    tx.turn.Err(),
	})
}
