package orchestrator

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jura/internal/agentstream"
	"jura/internal/conversation"
	"jura/internal/metrics"
	"jura/internal/reconcile"
	"jura/internal/streamerr"
	"jura/internal/transport"
)

// scriptedStream yields pre-baked byte chunks, then its final error. A nil
// final error makes the stream hang until canceled, like a quiet server.
type scriptedStream struct {
	mu       sync.Mutex
	chunks   [][]byte
	final    error
	canceled chan struct{}
	once     sync.Once
}

func newScriptedStream(final error, chunks ...string) *scriptedStream {
	s := &scriptedStream{final: final, canceled: make(chan struct{})}
	for _, c := range chunks {
		s.chunks = append(s.chunks, []byte(c))
	}
	return s
}

func (s *scriptedStream) Next() ([]byte, error) {
	s.mu.Lock()
	select {
	case <-s.canceled:
		s.mu.Unlock()
		return nil, streamerr.ErrCanceled
	default:
	}
	if len(s.chunks) > 0 {
		chunk := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.mu.Unlock()
		return chunk, nil
	}
	final := s.final
	s.mu.Unlock()

	if final != nil {
		return nil, final
	}
	<-s.canceled
	return nil, streamerr.ErrCanceled
}

func (s *scriptedStream) Cancel() {
	s.once.Do(func() { close(s.canceled) })
}

func (s *scriptedStream) wasCanceled() bool {
	select {
	case <-s.canceled:
		return true
	default:
		return false
	}
}

type fixedOpener struct {
	stream  ByteStream
	openErr error
	mu      sync.Mutex
	lastReq transport.Request
}

func (f *fixedOpener) Open(_ context.Context, req transport.Request) (ByteStream, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

type recordingSaver struct {
	mu    sync.Mutex
	turns []savedTurn
}

type savedTurn struct {
	threadID      string
	userText      string
	assistantText string
	toolCalls     []conversation.ToolCall
}

func (r *recordingSaver) SaveTurn(_ context.Context, threadID, userText, assistantText string, toolCalls []conversation.ToolCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, savedTurn{threadID: threadID, userText: userText, assistantText: assistantText, toolCalls: toolCalls})
	return nil
}

func (r *recordingSaver) saved() []savedTurn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]savedTurn, len(r.turns))
	copy(out, r.turns)
	return out
}

func newTestOrchestrator(t *testing.T, opener Opener, saver *recordingSaver) (*Orchestrator, *conversation.Store) {
	t.Helper()
	store := conversation.NewStore(conversation.StoreConfig{TTL: time.Hour}, nil)
	t.Cleanup(store.Close)
	return New(opener, store, reconcile.New(nil), saver, nil, metrics.NewNop()), store
}

func drain(t *testing.T, turn *Turn) []Transition {
	t.Helper()
	var out []Transition
	timeout := time.After(5 * time.Second)
	for {
		select {
		case tr, ok := <-turn.Transitions():
			if !ok {
				return out
			}
			out = append(out, tr)
		case <-timeout:
			t.Fatal("turn did not close in time")
		}
	}
}

func states(trs []Transition) []State {
	out := make([]State, len(trs))
	for i, tr := range trs {
		out[i] = tr.State
	}
	return out
}

func TestTurnHappyPath(t *testing.T) {
	stream := newScriptedStream(nil,
		"event: start\ndata: {\"role\": \"assistant\", \"agent\": \"research\"}\n\n",
		"event: metadata\ndata: {\"thread_id\": \"t-1\"}\n\n",
		"event: thinking\ndata: {\"status\": \"start\"}\n\n",
		"event: token\ndata: {\"token\": \"Guten \"}\n\n",
		"event: token\ndata: {\"token\": \"Tag\"}\n\n",
		"event: tool_call\ndata: {\"id\": \"c1\", \"name\": \"search\", \"arguments\": {\"q\": \"BGB\"}}\n\n",
		"event: tool_call\ndata: {\"id\": \"c1\", \"name\": \"search\", \"result\": \"3 Treffer\"}\n\n",
		"event: usage\ndata: {\"prompt_tokens\": 12}\n\n",
		"event: done\ndata: {\"message_id\": 7, \"thread_id\": \"t-1\", \"content\": \"Guten Tag!\"}\n\n",
	)
	opener := &fixedOpener{stream: stream}
	saver := &recordingSaver{}
	orch, store := newTestOrchestrator(t, opener, saver)

	turn, err := orch.Submit(context.Background(), SubmitRequest{Agent: "research", Message: "Hallo"})
	require.NoError(t, err)

	provisionalID := turn.Thread().ID()
	require.False(t, turn.Thread().Confirmed())

	trs := drain(t, turn)
	require.NoError(t, turn.Err())

	seq := states(trs)
	require.Equal(t, StateSubmitting, seq[0])
	require.Equal(t, StateClosed, seq[len(seq)-1])
	require.Contains(t, seq, StateFinalizing)
	require.NotContains(t, seq, StateFailing)

	// The server minted the thread; the request body must not have named one.
	require.Empty(t, opener.lastReq.ThreadID)

	require.True(t, turn.Thread().Confirmed())
	require.Equal(t, "t-1", turn.Thread().ID())

	// Provisional bucket migrated away, confirmed bucket holds the turn.
	_, ok := store.Get(provisionalID)
	require.False(t, ok)
	msgs, ok := store.Get("t-1")
	require.True(t, ok)
	require.Len(t, msgs, 2)
	require.Equal(t, conversation.RoleUser, msgs[0].Role)
	require.Equal(t, "Hallo", msgs[0].Content)
	require.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	require.Equal(t, conversation.StatusFinal, msgs[1].Status)
	require.Equal(t, "Guten Tag!", msgs[1].Content)
	require.Len(t, msgs[1].ToolCalls, 1)
	require.Equal(t, conversation.ToolCompleted, msgs[1].ToolCalls[0].State)
	require.Equal(t, "3 Treffer", msgs[1].ToolCalls[0].Result)

	saved := saver.saved()
	require.Len(t, saved, 1)
	require.Equal(t, "t-1", saved[0].threadID)
	require.Equal(t, "Hallo", saved[0].userText)
	require.Equal(t, "Guten Tag!", saved[0].assistantText)
	require.Len(t, saved[0].toolCalls, 1)
}

func TestTerminalEventReleasesTransport(t *testing.T) {
	// The upstream may keep emitting after done; the orchestrator must
	// close the stream itself instead of waiting for the peer.
	stream := newScriptedStream(nil,
		"event: done\ndata: {\"message_id\": 9, \"thread_id\": \"t-8\", \"content\": \"fertig\"}\n\n",
	)
	opener := &fixedOpener{stream: stream}
	orch, _ := newTestOrchestrator(t, opener, &recordingSaver{})

	turn, err := orch.Submit(context.Background(), SubmitRequest{Agent: "research", Message: "Frage"})
	require.NoError(t, err)
	drain(t, turn)

	require.NoError(t, turn.Err())
	require.True(t, stream.wasCanceled())
}

func TestAgentErrorReleasesTransport(t *testing.T) {
	stream := newScriptedStream(nil,
		"event: error\ndata: {\"message\": \"kaputt\"}\n\n",
	)
	opener := &fixedOpener{stream: stream}
	orch, _ := newTestOrchestrator(t, opener, &recordingSaver{})

	turn, err := orch.Submit(context.Background(), SubmitRequest{Agent: "research", Message: "Frage"})
	require.NoError(t, err)
	drain(t, turn)

	require.True(t, streamerr.IsAgentFailure(turn.Err()))
	require.True(t, stream.wasCanceled())
}

func TestSecondSubmitOnActiveThreadIsBusy(t *testing.T) {
	stream := newScriptedStream(nil) // hangs until canceled
	opener := &fixedOpener{stream: stream}
	saver := &recordingSaver{}
	orch, _ := newTestOrchestrator(t, opener, saver)

	ref := conversation.ConfirmedRef("t-9")
	turn, err := orch.Submit(context.Background(), SubmitRequest{Thread: ref, Agent: "research", Message: "erste"})
	require.NoError(t, err)

	_, err = orch.Submit(context.Background(), SubmitRequest{Thread: ref, Agent: "research", Message: "zweite"})
	require.Error(t, err)
	require.True(t, streamerr.IsBusy(err))

	turn.Cancel()
	drain(t, turn)

	// The guard releases with the turn; a fresh submit succeeds.
	stream2 := newScriptedStream(nil)
	opener.stream = stream2
	turn2, err := orch.Submit(context.Background(), SubmitRequest{Thread: ref, Agent: "research", Message: "dritte"})
	require.NoError(t, err)
	turn2.Cancel()
	drain(t, turn2)
}

func TestConflictingThreadAssignmentFailsAndRollsBack(t *testing.T) {
	stream := newScriptedStream(nil,
		"event: metadata\ndata: {\"thread_id\": \"t-a\"}\n\n",
		"event: token\ndata: {\"token\": \"teil\"}\n\n",
		"event: metadata\ndata: {\"thread_id\": \"t-b\"}\n\n",
	)
	opener := &fixedOpener{stream: stream}
	saver := &recordingSaver{}
	orch, store := newTestOrchestrator(t, opener, saver)

	turn, err := orch.Submit(context.Background(), SubmitRequest{Agent: "research", Message: "Frage"})
	require.NoError(t, err)
	provisionalID := turn.Thread().ID()

	drain(t, turn)
	require.Error(t, turn.Err())
	require.True(t, streamerr.IsInconsistency(turn.Err()))

	// The migration is rolled back: the provisional transcript survives
	// with the partial text, the poisoned confirmed bucket is gone.
	require.Equal(t, provisionalID, turn.Thread().ID())
	require.False(t, turn.Thread().Confirmed())
	msgs, ok := store.Get(provisionalID)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	require.Equal(t, conversation.StatusIncomplete, msgs[1].Status)
	require.Equal(t, "teil", msgs[1].Content)
	_, ok = store.Get("t-a")
	require.False(t, ok)

	saved := saver.saved()
	require.Len(t, saved, 1)
	require.Equal(t, provisionalID, saved[0].threadID)
	require.Equal(t, "teil", saved[0].assistantText)
}

func TestMidStreamDropPersistsPartialOnce(t *testing.T) {
	dropErr := &streamerr.TransportError{Err: context.DeadlineExceeded, Drop: true}
	stream := newScriptedStream(dropErr,
		"event: metadata\ndata: {\"thread_id\": \"t-2\"}\n\n",
		"event: token\ndata: {\"token\": \"unvoll\"}\n\n",
		"event: token\ndata: {\"token\": \"ständig\"}\n\n",
	)
	opener := &fixedOpener{stream: stream}
	saver := &recordingSaver{}
	orch, store := newTestOrchestrator(t, opener, saver)

	turn, err := orch.Submit(context.Background(), SubmitRequest{Agent: "research", Message: "Frage"})
	require.NoError(t, err)

	trs := drain(t, turn)
	require.Error(t, turn.Err())
	var te *streamerr.TransportError
	require.ErrorAs(t, turn.Err(), &te)
	require.True(t, te.Drop)
	require.Contains(t, states(trs), StateFailing)

	msgs, ok := store.Get("t-2")
	require.True(t, ok)
	require.Equal(t, conversation.StatusIncomplete, msgs[1].Status)
	require.Equal(t, "unvollständig", msgs[1].Content)

	saved := saver.saved()
	require.Len(t, saved, 1)
	require.Equal(t, "t-2", saved[0].threadID)
	require.Equal(t, "unvollständig", saved[0].assistantText)
}

func TestStreamEndWithoutTerminalEventFails(t *testing.T) {
	stream := newScriptedStream(nil,
		"event: token\ndata: {\"token\": \"x\"}\n\n",
	)
	// Simulate a clean server close with no done event.
	stream.final = io.EOF
	opener := &fixedOpener{stream: stream}
	saver := &recordingSaver{}
	orch, _ := newTestOrchestrator(t, opener, saver)

	turn, err := orch.Submit(context.Background(), SubmitRequest{Agent: "research", Message: "Frage"})
	require.NoError(t, err)
	drain(t, turn)
	require.True(t, streamerr.IsInconsistency(turn.Err()))
	require.Len(t, saver.saved(), 1)
}

func TestCancelFreezesPartialWithoutPersisting(t *testing.T) {
	stream := newScriptedStream(nil,
		"event: metadata\ndata: {\"thread_id\": \"t-3\"}\n\n",
		"event: token\ndata: {\"token\": \"a\"}\n\n",
		"event: token\ndata: {\"token\": \"b\"}\n\n",
		"event: token\ndata: {\"token\": \"c\"}\n\n",
	)
	opener := &fixedOpener{stream: stream}
	saver := &recordingSaver{}
	orch, store := newTestOrchestrator(t, opener, saver)

	turn, err := orch.Submit(context.Background(), SubmitRequest{Agent: "research", Message: "Frage"})
	require.NoError(t, err)

	tokens := 0
	timeout := time.After(5 * time.Second)
	var trs []Transition
	for tokens < 3 {
		select {
		case tr, ok := <-turn.Transitions():
			require.True(t, ok, "turn closed before three tokens arrived")
			trs = append(trs, tr)
			if _, isToken := tr.Event.(agentstream.Token); isToken {
				tokens++
			}
		case <-timeout:
			t.Fatal("tokens did not arrive in time")
		}
	}
	turn.Cancel()
	trs = append(trs, drain(t, turn)...)

	require.NoError(t, turn.Err())
	require.Contains(t, states(trs), StateCanceling)

	msgs, ok := store.Get("t-3")
	require.True(t, ok)
	require.Equal(t, conversation.StatusCanceled, msgs[1].Status)
	require.Equal(t, "abc", msgs[1].Content)

	require.Empty(t, saver.saved())
}

func TestCancelIsIdempotent(t *testing.T) {
	stream := newScriptedStream(nil)
	opener := &fixedOpener{stream: stream}
	orch, _ := newTestOrchestrator(t, opener, &recordingSaver{})

	turn, err := orch.Submit(context.Background(), SubmitRequest{Agent: "research", Message: "Frage"})
	require.NoError(t, err)

	turn.Cancel()
	turn.Cancel()
	drain(t, turn)
	require.NoError(t, turn.Err())
}

func TestSaveOnCancelPersistsPartial(t *testing.T) {
	stream := newScriptedStream(nil,
		"event: metadata\ndata: {\"thread_id\": \"t-4\"}\n\n",
		"event: token\ndata: {\"token\": \"halb\"}\n\n",
	)
	opener := &fixedOpener{stream: stream}
	saver := &recordingSaver{}
	orch, _ := newTestOrchestrator(t, opener, saver)

	turn, err := orch.Submit(context.Background(), SubmitRequest{Agent: "research", Message: "Frage", SaveOnCancel: true})
	require.NoError(t, err)

	timeout := time.After(5 * time.Second)
	for {
		var tr Transition
		var ok bool
		select {
		case tr, ok = <-turn.Transitions():
			require.True(t, ok)
		case <-timeout:
			t.Fatal("token did not arrive")
		}
		if _, isToken := tr.Event.(agentstream.Token); isToken {
			break
		}
	}
	turn.Cancel()
	drain(t, turn)

	saved := saver.saved()
	require.Len(t, saved, 1)
	require.Equal(t, "t-4", saved[0].threadID)
	require.Equal(t, "halb", saved[0].assistantText)
}

func TestOpenFailureFailsTurn(t *testing.T) {
	openErr := &streamerr.TransportError{Err: context.DeadlineExceeded, StatusCode: 503, BodyPrefix: "overloaded"}
	opener := &fixedOpener{openErr: openErr}
	saver := &recordingSaver{}
	orch, store := newTestOrchestrator(t, opener, saver)

	turn, err := orch.Submit(context.Background(), SubmitRequest{Agent: "research", Message: "Frage"})
	require.NoError(t, err)
	trs := drain(t, turn)

	var te *streamerr.TransportError
	require.ErrorAs(t, turn.Err(), &te)
	require.Equal(t, 503, te.StatusCode)
	require.Contains(t, states(trs), StateFailing)

	// The optimistic user message survives under the provisional id.
	msgs, ok := store.Get(turn.Thread().ID())
	require.True(t, ok)
	require.Len(t, msgs, 1)
	require.Equal(t, conversation.RoleUser, msgs[0].Role)
}

func TestAgentErrorEventFailsTurn(t *testing.T) {
	stream := newScriptedStream(nil,
		"event: metadata\ndata: {\"thread_id\": \"t-5\"}\n\n",
		"event: error\ndata: {\"message\": \"model unavailable\"}\n\n",
	)
	opener := &fixedOpener{stream: stream}
	saver := &recordingSaver{}
	orch, store := newTestOrchestrator(t, opener, saver)

	turn, err := orch.Submit(context.Background(), SubmitRequest{Agent: "research", Message: "Frage"})
	require.NoError(t, err)
	drain(t, turn)

	require.True(t, streamerr.IsAgentFailure(turn.Err()))
	require.Contains(t, turn.Err().Error(), "model unavailable")

	msgs, ok := store.Get("t-5")
	require.True(t, ok)
	require.Equal(t, conversation.StatusIncomplete, msgs[1].Status)
	require.Len(t, saver.saved(), 1)
}

func TestDoneThreadIDConfirmsWithoutMetadata(t *testing.T) {
	stream := newScriptedStream(nil,
		"event: token\ndata: {\"token\": \"kurz\"}\n\n",
		"event: done\ndata: {\"message_id\": 1, \"thread_id\": \"t-6\", \"content\": \"kurz\"}\n\n",
	)
	opener := &fixedOpener{stream: stream}
	orch, store := newTestOrchestrator(t, opener, &recordingSaver{})

	turn, err := orch.Submit(context.Background(), SubmitRequest{Agent: "research", Message: "Frage"})
	require.NoError(t, err)
	drain(t, turn)

	require.NoError(t, turn.Err())
	require.Equal(t, "t-6", turn.Thread().ID())
	require.True(t, turn.Thread().Confirmed())
	msgs, ok := store.Get("t-6")
	require.True(t, ok)
	require.Len(t, msgs, 2)
}

func TestConfirmedThreadSendsIDOnWire(t *testing.T) {
	stream := newScriptedStream(nil,
		"event: done\ndata: {\"message_id\": 2, \"thread_id\": \"t-7\", \"content\": \"ok\"}\n\n",
	)
	opener := &fixedOpener{stream: stream}
	orch, _ := newTestOrchestrator(t, opener, &recordingSaver{})

	turn, err := orch.Submit(context.Background(), SubmitRequest{
		Thread:  conversation.ConfirmedRef("t-7"),
		Agent:   "research",
		Message: "weiter",
	})
	require.NoError(t, err)
	drain(t, turn)

	require.NoError(t, turn.Err())
	require.Equal(t, "t-7", opener.lastReq.ThreadID)
}
