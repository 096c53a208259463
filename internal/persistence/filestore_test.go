package persistence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"jura/internal/conversation"
	"jura/internal/logging"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	return s
}

func TestSaveTurnAndHistoryRoundTrip(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	calls := []conversation.ToolCall{{
		ID:        "c1",
		Name:      "solr_search",
		Arguments: json.RawMessage(`{"q":"§433"}`),
		State:     conversation.ToolCompleted,
		Result:    "3 Treffer",
	}}
	require.NoError(t, s.SaveTurn(ctx, "t-1", "Was ist §433?", "Der Kaufvertrag...", calls))
	require.NoError(t, s.SaveTurn(ctx, "t-1", "Und §434?", "Sachmangel...", nil))
	require.NoError(t, s.SaveTurn(ctx, "t-2", "other thread", "answer", nil))

	records, err := s.History(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "Was ist §433?", records[0].UserText)
	require.Equal(t, "Und §434?", records[1].UserText)
	require.Len(t, records[0].ToolCalls, 1)
	require.Equal(t, "solr_search", records[0].ToolCalls[0].Name)
	require.Equal(t, string(conversation.ToolCompleted), records[0].ToolCalls[0].State)
}

func TestHistoryUnknownThreadIsEmpty(t *testing.T) {
	s := newTestFileStore(t)
	records, err := s.History(context.Background(), "nope")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestHistoryCacheInvalidatedBySave(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTurn(ctx, "t-1", "a", "b", nil))
	records, err := s.History(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	// A save after a cached read must be visible on the next read.
	require.NoError(t, s.SaveTurn(ctx, "t-1", "c", "d", nil))
	records, err = s.History(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestThreadIDPathSafety(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		require.Error(t, s.SaveTurn(ctx, id, "u", "a", nil), "id %q", id)
	}
}
