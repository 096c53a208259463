package reconcile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"jura/internal/conversation"
	"jura/internal/logging"
	"jura/internal/streamerr"
)

func TestObserveInstallsMappingOnce(t *testing.T) {
	r := New(logging.Nop())
	ref := conversation.ProvisionalRef("prov-1")

	mig, err := r.Observe(ref, "X")
	require.NoError(t, err)
	require.Equal(t, Migration{From: "prov-1", To: "X"}, mig)

	confirmed, ok := r.Resolve(ref)
	require.True(t, ok)
	require.Equal(t, "X", confirmed)
}

func TestObserveIdenticalRepeatIsNoOp(t *testing.T) {
	r := New(logging.Nop())
	ref := conversation.ProvisionalRef("prov-1")

	_, err := r.Observe(ref, "X")
	require.NoError(t, err)

	mig, err := r.Observe(ref, "X")
	require.NoError(t, err)
	require.True(t, mig.IsZero())
}

func TestObserveConflictingAssignmentFails(t *testing.T) {
	r := New(logging.Nop())
	ref := conversation.ProvisionalRef("prov-1")

	_, err := r.Observe(ref, "A")
	require.NoError(t, err)

	_, err = r.Observe(ref, "B")
	require.True(t, streamerr.IsInconsistency(err))

	// The original mapping is write-once: the conflict changes nothing.
	confirmed, ok := r.Resolve(ref)
	require.True(t, ok)
	require.Equal(t, "A", confirmed)
}

func TestObserveConfirmedRefEcho(t *testing.T) {
	r := New(logging.Nop())
	ref := conversation.ConfirmedRef("X")

	mig, err := r.Observe(ref, "X")
	require.NoError(t, err)
	require.True(t, mig.IsZero(), "echo of a known id needs no migration")

	_, err = r.Observe(ref, "Y")
	require.True(t, streamerr.IsInconsistency(err))
}

func TestObserveEmptyAssignment(t *testing.T) {
	r := New(logging.Nop())
	_, err := r.Observe(conversation.ProvisionalRef("prov-1"), "")
	require.True(t, streamerr.IsInconsistency(err))
}

func TestResolveUnknownProvisional(t *testing.T) {
	r := New(logging.Nop())
	_, ok := r.Resolve(conversation.ProvisionalRef("prov-404"))
	require.False(t, ok)
}
