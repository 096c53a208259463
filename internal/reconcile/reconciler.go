// Package reconcile maps provisional thread identities to the
// server-confirmed ids announced mid-stream. The mapping table is the only
// state it owns; message content stays with the conversation store, which
// executes the migration instruction this package hands back.
package reconcile

import (
	"fmt"
	"sync"

	"jura/internal/conversation"
	"jura/internal/logging"
	"jura/internal/streamerr"
)

// Migration instructs the conversation store to move all buffered state
// from the provisional bucket to the confirmed one, atomically and in
// order.
type Migration struct {
	From string
	To   string
}

// IsZero reports whether no migration is required.
func (m Migration) IsZero() bool { return m.From == "" && m.To == "" }

// Reconciler holds the write-once provisional→confirmed identity table.
// Entries are created on first observation and never mutated afterwards.
type Reconciler struct {
	logger logging.Logger
	mu     sync.RWMutex
	table  map[string]string
}

// New returns an empty reconciler.
func New(logger logging.Logger) *Reconciler {
	return &Reconciler{
		logger: logging.OrNop(logger),
		table:  make(map[string]string),
	}
}

// Observe records a confirmed id for a provisional thread ref.
//
// First observation installs the mapping and returns the migration the
// store must execute. Repeats of the identical id are no-ops. A second,
// different id for the same provisional ref is a protocol error the
// reconciler refuses to guess around.
//
// A ref that is already confirmed maps to itself: the server echoing the
// id of an existing thread requires no migration, while a different id
// is the same protocol error.
func (r *Reconciler) Observe(ref conversation.ThreadRef, confirmedID string) (Migration, error) {
	if confirmedID == "" {
		return Migration{}, &streamerr.InconsistencyError{Reason: "empty thread id assignment"}
	}

	if ref.Confirmed() {
		if ref.ID() != confirmedID {
			return Migration{}, &streamerr.InconsistencyError{
				Reason: fmt.Sprintf("stream for thread %s reassigned to %s", ref.ID(), confirmedID),
			}
		}
		return Migration{}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.table[ref.ID()]; ok {
		if existing == confirmedID {
			return Migration{}, nil
		}
		return Migration{}, &streamerr.InconsistencyError{
			Reason: fmt.Sprintf("provisional thread %s already confirmed as %s, conflicting assignment %s", ref.ID(), existing, confirmedID),
		}
	}

	r.table[ref.ID()] = confirmedID
	r.logger.Debug("thread %s confirmed as %s", ref.ID(), confirmedID)
	return Migration{From: ref.ID(), To: confirmedID}, nil
}

// Resolve returns the confirmed id for a provisional one, if the mapping
// exists. Confirmed ids resolve to themselves.
func (r *Reconciler) Resolve(ref conversation.ThreadRef) (string, bool) {
	if ref.Confirmed() {
		return ref.ID(), true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	confirmed, ok := r.table[ref.ID()]
	return confirmed, ok
}
