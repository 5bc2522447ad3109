// Package presence tracks which users have live connections.
//
// A user is online while at least one connection is registered under it.
// Only the zero to non-zero edge (and back) is observable: it is reported to
// the Notifier exactly once and written through the StatusRecorder.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
)

// StatusRecorder persists presence transitions on the user record.
type StatusRecorder interface {
	RecordOnline(ctx context.Context, userID int, at time.Time) error
	RecordOffline(ctx context.Context, userID int, at time.Time) error
}

// Notifier receives edge transitions in the order they happened. Calls are
// serialized but made without the registry lock, so a slow notifier never
// stalls lookups.
type Notifier interface {
	UserOnline(userID int)
	UserOffline(userID int)
}

type transition struct {
	userID int
	online bool
}

type Registry struct {
	mu      sync.RWMutex
	conns   map[int]map[string]struct{} // user -> live connections
	owner   map[string]int              // connection -> user
	pending []transition                // edges not yet handed to the notifier

	notifyMu sync.Mutex

	recordMu sync.Mutex
	recorder StatusRecorder
	notifier Notifier
	now      func() time.Time
	log      *slog.Logger
}

func NewRegistry(recorder StatusRecorder, notifier Notifier, log *slog.Logger) *Registry {
	return &Registry{
		conns:    make(map[int]map[string]struct{}),
		owner:    make(map[string]int),
		recorder: recorder,
		notifier: notifier,
		now:      time.Now,
		log:      log,
	}
}

// Register adds connID under userID and reports whether the user just came
// online. Registering a connection already owned by another user moves it.
func (r *Registry) Register(ctx context.Context, userID int, connID string) bool {
	r.mu.Lock()
	prev, moved := r.owner[connID]
	if moved && prev == userID {
		r.mu.Unlock()
		return false
	}
	prevOffline := moved && r.removeLocked(connID)

	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	set[connID] = struct{}{}
	r.owner[connID] = userID
	wentOnline := len(set) == 1
	if wentOnline {
		r.pending = append(r.pending, transition{userID, true})
	}
	r.mu.Unlock()
	r.flush()

	if prevOffline {
		r.record(ctx, prev)
	}
	if wentOnline {
		r.log.Info("user online", "user_id", userID, "conn_id", connID)
		r.record(ctx, userID)
	}
	return wentOnline
}

// Deregister removes connID from whichever user owns it. Unknown connections
// are ignored.
func (r *Registry) Deregister(ctx context.Context, connID string) (userID int, wentOffline bool) {
	r.mu.Lock()
	userID, ok := r.owner[connID]
	if !ok {
		r.mu.Unlock()
		return 0, false
	}
	wentOffline = r.removeLocked(connID)
	r.mu.Unlock()
	r.flush()

	if wentOffline {
		r.log.Info("user offline", "user_id", userID, "conn_id", connID)
		r.record(ctx, userID)
	}
	return userID, wentOffline
}

// removeLocked drops connID and queues an offline edge when its owner's set
// empties.
func (r *Registry) removeLocked(connID string) bool {
	userID := r.owner[connID]
	delete(r.owner, connID)
	set := r.conns[userID]
	delete(set, connID)
	if len(set) > 0 {
		return false
	}
	delete(r.conns, userID)
	r.pending = append(r.pending, transition{userID, false})
	return true
}

// flush hands queued edges to the notifier in queue order. Whoever holds
// notifyMu drains every batch, so when flush returns the caller's own edge
// has been delivered.
func (r *Registry) flush() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		if r.notifier == nil {
			continue
		}
		for _, t := range batch {
			if t.online {
				r.notifier.UserOnline(t.userID)
			} else {
				r.notifier.UserOffline(t.userID)
			}
		}
	}
}

// record writes the user's current state rather than the edge that triggered
// it, so racing transitions always leave the stored status matching memory.
func (r *Registry) record(ctx context.Context, userID int) {
	if r.recorder == nil {
		return
	}
	r.recordMu.Lock()
	defer r.recordMu.Unlock()

	at := r.now()
	var err error
	if r.IsOnline(userID) {
		err = r.recorder.RecordOnline(ctx, userID, at)
	} else {
		err = r.recorder.RecordOffline(ctx, userID, at)
	}
	if err != nil {
		r.log.Error("record presence failed", "user_id", userID, "err", err)
	}
}

func (r *Registry) IsOnline(userID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// Connections returns the live connections of userID.
func (r *Registry) Connections(userID int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.conns[userID])
}

// UserOf returns the user a connection is registered under.
func (r *Registry) UserOf(connID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.owner[connID]
	return userID, ok
}

// Snapshot returns every online user mapped to true.
func (r *Registry) Snapshot() map[int]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.MapValues(r.conns, func(_ map[string]struct{}, _ int) bool { return true })
}
