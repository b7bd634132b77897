package stickiness

import (
	"context"
	"sync/atomic"
	"time"

	"rudder/internal/logging"
)

// Tracker applies the sticky-session TTL on top of a Store. Expiry is
// logical: entries are checked on read and dropped when stale, there is no
// background sweeper.
type Tracker struct {
	store  Store
	ttl    atomic.Int64 // nanoseconds; non-positive disables expiry
	clock  func() time.Time
	logger logging.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithLogger sets the tracker logger.
func WithLogger(logger logging.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a Tracker over the given store. A non-positive ttl
// disables expiry.
func NewTracker(store Store, ttl time.Duration, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:  store,
		clock:  time.Now,
		logger: logging.NewComponentLogger("stickiness"),
	}
	t.ttl.Store(int64(ttl))
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetTTL changes the TTL applied on subsequent lookups. Existing entries are
// re-judged against the new value on their next read.
func (t *Tracker) SetTTL(ttl time.Duration) {
	t.ttl.Store(int64(ttl))
}

// ResizeStore adjusts the session bound when the underlying store supports
// it. Unbounded stores are left untouched.
func (t *Tracker) ResizeStore(size int) {
	if store, ok := t.store.(interface{ Resize(size int) }); ok {
		store.Resize(size)
	}
}

// Lookup returns the live session state for sessionID. An entry past its TTL
// is dropped and reported as a miss.
func (t *Tracker) Lookup(ctx context.Context, sessionID string) (SessionState, bool) {
	if sessionID == "" {
		return SessionState{}, false
	}

	state, ok := t.store.Get(ctx, sessionID)
	if !ok {
		return SessionState{}, false
	}

	if ttl := time.Duration(t.ttl.Load()); ttl > 0 && t.clock().Sub(state.UpdatedAt) >= ttl {
		t.store.Delete(ctx, sessionID)
		t.logger.Debug("session %s stickiness expired (target %s)", sessionID, state.Target)
		return SessionState{}, false
	}

	return state, true
}

// Commit records the chosen target for a session. Re-choosing the current
// target increments the turn counter; a new target resets it.
func (t *Tracker) Commit(ctx context.Context, sessionID, target string) {
	if sessionID == "" {
		return
	}

	state := SessionState{
		SessionID: sessionID,
		Target:    target,
		UpdatedAt: t.clock(),
	}
	if prev, ok := t.store.Get(ctx, sessionID); ok && prev.Target == target {
		state.Turns = prev.Turns + 1
	}
	t.store.Put(ctx, state)
}

// Forget drops a session's stickiness, forcing the next route call through
// the full pipeline.
func (t *Tracker) Forget(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	t.store.Delete(ctx, sessionID)
}

// Len returns the number of tracked sessions, including not-yet-swept
// expired entries.
func (t *Tracker) Len() int {
	return t.store.Len()
}
