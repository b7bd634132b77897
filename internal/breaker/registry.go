package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"rudder/internal/events"
	"rudder/internal/logging"
)

// Registry tracks a circuit breaker per target. Records are created lazily on
// first reference and live for the registry's lifetime or until Reset.
//
// The registry-wide mutex only guards map lookup/insert; every state
// transition happens under the target record's own mutex.
type Registry struct {
	mu        sync.RWMutex
	records   map[string]*entry
	defaults  Config
	perTarget map[string]Config

	clock   func() time.Time
	logger  logging.Logger
	emitter events.Emitter
}

type entry struct {
	mu  sync.Mutex
	rec *record
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithEmitter sets the event emitter notified on every state transition.
func WithEmitter(emitter events.Emitter) Option {
	return func(r *Registry) {
		r.emitter = emitter
	}
}

// WithTargetConfig overrides the breaker configuration for one target.
func WithTargetConfig(target string, config Config) Option {
	return func(r *Registry) {
		r.perTarget[target] = config
	}
}

// NewRegistry creates a Registry with the given default breaker config.
func NewRegistry(defaults Config, opts ...Option) *Registry {
	r := &Registry{
		records:   make(map[string]*entry),
		defaults:  defaults.withDefaults(),
		perTarget: make(map[string]Config),
		clock:     time.Now,
		logger:    logging.NewComponentLogger("breaker"),
		emitter:   events.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconfigure replaces the default and per-target breaker configs, applying
// them to existing records in place. State machines keep their current state
// and counters; only the thresholds they are judged against change.
func (r *Registry) Reconfigure(defaults Config, perTarget map[string]Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults = defaults.withDefaults()
	r.perTarget = make(map[string]Config, len(perTarget))
	for target, config := range perTarget {
		r.perTarget[target] = config
	}

	for target, e := range r.records {
		config := r.defaults
		if override, ok := r.perTarget[target]; ok {
			config = override.withDefaults()
		}
		e.mu.Lock()
		e.rec.config = config
		e.mu.Unlock()
	}
}

// get returns the entry for a target, creating it on first reference.
func (r *Registry) get(target string) *entry {
	r.mu.RLock()
	if e, ok := r.records[target]; ok {
		r.mu.RUnlock()
		return e
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock.
	if e, ok := r.records[target]; ok {
		return e
	}

	config := r.defaults
	if override, ok := r.perTarget[target]; ok {
		config = override.withDefaults()
	}
	e := &entry{rec: newRecord(config, r.clock())}
	r.records[target] = e
	r.logger.Debug("created breaker for target %s", target)
	return e
}

// IsAvailable reports whether the target may be routed to now. An open
// breaker whose recovery time has elapsed transitions to half_open and admits
// a trial; a half-open breaker admits at most its configured number of
// outstanding trials.
func (r *Registry) IsAvailable(target string) bool {
	e := r.get(target)

	e.mu.Lock()
	ok, tr := e.rec.admit(target, r.clock())
	e.mu.Unlock()

	r.emit(tr)
	return ok
}

// RetryAfter returns how long until an open target's breaker admits a trial.
// Zero when the target is not open.
func (r *Registry) RetryAfter(target string) time.Duration {
	e := r.get(target)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.retryAfter(r.clock())
}

// ReportOutcome applies a dispatched request's outcome to the target's
// breaker. It is the only mutator callers invoke directly.
func (r *Registry) ReportOutcome(target string, success bool) {
	e := r.get(target)

	e.mu.Lock()
	tr := e.rec.reportOutcome(target, success, r.clock())
	e.mu.Unlock()

	r.emit(tr)
}

// State returns the target's current breaker state.
func (r *Registry) State(target string) State {
	e := r.get(target)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.state
}

// Reset forces a target's breaker back to closed.
func (r *Registry) Reset(target string) {
	e := r.get(target)

	e.mu.Lock()
	tr := e.rec.reset(target, r.clock())
	e.mu.Unlock()

	r.emit(tr)
	r.logger.Info("breaker for %s manually reset", target)
}

// ResetAll resets every tracked breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	targets := make([]string, 0, len(r.records))
	for target := range r.records {
		targets = append(targets, target)
	}
	r.mu.RUnlock()

	for _, target := range targets {
		r.Reset(target)
	}
}

// Snapshots returns a point-in-time view of every tracked breaker, sorted by
// target for stable output.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.records))
	for target, e := range r.records {
		entries[target] = e
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(entries))
	for target, e := range entries {
		e.mu.Lock()
		snapshots = append(snapshots, e.rec.snapshot(target))
		e.mu.Unlock()
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Target < snapshots[j].Target
	})
	return snapshots
}

// emit publishes a transition outside any lock.
func (r *Registry) emit(tr *transition) {
	if tr == nil {
		return
	}
	r.logger.Info("breaker %s: %s -> %s", tr.target, tr.from, tr.to)
	r.emitter.BreakerTransition(context.Background(), events.BreakerTransitionEvent{
		Target: tr.target,
		From:   tr.from.String(),
		To:     tr.to.String(),
		At:     tr.at,
	})
}
