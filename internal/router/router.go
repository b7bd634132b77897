// Package router orchestrates the routing pipeline: session stickiness,
// rule evaluation, classifier fallback, experiment overrides, circuit
// breaker gating, and the fallback chain walk. Every route call terminates
// with a decision or a terminal error within the policy's total time budget.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"rudder/internal/breaker"
	"rudder/internal/condition"
	rerrors "rudder/internal/errors"
	"rudder/internal/events"
	"rudder/internal/experiment"
	"rudder/internal/fallback"
	"rudder/internal/logging"
	"rudder/internal/observability"
	"rudder/internal/oracle"
	"rudder/internal/policy"
	"rudder/internal/stickiness"
)

// Router routes requests to targets under the current policy.
type Router struct {
	policies  *policy.Holder
	breakers  *breaker.Registry
	tracker   *stickiness.Tracker
	splitter  *experiment.Splitter
	evaluator *condition.Evaluator

	// oracle holds an oracleBox so the classifier can be swapped alongside
	// the policy without tearing down in-flight route calls.
	oracle        atomic.Value
	oracleFactory func(*policy.Policy) oracle.Oracle

	clock   func() time.Time
	logger  logging.Logger
	emitter events.Emitter
	tracer  *observability.TracerProvider
}

type oracleBox struct {
	o oracle.Oracle
}

func (r *Router) setOracle(o oracle.Oracle) {
	r.oracle.Store(oracleBox{o: o})
}

func (r *Router) currentOracle() oracle.Oracle {
	box, _ := r.oracle.Load().(oracleBox)
	return box.o
}

// Option configures a Router.
type Option func(*Router)

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) {
		r.clock = clock
	}
}

// WithLogger sets the router logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithEmitter sets the emitter notified on decisions and exhaustion.
func WithEmitter(emitter events.Emitter) Option {
	return func(r *Router) {
		r.emitter = emitter
	}
}

// WithOracle sets the classification oracle. Absent an oracle, classifier
// policies degrade to their default target.
func WithOracle(o oracle.Oracle) Option {
	return func(r *Router) {
		r.setOracle(o)
	}
}

// WithOracleFactory sets how a classifier oracle is built from a policy.
// The factory runs once at construction and again whenever ApplyPolicy
// installs a policy with a different classifier endpoint. Returning nil
// leaves classifier policies degrading to their default target.
func WithOracleFactory(factory func(*policy.Policy) oracle.Oracle) Option {
	return func(r *Router) {
		r.oracleFactory = factory
	}
}

// WithTracer sets the tracer for route and oracle spans.
func WithTracer(tracer *observability.TracerProvider) Option {
	return func(r *Router) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// New creates a Router over the given policy holder and shared state.
func New(policies *policy.Holder, breakers *breaker.Registry, tracker *stickiness.Tracker, opts ...Option) *Router {
	r := &Router{
		policies: policies,
		breakers: breakers,
		tracker:  tracker,
		clock:    time.Now,
		logger:   logging.NewComponentLogger("router"),
		emitter:  events.Nop(),
		tracer:   observability.NopTracerProvider(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.oracleFactory != nil && r.currentOracle() == nil {
		r.setOracle(r.oracleFactory(policies.Current()))
	}
	r.evaluator = condition.NewEvaluator(r.logger)
	r.splitter = experiment.NewSplitter(
		experiment.WithLogger(r.logger),
		experiment.WithEmitter(r.emitter),
	)
	return r
}

// Breakers exposes the circuit breaker registry for introspection surfaces.
func (r *Router) Breakers() *breaker.Registry {
	return r.breakers
}

// Policies exposes the policy holder.
func (r *Router) Policies() *policy.Holder {
	return r.policies
}

// ApplyPolicy installs pol as the active policy and realigns the shared
// components configured from it: breaker defaults and per-target overrides,
// the stickiness TTL and session bound, and the classifier oracle when its
// endpoint changed. Returns the replaced policy. The caller is responsible
// for having validated pol.
func (r *Router) ApplyPolicy(pol *policy.Policy) *policy.Policy {
	prev := r.policies.Replace(pol)

	r.breakers.Reconfigure(pol.Breaker, pol.BreakerOverrides)
	r.tracker.SetTTL(pol.Sticky.TTL)
	if pol.Sticky.MaxSessions > 0 {
		r.tracker.ResizeStore(pol.Sticky.MaxSessions)
	}

	if r.oracleFactory != nil && classifierEndpoint(prev) != classifierEndpoint(pol) {
		r.setOracle(r.oracleFactory(pol))
	}
	return prev
}

func classifierEndpoint(pol *policy.Policy) string {
	if pol == nil || pol.Classifier == nil {
		return ""
	}
	return pol.Classifier.Endpoint
}

// Route decides which target should process req. It never panics and never
// blocks past the policy's total budget; the only suspension point is the
// oracle call, bounded by the per-route timeout.
func (r *Router) Route(ctx context.Context, req Request) (Decision, error) {
	start := r.clock()
	pol := r.policies.Current()

	ctx, span := r.tracer.StartSpan(ctx, observability.SpanRoute)
	defer span.End()

	if req.RequestID == "" {
		req.RequestID = newRequestID()
	}
	stableKey := req.SessionID
	if stableKey == "" {
		stableKey = req.RequestID
	}

	rejected := make(map[string]bool, len(req.Exclude))
	trace := make([]string, 0, len(req.Exclude))
	for _, target := range req.Exclude {
		if !rejected[target] {
			trace = append(trace, target)
		}
		rejected[target] = true
	}

	// Step 1: stickiness.
	if pol.Sticky.Enabled && req.SessionID != "" {
		if state, ok := r.tracker.Lookup(ctx, req.SessionID); ok &&
			pol.KnownTarget(state.Target) && !rejected[state.Target] &&
			r.breakers.IsAvailable(state.Target) {
			return r.commit(ctx, req, Decision{
				Target: state.Target,
				Reason: ReasonSticky,
			}, start)
		}
	}

	// Step 2: rule evaluation, in the order fixed at policy load.
	var (
		candidate     string
		reason        Reason
		ruleID        string
		label         string
		confidence    *float64
		lowConfidence bool
	)
	for _, rule := range pol.SortedRules() {
		if r.evaluator.Evaluate(rule.Compiled(), req.Context) {
			candidate = rule.Target
			reason = ReasonRuleMatch
			ruleID = rule.ID
			break
		}
	}

	if err := r.checkBudget(pol, start); err != nil {
		return Decision{}, err
	}

	// Step 3: classifier fallback. An oracle error or a sub-threshold
	// confidence degrades to the configured default target rather than
	// leaving the request unrouted.
	if candidate == "" && pol.Classifier != nil {
		cls, err := r.classify(ctx, pol, req, start)
		switch {
		case err != nil && ctx.Err() != nil:
			// Only the caller's own context decides cancellation. An
			// oracle error wrapping a foreign cancellation, such as a
			// collapsed classify call whose winner gave up, degrades
			// like any other oracle failure.
			return Decision{}, ctx.Err()
		case err != nil && !rerrors.IsRecoverable(err):
			return Decision{}, err
		}

		reason = ReasonClassifier
		switch {
		case err != nil:
			r.logger.Warn("oracle unavailable, using classifier default %q: %v",
				pol.Classifier.DefaultTarget, err)
			candidate = pol.Classifier.DefaultTarget
			lowConfidence = true
		default:
			label = cls.Label
			confidence = &cls.Confidence
			mapped, ok := pol.Classifier.Labels[cls.Label]
			if ok && cls.Confidence >= pol.Classifier.ConfidenceThreshold {
				candidate = mapped
			} else {
				candidate = pol.Classifier.DefaultTarget
				lowConfidence = true
			}
		}
	}

	if err := r.checkBudget(pol, start); err != nil {
		return Decision{}, err
	}

	// Step 4: experiment override, keyed by the original candidate
	// regardless of which step produced it.
	var experimentName string
	if candidate != "" {
		assigned, def := r.splitter.Assign(ctx, candidate, pol.Experiments, stableKey, rejected)
		if def != nil {
			candidate = assigned
			reason = ReasonExperimentOverride
			experimentName = def.Name
		}
	}

	// Step 5: availability gate and fallback walk.
	chosen := candidate
	if candidate == "" || rejected[candidate] || !r.breakers.IsAvailable(candidate) {
		if candidate != "" && !rejected[candidate] {
			unavailable := &rerrors.TargetUnavailable{
				Target:     candidate,
				RetryAfter: r.breakers.RetryAfter(candidate),
			}
			r.logger.Debug("%v, walking fallback chain", unavailable)
			rejected[candidate] = true
			trace = append(trace, candidate)
		}

		next, ok := r.nextViable(pol, rejected, &trace, start)
		if !ok {
			elapsed := r.clock().Sub(start)
			if err := r.checkBudget(pol, start); err != nil {
				return Decision{}, err
			}
			r.emitter.RoutesExhausted(ctx, events.RoutesExhaustedEvent{
				Rejected:  trace,
				Elapsed:   elapsed,
				SessionID: req.SessionID,
				RequestID: req.RequestID,
			})
			return Decision{}, &rerrors.RoutesExhausted{Rejected: trace}
		}
		chosen = next
		reason = ReasonFallback
	}

	return r.commit(ctx, req, Decision{
		Target:        chosen,
		Reason:        reason,
		Confidence:    confidence,
		LowConfidence: lowConfidence,
		Rule:          ruleID,
		Experiment:    experimentName,
		Label:         label,
	}, start)
}

// ReportOutcome feeds a dispatched request's result back into shared state.
// Failures drop the session's stickiness; they never retroactively change a
// returned Decision.
func (r *Router) ReportOutcome(ctx context.Context, outcome Outcome) {
	r.breakers.ReportOutcome(outcome.Target, outcome.Success)
	if !outcome.Success && outcome.SessionID != "" {
		r.tracker.Forget(ctx, outcome.SessionID)
	}
}

// classify invokes the oracle under the per-route timeout, capped by what
// remains of the total budget.
func (r *Router) classify(ctx context.Context, pol *policy.Policy, req Request, start time.Time) (oracle.Classification, error) {
	o := r.currentOracle()
	if o == nil {
		return oracle.Classification{}, &rerrors.OracleError{Err: errors.New("no oracle configured")}
	}

	timeout := pol.Timeouts.PerRoute
	if remaining := pol.Timeouts.Total - r.clock().Sub(start); remaining < timeout {
		timeout = remaining
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx, span := r.tracer.StartSpan(callCtx, observability.SpanOracleClassify)
	defer span.End()

	began := r.clock()
	cls, err := o.Classify(callCtx, req.Context)
	elapsed := r.clock().Sub(began)
	if err != nil {
		span.RecordError(err)
		status := "error"
		isTimeout := errors.Is(err, context.DeadlineExceeded)
		if isTimeout {
			status = "timeout"
		}
		r.emitter.OracleCall(ctx, events.OracleCallEvent{Status: status, Elapsed: elapsed})
		return oracle.Classification{}, &rerrors.OracleError{
			Err:     err,
			Elapsed: elapsed,
			Timeout: isTimeout,
		}
	}
	span.SetAttributes(observability.StatusAttrs("success")...)
	r.emitter.OracleCall(ctx, events.OracleCallEvent{Status: "success", Elapsed: elapsed})
	return cls, nil
}

// nextViable walks the fallback chain under the cumulative per-route budget.
// Unavailable targets are added to the rejection trace; a target never
// appears twice in the trace of one route call.
func (r *Router) nextViable(pol *policy.Policy, rejected map[string]bool, trace *[]string, start time.Time) (string, bool) {
	walkStart := r.clock()

	availability := fallback.AvailabilityFunc(func(target string) bool {
		if r.clock().Sub(walkStart) >= pol.Timeouts.PerRoute ||
			r.clock().Sub(start) >= pol.Timeouts.Total {
			return false
		}
		if r.breakers.IsAvailable(target) {
			return true
		}
		*trace = append(*trace, target)
		return false
	})

	return fallback.NextViable(pol.FallbackChain, rejected, availability)
}

// commit finalizes a decision: stickiness update, event emission, timing.
func (r *Router) commit(ctx context.Context, req Request, d Decision, start time.Time) (Decision, error) {
	d.Elapsed = r.clock().Sub(start)
	d.SessionID = req.SessionID
	d.RequestID = req.RequestID

	oteltrace.SpanFromContext(ctx).SetAttributes(observability.DecisionAttrs(d.Target, string(d.Reason))...)

	r.tracker.Commit(ctx, req.SessionID, d.Target)

	r.logger.Debug("routed request %s to %s (%s) in %v", req.RequestID, d.Target, d.Reason, d.Elapsed)
	r.emitter.Decision(ctx, events.DecisionEvent{
		Target:        d.Target,
		Reason:        string(d.Reason),
		Confidence:    d.Confidence,
		LowConfidence: d.LowConfidence,
		Elapsed:       d.Elapsed,
		SessionID:     d.SessionID,
		RequestID:     d.RequestID,
	})
	return d, nil
}

// checkBudget returns a RoutingTimeout once the total budget is spent.
func (r *Router) checkBudget(pol *policy.Policy, start time.Time) error {
	elapsed := r.clock().Sub(start)
	if elapsed >= pol.Timeouts.Total {
		return &rerrors.RoutingTimeout{
			Budget:  pol.Timeouts.Total,
			Elapsed: elapsed,
		}
	}
	return nil
}

func newRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "req-unknown"
	}
	return "req-" + hex.EncodeToString(b[:])
}
