package main

import (
	"fmt"

	"rudder/internal/breaker"
	"rudder/internal/events"
	"rudder/internal/logging"
	"rudder/internal/observability"
	"rudder/internal/oracle"
	"rudder/internal/policy"
	"rudder/internal/router"
	"rudder/internal/stickiness"
)

// engine bundles everything a running routing instance needs.
type engine struct {
	policies *policy.Holder
	breakers *breaker.Registry
	tracker  *stickiness.Tracker
	router   *router.Router
}

// buildEngine assembles a router from a loaded policy. The emitter and
// tracer may be nil for one-shot commands that do not publish telemetry.
func buildEngine(pol *policy.Policy, logger logging.Logger, emitter events.Emitter, tracer *observability.TracerProvider) (*engine, error) {
	policies := policy.NewHolder(pol)

	breakerOpts := []breaker.Option{
		breaker.WithLogger(logger),
	}
	if emitter != nil {
		breakerOpts = append(breakerOpts, breaker.WithEmitter(emitter))
	}
	for target, cfg := range pol.BreakerOverrides {
		breakerOpts = append(breakerOpts, breaker.WithTargetConfig(target, cfg))
	}
	breakers := breaker.NewRegistry(pol.Breaker, breakerOpts...)

	var store stickiness.Store
	if pol.Sticky.MaxSessions > 0 {
		lruStore, err := stickiness.NewLRUStore(pol.Sticky.MaxSessions)
		if err != nil {
			return nil, fmt.Errorf("failed to create session store: %w", err)
		}
		store = lruStore
	} else {
		store = stickiness.NewInMemoryStore()
	}
	tracker := stickiness.NewTracker(store, pol.Sticky.TTL, stickiness.WithLogger(logger))

	routerOpts := []router.Option{
		router.WithLogger(logger),
	}
	if emitter != nil {
		routerOpts = append(routerOpts, router.WithEmitter(emitter))
	}
	if tracer != nil {
		routerOpts = append(routerOpts, router.WithTracer(tracer))
	}
	// The factory re-runs when a replacement policy changes the classifier
	// endpoint, so live policy swaps rewire the oracle too.
	routerOpts = append(routerOpts, router.WithOracleFactory(func(pol *policy.Policy) oracle.Oracle {
		if pol.Classifier == nil || pol.Classifier.Endpoint == "" {
			return nil
		}
		httpOracle := oracle.NewHTTPOracle(pol.Classifier.Endpoint,
			oracle.WithHTTPLogger(logger))
		// Identical in-flight contexts share one classifier call.
		return oracle.NewDeduped(httpOracle, oracle.ContextKey)
	}))

	return &engine{
		policies: policies,
		breakers: breakers,
		tracker:  tracker,
		router:   router.New(policies, breakers, tracker, routerOpts...),
	}, nil
}
