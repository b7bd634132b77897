// Package experiment implements deterministic percentage-based traffic
// splitting. Assignment is keyed by a stable hash of the session or request
// identifier, so a given key always lands in the same bucket for an
// unchanged policy and a sticky session's experiment never flaps.
package experiment

import (
	"context"
	"hash/fnv"

	"rudder/internal/events"
	"rudder/internal/logging"
)

// Definition describes one experiment diverting a percentage of an original
// target's traffic to a candidate target.
type Definition struct {
	Name      string  `yaml:"name" json:"name"`
	Original  string  `yaml:"original" json:"original"`   // target whose traffic is split
	Candidate string  `yaml:"candidate" json:"candidate"` // target receiving the experiment share
	Percent   float64 `yaml:"percent" json:"percent"`     // share of traffic in [0,100]
	Seed      string  `yaml:"seed" json:"seed"`           // stable hash seed
}

// Splitter assigns requests to experiment buckets.
type Splitter struct {
	logger  logging.Logger
	emitter events.Emitter
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithLogger sets the splitter logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Splitter) {
		s.logger = logging.OrNop(logger)
	}
}

// WithEmitter sets the emitter notified on every experiment assignment.
func WithEmitter(emitter events.Emitter) Option {
	return func(s *Splitter) {
		s.emitter = events.OrNop(emitter)
	}
}

// NewSplitter creates a Splitter.
func NewSplitter(opts ...Option) *Splitter {
	s := &Splitter{
		logger:  logging.NewComponentLogger("experiment"),
		emitter: events.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Assign passes a candidate target through the experiment definitions. When
// the stable key's bucket falls inside an experiment's share of the original
// target's traffic, the experiment's candidate is returned along with the
// matched definition; otherwise the original target comes back unchanged.
//
// The key is hashed once per original target: experiments sharing an
// original share a seed (validation enforces this) and claim consecutive
// slices of the same bucket space in declaration order, so each receives
// exactly its configured percentage. A matched candidate present in rejected
// does not divert, and no assignment is recorded for it.
func (s *Splitter) Assign(ctx context.Context, original string, experiments []Definition, stableKey string, rejected map[string]bool) (string, *Definition) {
	if stableKey == "" || len(experiments) == 0 {
		return original, nil
	}

	var offset float64
	bucket := -1.0
	for i := range experiments {
		exp := &experiments[i]
		if exp.Original != original {
			continue
		}

		if bucket < 0 {
			bucket = Bucket(exp.Seed, stableKey)
		}
		if bucket >= offset && bucket < offset+exp.Percent {
			if rejected[exp.Candidate] {
				s.logger.Debug("experiment %s skipped for key %s: candidate %s excluded",
					exp.Name, stableKey, exp.Candidate)
				return original, nil
			}
			s.logger.Debug("experiment %s diverted key %s: %s -> %s (bucket %.2f)",
				exp.Name, stableKey, original, exp.Candidate, bucket)
			s.emitter.ExperimentAssignment(ctx, events.ExperimentAssignmentEvent{
				Experiment: exp.Name,
				Original:   original,
				Assigned:   exp.Candidate,
				StableKey:  stableKey,
			})
			return exp.Candidate, exp
		}
		offset += exp.Percent
	}

	return original, nil
}

// Bucket maps a seed and stable key to a deterministic point in [0,100).
func Bucket(seed, stableKey string) float64 {
	h := fnv.New64a()
	h.Write([]byte(seed))
	h.Write([]byte{0})
	h.Write([]byte(stableKey))
	// Two decimal places of bucket resolution.
	return float64(h.Sum64()%10000) / 100.0
}
