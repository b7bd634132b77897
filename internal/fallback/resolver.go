// Package fallback resolves the next viable target from an ordered fallback
// chain, skipping targets already rejected in the current route call and
// targets gated by their circuit breakers.
package fallback

// Availability reports whether a target may be routed to right now. The
// circuit breaker registry satisfies this.
type Availability interface {
	IsAvailable(target string) bool
}

// AvailabilityFunc adapts a function to the Availability interface.
type AvailabilityFunc func(target string) bool

func (f AvailabilityFunc) IsAvailable(target string) bool {
	return f(target)
}

// NextViable walks chain left to right and returns the first target that is
// neither in rejected nor unavailable. The second return is false when the
// chain is exhausted; the router surfaces that as the terminal
// all-routes-exhausted condition instead of retrying.
//
// A target consulted and found unavailable is added to rejected, so it is
// never consulted twice within the same route call.
func NextViable(chain []string, rejected map[string]bool, availability Availability) (string, bool) {
	for _, target := range chain {
		if rejected[target] {
			continue
		}
		if !availability.IsAvailable(target) {
			rejected[target] = true
			continue
		}
		return target, true
	}
	return "", false
}
