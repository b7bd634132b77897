package policy

import (
	"sync/atomic"
)

// Holder publishes the current policy to concurrent readers. Replacement is
// an atomic whole-object swap: route calls already in flight keep the policy
// reference they started with and never observe a half-updated document.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder creates a Holder seeded with the given policy.
func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	h.current.Store(p)
	return h
}

// Current returns the policy new route calls should use.
func (h *Holder) Current() *Policy {
	return h.current.Load()
}

// Replace swaps in a new policy and returns the previous one. The caller is
// responsible for having validated the replacement.
func (h *Holder) Replace(p *Policy) *Policy {
	return h.current.Swap(p)
}
