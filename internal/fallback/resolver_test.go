package fallback

import (
	"testing"
)

func availabilityOf(open ...string) Availability {
	down := map[string]bool{}
	for _, target := range open {
		down[target] = true
	}
	return AvailabilityFunc(func(target string) bool {
		return !down[target]
	})
}

func TestNextViableFirstAvailable(t *testing.T) {
	chain := []string{"t2", "t3", "t4"}

	got, ok := NextViable(chain, map[string]bool{}, availabilityOf())
	if !ok || got != "t2" {
		t.Fatalf("NextViable = %q/%v, want t2", got, ok)
	}
}

func TestNextViableSkipsUnavailable(t *testing.T) {
	chain := []string{"t2", "t3", "t4"}
	rejected := map[string]bool{}

	got, ok := NextViable(chain, rejected, availabilityOf("t2"))
	if !ok || got != "t3" {
		t.Fatalf("NextViable = %q/%v, want t3", got, ok)
	}
	// The skipped target joins the rejection set so a re-walk cannot
	// revisit it.
	if !rejected["t2"] {
		t.Fatalf("unavailable target should be recorded as rejected")
	}
}

func TestNextViableSkipsRejected(t *testing.T) {
	chain := []string{"t2", "t3", "t4"}
	rejected := map[string]bool{"t2": true, "t3": true}

	got, ok := NextViable(chain, rejected, availabilityOf())
	if !ok || got != "t4" {
		t.Fatalf("NextViable = %q/%v, want t4", got, ok)
	}
}

func TestNextViableExhausted(t *testing.T) {
	chain := []string{"t2", "t3"}

	if got, ok := NextViable(chain, map[string]bool{}, availabilityOf("t2", "t3")); ok {
		t.Fatalf("exhausted chain should yield none, got %q", got)
	}
}

func TestNextViableEmptyChain(t *testing.T) {
	if got, ok := NextViable(nil, map[string]bool{}, availabilityOf()); ok {
		t.Fatalf("empty chain should yield none, got %q", got)
	}
}

func TestRepeatedWalksNeverRepeatTargets(t *testing.T) {
	chain := []string{"t2", "t3", "t4"}
	rejected := map[string]bool{}
	seen := map[string]int{}

	for {
		got, ok := NextViable(chain, rejected, availabilityOf())
		if !ok {
			break
		}
		seen[got]++
		rejected[got] = true
	}

	for target, n := range seen {
		if n > 1 {
			t.Fatalf("target %s yielded %d times in one walk", target, n)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 targets once, got %v", seen)
	}
}
