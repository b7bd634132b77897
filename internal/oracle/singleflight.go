package oracle

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/singleflight"
)

// ContextKey derives a dedup key from the full request context. Map keys
// marshal in sorted order, so equal contexts produce equal keys.
func ContextKey(reqCtx map[string]any) string {
	data, err := json.Marshal(reqCtx)
	if err != nil {
		return ""
	}
	return string(data)
}

// Deduped collapses concurrent Classify calls that share the same dedup key
// into a single upstream call. Useful when a burst of requests for the same
// session would otherwise hit the oracle simultaneously.
type Deduped struct {
	inner Oracle
	keyFn func(reqCtx map[string]any) string
	group singleflight.Group
}

// NewDeduped wraps inner with call collapsing. keyFn derives the dedup key
// from the request context; an empty key disables collapsing for that call.
func NewDeduped(inner Oracle, keyFn func(reqCtx map[string]any) string) *Deduped {
	return &Deduped{inner: inner, keyFn: keyFn}
}

// Classify implements Oracle.
func (d *Deduped) Classify(ctx context.Context, reqCtx map[string]any) (Classification, error) {
	key := ""
	if d.keyFn != nil {
		key = d.keyFn(reqCtx)
	}
	if key == "" {
		return d.inner.Classify(ctx, reqCtx)
	}

	result, err, _ := d.group.Do(key, func() (any, error) {
		return d.inner.Classify(ctx, reqCtx)
	})
	if err != nil {
		return Classification{}, err
	}
	return result.(Classification), nil
}
