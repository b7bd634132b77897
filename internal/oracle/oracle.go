// Package oracle defines the classification oracle contract the router
// consults when no static rule matches a request. The oracle itself is an
// external collaborator; this package holds the interface, an HTTP adapter,
// and test doubles.
package oracle

import (
	"context"
)

// Classification is the oracle's verdict for a request context.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"` // in [0,1]
}

// Oracle classifies a request context. Any returned error is treated
// uniformly by the router as "classifier unavailable"; a context
// cancellation must abort the call promptly.
type Oracle interface {
	Classify(ctx context.Context, reqCtx map[string]any) (Classification, error)
}

// Func adapts a plain function to the Oracle interface.
type Func func(ctx context.Context, reqCtx map[string]any) (Classification, error)

func (f Func) Classify(ctx context.Context, reqCtx map[string]any) (Classification, error) {
	return f(ctx, reqCtx)
}
