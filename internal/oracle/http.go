package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"rudder/internal/logging"
)

// HTTPOracle calls a remote classifier over HTTP. The request context is
// POSTed as JSON and the response is expected to carry a label and a
// confidence. Classifier services fronted by language models occasionally
// return slightly malformed JSON; responses that fail strict decoding are
// run through jsonrepair before giving up.
type HTTPOracle struct {
	endpoint string
	client   *http.Client
	logger   logging.Logger
}

// HTTPOption configures an HTTPOracle.
type HTTPOption func(*HTTPOracle)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(o *HTTPOracle) {
		o.client = client
	}
}

// WithHTTPLogger sets the oracle logger.
func WithHTTPLogger(logger logging.Logger) HTTPOption {
	return func(o *HTTPOracle) {
		o.logger = logger
	}
}

// NewHTTPOracle creates an HTTPOracle for the given classify endpoint.
func NewHTTPOracle(endpoint string, opts ...HTTPOption) *HTTPOracle {
	o := &HTTPOracle{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logging.NewComponentLogger("oracle"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type classifyRequest struct {
	Context map[string]any `json:"context"`
}

type classifyResponse struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classify implements Oracle.
func (o *HTTPOracle) Classify(ctx context.Context, reqCtx map[string]any) (Classification, error) {
	body, err := json.Marshal(classifyRequest{Context: reqCtx})
	if err != nil {
		return Classification{}, fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return Classification{}, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return Classification{}, fmt.Errorf("classify call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Classification{}, fmt.Errorf("classify call returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Classification{}, fmt.Errorf("read classify response: %w", err)
	}

	var decoded classifyResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(string(data))
		if repairErr != nil {
			return Classification{}, fmt.Errorf("malformed classify response: %w", err)
		}
		o.logger.Warn("classify response required JSON repair")
		if err := json.Unmarshal([]byte(repaired), &decoded); err != nil {
			return Classification{}, fmt.Errorf("malformed classify response after repair: %w", err)
		}
	}

	if decoded.Label == "" {
		return Classification{}, fmt.Errorf("classify response missing label")
	}
	if decoded.Confidence < 0 || decoded.Confidence > 1 {
		return Classification{}, fmt.Errorf("classify confidence %v out of range", decoded.Confidence)
	}

	return Classification{Label: decoded.Label, Confidence: decoded.Confidence}, nil
}
