package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/features"
	"github.com/mbd888/fraudguard/internal/retry"
)

// BreakerKey is the circuit breaker key of the model service.
const BreakerKey = "scorer"

// DefaultTimeout bounds a single call to the model service.
const DefaultTimeout = 500 * time.Millisecond

const maxResponseBytes = 64 << 10

// scoreRequest is the body sent to the model service. Columns and Vector
// carry the model's training columns in order; Features has all of them.
type scoreRequest struct {
	Columns  []string           `json:"columns"`
	Vector   []float64          `json:"vector"`
	Features map[string]float64 `json:"features"`
}

type scoreResponse struct {
	AnomalyScore *float64 `json:"anomaly_score"`
}

// HTTPScorer calls a model service over HTTP with retries, guarded by a
// circuit breaker.
type HTTPScorer struct {
	url     string
	client  *http.Client
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

// Option configures an HTTPScorer.
type Option func(*HTTPScorer)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *HTTPScorer) { s.client = c }
}

// WithRetryPolicy replaces retry.DefaultPolicy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *HTTPScorer) { s.policy = p }
}

// NewHTTPScorer creates a scorer for the model service at url. A nil
// breaker disables circuit breaking.
func NewHTTPScorer(url string, timeout time.Duration, breaker *circuitbreaker.Breaker, opts ...Option) *HTTPScorer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &HTTPScorer{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		policy:  retry.DefaultPolicy,
		breaker: breaker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score asks the model for the anomaly score of v. Any failure, including
// an open circuit, is returned wrapped in ErrScorerUnavailable.
func (s *HTTPScorer) Score(ctx context.Context, v features.Vector) (float64, error) {
	body, err := json.Marshal(scoreRequest{
		Columns:  features.ModelColumns,
		Vector:   v.ModelInput(),
		Features: v.Map(),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: encode request: %v", ErrScorerUnavailable, err)
	}

	var score float64
	call := func(ctx context.Context) error {
		return s.policy.Do(ctx, func(ctx context.Context) error {
			var err error
			score, err = s.post(ctx, body)
			return err
		})
	}

	if s.breaker != nil {
		err = s.breaker.Call(ctx, BreakerKey, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrScorerUnavailable, err)
	}
	return score, nil
}

func (s *HTTPScorer) post(ctx context.Context, body []byte) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, retry.Permanent(ctx.Err())
		}
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, err
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return 0, fmt.Errorf("model service returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return 0, retry.Permanent(fmt.Errorf("model service returned %d", resp.StatusCode))
	}

	var out scoreResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if out.AnomalyScore == nil {
		return 0, retry.Permanent(fmt.Errorf("response has no anomaly_score"))
	}
	if math.IsNaN(*out.AnomalyScore) || math.IsInf(*out.AnomalyScore, 0) {
		return 0, retry.Permanent(fmt.Errorf("non-finite anomaly_score"))
	}
	return *out.AnomalyScore, nil
}

// Healthy reports whether the breaker currently lets calls through.
func (s *HTTPScorer) Healthy() bool {
	return s.breaker == nil || s.breaker.State(BreakerKey) != circuitbreaker.StateOpen
}
