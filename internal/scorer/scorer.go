// Package scorer is the boundary to the external anomaly model.
//
// The model is unsupervised: lower (more negative) scores mean a more
// anomalous transaction. fraudguard never trains or loads it; it only asks
// a running model service for a score.
package scorer

import (
	"context"
	"errors"

	"github.com/mbd888/fraudguard/internal/features"
)

// ErrScorerUnavailable wraps every failure to obtain a score.
var ErrScorerUnavailable = errors.New("anomaly scorer unavailable")

// Scorer returns the anomaly score of a feature vector.
type Scorer interface {
	Score(ctx context.Context, v features.Vector) (float64, error)
}

// Func adapts a plain function to Scorer.
type Func func(ctx context.Context, v features.Vector) (float64, error)

func (f Func) Score(ctx context.Context, v features.Vector) (float64, error) {
	return f(ctx, v)
}

// Static always returns the same score.
type Static float64

func (s Static) Score(context.Context, features.Vector) (float64, error) {
	return float64(s), nil
}

// Unavailable is used when no model is configured. Every call fails with
// ErrScorerUnavailable, leaving only the feature-based rules.
type Unavailable struct{}

func (Unavailable) Score(context.Context, features.Vector) (float64, error) {
	return 0, ErrScorerUnavailable
}
