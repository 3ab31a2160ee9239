package risk

import (
	"github.com/mbd888/fraudguard/internal/features"
)

// Classifier maps feature vectors and anomaly scores to risk tiers.
// It is stateless and safe for concurrent use.
type Classifier struct {
	th Thresholds
}

// NewClassifier creates a classifier with the given rules.
func NewClassifier(th Thresholds) *Classifier {
	if th.MinCriticalSignals <= 0 {
		th.MinCriticalSignals = 1
	}
	return &Classifier{th: th}
}

// Thresholds returns the rules in effect.
func (c *Classifier) Thresholds() Thresholds {
	return c.th
}

// Signals returns the strong signals present in v, in a fixed order.
func (c *Classifier) Signals(v features.Vector) []string {
	var signals []string
	if v.VelocityKmh > c.th.VelocityKmh {
		signals = append(signals, SignalImpossibleTravel)
	}
	if v.DistanceFromHomeKm > c.th.DistanceFromHomeKm {
		signals = append(signals, SignalFarFromHome)
	}
	if v.TxCount1h > c.th.CardTestingTxCount && v.DistinctMerchants1h > c.th.CardTestingMerchants {
		signals = append(signals, SignalCardTesting)
	}
	return signals
}

// Classify renders the decision. Rules are evaluated in priority order and
// the first match wins: CRÍTICO on enough strong signals, then ALTO and
// MÉDIO by score, otherwise BAIXO.
func (c *Classifier) Classify(v features.Vector, score float64) Decision {
	if d, ok := c.Heuristic(v); ok {
		d.AnomalyScore = score
		return d
	}

	level := LevelLow
	switch {
	case score < c.th.HighScore:
		level = LevelHigh
	case score < c.th.MediumScore:
		level = LevelMedium
	}
	return decision(level, score, c.Signals(v))
}

// Heuristic applies only the feature-based CRÍTICO rule. ok is false when
// it does not fire, in which case the tier depends on the anomaly score.
func (c *Classifier) Heuristic(v features.Vector) (Decision, bool) {
	signals := c.Signals(v)
	if len(signals) < c.th.MinCriticalSignals {
		return Decision{}, false
	}
	return decision(LevelCritical, 0, signals), true
}

func decision(level Level, score float64, signals []string) Decision {
	return Decision{
		AnomalyScore:   score,
		IsAnomaly:      level != LevelLow,
		Level:          level,
		Recommendation: level.Recommendation(),
		Signals:        signals,
	}
}
