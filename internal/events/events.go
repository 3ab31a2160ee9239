// Package events fans risk decisions out to downstream consumers: the
// Kafka topic read by case management and the live analyst review feed.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudguard/internal/risk"
	"github.com/mbd888/fraudguard/internal/transaction"
)

// TypeDecision is the type of every decision event.
const TypeDecision = "risk.decision"

// Event describes one rendered decision and the transaction behind it.
type Event struct {
	Type           string     `json:"type"`
	DecisionID     string     `json:"decision_id"`
	TransactionID  string     `json:"transaction_id"`
	UserID         string     `json:"user_id"`
	RiskLevel      risk.Level `json:"risk_level"`
	AnomalyScore   float64    `json:"anomaly_score"`
	IsAnomaly      bool       `json:"is_anomaly"`
	Recommendation string     `json:"recommendation"`
	Signals        []string   `json:"signals,omitempty"`

	Amount           decimal.Decimal `json:"amount"`
	MerchantName     string          `json:"merchant_name"`
	MerchantCategory string          `json:"merchant_category"`
	Latitude         float64         `json:"latitude"`
	Longitude        float64         `json:"longitude"`
	OccurredAt       time.Time       `json:"occurred_at"`

	VelocityKmh          float64 `json:"velocity_kmh"`
	DistanceFromHomeKm   float64 `json:"distance_from_home_km"`
	CombinedAnomalyScore int     `json:"combined_anomaly_score"`

	HistoryUnavailable bool      `json:"history_unavailable"`
	ScorerUnavailable  bool      `json:"scorer_unavailable"`
	DecidedAt          time.Time `json:"decided_at"`
}

// FromRecord builds the event of a persisted decision.
func FromRecord(rec *risk.Record, tx transaction.Transaction) Event {
	return Event{
		Type:                 TypeDecision,
		DecisionID:           rec.ID,
		TransactionID:        rec.TransactionID,
		UserID:               rec.UserID,
		RiskLevel:            rec.Decision.Level,
		AnomalyScore:         rec.Decision.AnomalyScore,
		IsAnomaly:            rec.Decision.IsAnomaly,
		Recommendation:       rec.Decision.Recommendation,
		Signals:              rec.Decision.Signals,
		Amount:               tx.Amount,
		MerchantName:         tx.MerchantName,
		MerchantCategory:     tx.MerchantCategory,
		Latitude:             tx.Latitude,
		Longitude:            tx.Longitude,
		OccurredAt:           tx.Timestamp,
		VelocityKmh:          rec.Features.VelocityKmh,
		DistanceFromHomeKm:   rec.Features.DistanceFromHomeKm,
		CombinedAnomalyScore: rec.Features.CombinedAnomalyScore,
		HistoryUnavailable:   rec.HistoryUnavailable,
		ScorerUnavailable:    rec.ScorerUnavailable,
		DecidedAt:            rec.DecidedAt,
	}
}

// Publisher delivers decision events. Publish must not block on slow
// consumers; delivery failures surface asynchronously where possible.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher, returning the joined errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
