// Package detection renders fraud risk decisions for card transactions.
//
// A prediction runs the full pipeline: validate the request, read the user's
// history, compute the feature vector, ask the anomaly model for a score,
// classify, then record the transaction and the decision and publish the
// decision downstream. Two collaborators may fail without failing the
// request:
//
//   - history: the decision proceeds as if the user had no history and is
//     flagged history_unavailable;
//   - anomaly model: the feature-only CRÍTICO rule still applies. When it
//     fires the decision is flagged scorer_unavailable; otherwise the
//     request fails with scorer.ErrScorerUnavailable.
package detection

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudguard/internal/features"
	"github.com/mbd888/fraudguard/internal/risk"
	"github.com/mbd888/fraudguard/internal/transaction"
	"github.com/mbd888/fraudguard/internal/validation"
)

// MaxBatchSize bounds the number of transactions in one batch request.
const MaxBatchSize = 1000

// Request is a transaction submitted for scoring.
type Request struct {
	TransactionID    string          `json:"transaction_id,omitempty"`
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	MerchantName     string          `json:"merchant_name"`
	MerchantCategory string          `json:"merchant_category"`
	Latitude         float64         `json:"latitude"`
	Longitude        float64         `json:"longitude"`
	// Timestamp is ISO-8601. Empty means the time the request is received.
	Timestamp string `json:"timestamp,omitempty"`
}

// Validate checks the request fields.
func (r Request) Validate() validation.ValidationErrors {
	return validation.Validate(
		validation.Required("user_id", r.UserID),
		validation.Identifier("user_id", r.UserID),
		validation.Identifier("transaction_id", r.TransactionID),
		validation.PositiveAmount("amount", r.Amount),
		validation.InRange("latitude", r.Latitude, -90, 90),
		validation.InRange("longitude", r.Longitude, -180, 180),
		validation.MaxLength("merchant_name", r.MerchantName, validation.MaxStringLength),
		validation.MaxLength("merchant_category", r.MerchantCategory, validation.MaxStringLength),
	)
}

// Transaction converts the request. Timestamps without an offset are read
// in loc; an empty timestamp becomes now.
func (r Request) Transaction(loc *time.Location, now time.Time) (transaction.Transaction, error) {
	if errs := r.Validate(); len(errs) > 0 {
		return transaction.Transaction{}, fmt.Errorf("%w: %w", transaction.ErrInvalidInput, errs)
	}
	ts, err := transaction.ParseTimestamp(r.Timestamp, loc, now)
	if err != nil {
		return transaction.Transaction{}, err
	}
	tx := transaction.Transaction{
		ID:               r.TransactionID,
		UserID:           r.UserID,
		Amount:           r.Amount,
		MerchantName:     validation.SanitizeString(r.MerchantName, validation.MaxStringLength),
		MerchantCategory: validation.SanitizeString(r.MerchantCategory, validation.MaxStringLength),
		Latitude:         r.Latitude,
		Longitude:        r.Longitude,
		Timestamp:        ts,
	}
	if err := tx.Validate(); err != nil {
		return transaction.Transaction{}, err
	}
	return tx, nil
}

// FeatureSummary is the subset of the feature vector returned to callers.
type FeatureSummary struct {
	VelocityKmh         float64 `json:"velocity_kmh"`
	DistanceFromHomeKm  float64 `json:"distance_from_home_km"`
	SpendingZScore      float64 `json:"spending_zscore"`
	TxCount1h           int     `json:"tx_count_1h"`
	DistinctMerchants1h int     `json:"distinct_merchants_1h"`
}

func summarize(v features.Vector) FeatureSummary {
	return FeatureSummary{
		VelocityKmh:         v.VelocityKmh,
		DistanceFromHomeKm:  v.DistanceFromHomeKm,
		SpendingZScore:      v.SpendingZScore,
		TxCount1h:           v.TxCount1h,
		DistinctMerchants1h: v.DistinctMerchants1h,
	}
}

// Metadata tells operators how a decision was reached.
type Metadata struct {
	HistoryUnavailable   bool     `json:"history_unavailable"`
	ScorerUnavailable    bool     `json:"scorer_unavailable"`
	Signals              []string `json:"signals"`
	CombinedAnomalyScore int      `json:"combined_anomaly_score"`
	HistorySize          int      `json:"history_size"`
}

// Result is the response to one prediction.
type Result struct {
	DecisionID     string         `json:"decision_id"`
	TransactionID  string         `json:"transaction_id"`
	AnomalyScore   float64        `json:"anomaly_score"`
	IsAnomaly      bool           `json:"is_anomaly"`
	RiskLevel      risk.Level     `json:"risk_level"`
	Recommendation string         `json:"recommendation"`
	Features       FeatureSummary `json:"features"`
	Metadata       Metadata       `json:"metadata"`
	DecidedAt      time.Time      `json:"decided_at"`
}

func newResult(rec *risk.Record, historySize int) *Result {
	signals := rec.Decision.Signals
	if signals == nil {
		signals = []string{}
	}
	return &Result{
		DecisionID:     rec.ID,
		TransactionID:  rec.TransactionID,
		AnomalyScore:   rec.Decision.AnomalyScore,
		IsAnomaly:      rec.Decision.IsAnomaly,
		RiskLevel:      rec.Decision.Level,
		Recommendation: rec.Decision.Recommendation,
		Features:       summarize(rec.Features),
		Metadata: Metadata{
			HistoryUnavailable:   rec.HistoryUnavailable,
			ScorerUnavailable:    rec.ScorerUnavailable,
			Signals:              signals,
			CombinedAnomalyScore: rec.Features.CombinedAnomalyScore,
			HistorySize:          historySize,
		},
		DecidedAt: rec.DecidedAt,
	}
}

// BatchOptions controls PredictBatch.
type BatchOptions struct {
	// AccumulateHistory records each element before the next one reads
	// history, so later elements see earlier ones. When false every element
	// is scored against the history as it stood before the batch and all
	// elements are recorded afterwards.
	AccumulateHistory bool
}

// DefaultBatchOptions accumulates history.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{AccumulateHistory: true}
}

// BatchItem is the outcome of one batch element: exactly one of Result and
// Err is set.
type BatchItem struct {
	Result *Result
	Err    error
}

// Explanation is the full feature view of a transaction, without scoring.
type Explanation struct {
	TransactionID      string             `json:"transaction_id,omitempty"`
	UserID             string             `json:"user_id"`
	Timestamp          time.Time          `json:"timestamp"`
	Features           features.Vector    `json:"features"`
	ModelColumns       []string           `json:"model_columns"`
	ModelInput         []float64          `json:"model_input"`
	Signals            []string           `json:"signals"`
	Thresholds         risk.Thresholds    `json:"thresholds"`
	HistoryUnavailable bool               `json:"history_unavailable"`
	HistorySize        int                `json:"history_size"`
	Weights            features.Weights   `json:"weights"`
	Values             map[string]float64 `json:"values"`
}
