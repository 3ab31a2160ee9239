// Package risk implements the risk classification of scored transactions.
//
// A transaction's feature vector and the anomaly model's score are mapped to
// one of four ordered tiers: BAIXO < MÉDIO < ALTO < CRÍTICO. CRÍTICO is
// decided from the features alone, so it is still available when the
// anomaly model is not. Every decision is kept as an audit Record.
package risk

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/fraudguard/internal/features"
	"github.com/mbd888/fraudguard/internal/pagination"
)

// ErrNotFound is returned when a decision record does not exist.
var ErrNotFound = errors.New("risk: decision not found")

// Level is a risk tier.
type Level string

const (
	LevelLow      Level = "BAIXO"
	LevelMedium   Level = "MÉDIO"
	LevelHigh     Level = "ALTO"
	LevelCritical Level = "CRÍTICO"
)

// Levels lists every tier in ascending severity.
var Levels = []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}

// Severity orders tiers; unknown levels rank below BAIXO.
func (l Level) Severity() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether l is as severe as other.
func (l Level) AtLeast(other Level) bool {
	return l.Severity() >= other.Severity()
}

// ParseLevel accepts a tier name with or without accents, any case.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BAIXO":
		return LevelLow, true
	case "MÉDIO", "MEDIO":
		return LevelMedium, true
	case "ALTO":
		return LevelHigh, true
	case "CRÍTICO", "CRITICO":
		return LevelCritical, true
	}
	return "", false
}

// Recommendations per tier, as shown to analysts.
const (
	RecommendBlock      = "BLOQUEAR transação e LIGAR para cliente imediatamente"
	RecommendHighReview = "Enviar para FILA DE ANÁLISE HUMANA (prioridade alta)"
	RecommendReview     = "Enviar para FILA DE ANÁLISE HUMANA (prioridade normal)"
	RecommendApprove    = "APROVAR automaticamente"
)

// Recommendation returns the action associated with a tier.
func (l Level) Recommendation() string {
	switch l {
	case LevelCritical:
		return RecommendBlock
	case LevelHigh:
		return RecommendHighReview
	case LevelMedium:
		return RecommendReview
	default:
		return RecommendApprove
	}
}

// Names of the strong signals behind a CRÍTICO decision.
const (
	SignalImpossibleTravel = "impossible_travel"
	SignalFarFromHome      = "far_from_home"
	SignalCardTesting      = "card_testing"
)

// Thresholds are the business rules of the classifier.
type Thresholds struct {
	VelocityKmh          float64 `json:"velocity_kmh"`
	DistanceFromHomeKm   float64 `json:"distance_from_home_km"`
	CardTestingTxCount   int     `json:"card_testing_tx_count"`
	CardTestingMerchants int     `json:"card_testing_merchants"`
	MinCriticalSignals   int     `json:"min_critical_signals"`
	HighScore            float64 `json:"high_score"`   // ALTO below this score
	MediumScore          float64 `json:"medium_score"` // MÉDIO below this score
}

// DefaultThresholds returns the production rules.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VelocityKmh:          800,
		DistanceFromHomeKm:   5000,
		CardTestingTxCount:   5,
		CardTestingMerchants: 3,
		MinCriticalSignals:   2,
		HighScore:            -0.2,
		MediumScore:          0,
	}
}

// Decision is the verdict on one transaction.
type Decision struct {
	AnomalyScore   float64  `json:"anomaly_score"`
	IsAnomaly      bool     `json:"is_anomaly"`
	Level          Level    `json:"risk_level"`
	Recommendation string   `json:"recommendation"`
	Signals        []string `json:"signals,omitempty"`
}

// Record is the audit trail entry of a decision.
type Record struct {
	ID                 string          `json:"id"`
	TransactionID      string          `json:"transaction_id"`
	UserID             string          `json:"user_id"`
	Decision           Decision        `json:"decision"`
	Features           features.Vector `json:"features"`
	HistoryUnavailable bool            `json:"history_unavailable"`
	ScorerUnavailable  bool            `json:"scorer_unavailable"`
	DecidedAt          time.Time       `json:"decided_at"`
}

// Store persists decision records.
type Store interface {
	Record(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// ListByUser returns up to limit records, newest first, strictly after
	// cursor in that order. A nil cursor starts from the newest.
	ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Record, error)
}
