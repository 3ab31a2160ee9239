// Package features derives the behavioral feature vector of a candidate
// transaction from the user's prior history.
//
// Computation is pure: the only clock it reads is the candidate's own
// timestamp, so identical inputs always produce identical vectors.
package features

import (
	"time"
)

// Feature names, in the canonical order used by Vector.Numeric.
const (
	HourOfDay                  = "hour_of_day"
	DayOfWeek                  = "day_of_week"
	IsWeekend                  = "is_weekend"
	IsUnusualHour              = "is_unusual_hour"
	TimeSinceLastTxSec         = "time_since_last_tx_sec"
	TxCountRolling1h           = "tx_count_rolling_1h_user"
	VelocityKmh                = "velocity_kmh"
	DistanceFromHomeKm         = "distance_from_home_km"
	Amount                     = "amount"
	UserAvgAmount7d            = "user_avg_amount_7d"
	UserStdAmount7d            = "user_std_amount_7d"
	SpendingZScore             = "spending_zscore"
	DistinctMerchantsRolling1h = "distinct_merchants_rolling_1h_user"
	IsNewMerchantCategory      = "is_new_merchant_category_user"
	RapidSequenceFlag          = "rapid_sequence_flag"
	ValueAnomalyFlag           = "value_anomaly_flag"
	CombinedAnomalyScore       = "combined_anomaly_score"
)

// Names lists every feature in canonical order.
var Names = []string{
	HourOfDay,
	DayOfWeek,
	IsWeekend,
	IsUnusualHour,
	TimeSinceLastTxSec,
	TxCountRolling1h,
	VelocityKmh,
	DistanceFromHomeKm,
	Amount,
	UserAvgAmount7d,
	UserStdAmount7d,
	SpendingZScore,
	DistinctMerchantsRolling1h,
	IsNewMerchantCategory,
	RapidSequenceFlag,
	ValueAnomalyFlag,
	CombinedAnomalyScore,
}

// ModelColumns is the subset of features the anomaly model was trained on,
// in the column order it expects.
var ModelColumns = []string{
	Amount,
	TimeSinceLastTxSec,
	UserAvgAmount7d,
	UserStdAmount7d,
	DistanceFromHomeKm,
	VelocityKmh,
	IsUnusualHour,
	SpendingZScore,
	HourOfDay,
	DayOfWeek,
	IsWeekend,
}

// MaxCombinedScore is the upper clamp of combined_anomaly_score.
const MaxCombinedScore = 15

// Vector is the fixed-shape feature set of one candidate transaction.
// Every field is populated, including for users without history.
type Vector struct {
	HourOfDay          int     `json:"hour_of_day"`
	DayOfWeek          int     `json:"day_of_week"` // 0=Monday, 6=Sunday
	IsWeekend          bool    `json:"is_weekend"`
	IsUnusualHour      bool    `json:"is_unusual_hour"`
	TimeSinceLastTxSec float64 `json:"time_since_last_tx_sec"`
	TxCount1h          int     `json:"tx_count_rolling_1h_user"`

	VelocityKmh        float64 `json:"velocity_kmh"`
	DistanceFromHomeKm float64 `json:"distance_from_home_km"`

	Amount          float64 `json:"amount"`
	UserAvgAmount7d float64 `json:"user_avg_amount_7d"`
	UserStdAmount7d float64 `json:"user_std_amount_7d"`
	SpendingZScore  float64 `json:"spending_zscore"`

	DistinctMerchants1h   int  `json:"distinct_merchants_rolling_1h_user"`
	IsNewMerchantCategory bool `json:"is_new_merchant_category_user"`

	RapidSequenceFlag    bool `json:"rapid_sequence_flag"`
	ValueAnomalyFlag     bool `json:"value_anomaly_flag"`
	CombinedAnomalyScore int  `json:"combined_anomaly_score"`
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Numeric returns all 17 features as float64 in the order of Names.
// Booleans map to 0 and 1.
func (v Vector) Numeric() []float64 {
	return []float64{
		float64(v.HourOfDay),
		float64(v.DayOfWeek),
		boolf(v.IsWeekend),
		boolf(v.IsUnusualHour),
		v.TimeSinceLastTxSec,
		float64(v.TxCount1h),
		v.VelocityKmh,
		v.DistanceFromHomeKm,
		v.Amount,
		v.UserAvgAmount7d,
		v.UserStdAmount7d,
		v.SpendingZScore,
		float64(v.DistinctMerchants1h),
		boolf(v.IsNewMerchantCategory),
		boolf(v.RapidSequenceFlag),
		boolf(v.ValueAnomalyFlag),
		float64(v.CombinedAnomalyScore),
	}
}

// Map returns name to numeric value for every feature.
func (v Vector) Map() map[string]float64 {
	values := v.Numeric()
	m := make(map[string]float64, len(Names))
	for i, name := range Names {
		m[name] = values[i]
	}
	return m
}

// ModelInput returns the ModelColumns subset, in column order.
func (v Vector) ModelInput() []float64 {
	m := v.Map()
	out := make([]float64, len(ModelColumns))
	for i, name := range ModelColumns {
		out[i] = m[name]
	}
	return out
}

// Weights are the points each signal adds to combined_anomaly_score.
type Weights struct {
	UnusualHour         int `json:"unusual_hour"`
	RapidSequence       int `json:"rapid_sequence"`
	ValueAnomaly        int `json:"value_anomaly"`
	NewMerchantCategory int `json:"new_merchant_category"`
	ImpossibleTravel    int `json:"impossible_travel"`
	Burst               int `json:"burst"`
	ExtremeZScore       int `json:"extreme_zscore"`
	Weekend             int `json:"weekend"`
}

// DefaultWeights returns the production scoring weights.
func DefaultWeights() Weights {
	return Weights{
		UnusualHour:         2,
		RapidSequence:       3,
		ValueAnomaly:        3,
		NewMerchantCategory: 1,
		ImpossibleTravel:    3,
		Burst:               2,
		ExtremeZScore:       1,
		Weekend:             0,
	}
}

// Config holds every tunable constant of the feature computation.
type Config struct {
	// Location is the reference timezone for the calendar features.
	Location *time.Location

	ShortWindow    time.Duration // tx count and distinct merchants
	SpendingWindow time.Duration // average, std and z-score

	// NoHistoryGap is time_since_last_tx when there is no prior transaction.
	NoHistoryGap time.Duration

	// Unusual hours are [UnusualHourStart, UnusualHourEnd) local time.
	UnusualHourStart int
	UnusualHourEnd   int

	VelocityCapKmh float64
	StdFloor       float64

	RapidSequence       time.Duration
	MicroAmount         float64
	HighValueMultiplier float64
	HighValueFloor      float64 // used when the 7d average is 0

	// Thresholds of the composite-only signals.
	ImpossibleTravelKmh float64
	BurstCount          int
	ExtremeZScore       float64

	Weights Weights
}

// DefaultConfig returns the configuration used in production.
func DefaultConfig() Config {
	return Config{
		Location:            time.UTC,
		ShortWindow:         time.Hour,
		SpendingWindow:      7 * 24 * time.Hour,
		NoHistoryGap:        24 * time.Hour,
		UnusualHourStart:    2,
		UnusualHourEnd:      5,
		VelocityCapKmh:      1e6,
		StdFloor:            1.0,
		RapidSequence:       time.Minute,
		MicroAmount:         5.00,
		HighValueMultiplier: 5,
		HighValueFloor:      5000.00,
		ImpossibleTravelKmh: 800,
		BurstCount:          5,
		ExtremeZScore:       3,
		Weights:             DefaultWeights(),
	}
}
