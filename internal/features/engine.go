package features

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/w0rng/gofeat"

	"github.com/mbd888/fraudguard/internal/transaction"
)

const (
	fieldAmount   = "amount"
	fieldMerchant = "merchant"
)

// Engine computes feature vectors. It holds only configuration and is safe
// for concurrent use.
type Engine struct {
	cfg           Config
	shortWindow   gofeat.Window
	spendWindow   gofeat.Window
	upToCandidate gofeat.Window
	microAmount   decimal.Decimal
}

// NewEngine creates a feature engine. Zero fields of cfg take the defaults,
// except Weights, which are used as given: all-zero weights turn the
// composite score off. Start from DefaultConfig to get the default weights.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.ShortWindow <= 0 {
		cfg.ShortWindow = def.ShortWindow
	}
	if cfg.SpendingWindow <= 0 {
		cfg.SpendingWindow = def.SpendingWindow
	}
	if cfg.NoHistoryGap <= 0 {
		cfg.NoHistoryGap = def.NoHistoryGap
	}
	if cfg.UnusualHourStart == 0 && cfg.UnusualHourEnd == 0 {
		cfg.UnusualHourStart, cfg.UnusualHourEnd = def.UnusualHourStart, def.UnusualHourEnd
	}
	if cfg.VelocityCapKmh <= 0 {
		cfg.VelocityCapKmh = def.VelocityCapKmh
	}
	if cfg.StdFloor <= 0 {
		cfg.StdFloor = def.StdFloor
	}
	if cfg.RapidSequence <= 0 {
		cfg.RapidSequence = def.RapidSequence
	}
	if cfg.MicroAmount <= 0 {
		cfg.MicroAmount = def.MicroAmount
	}
	if cfg.HighValueMultiplier <= 0 {
		cfg.HighValueMultiplier = def.HighValueMultiplier
	}
	if cfg.HighValueFloor <= 0 {
		cfg.HighValueFloor = def.HighValueFloor
	}
	if cfg.ImpossibleTravelKmh <= 0 {
		cfg.ImpossibleTravelKmh = def.ImpossibleTravelKmh
	}
	if cfg.BurstCount <= 0 {
		cfg.BurstCount = def.BurstCount
	}
	if cfg.ExtremeZScore <= 0 {
		cfg.ExtremeZScore = def.ExtremeZScore
	}

	return &Engine{
		cfg:           cfg,
		shortWindow:   gofeat.Sliding(cfg.ShortWindow),
		spendWindow:   gofeat.Sliding(cfg.SpendingWindow),
		upToCandidate: gofeat.Lifetime(),
		microAmount:   decimal.NewFromFloat(cfg.MicroAmount),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Compute derives the feature vector of tx from the user's prior history.
// history need not be sorted; entries of other users, entries later than
// tx and tx itself (same ID) are ignored. Only invalid transactions fail.
func (e *Engine) Compute(tx transaction.Transaction, history []transaction.Transaction) (Vector, error) {
	if err := tx.Validate(); err != nil {
		return Vector{}, err
	}

	prior := e.prior(tx, history)
	events := make([]gofeat.Event, len(prior))
	for i, p := range prior {
		events[i] = gofeat.Event{
			Timestamp: p.Timestamp,
			Data: map[string]any{
				fieldAmount:   p.AmountFloat(),
				fieldMerchant: p.MerchantName,
			},
		}
	}
	events = e.upToCandidate.Select(events, tx.Timestamp)

	var v Vector
	e.temporal(&v, tx, prior)
	e.geospatial(&v, tx, prior)
	e.spending(&v, tx, e.spendWindow.Select(events, tx.Timestamp))
	e.merchant(&v, tx, prior, e.shortWindow.Select(events, tx.Timestamp))
	e.composite(&v, tx)
	return v, nil
}

// prior returns a sorted copy of the history strictly relevant to tx.
func (e *Engine) prior(tx transaction.Transaction, history []transaction.Transaction) []transaction.Transaction {
	out := make([]transaction.Transaction, 0, len(history))
	for _, h := range history {
		if h.UserID != "" && h.UserID != tx.UserID {
			continue
		}
		if tx.ID != "" && h.ID == tx.ID {
			continue
		}
		if h.Timestamp.After(tx.Timestamp) {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (e *Engine) temporal(v *Vector, tx transaction.Transaction, prior []transaction.Transaction) {
	local := tx.Timestamp.In(e.cfg.Location)
	v.HourOfDay = local.Hour()
	v.DayOfWeek = (int(local.Weekday()) + 6) % 7
	v.IsWeekend = v.DayOfWeek >= 5
	v.IsUnusualHour = inHourRange(v.HourOfDay, e.cfg.UnusualHourStart, e.cfg.UnusualHourEnd)

	v.TimeSinceLastTxSec = e.cfg.NoHistoryGap.Seconds()
	if len(prior) > 0 {
		v.TimeSinceLastTxSec = tx.Timestamp.Sub(prior[len(prior)-1].Timestamp).Seconds()
	}
}

// inHourRange reports whether hour is in [start, end), wrapping midnight
// when start > end.
func inHourRange(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (e *Engine) geospatial(v *Vector, tx transaction.Transaction, prior []transaction.Transaction) {
	if len(prior) == 0 {
		return
	}
	home := prior[0]
	v.DistanceFromHomeKm = HaversineKm(home.Latitude, home.Longitude, tx.Latitude, tx.Longitude)

	last := prior[len(prior)-1]
	dist := HaversineKm(last.Latitude, last.Longitude, tx.Latitude, tx.Longitude)
	v.VelocityKmh = velocityKmh(dist, tx.Timestamp.Sub(last.Timestamp).Seconds(), e.cfg.VelocityCapKmh)
}

func (e *Engine) spending(v *Vector, tx transaction.Transaction, window []gofeat.Event) {
	v.Amount = tx.AmountFloat()

	amounts := make([]float64, 0, len(window))
	for _, ev := range window {
		if a, ok := ev.Data[fieldAmount].(float64); ok {
			amounts = append(amounts, a)
		}
	}
	if len(amounts) == 0 {
		return
	}

	var sum float64
	for _, a := range amounts {
		sum += a
	}
	avg := sum / float64(len(amounts))
	v.UserAvgAmount7d = avg
	if len(amounts) < 2 {
		return
	}

	var sq float64
	for _, a := range amounts {
		sq += (a - avg) * (a - avg)
	}
	std := math.Sqrt(sq / float64(len(amounts)))
	v.UserStdAmount7d = std
	v.SpendingZScore = (v.Amount - avg) / math.Max(std, e.cfg.StdFloor)
}

func (e *Engine) merchant(v *Vector, tx transaction.Transaction, prior []transaction.Transaction, window []gofeat.Event) {
	v.TxCount1h = len(window)

	seen := make(map[string]struct{}, len(window))
	for _, ev := range window {
		if name, ok := ev.Data[fieldMerchant].(string); ok {
			seen[name] = struct{}{}
		}
	}
	v.DistinctMerchants1h = len(seen)

	v.IsNewMerchantCategory = true
	for _, p := range prior {
		if p.MerchantCategory == tx.MerchantCategory {
			v.IsNewMerchantCategory = false
			break
		}
	}
}

func (e *Engine) composite(v *Vector, tx transaction.Transaction) {
	v.RapidSequenceFlag = v.TimeSinceLastTxSec < e.cfg.RapidSequence.Seconds()

	switch {
	case tx.Amount.LessThan(e.microAmount):
		v.ValueAnomalyFlag = true
	case v.UserAvgAmount7d > 0:
		v.ValueAnomalyFlag = v.Amount > e.cfg.HighValueMultiplier*v.UserAvgAmount7d
	default:
		v.ValueAnomalyFlag = v.Amount > e.cfg.HighValueFloor
	}

	w := e.cfg.Weights
	score := 0
	add := func(cond bool, points int) {
		if cond {
			score += points
		}
	}
	add(v.IsUnusualHour, w.UnusualHour)
	add(v.RapidSequenceFlag, w.RapidSequence)
	add(v.ValueAnomalyFlag, w.ValueAnomaly)
	add(v.IsNewMerchantCategory, w.NewMerchantCategory)
	add(v.VelocityKmh > e.cfg.ImpossibleTravelKmh, w.ImpossibleTravel)
	add(v.TxCount1h > e.cfg.BurstCount, w.Burst)
	add(math.Abs(v.SpendingZScore) > e.cfg.ExtremeZScore, w.ExtremeZScore)
	add(v.IsWeekend, w.Weekend)

	v.CombinedAnomalyScore = min(max(score, 0), MaxCombinedScore)
}
