package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/events"
	"github.com/mbd888/fraudguard/internal/features"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/pagination"
	"github.com/mbd888/fraudguard/internal/risk"
	"github.com/mbd888/fraudguard/internal/scorer"
	"github.com/mbd888/fraudguard/internal/syncutil"
	"github.com/mbd888/fraudguard/internal/traces"
	"github.com/mbd888/fraudguard/internal/transaction"
)

// HistoryBreakerKey is the circuit breaker key of the history store.
const HistoryBreakerKey = "history"

// DefaultHistoryTimeout bounds a single history fetch.
const DefaultHistoryTimeout = 300 * time.Millisecond

// persistTimeout bounds recording a decision once it has been rendered.
const persistTimeout = 2 * time.Second

// Service orchestrates the detection pipeline.
type Service struct {
	transactions   transaction.Store
	decisions      risk.Store
	engine         *features.Engine
	classifier     *risk.Classifier
	scorer         scorer.Scorer
	publisher      events.Publisher
	breaker        *circuitbreaker.Breaker
	historyTimeout time.Duration
	locks          *syncutil.KeyedMutex
	logger         *slog.Logger
	now            func() time.Time
}

// NewService creates the detection service. Decisions are not published
// until WithPublisher is called.
func NewService(
	transactions transaction.Store,
	decisions risk.Store,
	engine *features.Engine,
	classifier *risk.Classifier,
	sc scorer.Scorer,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		transactions:   transactions,
		decisions:      decisions,
		engine:         engine,
		classifier:     classifier,
		scorer:         sc,
		publisher:      events.NopPublisher{},
		historyTimeout: DefaultHistoryTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// WithPublisher sets where rendered decisions are published.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithHistoryBreaker guards history fetches with a circuit breaker and a
// per-fetch timeout. timeout <= 0 keeps the default.
func (s *Service) WithHistoryBreaker(b *circuitbreaker.Breaker, timeout time.Duration) *Service {
	s.breaker = b
	if timeout > 0 {
		s.historyTimeout = timeout
	}
	return s
}

// WithUserLocks serializes predictions per user, from the history read to
// the decision being recorded, so concurrent requests for one user see
// each other.
func (s *Service) WithUserLocks(m *syncutil.KeyedMutex) *Service {
	s.locks = m
	return s
}

// Predict scores a single transaction.
func (s *Service) Predict(ctx context.Context, req Request) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "detection.predict", traces.UserID(req.UserID))
	defer span.End()

	res, err := s.predict(ctx, req)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		traces.TransactionID(res.TransactionID),
		traces.RiskLevel(string(res.RiskLevel)),
		traces.AnomalyScore(res.AnomalyScore),
	)
	return res, nil
}

func (s *Service) predict(ctx context.Context, req Request) (*Result, error) {
	tx, err := s.transaction(req)
	if err != nil {
		return nil, err
	}

	if s.locks != nil {
		unlock, err := s.locks.Lock(ctx, tx.UserID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	history, unavailable := s.fetchHistory(ctx, tx.UserID, tx.Timestamp)
	rec, err := s.evaluate(ctx, tx, history, unavailable)
	if err != nil {
		return nil, err
	}
	s.record(ctx, &tx, rec)
	s.publish(ctx, rec, tx)
	return newResult(rec, len(history)), nil
}

// PredictBatch scores transactions in order. Element i of the result
// corresponds to reqs[i]; a failed element never stops the batch.
func (s *Service) PredictBatch(ctx context.Context, reqs []Request, opts BatchOptions) []BatchItem {
	ctx, span := traces.StartSpan(ctx, "detection.predict_batch", traces.BatchSize(len(reqs)))
	defer span.End()

	items := make([]BatchItem, len(reqs))
	if opts.AccumulateHistory {
		for i, req := range reqs {
			res, err := s.predict(ctx, req)
			items[i] = BatchItem{Result: res, Err: err}
		}
		return items
	}

	// Snapshot mode: read every user's history once, before anything from
	// the batch is recorded.
	txs := make([]transaction.Transaction, len(reqs))
	horizon := make(map[string]time.Time)
	for i, req := range reqs {
		tx, err := s.transaction(req)
		if err != nil {
			items[i].Err = err
			continue
		}
		txs[i] = tx
		if tx.Timestamp.After(horizon[tx.UserID]) {
			horizon[tx.UserID] = tx.Timestamp
		}
	}

	type snapshot struct {
		history     []transaction.Transaction
		unavailable bool
	}
	snapshots := make(map[string]snapshot, len(horizon))
	for userID, before := range horizon {
		h, unavailable := s.fetchHistory(ctx, userID, before)
		snapshots[userID] = snapshot{history: h, unavailable: unavailable}
	}

	records := make([]*risk.Record, len(reqs))
	for i := range reqs {
		if items[i].Err != nil {
			continue
		}
		snap := snapshots[txs[i].UserID]
		rec, err := s.evaluate(ctx, txs[i], snap.history, snap.unavailable)
		if err != nil {
			items[i].Err = err
			continue
		}
		records[i] = rec
		items[i].Result = newResult(rec, countBefore(snap.history, txs[i]))
	}

	for i, rec := range records {
		if rec == nil {
			continue
		}
		s.record(ctx, &txs[i], rec)
		s.publish(ctx, rec, txs[i])
	}
	return items
}

// countBefore returns how many snapshot entries precede tx.
func countBefore(history []transaction.Transaction, tx transaction.Transaction) int {
	n := 0
	for _, h := range history {
		if !h.Timestamp.After(tx.Timestamp) && h.ID != tx.ID {
			n++
		}
	}
	return n
}

// Explain computes the feature vector without scoring or recording.
func (s *Service) Explain(ctx context.Context, req Request) (*Explanation, error) {
	ctx, span := traces.StartSpan(ctx, "detection.explain", traces.UserID(req.UserID))
	defer span.End()

	tx, err := s.transaction(req)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	history, unavailable := s.fetchHistory(ctx, tx.UserID, tx.Timestamp)

	v, err := s.engine.Compute(tx, history)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	signals := s.classifier.Signals(v)
	if signals == nil {
		signals = []string{}
	}
	return &Explanation{
		TransactionID:      req.TransactionID,
		UserID:             tx.UserID,
		Timestamp:          tx.Timestamp,
		Features:           v,
		ModelColumns:       features.ModelColumns,
		ModelInput:         v.ModelInput(),
		Signals:            signals,
		Thresholds:         s.classifier.Thresholds(),
		HistoryUnavailable: unavailable,
		HistorySize:        len(history),
		Weights:            s.engine.Config().Weights,
		Values:             v.Map(),
	}, nil
}

// GetDecision returns a recorded decision.
func (s *Service) GetDecision(ctx context.Context, id string) (*risk.Record, error) {
	return s.decisions.Get(ctx, id)
}

// ListDecisions returns a page of a user's decisions, newest first.
func (s *Service) ListDecisions(ctx context.Context, userID, cursor string, limit int) (pagination.Page[*risk.Record], error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*risk.Record]{}, fmt.Errorf("%w: %w", transaction.ErrInvalidInput, err)
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	recs, err := s.decisions.ListByUser(ctx, userID, c, limit+1)
	if err != nil {
		return pagination.Page[*risk.Record]{}, err
	}
	page := pagination.ComputePage(recs, limit, func(r *risk.Record) (time.Time, string) {
		return r.DecidedAt, r.ID
	})
	if page.Items == nil {
		page.Items = []*risk.Record{}
	}
	return page, nil
}

func (s *Service) transaction(req Request) (transaction.Transaction, error) {
	tx, err := req.Transaction(s.engine.Config().Location, s.now())
	if err != nil {
		metrics.RejectedTotal.WithLabelValues("invalid_input").Inc()
		return transaction.Transaction{}, err
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	return tx, nil
}

// fetchHistory reads the user's history up to before. On failure it
// returns no history and unavailable=true.
func (s *Service) fetchHistory(ctx context.Context, userID string, before time.Time) (history []transaction.Transaction, unavailable bool) {
	ctx, span := traces.StartSpan(ctx, "detection.history", traces.UserID(userID))
	defer span.End()
	defer metrics.ObserveStage("history", time.Now())

	fetch := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.historyTimeout)
		defer cancel()
		h, err := s.transactions.Fetch(ctx, userID, before)
		if err != nil {
			return err
		}
		history = h
		return nil
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Call(ctx, HistoryBreakerKey, fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", transaction.ErrHistoryUnavailable, err)
		traces.RecordError(span, err)
		span.SetAttributes(traces.Degraded("history_unavailable"))
		metrics.DegradedTotal.WithLabelValues("history_unavailable").Inc()
		logging.L(ctx).Warn("history unavailable, scoring without history",
			"user_id", userID, "error", err)
		return nil, true
	}
	span.SetAttributes(traces.HistorySize(len(history)))
	return history, false
}

// evaluate computes features, scores and classifies tx.
func (s *Service) evaluate(ctx context.Context, tx transaction.Transaction, history []transaction.Transaction, historyUnavailable bool) (*risk.Record, error) {
	start := time.Now()
	v, err := s.engine.Compute(tx, history)
	metrics.ObserveStage("features", start)
	if err != nil {
		return nil, err
	}
	metrics.CombinedAnomalyScores.Observe(float64(v.CombinedAnomalyScore))

	rec := &risk.Record{
		ID:                 uuid.NewString(),
		TransactionID:      tx.ID,
		UserID:             tx.UserID,
		Features:           v,
		HistoryUnavailable: historyUnavailable,
	}

	score, err := s.score(ctx, v)
	if err != nil {
		d, ok := s.classifier.Heuristic(v)
		if !ok {
			metrics.RejectedTotal.WithLabelValues("scorer_unavailable").Inc()
			return nil, err
		}
		metrics.DegradedTotal.WithLabelValues("scorer_unavailable").Inc()
		logging.L(ctx).Warn("anomaly scorer unavailable, decided by feature rules",
			"user_id", tx.UserID, "transaction_id", tx.ID, "signals", d.Signals, "error", err)
		rec.Decision = d
		rec.ScorerUnavailable = true
	} else {
		rec.Decision = s.classifier.Classify(v, score)
	}

	rec.DecidedAt = s.now()
	metrics.DecisionsTotal.WithLabelValues(string(rec.Decision.Level)).Inc()
	return rec, nil
}

func (s *Service) score(ctx context.Context, v features.Vector) (float64, error) {
	ctx, span := traces.StartSpan(ctx, "detection.score")
	defer span.End()
	defer metrics.ObserveStage("score", time.Now())

	score, err := s.scorer.Score(ctx, v)
	if err != nil {
		if !errors.Is(err, scorer.ErrScorerUnavailable) {
			err = fmt.Errorf("%w: %w", scorer.ErrScorerUnavailable, err)
		}
		traces.RecordError(span, err)
		return 0, err
	}
	metrics.AnomalyScores.Observe(score)
	span.SetAttributes(traces.AnomalyScore(score))
	return score, nil
}

// record persists the transaction and its decision. Failures are logged
// and counted; the decision stands either way.
func (s *Service) record(ctx context.Context, tx *transaction.Transaction, rec *risk.Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	defer metrics.ObserveStage("persist", time.Now())

	logger := logging.L(ctx)
	if err := s.transactions.Save(ctx, tx); err != nil {
		metrics.PersistenceFailuresTotal.WithLabelValues("transactions").Inc()
		logger.Error("failed to record transaction",
			"user_id", tx.UserID, "transaction_id", tx.ID, "error", err)
	}
	if err := s.decisions.Record(ctx, rec); err != nil {
		metrics.PersistenceFailuresTotal.WithLabelValues("decisions").Inc()
		logger.Error("failed to record decision",
			"user_id", rec.UserID, "decision_id", rec.ID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, rec *risk.Record, tx transaction.Transaction) {
	if err := s.publisher.Publish(ctx, events.FromRecord(rec, tx)); err != nil {
		logging.L(ctx).Warn("failed to publish decision",
			"decision_id", rec.ID, "risk_level", rec.Decision.Level, "error", err)
	}
}
