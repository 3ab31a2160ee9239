package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mbd888/fraudguard/internal/pagination"
)

// PostgresStore persists decision records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed decision store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, transaction_id, user_id, anomaly_score, is_anomaly, risk_level,
	recommendation, signals, features, history_unavailable, scorer_unavailable, decided_at`

func (s *PostgresStore) Record(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	signals := rec.Decision.Signals
	if signals == nil {
		signals = []string{}
	}
	signalsJSON, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}
	featuresJSON, err := json.Marshal(rec.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_decisions (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		rec.ID,
		rec.TransactionID,
		rec.UserID,
		rec.Decision.AnomalyScore,
		rec.Decision.IsAnomaly,
		string(rec.Decision.Level),
		rec.Decision.Recommendation,
		signalsJSON,
		featuresJSON,
		rec.HistoryUnavailable,
		rec.ScorerUnavailable,
		rec.DecidedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM risk_decisions WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+recordColumns+`
			FROM risk_decisions
			WHERE user_id = $1
			ORDER BY decided_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+recordColumns+`
			FROM risk_decisions
			WHERE user_id = $1 AND (decided_at, id) < ($2, $3)
			ORDER BY decided_at DESC, id DESC
			LIMIT $4
		`, userID, cursor.At, cursor.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate decisions: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec          Record
		level        string
		signalsJSON  []byte
		featuresJSON []byte
	)
	if err := sc.Scan(
		&rec.ID,
		&rec.TransactionID,
		&rec.UserID,
		&rec.Decision.AnomalyScore,
		&rec.Decision.IsAnomaly,
		&level,
		&rec.Decision.Recommendation,
		&signalsJSON,
		&featuresJSON,
		&rec.HistoryUnavailable,
		&rec.ScorerUnavailable,
		&rec.DecidedAt,
	); err != nil {
		return nil, err
	}
	rec.Decision.Level = Level(level)
	if err := json.Unmarshal(signalsJSON, &rec.Decision.Signals); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	if len(rec.Decision.Signals) == 0 {
		rec.Decision.Signals = nil
	}
	if err := json.Unmarshal(featuresJSON, &rec.Features); err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	return &rec, nil
}
