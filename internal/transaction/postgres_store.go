package transaction

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore persists transactions in PostgreSQL. The schema lives in
// migrations/ and is applied by goose.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, tx *Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, user_id, amount, merchant_name, merchant_category,
			latitude, longitude, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		tx.ID,
		tx.UserID,
		tx.Amount,
		tx.MerchantName,
		tx.MerchantCategory,
		tx.Latitude,
		tx.Longitude,
		tx.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Fetch(ctx context.Context, userID string, before time.Time) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, merchant_name, merchant_category,
		       latitude, longitude, occurred_at
		FROM transactions
		WHERE user_id = $1 AND occurred_at <= $2
		ORDER BY occurred_at ASC, created_at ASC
	`, userID, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(
			&t.ID,
			&t.UserID,
			&t.Amount,
			&t.MerchantName,
			&t.MerchantCategory,
			&t.Latitude,
			&t.Longitude,
			&t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return result, nil
}
