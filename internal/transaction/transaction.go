// Package transaction holds the card transaction record and the history
// stores the detection pipeline reads a user's past activity from.
//
// A Transaction is immutable once built: the pipeline validates it, derives
// features from it, and persists it after a decision has been rendered.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput marks a request the pipeline must reject.
	ErrInvalidInput = errors.New("invalid input")

	// ErrHistoryUnavailable marks a failed or timed-out history fetch.
	ErrHistoryUnavailable = errors.New("transaction history unavailable")
)

// Transaction is a single card transaction.
type Transaction struct {
	ID               string          `json:"id,omitempty"`
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	MerchantName     string          `json:"merchant_name"`
	MerchantCategory string          `json:"merchant_category"`
	Latitude         float64         `json:"latitude"`
	Longitude        float64         `json:"longitude"`
	Timestamp        time.Time       `json:"timestamp"`
}

// AmountFloat returns the amount as a float64 for feature math.
func (t Transaction) AmountFloat() float64 {
	f, _ := t.Amount.Float64()
	return f
}

// Validate checks the invariants every transaction must satisfy before it
// reaches feature computation.
func (t Transaction) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return invalid("user_id", "is required")
	}
	if !t.Amount.IsPositive() {
		return invalid("amount", "must be greater than zero")
	}
	if t.Latitude < -90 || t.Latitude > 90 {
		return invalid("latitude", "must be within [-90, 90]")
	}
	if t.Longitude < -180 || t.Longitude > 180 {
		return invalid("longitude", "must be within [-180, 180]")
	}
	if t.Timestamp.IsZero() {
		return invalid("timestamp", "is required")
	}
	return nil
}

func invalid(field, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidInput, field, msg)
}

// Accepted timestamp layouts. Layouts without an offset are read in the
// caller-supplied location.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO-8601 timestamp. An empty string yields
// fallback, which lets callers default to their request clock.
func ParseTimestamp(s string, loc *time.Location, fallback time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for i, layout := range timestampLayouts {
		var (
			ts  time.Time
			err error
		)
		if i == 0 {
			ts, err = time.Parse(layout, s)
		} else {
			ts, err = time.ParseInLocation(layout, s, loc)
		}
		if err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q is not ISO-8601", ErrInvalidInput, s)
}

// HistoryAccessor returns a user's past transactions.
type HistoryAccessor interface {
	// Fetch returns the user's transactions with a timestamp at or before
	// before, ordered by timestamp ascending.
	Fetch(ctx context.Context, userID string, before time.Time) ([]Transaction, error)
}

// Store persists transactions and serves them back as history.
type Store interface {
	HistoryAccessor
	Save(ctx context.Context, tx *Transaction) error
}
