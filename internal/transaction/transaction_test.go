package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTx() Transaction {
	return Transaction{
		UserID:           "user_1",
		Amount:           decimal.RequireFromString("150.00"),
		MerchantName:     "Padaria Central",
		MerchantCategory: "grocery",
		Latitude:         -23.5505,
		Longitude:        -46.6333,
		Timestamp:        time.Date(2025, 10, 28, 14, 30, 0, 0, time.UTC),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Transaction)
		field  string
	}{
		{"valid", func(*Transaction) {}, ""},
		{"missing user", func(tx *Transaction) { tx.UserID = "  " }, "user_id"},
		{"zero amount", func(tx *Transaction) { tx.Amount = decimal.Zero }, "amount"},
		{"negative amount", func(tx *Transaction) { tx.Amount = decimal.NewFromInt(-3) }, "amount"},
		{"latitude too high", func(tx *Transaction) { tx.Latitude = 90.0001 }, "latitude"},
		{"latitude too low", func(tx *Transaction) { tx.Latitude = -91 }, "latitude"},
		{"longitude too high", func(tx *Transaction) { tx.Longitude = 180.5 }, "longitude"},
		{"longitude too low", func(tx *Transaction) { tx.Longitude = -181 }, "longitude"},
		{"missing timestamp", func(tx *Transaction) { tx.Timestamp = time.Time{} }, "timestamp"},
		{"boundary coordinates", func(tx *Transaction) { tx.Latitude, tx.Longitude = 90, -180 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := validTx()
			tt.mutate(&tx)
			err := tx.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	fallback := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	saoPaulo := time.FixedZone("BRT", -3*3600)

	got, err := ParseTimestamp("", time.UTC, fallback)
	require.NoError(t, err)
	assert.True(t, got.Equal(fallback))

	got, err = ParseTimestamp("2025-10-28T14:30:00Z", saoPaulo, fallback)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 10, 28, 14, 30, 0, 0, time.UTC)))

	got, err = ParseTimestamp("2025-10-28T14:30:00-03:00", time.UTC, fallback)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 10, 28, 17, 30, 0, 0, time.UTC)))

	// No offset: read in the reference location.
	got, err = ParseTimestamp("2025-10-28T14:30:00", saoPaulo, fallback)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 10, 28, 17, 30, 0, 0, time.UTC)))

	got, err = ParseTimestamp("2025-10-28T14:30:00.123456", time.UTC, fallback)
	require.NoError(t, err)
	assert.Equal(t, 123456000, got.Nanosecond())

	_, err = ParseTimestamp("28/10/2025 14h30", time.UTC, fallback)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestMemoryStore_FetchOrderedAndBounded(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 10, 28, 12, 0, 0, 0, time.UTC)

	// Saved out of order on purpose.
	for _, offset := range []int{30, 10, 20, 40} {
		tx := validTx()
		tx.Timestamp = base.Add(time.Duration(offset) * time.Minute)
		require.NoError(t, store.Save(ctx, &tx))
		assert.NotEmpty(t, tx.ID)
	}
	other := validTx()
	other.UserID = "user_2"
	require.NoError(t, store.Save(ctx, &other))

	history, err := store.Fetch(ctx, "user_1", base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp))
	}
	assert.True(t, history[2].Timestamp.Equal(base.Add(30*time.Minute)), "boundary is inclusive")

	empty, err := store.Fetch(ctx, "nobody", base)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_FetchReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx := validTx()
	require.NoError(t, store.Save(ctx, &tx))

	history, err := store.Fetch(ctx, "user_1", tx.Timestamp)
	require.NoError(t, err)
	history[0].MerchantName = "mutated"

	again, err := store.Fetch(ctx, "user_1", tx.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, "Padaria Central", again[0].MerchantName)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Fetch(ctx, "user_1", time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}
