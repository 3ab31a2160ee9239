package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore records how often the backing store is hit.
type countingStore struct {
	*MemoryStore
	fetches int
	failErr error
	onFetch func()
}

func (c *countingStore) Fetch(ctx context.Context, userID string, before time.Time) ([]Transaction, error) {
	c.fetches++
	if c.failErr != nil {
		return nil, c.failErr
	}
	history, err := c.MemoryStore.Fetch(ctx, userID, before)
	if c.onFetch != nil {
		c.onFetch()
	}
	return history, err
}

func newCachedTestStore(t *testing.T) (*CachedStore, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	backing := &countingStore{MemoryStore: NewMemoryStore()}
	return NewCachedStore(backing, rdb, time.Minute, nil), backing, mr
}

func TestCachedStore_ReadThrough(t *testing.T) {
	store, backing, _ := newCachedTestStore(t)
	ctx := context.Background()

	tx := validTx()
	require.NoError(t, backing.MemoryStore.Save(ctx, &tx))
	later := validTx()
	later.Timestamp = tx.Timestamp.Add(3 * time.Hour)
	require.NoError(t, backing.MemoryStore.Save(ctx, &later))

	first, err := store.Fetch(ctx, "user_1", tx.Timestamp.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, first, 1, "horizon applies to the answer, not the fill")
	assert.Equal(t, 1, backing.fetches)

	for _, tt := range []struct {
		before time.Time
		want   int
	}{
		{tx.Timestamp.Add(-time.Second), 0},
		{tx.Timestamp, 1},
		{later.Timestamp, 2},
		{later.Timestamp.Add(24 * time.Hour), 2},
	} {
		history, err := store.Fetch(ctx, "user_1", tt.before)
		require.NoError(t, err)
		assert.Len(t, history, tt.want, "before %s", tt.before)
	}
	assert.Equal(t, 1, backing.fetches)
}

func TestCachedStore_LiveRequestsHitAfterFirstFill(t *testing.T) {
	store, backing, _ := newCachedTestStore(t)
	filled := time.Date(2025, 10, 28, 12, 30, 0, 0, time.UTC)
	store.now = func() time.Time { return filled }
	ctx := context.Background()
	base := validTx().Timestamp

	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		history, err := store.Fetch(ctx, "user_1", at)
		require.NoError(t, err)
		require.Len(t, history, i)

		tx := validTx()
		tx.Timestamp = at
		require.NoError(t, store.Save(ctx, &tx))
	}

	assert.Equal(t, 1, backing.fetches, "only the first request reads the backing store")

	entry, err := store.load(ctx, store.rdb, "user_1")
	require.NoError(t, err)
	assert.Len(t, entry.Transactions, 5)
	assert.True(t, entry.FilledAt.Equal(filled))
}

func TestCachedStore_SaveDuringFillIsNotLost(t *testing.T) {
	store, backing, _ := newCachedTestStore(t)
	ctx := context.Background()

	racing := validTx()
	racing.MerchantName = "Farmacia"
	backing.onFetch = func() {
		backing.onFetch = nil
		require.NoError(t, store.Save(ctx, &racing))
	}

	first, err := store.Fetch(ctx, "user_1", racing.Timestamp)
	require.NoError(t, err)
	assert.Empty(t, first, "backing read happened before the save")

	second, err := store.Fetch(ctx, "user_1", racing.Timestamp)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "Farmacia", second[0].MerchantName)
	assert.Equal(t, 2, backing.fetches, "stale fill was discarded")
}

func TestCachedStore_SaveFoldsIntoCache(t *testing.T) {
	store, backing, _ := newCachedTestStore(t)
	ctx := context.Background()

	first := validTx()
	require.NoError(t, store.Save(ctx, &first))

	_, err := store.Fetch(ctx, "user_1", first.Timestamp)
	require.NoError(t, err)
	require.Equal(t, 1, backing.fetches)

	next := validTx()
	next.Timestamp = first.Timestamp.Add(5 * time.Minute)
	next.MerchantName = "Farmacia"
	require.NoError(t, store.Save(ctx, &next))

	history, err := store.Fetch(ctx, "user_1", next.Timestamp.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Farmacia", history[1].MerchantName)
	assert.Equal(t, 1, backing.fetches)
}

func TestCachedStore_RedisDownFallsThrough(t *testing.T) {
	store, backing, mr := newCachedTestStore(t)
	ctx := context.Background()

	tx := validTx()
	require.NoError(t, backing.MemoryStore.Save(ctx, &tx))
	mr.Close()

	history, err := store.Fetch(ctx, "user_1", tx.Timestamp)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	another := validTx()
	another.Timestamp = tx.Timestamp.Add(time.Minute)
	assert.NoError(t, store.Save(ctx, &another), "cache errors never fail a save")
}

func TestCachedStore_BackingErrorPropagates(t *testing.T) {
	store, backing, _ := newCachedTestStore(t)
	backing.failErr = errors.New("connection refused")

	_, err := store.Fetch(context.Background(), "user_1", time.Now())
	assert.EqualError(t, err, "connection refused")
}

func TestCachedStore_Invalidate(t *testing.T) {
	store, backing, mr := newCachedTestStore(t)
	ctx := context.Background()

	tx := validTx()
	require.NoError(t, backing.MemoryStore.Save(ctx, &tx))
	_, err := store.Fetch(ctx, "user_1", tx.Timestamp)
	require.NoError(t, err)
	assert.True(t, mr.Exists(cacheKey("user_1")))

	require.NoError(t, store.Invalidate(ctx, "user_1"))
	assert.False(t, mr.Exists(cacheKey("user_1")))
}
