package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/fraudguard/internal/metrics"
)

// DefaultCacheTTL bounds how long a user's cached history lives in Redis.
const DefaultCacheTTL = 10 * time.Minute

const (
	cacheKeyPrefix   = "fraudguard:history:"
	versionKeyPrefix = "fraudguard:history-version:"
)

// fullHistory is the fetch horizon used to fill an entry: every stored
// transaction of the user, whatever its timestamp.
var fullHistory = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// cacheEntry holds every transaction of a user known to the backing store
// when the entry was filled, plus those saved through the cache since.
type cacheEntry struct {
	FilledAt     time.Time     `json:"filled_at"`
	Transactions []Transaction `json:"transactions"`
}

// CachedStore is a read-through Redis cache in front of another Store.
//
// A miss loads the user's complete history from the backing store, so any
// later Fetch, whatever its horizon, is answered from Redis. Writes are
// applied to the backing store first and then folded into the cached entry
// inside a WATCH transaction that also bumps a per-user version. A fill is
// only written when the version it read before the backing fetch is still
// current, so a Save racing a fill never leaves the entry without it.
//
// Every writer for a user must go through a CachedStore sharing the same
// Redis, otherwise the cache can miss transactions written elsewhere until
// the TTL expires. Redis failures never fail a call; they fall through to
// the backing store.
type CachedStore struct {
	next   Store
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewCachedStore wraps next with a Redis history cache.
func NewCachedStore(next Store, rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{next: next, rdb: rdb, ttl: ttl, logger: logger, now: time.Now}
}

func cacheKey(userID string) string {
	return cacheKeyPrefix + userID
}

func versionKey(userID string) string {
	return versionKeyPrefix + userID
}

func (s *CachedStore) Fetch(ctx context.Context, userID string, before time.Time) ([]Transaction, error) {
	entry, err := s.load(ctx, s.rdb, userID)
	switch {
	case err == nil:
		metrics.HistoryCacheTotal.WithLabelValues("hit").Inc()
		return upTo(entry.Transactions, before), nil
	case !errors.Is(err, redis.Nil):
		metrics.HistoryCacheTotal.WithLabelValues("error").Inc()
		s.logger.Warn("history cache read failed", "user_id", userID, "error", err)
		return s.next.Fetch(ctx, userID, before)
	}
	metrics.HistoryCacheTotal.WithLabelValues("miss").Inc()

	version, err := s.version(ctx, s.rdb, userID)
	if err != nil {
		s.logger.Warn("history cache read failed", "user_id", userID, "error", err)
		return s.next.Fetch(ctx, userID, before)
	}

	history, err := s.next.Fetch(ctx, userID, fullHistory)
	if err != nil {
		return nil, err
	}

	if err := s.fill(ctx, userID, version, &cacheEntry{FilledAt: s.now().UTC(), Transactions: history}); err != nil {
		s.logger.Warn("history cache write failed", "user_id", userID, "error", err)
	}
	return upTo(history, before), nil
}

func (s *CachedStore) Save(ctx context.Context, tx *Transaction) error {
	if err := s.next.Save(ctx, tx); err != nil {
		return err
	}

	key, verKey := cacheKey(tx.UserID), versionKey(tx.UserID)
	err := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
		entry, err := s.load(ctx, rtx, tx.UserID)
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		var data []byte
		if entry != nil {
			entry.Transactions = insertSorted(entry.Transactions, *tx)
			if data, err = json.Marshal(entry); err != nil {
				return err
			}
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, verKey)
			pipe.Expire(ctx, verKey, 2*s.ttl)
			if data != nil {
				pipe.Set(ctx, key, data, s.ttl)
			}
			return nil
		})
		return err
	}, key, verKey)
	if err != nil {
		// A stale entry is worse than a cold one.
		s.logger.Warn("history cache update failed, invalidating", "user_id", tx.UserID, "error", err)
		if delErr := s.Invalidate(ctx, tx.UserID); delErr != nil {
			s.logger.Error("history cache invalidation failed", "user_id", tx.UserID, "error", delErr)
		}
	}
	return nil
}

// Invalidate drops the cached history for a user. Fills already in flight
// are discarded.
func (s *CachedStore) Invalidate(ctx context.Context, userID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, cacheKey(userID))
		pipe.Incr(ctx, versionKey(userID))
		pipe.Expire(ctx, versionKey(userID), 2*s.ttl)
		return nil
	})
	return err
}

func (s *CachedStore) load(ctx context.Context, c redis.Cmdable, userID string) (*cacheEntry, error) {
	data, err := c.Get(ctx, cacheKey(userID)).Bytes()
	if err != nil {
		return nil, err
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *CachedStore) version(ctx context.Context, c redis.Cmdable, userID string) (int64, error) {
	v, err := c.Get(ctx, versionKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// fill writes entry unless a Save or Invalidate bumped the version since
// the caller read it. A skipped fill is not an error.
func (s *CachedStore) fill(ctx context.Context, userID string, version int64, entry *cacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key, verKey := cacheKey(userID), versionKey(userID)
	err = s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
		current, err := s.version(ctx, rtx, userID)
		if err != nil {
			return err
		}
		if current != version {
			return nil
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, verKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// upTo returns the prefix of an ascending list with timestamps <= before.
func upTo(list []Transaction, before time.Time) []Transaction {
	end := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.After(before)
	})
	if end == 0 {
		return nil
	}
	out := make([]Transaction, end)
	copy(out, list[:end])
	return out
}

func insertSorted(list []Transaction, tx Transaction) []Transaction {
	for _, existing := range list {
		if existing.ID != "" && existing.ID == tx.ID {
			return list
		}
	}
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.After(tx.Timestamp)
	})
	list = append(list, Transaction{})
	copy(list[i+1:], list[i:])
	list[i] = tx
	return list
}
