package transaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	byUser map[string][]Transaction // userID → ascending by timestamp
}

// NewMemoryStore creates an in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byUser: make(map[string][]Transaction),
	}
}

func (s *MemoryStore) Save(ctx context.Context, tx *Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byUser[tx.UserID]
	// Insert after any entry with an equal timestamp to keep arrival order.
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.After(tx.Timestamp)
	})
	list = append(list, Transaction{})
	copy(list[i+1:], list[i:])
	list[i] = *tx
	s.byUser[tx.UserID] = list
	return nil
}

func (s *MemoryStore) Fetch(ctx context.Context, userID string, before time.Time) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byUser[userID]
	end := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.After(before)
	})
	if end == 0 {
		return nil, nil
	}
	out := make([]Transaction, end)
	copy(out, list[:end])
	return out, nil
}
