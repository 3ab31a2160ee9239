package risk

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mbd888/fraudguard/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Record
	byUser map[string][]*Record // userID → records, newest first
}

// NewMemoryStore creates an in-memory decision store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Record),
		byUser: make(map[string][]*Record),
	}
}

func copyRecord(r *Record) *Record {
	c := *r
	if r.Decision.Signals != nil {
		c.Decision.Signals = append([]string(nil), r.Decision.Signals...)
	}
	return &c
}

// newer reports whether a sorts before b in newest-first order.
func newer(a, b *Record) bool {
	if !a.DecidedAt.Equal(b.DecidedAt) {
		return a.DecidedAt.After(b.DecidedAt)
	}
	return a.ID > b.ID
}

func (s *MemoryStore) Record(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	r := copyRecord(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[r.ID] = r
	list := s.byUser[r.UserID]
	i := sort.Search(len(list), func(i int) bool { return newer(r, list[i]) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = r
	s.byUser[r.UserID] = list
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byUser[userID]
	start := 0
	if cursor != nil {
		pivot := &Record{DecidedAt: cursor.At, ID: cursor.ID}
		start = sort.Search(len(all), func(i int) bool { return newer(pivot, all[i]) })
	}

	var result []*Record
	for i := start; i < len(all) && len(result) < limit; i++ {
		result = append(result, copyRecord(all[i]))
	}
	return result, nil
}
