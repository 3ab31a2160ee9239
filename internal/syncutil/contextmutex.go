// Package syncutil serializes work that shares a key, such as every
// decision rendered for one user.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used when none is given.
const DefaultShards = 256

// KeyedMutex is a fixed pool of channel-based mutexes selected by key hash.
// Memory stays bounded no matter how many keys are seen; keys that share a
// shard occasionally wait on each other. Waiters can give up when their
// context ends.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a mutex pool; shards <= 0 uses DefaultShards.
func NewKeyedMutex(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, shards)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{} // unlocked
	}
	return m
}

// Lock acquires the mutex for key. On success the caller must call the
// returned unlock function exactly once. If ctx ends first, Lock returns
// the context error and holds nothing.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shards returns the pool size.
func (m *KeyedMutex) Shards() int {
	return len(m.shards)
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
