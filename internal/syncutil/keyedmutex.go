// Package syncutil provides keyed locking primitives.
//
// Trade transitions must be totally ordered per trade id, and withdrawals
// must be atomic per recipient. KeyedMutex gives both without unbounded
// per-key mutex allocation: keys hash onto a fixed pool of shards, trading
// occasional false sharing for bounded memory.
package syncutil

import "sync"

const shardCount = 128

// KeyedMutex is a fixed pool of mutexes addressed by string key.
// The zero value is ready to use.
type KeyedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
//
//	unlock := mu.Lock(tradeID)
//	defer unlock()
func (m *KeyedMutex) Lock(key string) func() {
	mu := &m.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// WithLock runs fn while holding the shard for key.
func (m *KeyedMutex) WithLock(key string, fn func() error) error {
	unlock := m.Lock(key)
	defer unlock()
	return fn()
}

// shardIndex is FNV-1a over the key, folded onto the shard pool.
func shardIndex(key string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h % shardCount
}
