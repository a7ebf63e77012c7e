// Package syncutil provides keyed locking for per-entity serialization.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex serializes work per key (a trade id, a party address) using a
// fixed pool of channel-backed locks. Memory stays bounded however many keys
// are seen; two keys that hash to the same shard share a lock, so callers
// must never hold two keys at once.
//
// The zero value is ready to use.
type ShardedMutex struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

func (m *ShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
		}
	})
}

// Lock blocks until key is held and returns the release function.
func (m *ShardedMutex) Lock(key string) func() {
	m.init()
	ch := m.shards[shardOf(key)]
	ch <- struct{}{}
	return func() { <-ch }
}

// LockContext is Lock that gives up when ctx is done. On failure the
// returned release function is nil.
func (m *ShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardOf(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
