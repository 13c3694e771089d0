package syncutil

import (
	"context"
	"sync"
)

// ContextShardedMutex is the channel-backed sibling of ShardedMutex: each
// shard is a one-slot channel, so a waiter can give up when its context is
// cancelled instead of blocking forever. The rotation guard holds one of
// these locks across store reads and writes for a credential, and refresh
// requests carry request-scoped contexts.
type ContextShardedMutex struct {
	slots [shardCount]chan struct{}
	once  sync.Once
}

// NewContextShardedMutex creates a context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.slots {
			m.slots[i] = make(chan struct{}, 1)
			m.slots[i] <- struct{}{} // token present = unlocked
		}
	})
}

// LockContext acquires the lock for key, or returns the context's error if
// it is cancelled first. On success the caller must invoke the returned
// unlock function.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	slot := m.slots[shardIndex(key)]

	select {
	case <-slot:
		return func() { slot <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
