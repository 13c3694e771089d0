// Package syncutil provides per-key locking primitives. Enforcement uses
// them to serialize lockdowns for a user; the rotation guard uses the
// context-aware variant to serialize refreshes of a single credential.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// shardCount is the fixed pool size. Keys that hash to the same shard
// contend with each other; with per-user and per-credential keys the
// collision rate is negligible.
const shardCount = 256

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex is a fixed-size pool of mutexes keyed by string. Memory is
// bounded regardless of how many distinct keys are seen. The zero value is
// ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}
