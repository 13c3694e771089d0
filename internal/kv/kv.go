// Package kv implements the ephemeral TTL-governed key/value substrate that
// backs session records, credential state, grace markers, and behavioral
// counters.
//
// Three value shapes are supported — plain strings, hashes (field→value
// maps), and string sets — with Redis-like operation names. Expiry is lazy:
// every accessor first checks the key's deadline and deletes the key if it
// has passed, so a dead key reads as if it never existed. Hash and set
// mutations refresh the key's TTL to the store's session TTL as a side
// effect; any activity on a session extends its life.
package kv

import (
	"context"
	"time"
)

// DefaultSessionTTL is the TTL applied by mutating operations and by writes
// that do not specify an explicit TTL.
const DefaultSessionTTL = 300 * time.Second

// Store is the narrow contract every component uses to reach shared state.
// Missing keys never surface as errors: reads degrade to zero values.
type Store interface {
	// Plain string operations.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Keys returns all live keys matching a glob pattern. O(total keys) —
	// acceptable only because the keyspace is small and ephemeral.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Hash operations.
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// Set operations.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}
