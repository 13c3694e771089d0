package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// MemoryStore is the in-process implementation of Store. A single mutex
// guards all three keyspaces, which gives per-key linearizability for free;
// the store is not meant to be a high-throughput database, just a shared
// scratchpad with expiry semantics.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time

	ttl time.Duration
	now func() time.Time // overridable in tests
}

// NewMemoryStore creates an empty store with the default session TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
		ttl:     DefaultSessionTTL,
		now:     time.Now,
	}
}

// WithSessionTTL overrides the TTL applied by mutating operations.
func (s *MemoryStore) WithSessionTTL(ttl time.Duration) *MemoryStore {
	s.ttl = ttl
	return s
}

// deleteLocked removes a key from every keyspace. Caller holds s.mu.
func (s *MemoryStore) deleteLocked(key string) {
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.sets, key)
	delete(s.expiry, key)
}

// expiredLocked reports whether the key's deadline has passed, deleting it
// if so. Caller holds s.mu.
func (s *MemoryStore) expiredLocked(key string) bool {
	deadline, ok := s.expiry[key]
	if !ok {
		return false
	}
	if s.now().After(deadline) {
		s.deleteLocked(key)
		return true
	}
	return false
}

// touchLocked refreshes the key's TTL to the session TTL. Caller holds s.mu.
func (s *MemoryStore) touchLocked(key string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.expiry[key] = s.now().Add(ttl)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return "", nil
	}
	return s.strings[key], nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	s.touchLocked(key, ttl)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return false, nil
	}
	if _, ok := s.strings[key]; ok {
		return true, nil
	}
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	_, ok := s.sets[key]
	return ok, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked(key, ttl)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var keys []string
	collect := func(key string) {
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		if s.expiredLocked(key) {
			return
		}
		if g.Match(key) {
			keys = append(keys, key)
		}
	}
	for key := range s.strings {
		collect(key)
	}
	for key := range s.hashes {
		collect(key)
	}
	for key := range s.sets {
		collect(key)
	}
	return keys, nil
}

func (s *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	s.touchLocked(key, 0)
	return nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return "", nil
	}
	return s.hashes[key][field], nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	current, _ := strconv.ParseInt(h[field], 10, 64)
	current += delta
	h[field] = strconv.FormatInt(current, 10)
	s.touchLocked(key, 0)
	return current, nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	s.touchLocked(key, 0)
	return nil
}

func (s *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredLocked(key)
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return nil, nil
	}
	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}
