package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyTTL = 24 * time.Hour

type IdempotencyEntry struct {
	PayloadHash uint64
	JobID       string
}

// IdempotencyStore remembers which job an Idempotency-Key produced. Keys are
// namespaced by tenant by the caller.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (IdempotencyEntry, bool, error)
	Put(ctx context.Context, key string, entry IdempotencyEntry) error
}

type memoryEntry struct {
	IdempotencyEntry
	expiresAt time.Time
}

type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (IdempotencyEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return IdempotencyEntry{}, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return IdempotencyEntry{}, false, nil
	}
	return entry.IdempotencyEntry, true, nil
}

func (s *MemoryIdempotencyStore) Put(_ context.Context, key string, entry IdempotencyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{IdempotencyEntry: entry, expiresAt: s.now().Add(idempotencyTTL)}
	return nil
}

// RedisIdempotencyStore shares keys across instances. The first writer wins.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
}

func NewRedisIdempotencyStore(client redis.UniversalClient) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (IdempotencyEntry, bool, error) {
	raw, err := s.client.Get(ctx, "idem:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return IdempotencyEntry{}, false, nil
	}
	if err != nil {
		return IdempotencyEntry{}, false, fmt.Errorf("read idempotency key: %w", err)
	}
	hashText, jobID, ok := strings.Cut(raw, ":")
	if !ok {
		return IdempotencyEntry{}, false, fmt.Errorf("malformed idempotency entry %q", raw)
	}
	hash, err := strconv.ParseUint(hashText, 16, 64)
	if err != nil {
		return IdempotencyEntry{}, false, fmt.Errorf("malformed idempotency entry %q", raw)
	}
	return IdempotencyEntry{PayloadHash: hash, JobID: jobID}, true, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, key string, entry IdempotencyEntry) error {
	value := strconv.FormatUint(entry.PayloadHash, 16) + ":" + entry.JobID
	if err := s.client.SetNX(ctx, "idem:"+key, value, idempotencyTTL).Err(); err != nil {
		return fmt.Errorf("write idempotency key: %w", err)
	}
	return nil
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
