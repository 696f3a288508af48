package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrResidentUnavailable wraps backend failures of the resident store.
var ErrResidentUnavailable = errors.New("resident store unavailable")

// RedisResidentStore keeps resident session keys in Redis under
// "<prefix>:<key>". Writes go through MULTI/EXEC so both keys land together.
type RedisResidentStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisResidentStore returns a store namespaced by prefix (default "clinic").
func NewRedisResidentStore(redisClient redis.UniversalClient, prefix string) *RedisResidentStore {
	if prefix == "" {
		prefix = "clinic"
	}
	return &RedisResidentStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisResidentStore) key(name string) string {
	return s.prefix + ":" + name
}

func (s *RedisResidentStore) SetValues(ctx context.Context, values map[string]string, ttl time.Duration) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, s.key(k), v, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResidentUnavailable, err)
	}
	return nil
}

func (s *RedisResidentStore) Values(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	raw, err := s.redis.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResidentUnavailable, err)
	}
	out := make(map[string]string, len(keys))
	for i, v := range raw {
		if str, ok := v.(string); ok {
			out[keys[i]] = str
		}
	}
	return out, nil
}

func (s *RedisResidentStore) DeleteValues(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.redis.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrResidentUnavailable, err)
	}
	return nil
}

// MemoryResidentStore is a process-local ResidentStore. TTLs are ignored.
type MemoryResidentStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryResidentStore() *MemoryResidentStore {
	return &MemoryResidentStore{values: make(map[string]string)}
}

func (s *MemoryResidentStore) SetValues(_ context.Context, values map[string]string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
	return nil
}

func (s *MemoryResidentStore) Values(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *MemoryResidentStore) DeleteValues(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}
