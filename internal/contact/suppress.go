package contact

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Suppressor admits a key at most once per ttl.
type Suppressor interface {
	Allow(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget drops a key admitted by Allow, e.g. when the guarded send failed.
	Forget(ctx context.Context, key string) error
}

// RedisSuppressor shares suppression state between replicas with SET NX PX.
type RedisSuppressor struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSuppressor(client redis.UniversalClient, prefix string) *RedisSuppressor {
	if prefix == "" {
		prefix = "oncall-notifier:"
	}
	return &RedisSuppressor{client: client, prefix: prefix}
}

func (s *RedisSuppressor) Allow(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+"notice:"+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (s *RedisSuppressor) Forget(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+"notice:"+key).Err()
}

// MemorySuppressor is the single-process fallback.
type MemorySuppressor struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewMemorySuppressor() *MemorySuppressor {
	return &MemorySuppressor{until: map[string]time.Time{}, now: time.Now}
}

func (s *MemorySuppressor) Allow(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, u := range s.until {
		if !now.Before(u) {
			delete(s.until, k)
		}
	}
	if u, ok := s.until[key]; ok && now.Before(u) {
		return false, nil
	}
	s.until[key] = now.Add(ttl)
	return true, nil
}

func (s *MemorySuppressor) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.until, key)
	s.mu.Unlock()
	return nil
}
