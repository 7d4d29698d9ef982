package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps usage in redis under per-(tenant,period) keys so
// multiple server instances share one meter. Keys expire two periods
// after creation.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the given redis URL.
func NewRedisStore(url string, period string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ttl := 62 * 24 * time.Hour
	if period == PeriodDaily {
		ttl = 48 * time.Hour
	}
	return &RedisStore{client: redis.NewClient(opts), ttl: ttl}, nil
}

func (s *RedisStore) key(tenant, period string) string {
	return "quota:" + tenant + ":" + period
}

// Usage implements Store.
func (s *RedisStore) Usage(ctx context.Context, tenant, period string) (time.Duration, error) {
	secs, err := s.client.Get(ctx, s.key(tenant, period)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, tenant, period string, d time.Duration) error {
	key := s.key(tenant, period)
	pipe := s.client.TxPipeline()
	pipe.IncrBy(ctx, key, int64(d.Seconds()))
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Close releases the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is the in-process Store used for tests and single-node dev
// runs.
type MemoryStore struct {
	mu    sync.Mutex
	usage map[string]time.Duration
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{usage: make(map[string]time.Duration)}
}

// Usage implements Store.
func (s *MemoryStore) Usage(ctx context.Context, tenant, period string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[tenant+":"+period], nil
}

// Add implements Store.
func (s *MemoryStore) Add(ctx context.Context, tenant, period string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[tenant+":"+period] += d
	return nil
}
