package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/mindful-companion/backend/internal/model/job"
)

// ErrJobNotFound 表示任务不存在或已过期。
var ErrJobNotFound = errors.New("avatar job not found")

// Store keeps the latest snapshot of each job. Only the engine writes.
type Store interface {
	Save(ctx context.Context, snap job.Snapshot) error
	Get(ctx context.Context, id string) (job.Snapshot, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is the default single-process store. Terminal snapshots are
// evicted once older than the retention window.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]job.Snapshot
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore creates a store; retention <= 0 keeps terminal jobs forever.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]job.Snapshot),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, snap job.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[snap.ID] = snap
	s.evictLocked()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (job.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.jobs[id]
	if !ok {
		return job.Snapshot{}, ErrJobNotFound
	}
	return snap, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) evictLocked() {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention)
	for id, snap := range s.jobs {
		if snap.Status.Terminal() && snap.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	Prefix    string
	Retention time.Duration
}

// RedisStore shares job snapshots between API replicas. Keys expire after
// the retention window, measured from the last update.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "companion:avatar:job:"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = time.Hour
	}

	return &RedisStore{client: client, prefix: prefix, retention: retention}, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Save(ctx context.Context, snap job.Snapshot) error {
	data, err := sonic.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode job snapshot: %w", err)
	}
	return s.client.Set(ctx, s.key(snap.ID), data, s.retention).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (job.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return job.Snapshot{}, ErrJobNotFound
		}
		return job.Snapshot{}, err
	}

	var snap job.Snapshot
	if err := sonic.Unmarshal(raw, &snap); err != nil {
		return job.Snapshot{}, fmt.Errorf("decode job snapshot: %w", err)
	}
	return snap, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
