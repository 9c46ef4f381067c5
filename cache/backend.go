package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// MEMORY BACKEND
// =============================================================================

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is a process-local Backend.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	tags    map[string]map[string]struct{}

	// Now is the clock used for expiry.
	Now func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		tags:    make(map[string]map[string]struct{}),
		Now:     time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: m.Now().Add(ttl)}
	for _, tag := range tags {
		keys, ok := m.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			m.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (m *MemoryBackend) InvalidateTag(_ context.Context, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.tags[tag] {
		delete(m.entries, key)
	}
	delete(m.tags, tag)
	return nil
}

// =============================================================================
// REDIS BACKEND
// =============================================================================

// RedisBackend stores entries as plain keys and tag membership as sets
// named "<prefix>tag:<tag>".
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisClient connects to addr and pings it.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) key(k string) string    { return r.prefix + k }
func (r *RedisBackend) tagKey(t string) string { return r.prefix + "tag:" + t }

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(key), value, ttl)
		for _, tag := range tags {
			p.SAdd(ctx, r.tagKey(tag), r.key(key))
		}
		return nil
	})
	return err
}

func (r *RedisBackend) InvalidateTag(ctx context.Context, tag string) error {
	members, err := r.client.SMembers(ctx, r.tagKey(tag)).Result()
	if err != nil {
		return err
	}
	return r.client.Del(ctx, append(members, r.tagKey(tag))...).Err()
}
