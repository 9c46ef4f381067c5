package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("cache: lock held by another runner")

// Release gives a lock back.
type Release func(ctx context.Context) error

// RunLock grants exclusive, time-bounded ownership of a named job.
type RunLock interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Release, error)
}

// LocalRunLock is a RunLock for a single process.
type LocalRunLock struct {
	mu   sync.Mutex
	held map[string]time.Time
	Now  func() time.Time
}

func NewLocalRunLock() *LocalRunLock {
	return &LocalRunLock{held: make(map[string]time.Time), Now: time.Now}
}

func (l *LocalRunLock) Acquire(_ context.Context, name string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now()
	if until, ok := l.held[name]; ok && now.Before(until) {
		return nil, ErrLocked
	}
	until := now.Add(ttl)
	l.held[name] = until
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		// Only release our own hold; an expired one may have been re-acquired.
		if l.held[name] == until {
			delete(l.held, name)
		}
		return nil
	}, nil
}

// RedisRunLock is a RunLock shared by every instance on the same Redis.
type RedisRunLock struct {
	locker *redislock.Client
	prefix string
}

func NewRedisRunLock(client redis.UniversalClient, prefix string) *RedisRunLock {
	return &RedisRunLock{locker: redislock.New(client), prefix: prefix}
}

func (r *RedisRunLock) Acquire(ctx context.Context, name string, ttl time.Duration) (Release, error) {
	lock, err := r.locker.Obtain(ctx, r.prefix+"lock:"+name, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}

var (
	_ RunLock = (*LocalRunLock)(nil)
	_ RunLock = (*RedisRunLock)(nil)
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*RedisBackend)(nil)
)
