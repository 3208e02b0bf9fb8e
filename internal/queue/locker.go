package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld means another worker is running the same job id.
var ErrLockHeld = errors.New("job lock held by another worker")

type Lock interface {
	Release(ctx context.Context) error
}

// Locker grants exclusive per-job-id execution across workers.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

type redisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(rdb *redis.Client) Locker {
	return &redisLocker{client: redislock.New(rdb)}
}

// NewRedisClient connects and pings, so a bad address fails at startup.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func (l *redisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}
	return lock, nil
}

// LocalLocker serializes job ids within one process.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), clock: time.Now}
}

func (l *LocalLocker) Obtain(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, ErrLockHeld
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return &localLock{owner: l, key: key, exp: exp}, nil
}

type localLock struct {
	owner *LocalLocker
	key   string
	exp   time.Time
}

func (l *localLock) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	// Only drop our own entry; a later holder may have replaced it after expiry.
	if l.owner.held[l.key].Equal(l.exp) {
		delete(l.owner.held, l.key)
	}
	return nil
}
