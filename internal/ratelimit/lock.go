package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	errLockKeyEmpty   = errors.New("lock key is empty")
	errLockTTLInvalid = errors.New("lock ttl must be positive")
)

// Locker grants short-lived exclusive ownership of a key. TryLock returns the
// owner token, which Release requires.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// NewLocker uses Redis when a client is configured and an in-process map otherwise.
func NewLocker(client *redis.Client) Locker {
	if client == nil {
		return NewLocalLocker()
	}
	return NewRedisLocker(client)
}

type RedisLocker struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errLockKeyEmpty
	}
	if ttl <= 0 {
		return "", false, errLockTTLInvalid
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes key only while token still owns it.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

type localLease struct {
	token   string
	expires time.Time
}

// LocalLocker is a single-process Locker with the same TTL semantics.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		leases: make(map[string]localLease),
		now:    time.Now,
	}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errLockKeyEmpty
	}
	if ttl <= 0 {
		return "", false, errLockTTLInvalid
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if lease, held := l.leases[key]; held && now.Before(lease.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.leases[key] = localLease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, held := l.leases[key]; held && lease.token == token {
		delete(l.leases, key)
	}
	return nil
}
