package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a held, TTL-bound named lock. Only the holder of Token may release it.
type Lock struct {
	Name      string
	Token     string
	ExpiresAt time.Time
}

// LockInfo describes the current holder of a lock.
type LockInfo struct {
	Name  string        `json:"name"`
	Token string        `json:"token"`
	TTL   time.Duration `json:"ttl"`
}

func lockKey(name string) string { return keyPrefix + "lock:" + name }

// AcquireLock tries once to take the named lock. It never blocks: a nil lock with a
// nil error means someone else holds it.
func (q *RedisQueue) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := q.client.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return nil, unavailable("acquire lock "+name, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{Name: name, Token: token, ExpiresAt: q.now().Add(ttl)}, nil
}

// ReleaseLock deletes the lock only if it is still owned by l. It reports whether
// the lock was released.
func (q *RedisQueue) ReleaseLock(ctx context.Context, l *Lock) (bool, error) {
	if l == nil {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, q.client, []string{lockKey(l.Name)}, l.Token).Int()
	if err != nil {
		return false, unavailable("release lock "+l.Name, err)
	}
	return n == 1, nil
}

// LockInfo returns the current holder of the named lock, or nil when free.
func (q *RedisQueue) LockInfo(ctx context.Context, name string) (*LockInfo, error) {
	pipe := q.client.Pipeline()
	get := pipe.Get(ctx, lockKey(name))
	ttl := pipe.PTTL(ctx, lockKey(name))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("lock info "+name, err)
	}
	token, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("lock info "+name, err)
	}
	return &LockInfo{Name: name, Token: token, TTL: ttl.Val()}, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
