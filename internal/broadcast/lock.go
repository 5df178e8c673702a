package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "shroombot/pkg/logx"
)

// Locker serializes admin broadcasts. ok is false when another holder owns key.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]struct{}{}}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker holds locks in Redis so replicas of the bot share them.
// A held lock is refreshed at TTL/3 until released.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    logx.Logger
}

func NewRedisLocker(rdb redis.UniversalClient, prefix string, ttl time.Duration, log logx.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if prefix == "" {
		prefix = "shroombot:lock:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl, log: log.With(logx.String("comp", "broadcast.lock"))}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	if l.rdb == nil {
		return nil, false, errors.New("redis locker has no client")
	}
	k := l.prefix + key
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(l.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				rctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
				n, err := refreshScript.Run(rctx, l.rdb, []string{k}, token, l.ttl.Milliseconds()).Int64()
				cancel()
				if err != nil {
					l.log.Warn("lock refresh failed", logx.String("key", k), logx.Err(err))
					continue
				}
				if n == 0 {
					l.log.Warn("lock lost", logx.String("key", k))
					return
				}
			}
		}
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.rdb, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.log.Warn("lock release failed", logx.String("key", k), logx.Err(err))
			}
		})
	}
	return unlock, true, nil
}
