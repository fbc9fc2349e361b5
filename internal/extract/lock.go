package extract

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock serializes extraction jobs for one video. Acquire blocks until the
// lock is held or ctx is done; the returned func releases it.
type Lock interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LockKey is the lock name for videoID.
func LockKey(videoID string) string {
	return "scenelens:extract:" + videoID
}

// LocalLock is an in-process keyed lock. Extractors that share one
// LocalLock never extract the same video at the same time.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]chan struct{})}
}

func (l *LocalLock) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		ch, busy := l.held[key]
		if !busy {
			ch = make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock guards extraction across processes with SET NX PX.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration

	Logger *log.Logger
}

// NewRedisLock connects to addr and checks the connection. ttl must exceed
// the extraction job timeout.
func NewRedisLock(ctx context.Context, addr, password string, ttl time.Duration) (*RedisLock, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisLock{client: client, ttl: ttl, poll: 200 * time.Millisecond}, nil
}

func (l *RedisLock) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

func (l *RedisLock) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		l.logf("release %s: %v", key, err)
	}
}

func (l *RedisLock) Close() error {
	return l.client.Close()
}

func (l *RedisLock) logf(format string, args ...interface{}) {
	if l != nil && l.Logger != nil {
		l.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
