package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL    = 5 * time.Minute
	defaultLockPrefix = "circulation:job"
	releaseTimeout    = 5 * time.Second
)

// compareAndDelete удаляет ключ, только если в нём записан ожидаемый владелец.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock обеспечивает монопольный запуск задачи с указанным именем.
type Lock interface {
	Acquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

// LocalLock работает в пределах одного процесса.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLock создаёт блокировку процесса.
func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]bool)}
}

// Acquire захватывает блокировку, если она свободна.
func (l *LocalLock) Acquire(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return false, nil
	}
	l.held[name] = true
	return true, nil
}

// Release освобождает блокировку.
func (l *LocalLock) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
	return nil
}

// redisStore описывает операции Redis, нужные RedisLock.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	DelIfEqual(ctx context.Context, key, value string) (bool, error)
}

// RedisLock реализует Lock через Redis SETNX с TTL, владельцем ключа становится случайный UUID.
type RedisLock struct {
	client redisStore
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	owners map[string]string
}

// NewRedisLock создаёт блокировку поверх Redis.
func NewRedisLock(client redisStore, prefix string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if prefix == "" {
		prefix = defaultLockPrefix
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, prefix: prefix, ttl: ttl, owners: make(map[string]string)}, nil
}

func (l *RedisLock) key(name string) string {
	return l.prefix + ":" + name
}

// Acquire пытается стать владельцем блокировки на время TTL.
func (l *RedisLock) Acquire(ctx context.Context, name string) (bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(name), owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.owners[name] = owner
		l.mu.Unlock()
	}
	return ok, nil
}

// Release освобождает блокировку, только если она всё ещё принадлежит этому экземпляру.
// Контекст задачи к этому моменту может быть уже отменён, поэтому запрос к Redis
// выполняется в отвязанном от отмены контексте с собственным таймаутом.
func (l *RedisLock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	owner := l.owners[name]
	delete(l.owners, name)
	l.mu.Unlock()

	if owner == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if _, err := l.client.DelIfEqual(ctx, l.key(name), owner); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

// RedisClient адаптирует go-redis к интерфейсу, который нужен RedisLock.
type RedisClient struct {
	raw *redis.Client
}

// NewRedisClient подключается к Redis по URL вида redis://host:port/db и проверяет соединение.
func NewRedisClient(ctx context.Context, url string) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisClient{raw: raw}, nil
}

// SetNX записывает значение, только если ключа ещё нет.
func (c *RedisClient) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return c.raw.SetNX(ctx, key, value, ttl).Result()
}

// DelIfEqual атомарно удаляет ключ, если его значение равно value.
func (c *RedisClient) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.raw, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Close закрывает соединение с Redis.
func (c *RedisClient) Close() error {
	return c.raw.Close()
}
