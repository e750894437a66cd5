// Package lock даёт распределённую блокировку для периодических проходов.
//
// Блокировка только убирает дублирующую работу: корректность обеспечивают
// условные UPDATE в хранилище. Предпочтительный backend: Redis (SET NX PX),
// запасной: session-scoped advisory lock PostgreSQL.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Locker: блокировка с неблокирующим захватом.
type Locker interface {
	// Acquire пытается захватить блокировку, false если она занята.
	Acquire(ctx context.Context) (bool, error)

	// Release освобождает блокировку, если она ещё наша.
	Release(ctx context.Context) error
}

// New выбирает backend: Redis, если клиент задан, иначе PostgreSQL.
func New(client *redis.Client, pool *pgxpool.Pool, key string, ttl time.Duration) Locker {
	if client != nil {
		return NewRedisLock(client, key, ttl)
	}
	return NewAdvisoryLock(pool, key)
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLock: SET NX с TTL и случайным значением владельца.
type RedisLock struct {
	client redis.UniversalClient
	key    string
	value  string
	ttl    time.Duration
}

// NewRedisLock создаёт блокировку "lock:<key>".
func NewRedisLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return &RedisLock{
		client: client,
		key:    "lock:" + key,
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// Extend продлевает TTL, если блокировка ещё наша.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	return n == 1, nil
}

// AdvisoryLock: pg_try_advisory_lock на выделенном соединении.
//
// Advisory lock привязан к сессии, поэтому соединение держится
// до Release и возвращается в пул после unlock.
type AdvisoryLock struct {
	pool   *pgxpool.Pool
	lockID int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// NewAdvisoryLock выводит lock id из ключа через FNV-64a.
func NewAdvisoryLock(pool *pgxpool.Pool, key string) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, lockID: KeyID(key)}
}

// KeyID: детерминированный id advisory lock для ключа.
func KeyID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return true, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

// Run выполняет fn под блокировкой. Если блокировка занята, fn не вызывается
// и возвращается false.
func Run(ctx context.Context, l Locker, fn func(ctx context.Context) error) (bool, error) {
	if l == nil {
		return true, fn(ctx)
	}
	ok, err := l.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		_ = l.Release(context.WithoutCancel(ctx))
	}()
	return true, fn(ctx)
}
