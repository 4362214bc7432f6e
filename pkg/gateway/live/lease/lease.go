// Package lease guards a conversation against concurrent live streams across
// gateway instances.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another stream already holds the conversation.
var ErrHeld = errors.New("lease: conversation is already streaming")

const (
	DefaultTTL    = 2 * time.Minute
	defaultPrefix = "oto:lease:"
)

// Lease is an acquired claim on a conversation.
type Lease interface {
	// Refresh extends the lease by the manager's TTL.
	Refresh(ctx context.Context) error
	// Release gives the lease up. It is safe to call more than once.
	Release(ctx context.Context) error
}

// Manager hands out conversation leases.
type Manager interface {
	Acquire(ctx context.Context, conversationID string) (Lease, error)
}

// RedisManager stores leases as expiring redis keys holding a random token.
type RedisManager struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// Option configures a RedisManager.
type Option func(*RedisManager)

func WithTTL(ttl time.Duration) Option {
	return func(m *RedisManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(m *RedisManager) {
		m.prefix = prefix
	}
}

func NewRedisManager(client redis.UniversalClient, opts ...Option) *RedisManager {
	m := &RedisManager{client: client, ttl: DefaultTTL, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewRedisManagerFromURL parses a redis:// URL and checks connectivity.
func NewRedisManagerFromURL(ctx context.Context, url string, opts ...Option) (*RedisManager, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lease: parse redis url: %w", err)
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lease: redis ping: %w", err)
	}
	return NewRedisManager(client, opts...), nil
}

// Close closes the underlying client.
func (m *RedisManager) Close() error {
	return m.client.Close()
}

// Acquire claims conversationID or returns ErrHeld.
func (m *RedisManager) Acquire(ctx context.Context, conversationID string) (Lease, error) {
	key := m.prefix + conversationID
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: acquire: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{m: m, key: key, token: token}, nil
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// ErrLost is returned by Refresh when the lease expired or was taken over.
var ErrLost = errors.New("lease: lease lost")

type redisLease struct {
	m     *RedisManager
	key   string
	token string

	once sync.Once
	err  error
}

func (l *redisLease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.m.client, []string{l.key}, l.token, l.m.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease: refresh: %w", err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if err := releaseScript.Run(ctx, l.m.client, []string{l.key}, l.token).Err(); err != nil {
			l.err = fmt.Errorf("lease: release: %w", err)
		}
	})
	return l.err
}

// Local is a single-process Manager used when no redis is configured.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, conversationID string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[conversationID]; ok {
		return nil, ErrHeld
	}
	l.held[conversationID] = struct{}{}
	return &localLease{owner: l, id: conversationID}, nil
}

type localLease struct {
	owner *Local
	id    string
	once  sync.Once
}

func (l *localLease) Refresh(context.Context) error { return nil }

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		delete(l.owner.held, l.id)
		l.owner.mu.Unlock()
	})
	return nil
}
