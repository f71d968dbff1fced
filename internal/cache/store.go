// Package cache memoizes transcriptions and synthesized audio. It is a pure
// optimization: every failure reads as a miss.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Store.Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is a byte-valued key/value store with per-entry TTL.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisStore is a Store backed by a shared Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects lazily to addr; go-redis pools connections.
func NewRedisStore(addr, password string, db, poolSize int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return b, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type localEntry struct {
	value   []byte
	expires time.Time
}

// LocalStore is an in-process LRU with TTL. It is scoped to one process and
// never shared.
type LocalStore struct {
	mu  sync.Mutex
	lru *lru.Cache
	now func() time.Time
}

// NewLocalStore creates an LRU holding at most maxEntries values.
func NewLocalStore(maxEntries int) *LocalStore {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &LocalStore{lru: lru.New(maxEntries), now: time.Now}
}

// Get implements Store.
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	e := v.(localEntry)
	if !e.expires.IsZero() && s.now().After(e.expires) {
		s.lru.Remove(key)
		return nil, ErrMiss
	}
	return e.value, nil
}

// Set implements Store.
func (s *LocalStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := localEntry{value: value}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(key, e)
	return nil
}

// Len returns the number of resident entries, expired ones included.
func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// TieredStore reads through a shared primary store and falls back to a local
// LRU while the primary is failing. The primary is retried after a cooldown;
// outage transitions are logged once each way.
type TieredStore struct {
	primary  Store
	local    *LocalStore
	cooldown time.Duration
	now      func() time.Time

	mu      sync.Mutex
	down    bool
	retryAt time.Time
}

// NewTieredStore combines primary (may be nil) with local.
func NewTieredStore(primary Store, local *LocalStore, cooldown time.Duration) *TieredStore {
	return &TieredStore{primary: primary, local: local, cooldown: cooldown, now: time.Now}
}

// Get implements Store.
func (s *TieredStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.usePrimary() {
		v, err := s.primary.Get(ctx, key)
		switch {
		case err == nil:
			s.markUp()
			return v, nil
		case errors.Is(err, ErrMiss):
			s.markUp()
		case callerGone(ctx, err):
			return nil, ErrMiss
		default:
			s.markDown(err)
		}
	}
	return s.local.Get(ctx, key)
}

// Set implements Store. Values always land in the local tier.
func (s *TieredStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = s.local.Set(ctx, key, value, ttl)
	if !s.usePrimary() {
		return nil
	}
	if err := s.primary.Set(ctx, key, value, ttl); err != nil {
		if !callerGone(ctx, err) {
			s.markDown(err)
		}
		return nil
	}
	s.markUp()
	return nil
}

// Degraded reports whether the primary is currently considered down.
func (s *TieredStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

// callerGone reports whether err stems from the caller abandoning the
// request rather than from the primary store.
func callerGone(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func (s *TieredStore) usePrimary() bool {
	if s.primary == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.down || !s.now().Before(s.retryAt)
}

func (s *TieredStore) markDown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryAt = s.now().Add(s.cooldown)
	if s.down {
		return
	}
	s.down = true
	slog.Warn("cache store unavailable, using local cache", "error", err)
}

func (s *TieredStore) markUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.down {
		return
	}
	s.down = false
	slog.Info("cache store recovered")
}
