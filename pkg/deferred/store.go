package deferred

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps settlements for subscribers that arrive after a handle settled.
type Store interface {
	Save(ctx context.Context, s Settlement) error
	Load(ctx context.Context, id string) (Settlement, bool, error)
}

// MemoryStore is an in-process Store. Entries expire after ttl (0 keeps them).
// Expired entries are dropped when read and swept at most once per ttl on
// Save, so the store holds about two ttl windows of settlements.
type MemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	entries   map[string]memoryEntry
	now       func() time.Time
	nextSweep time.Time
}

type memoryEntry struct {
	s       Settlement
	expires time.Time
}

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryStore) Save(_ context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{s: s}
	if m.ttl > 0 {
		now := m.now()
		if !now.Before(m.nextSweep) {
			m.sweep(now)
			m.nextSweep = now.Add(m.ttl)
		}
		e.expires = now.Add(m.ttl)
	}
	m.entries[s.ID] = e
	return nil
}

func (m *MemoryStore) sweep(now time.Time) {
	for id, e := range m.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(m.entries, id)
		}
	}
}

// Len returns the number of settlements held, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryStore) Load(_ context.Context, id string) (Settlement, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Settlement{}, false, nil
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, id)
		return Settlement{}, false, nil
	}
	return e.s, true, nil
}

// RedisStore keeps settlements in Redis so any instance can replay them.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. Keys are prefix + handle id.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisStoreFromURL connects to the Redis server at url.
func NewRedisStoreFromURL(url, prefix string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), prefix, ttl), nil
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) Save(ctx context.Context, s Settlement) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(s.ID), data, r.ttl).Err()
}

func (r *RedisStore) Load(ctx context.Context, id string) (Settlement, bool, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return Settlement{}, false, nil
	}
	if err != nil {
		return Settlement{}, false, err
	}
	s, err := decodeSettlement(data)
	if err != nil {
		return Settlement{}, false, err
	}
	return s, true, nil
}

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
