// Package loadercache stores loader results with stale-while-revalidate
// freshness, idle-timer garbage collection and single-writer-per-key fetches.
//
// Freshness is decided by the reader: an entry is fresh for a reader when
// now - FetchedAt < staleTime, with the reader's own staleTime. A preloaded
// entry is therefore re-evaluated under the navigation's stale time when a
// real navigation reads it.
//
// Invalidation marks entries stale and keeps their value. Eviction removes
// them; only Sweep evicts, and never an entry in the active set.
package loadercache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Default durations.
const (
	DefaultGCTime        = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Entry is a committed loader result. Entries are replaced, never modified,
// and are handed out by value.
type Entry struct {
	Key       Key
	Value     any
	FetchedAt time.Time
	StaleTime time.Duration

	// GCTime is the idle duration; GCDeadline is reset to now+GCTime on every read.
	GCTime     time.Duration
	GCDeadline time.Time

	// Preload marks entries written by a preload.
	Preload bool

	// Invalid marks entries invalidated since they were fetched.
	Invalid bool

	// Seq is the sequence number of the run that wrote the entry.
	Seq uint64
}

// IsFresh reports whether e is fresh at now for a reader using staleTime.
func (e Entry) IsFresh(staleTime time.Duration, now time.Time) bool {
	return !e.Invalid && now.Sub(e.FetchedAt) < staleTime
}

// Status classifies a lookup.
type Status int

const (
	Miss Status = iota
	Fresh
	Stale
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// PutOptions describe a write.
type PutOptions struct {
	StaleTime time.Duration
	GCTime    time.Duration
	Preload   bool

	// Seq orders writers. A write older than the committed entry is
	// discarded. Zero takes the next sequence number.
	Seq uint64
}

// Cache is a loader result store. The zero value is not usable; use New.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	active  map[string]map[Key]struct{}
	flights map[string]*flight
	group   singleflight.Group
	callers uint64
	seq     atomic.Uint64

	gcTime  time.Duration
	now     func() time.Time
	onEvict func(Entry)
	logger  *slog.Logger
	metrics *metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithGCTime sets the gc time used by writes that don't set one.
func WithGCTime(d time.Duration) Option {
	return func(c *Cache) { c.gcTime = d }
}

// WithOnEvict registers a hook called for every entry removed by Sweep.
func WithOnEvict(fn func(Entry)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics registers cache metrics under namespace with reg.
func WithMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(c *Cache) {
		if reg != nil {
			c.metrics = newMetrics(reg, namespace)
		}
	}
}

// New creates a cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[Key]*Entry),
		active:  make(map[string]map[Key]struct{}),
		flights: make(map[string]*flight),
		gcTime:  DefaultGCTime,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "loadercache")
	}
	return c
}

// Now returns the cache clock's current time.
func (c *Cache) Now() time.Time { return c.now() }

// NextSeq returns a new sequence number, greater than every previous one.
func (c *Cache) NextSeq() uint64 { return c.seq.Add(1) }

// Get returns the entry for key and resets its gc deadline.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	touched := *e
	touched.GCDeadline = c.now().Add(touched.GCTime)
	c.entries[key] = &touched
	return touched, true
}

// Peek returns the entry for key without touching its gc deadline.
func (c *Cache) Peek(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Lookup reads key and classifies it for a reader using staleTime.
func (c *Cache) Lookup(key Key, staleTime time.Duration) (Entry, Status) {
	e, ok := c.Get(key)
	switch {
	case !ok:
		c.metrics.miss()
		return Entry{}, Miss
	case e.IsFresh(staleTime, c.now()):
		c.metrics.hit()
		return e, Fresh
	default:
		c.metrics.stale()
		return e, Stale
	}
}

// Put commits value for key. It returns false, and discards the value, when
// an entry with a newer sequence number is already committed.
func (c *Cache) Put(key Key, value any, opts PutOptions) bool {
	if opts.Seq == 0 {
		opts.Seq = c.NextSeq()
	}
	gcTime := opts.GCTime
	if gcTime <= 0 {
		gcTime = c.gcTime
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[key]; ok && cur.Seq > opts.Seq {
		c.metrics.reject()
		c.logger.Debug("discarding out-of-order write",
			"route_id", key.RouteID, "pathname", key.Pathname,
			"seq", opts.Seq, "committed_seq", cur.Seq)
		return false
	}
	now := c.now()
	c.entries[key] = &Entry{
		Key:        key,
		Value:      value,
		FetchedAt:  now,
		StaleTime:  opts.StaleTime,
		GCTime:     gcTime,
		GCDeadline: now.Add(gcTime),
		Preload:    opts.Preload,
		Seq:        opts.Seq,
	}
	c.metrics.size(len(c.entries))
	return true
}

// IsStale reports whether key is absent, invalidated or older than the
// stale time it was written with.
func (c *Cache) IsStale(key Key, now time.Time) bool {
	e, ok := c.Peek(key)
	if !ok {
		return true
	}
	return !e.IsFresh(e.StaleTime, now)
}

// InvalidateAll marks every entry stale. Values stay readable.
func (c *Cache) InvalidateAll() {
	c.Invalidate(func(Key) bool { return true })
}

// Invalidate marks the entries matching filter stale and returns how many
// it marked.
func (c *Cache) Invalidate(filter func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !filter(k) {
			continue
		}
		invalid := *e
		invalid.Invalid = true
		c.entries[k] = &invalid
		n++
	}
	return n
}

// SetActive replaces the set of keys referenced by owner's current
// matches. Every router sharing the cache has its own set; an entry active
// for any owner is never swept. An empty keys releases owner.
func (c *Cache) SetActive(owner string, keys []Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keys) == 0 {
		delete(c.active, owner)
		return
	}
	active := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		active[k] = struct{}{}
	}
	c.active[owner] = active
}

// ReleaseActive drops owner's active set.
func (c *Cache) ReleaseActive(owner string) {
	c.SetActive(owner, nil)
}

func (c *Cache) isActive(k Key) bool {
	for _, keys := range c.active {
		if _, ok := keys[k]; ok {
			return true
		}
	}
	return false
}

// Sweep evicts entries past their gc deadline that are not active, and
// returns how many it evicted.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	var evicted []Entry
	for k, e := range c.entries {
		if c.isActive(k) {
			continue
		}
		if now.After(e.GCDeadline) {
			evicted = append(evicted, *e)
			delete(c.entries, k)
		}
	}
	c.metrics.size(len(c.entries))
	c.mu.Unlock()

	c.metrics.evicted(len(evicted))
	if c.onEvict != nil {
		for _, e := range evicted {
			c.onEvict(e)
		}
	}
	if len(evicted) > 0 {
		c.logger.Debug("swept cache", "evicted", len(evicted))
	}
	return len(evicted)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the keys of all entries, in no particular order.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// StartJanitor sweeps every interval until ctx is done.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep(c.now())
			}
		}
	}()
}
