package loadercache

import (
	"context"
	"time"
)

// FetchOptions describe the write a successful fetch commits.
type FetchOptions struct {
	Seq       uint64
	StaleTime time.Duration
	GCTime    time.Duration
	Preload   bool
}

// FetchResult is the outcome of Fetch.
type FetchResult struct {
	Value any

	// Shared is true when the caller attached to a flight started by
	// another caller.
	Shared bool

	// Committed is true when the value was written to the cache.
	Committed bool
}

// flight is the context a loader call runs on. It is cancelled only when
// every caller attached to it has gone away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	callers map[uint64]context.Context
}

// live reports whether any attached caller still wants the result.
func (f *flight) live() bool {
	for _, ctx := range f.callers {
		if ctx.Err() == nil {
			return true
		}
	}
	return false
}

// Fetch calls fn at most once at a time per key. Concurrent callers for the
// same key attach to the call in flight and share its result. Only the
// caller that started the flight writes, with opts.Seq.
//
// fn runs on its own context, detached from any single caller: it is
// cancelled when the last attached caller's ctx is done, at which point the
// flight is forgotten and its result is never written. A caller never
// attaches to a flight whose callers are all done but not yet detached; that
// flight is cancelled and a new one started.
func (c *Cache) Fetch(ctx context.Context, key Key, opts FetchOptions, fn func(ctx context.Context) (any, error)) (FetchResult, error) {
	k := key.String()

	c.mu.Lock()
	f, joined := c.flights[k]
	if joined && !f.live() {
		c.abandon(k, f)
		joined = false
	}
	if !joined {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel, callers: make(map[uint64]context.Context)}
		c.flights[k] = f
	}
	c.callers++
	id := c.callers
	f.callers[id] = ctx

	// The singleflight key and c.flights change together under c.mu, so a
	// call always runs on the context of the flight its callers hold.
	ch := c.group.DoChan(k, func() (any, error) {
		defer c.finish(k, f)
		v, err := fn(f.ctx)
		if err != nil {
			return nil, err
		}
		committed := false
		if f.ctx.Err() == nil {
			committed = c.Put(key, v, PutOptions{
				StaleTime: opts.StaleTime,
				GCTime:    opts.GCTime,
				Preload:   opts.Preload,
				Seq:       opts.Seq,
			})
		}
		return FetchResult{Value: v, Committed: committed}, nil
	})
	c.mu.Unlock()
	if joined {
		c.metrics.join()
	}

	select {
	case r := <-ch:
		c.release(k, f, id)
		if r.Err != nil {
			return FetchResult{Shared: r.Shared}, r.Err
		}
		res := r.Val.(FetchResult)
		res.Shared = r.Shared
		return res, nil
	case <-ctx.Done():
		c.release(k, f, id)
		return FetchResult{}, ctx.Err()
	}
}

// release detaches one caller. The last one out cancels the flight.
func (c *Cache) release(k string, f *flight, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(f.callers, id)
	if len(f.callers) > 0 {
		return
	}
	if c.flights[k] == f {
		c.abandon(k, f)
		return
	}
	f.cancel()
}

// abandon cancels f and forgets it so the next fetch starts fresh. c.mu
// must be held.
func (c *Cache) abandon(k string, f *flight) {
	delete(c.flights, k)
	c.group.Forget(k)
	f.cancel()
}

// finish forgets a completed flight so later fetches start a new one.
func (c *Cache) finish(k string, f *flight) {
	c.mu.Lock()
	if c.flights[k] == f {
		delete(c.flights, k)
	}
	c.mu.Unlock()
}

// InFlight reports whether a fetch for key is running.
func (c *Cache) InFlight(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flights[key.String()]
	return ok
}
