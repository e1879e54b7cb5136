package loadercache

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var postKey = Key{RouteID: "/posts/$postId", Pathname: "/posts/1", Deps: emptyDeps}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint(map[string]any{"page": 2, "sort": "asc"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Fingerprint(map[string]any{"sort": "asc", "page": 2})
	if a != b {
		t.Errorf("deep-equal deps fingerprint differently: %x != %x", a, b)
	}
	c, _ := Fingerprint(map[string]any{"page": 3, "sort": "asc"})
	if a == c {
		t.Error("different deps share a fingerprint")
	}

	empty, _ := Fingerprint(map[string]any{})
	none, _ := Fingerprint(nil)
	if empty != none {
		t.Errorf("nil deps = %x, want the {} fingerprint %x", none, empty)
	}

	if _, err := Fingerprint(make(chan int)); err == nil {
		t.Error("expected error for unencodable deps")
	}
}

func TestPutGet(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	if _, ok := c.Get(postKey); ok {
		t.Fatal("Get on empty cache returned an entry")
	}
	if !c.Put(postKey, "post 1", PutOptions{StaleTime: time.Minute, GCTime: time.Hour}) {
		t.Fatal("Put() = false")
	}

	e, ok := c.Get(postKey)
	if !ok {
		t.Fatal("Get() missed after Put")
	}
	if e.Value != "post 1" {
		t.Errorf("Value = %v, want post 1", e.Value)
	}
	if !e.FetchedAt.Equal(clock.Now()) {
		t.Errorf("FetchedAt = %v, want %v", e.FetchedAt, clock.Now())
	}
	if e.Seq == 0 {
		t.Error("Put without Seq should assign one")
	}
}

func TestGetResetsGCDeadline(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.Put(postKey, "v", PutOptions{GCTime: 10 * time.Minute})

	clock.Advance(8 * time.Minute)
	c.Get(postKey)
	clock.Advance(8 * time.Minute)

	if n := c.Sweep(clock.Now()); n != 0 {
		t.Errorf("Sweep() = %d, want 0 (deadline was reset by Get)", n)
	}
	clock.Advance(3 * time.Minute)
	if n := c.Sweep(clock.Now()); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
}

func TestPeekDoesNotTouch(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.Put(postKey, "v", PutOptions{GCTime: time.Minute})
	clock.Advance(50 * time.Second)
	c.Peek(postKey)
	clock.Advance(20 * time.Second)
	if n := c.Sweep(clock.Now()); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
}

func TestIsStale(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	if !c.IsStale(postKey, clock.Now()) {
		t.Error("absent key should be stale")
	}

	c.Put(postKey, "v", PutOptions{StaleTime: 10 * time.Second})
	if c.IsStale(postKey, clock.Now()) {
		t.Error("just-written entry should be fresh")
	}
	if c.IsStale(postKey, clock.Now().Add(9*time.Second)) {
		t.Error("entry should be fresh before staleTime elapses")
	}
	if !c.IsStale(postKey, clock.Now().Add(10*time.Second)) {
		t.Error("entry should be stale once staleTime elapsed")
	}

	zero := Key{RouteID: "/posts", Pathname: "/posts"}
	c.Put(zero, "v", PutOptions{StaleTime: 0})
	if !c.IsStale(zero, clock.Now()) {
		t.Error("staleTime 0 entry should always be stale")
	}
}

func TestLookup_PreloadPromotion(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.Put(postKey, "preloaded", PutOptions{StaleTime: 30 * time.Second, Preload: true})

	clock.Advance(5 * time.Second)

	// Within the preload window.
	if _, st := c.Lookup(postKey, 30*time.Second); st != Fresh {
		t.Errorf("preload lookup = %v, want fresh", st)
	}
	// A real navigation re-evaluates with its own stale time.
	e, st := c.Lookup(postKey, 0)
	if st != Stale {
		t.Errorf("navigation lookup = %v, want stale", st)
	}
	if e.Value != "preloaded" || !e.Preload {
		t.Errorf("entry = %+v", e)
	}
	if _, st := c.Lookup(Key{RouteID: "x"}, time.Hour); st != Miss {
		t.Errorf("absent lookup = %v, want miss", st)
	}
}

func TestInvalidateAll_KeepsValue(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.Put(postKey, "v", PutOptions{StaleTime: time.Hour})

	c.InvalidateAll()

	if !c.IsStale(postKey, clock.Now()) {
		t.Error("invalidated entry should be stale")
	}
	e, ok := c.Get(postKey)
	if !ok || e.Value != "v" {
		t.Errorf("Get after InvalidateAll = %v, %v; want value kept", e.Value, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	// A fresh write clears the mark.
	c.Put(postKey, "v2", PutOptions{StaleTime: time.Hour})
	if c.IsStale(postKey, clock.Now()) {
		t.Error("rewritten entry should be fresh")
	}
}

func TestInvalidate_Filter(t *testing.T) {
	c := New()
	other := Key{RouteID: "/posts", Pathname: "/posts"}
	c.Put(postKey, 1, PutOptions{StaleTime: time.Hour})
	c.Put(other, 2, PutOptions{StaleTime: time.Hour})

	n := c.Invalidate(func(k Key) bool { return k.RouteID == "/posts" })
	if n != 1 {
		t.Errorf("Invalidate() = %d, want 1", n)
	}
	if e, _ := c.Peek(other); !e.Invalid {
		t.Error("/posts should be invalid")
	}
	if e, _ := c.Peek(postKey); e.Invalid {
		t.Error("/posts/$postId should not be invalid")
	}
}

func TestPut_SequenceOrdering(t *testing.T) {
	c := New()
	if !c.Put(postKey, "new", PutOptions{Seq: 2}) {
		t.Fatal("Put(seq 2) = false")
	}
	if c.Put(postKey, "old", PutOptions{Seq: 1}) {
		t.Error("Put(seq 1) after seq 2 should be rejected")
	}
	if e, _ := c.Get(postKey); e.Value != "new" {
		t.Errorf("Value = %v, want new", e.Value)
	}
	if !c.Put(postKey, "newer", PutOptions{Seq: 3}) {
		t.Error("Put(seq 3) = false")
	}
}

func TestSweep_SkipsActive(t *testing.T) {
	clock := newFakeClock()
	var evicted []Key
	c := New(WithClock(clock.Now), WithOnEvict(func(e Entry) { evicted = append(evicted, e.Key) }))

	other := Key{RouteID: "/about", Pathname: "/about"}
	c.Put(postKey, 1, PutOptions{GCTime: time.Minute})
	c.Put(other, 2, PutOptions{GCTime: time.Minute})
	c.SetActive("a", []Key{postKey})

	clock.Advance(2 * time.Minute)
	if n := c.Sweep(clock.Now()); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != other {
		t.Errorf("evicted = %v, want [%v]", evicted, other)
	}
	if _, ok := c.Peek(postKey); !ok {
		t.Error("active entry was swept")
	}

	c.SetActive("a", nil)
	if n := c.Sweep(clock.Now()); n != 1 {
		t.Errorf("Sweep() after deactivation = %d, want 1", n)
	}
}

func TestSweep_ActiveSetsPerOwner(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	other := Key{RouteID: "/about", Pathname: "/about"}
	c.Put(postKey, 1, PutOptions{GCTime: time.Minute})
	c.Put(other, 2, PutOptions{GCTime: time.Minute})
	c.SetActive("a", []Key{postKey})
	c.SetActive("b", []Key{other})

	clock.Advance(2 * time.Minute)
	if n := c.Sweep(clock.Now()); n != 0 {
		t.Fatalf("Sweep() = %d, want 0 while both owners reference their keys", n)
	}

	c.ReleaseActive("b")
	if n := c.Sweep(clock.Now()); n != 1 {
		t.Fatalf("Sweep() after releasing b = %d, want 1", n)
	}
	if _, ok := c.Peek(postKey); !ok {
		t.Error("entry still active for a was swept")
	}
	if _, ok := c.Peek(other); ok {
		t.Error("released entry survived the sweep")
	}
}

func TestDefaultGCTime(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now), WithGCTime(time.Second))
	c.Put(postKey, 1, PutOptions{})
	e, _ := c.Peek(postKey)
	if e.GCTime != time.Second {
		t.Errorf("GCTime = %v, want 1s", e.GCTime)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	clock := newFakeClock()
	c := New(WithClock(clock.Now), WithMetrics(reg, "test"))

	c.Lookup(postKey, time.Minute) // miss
	c.Put(postKey, 1, PutOptions{Seq: 5})
	c.Lookup(postKey, time.Minute) // hit
	c.Lookup(postKey, 0)           // stale
	c.Put(postKey, 0, PutOptions{Seq: 1})

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"misses", c.metrics.misses, 1},
		{"hits", c.metrics.hits, 1},
		{"stale", c.metrics.staleServes, 1},
		{"rejected", c.metrics.rejected, 1},
		{"entries", c.metrics.entries, 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}
