package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegister_Resolves(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	h := reg.Register(context.Background(), "/posts|/posts/1", "comments", func(ctx context.Context) (any, error) {
		<-release
		return []string{"first"}, nil
	})

	if h.ID() == "" {
		t.Fatal("handle has no id")
	}
	if h.State() != Pending {
		t.Errorf("State() = %v, want pending", h.State())
	}
	if h.Owner() != "/posts|/posts/1" || h.Name() != "comments" {
		t.Errorf("Owner/Name = %q/%q", h.Owner(), h.Name())
	}

	close(release)
	v, err := h.Await(context.Background())
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if got := v.([]string); len(got) != 1 || got[0] != "first" {
		t.Errorf("Await() = %v", v)
	}
	if h.State() != Resolved {
		t.Errorf("State() = %v, want resolved", h.State())
	}
}

func TestRegister_RejectionSeenByEveryAwaiter(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	h := reg.Register(context.Background(), "o", "x", func(context.Context) (any, error) {
		return nil, boom
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.Await(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("awaiter %d error = %v, want boom", i, err)
		}
		if err != errs[0] {
			t.Errorf("awaiter %d got a different error value", i)
		}
	}
	if h.State() != Rejected {
		t.Errorf("State() = %v, want rejected", h.State())
	}
}

func TestRegister_PanicRejects(t *testing.T) {
	reg := NewRegistry()
	h := reg.Register(context.Background(), "o", "x", func(context.Context) (any, error) {
		panic("kaboom")
	})
	if _, err := h.Await(context.Background()); err == nil {
		t.Error("expected rejection from panicking deferred value")
	}
}

func TestSubscribe_ExactlyOnce(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	h := reg.Register(context.Background(), "o", "x", func(context.Context) (any, error) {
		<-release
		return 1, nil
	})

	var early, late atomic.Int32
	h.Subscribe(func(*Handle) { early.Add(1) })
	removed := h.Subscribe(func(*Handle) { t.Error("unsubscribed callback was called") })
	removed()

	close(release)
	<-h.Done()
	// Subscribers run after Done closes; wait for them.
	waitFor(t, func() bool { return early.Load() == 1 })

	h.Subscribe(func(*Handle) { late.Add(1) })
	if late.Load() != 1 {
		t.Errorf("late subscriber calls = %d, want 1", late.Load())
	}

	// A second settlement is refused and notifies no one.
	if err := reg.Settle(Settlement{ID: h.ID(), State: Resolved, Value: json.RawMessage(`2`)}); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("second Settle() error = %v, want ErrAlreadySettled", err)
	}
	time.Sleep(5 * time.Millisecond)
	if early.Load() != 1 {
		t.Errorf("early subscriber calls = %d, want 1", early.Load())
	}
	if v, _ := h.Await(context.Background()); v != 1 {
		t.Errorf("value after duplicate settlement = %v, want 1", v)
	}
}

func TestAwait_ContextDone(t *testing.T) {
	reg := NewRegistry()
	h := reg.Register(context.Background(), "o", "x", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Await() error = %v, want deadline exceeded", err)
	}
	if h.State() != Pending {
		t.Errorf("State() = %v, want pending", h.State())
	}
	reg.Discard("o")
}

func TestDiscard(t *testing.T) {
	reg := NewRegistry()
	cancelled := make(chan struct{})
	h := reg.Register(context.Background(), "owner", "x", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	reg.Register(context.Background(), "other", "y", func(context.Context) (any, error) { return 1, nil })

	if n := reg.Discard("owner"); n != 1 {
		t.Errorf("Discard() = %d, want 1", n)
	}
	if _, err := h.Await(context.Background()); !errors.Is(err, ErrDiscarded) {
		t.Errorf("Await() error = %v, want ErrDiscarded", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("discarded computation was not cancelled")
	}
	if _, ok := reg.Get(h.ID()); ok {
		t.Error("discarded handle still registered")
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
}

func TestSettle_Errors(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Settle(Settlement{ID: "nope", State: Resolved}); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Settle(unknown) error = %v, want ErrUnknownHandle", err)
	}
	h := reg.Adopt("o", Placeholder{ID: "p1", State: Pending})
	if err := reg.Settle(Settlement{ID: h.ID(), State: Pending}); err == nil {
		t.Error("Settle(pending) should fail")
	}
}

func TestAdopt(t *testing.T) {
	reg := NewRegistry()

	pending := reg.Adopt("m1", Placeholder{ID: "a", State: Pending})
	if pending.State() != Pending {
		t.Fatalf("State() = %v, want pending", pending.State())
	}
	if again := reg.Adopt("m1", Placeholder{ID: "a", State: Pending}); again != pending {
		t.Error("adopting the same id twice returned a new handle")
	}
	if err := reg.Settle(Settlement{ID: "a", State: Resolved, Value: json.RawMessage(`{"n":1}`)}); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	v, err := pending.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(v.(json.RawMessage)) != `{"n":1}` {
		t.Errorf("value = %s", v)
	}

	inline := reg.Adopt("m1", Placeholder{ID: "b", State: Resolved, Value: json.RawMessage(`"done"`)})
	if inline.State() != Resolved {
		t.Errorf("inline State() = %v, want resolved", inline.State())
	}

	rejected := reg.Adopt("m1", Placeholder{ID: "c", State: Rejected, Error: "no comments"})
	_, err = rejected.Await(context.Background())
	if err == nil || !errors.Is(err, ErrRejected) {
		t.Errorf("rejected Await() error = %v", err)
	}
	s, _ := rejected.Settlement()
	if s.Error != "no comments" {
		t.Errorf("relayed error = %q, want the original text", s.Error)
	}
}

func TestPlaceholder(t *testing.T) {
	reg := NewRegistry(WithIDGenerator(func() string { return "fixed" }))
	h := reg.Register(context.Background(), "o", "x", func(context.Context) (any, error) {
		return map[string]int{"likes": 3}, nil
	})
	<-h.Done()

	p, err := h.Placeholder()
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(p)
	want := `{"id":"fixed","state":"resolved","value":{"likes":3}}`
	if string(data) != want {
		t.Errorf("placeholder JSON = %s, want %s", data, want)
	}

	var back Placeholder
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.State != Resolved || back.ID != "fixed" {
		t.Errorf("decoded placeholder = %+v", back)
	}
}

func TestRegistry_SavesToStore(t *testing.T) {
	store := NewMemoryStore(0)
	reg := NewRegistry(WithStore(store))
	h := reg.Register(context.Background(), "o", "x", func(context.Context) (any, error) { return "v", nil })
	<-h.Done()

	waitFor(t, func() bool {
		_, ok, _ := store.Load(context.Background(), h.ID())
		return ok
	})
	s, _, _ := store.Load(context.Background(), h.ID())
	if s.State != Resolved || string(s.Value) != `"v"` {
		t.Errorf("stored settlement = %+v", s)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(time.Millisecond)
	}
}
