package router

import (
	"testing"

	"github.com/vango-dev/routeloader/pkg/route"
)

func TestMemoryHistory(t *testing.T) {
	h := NewMemoryHistory(route.Location{})
	if got := h.Location().Pathname; got != "/" {
		t.Fatalf("initial = %q, want /", got)
	}

	var popped []string
	unsubscribe := h.Subscribe(func(loc route.Location) { popped = append(popped, loc.Pathname) })

	h.Push(route.Location{Pathname: "/a"})
	h.Push(route.Location{Pathname: "/b"})
	if len(popped) != 0 {
		t.Errorf("Push notified subscribers: %v", popped)
	}

	if !h.Back() || h.Location().Pathname != "/a" {
		t.Errorf("Back() at %q, want /a", h.Location().Pathname)
	}
	h.Replace(route.Location{Pathname: "/a2"})
	if !h.Forward() || h.Location().Pathname != "/b" {
		t.Errorf("Forward() at %q, want /b", h.Location().Pathname)
	}
	if h.Forward() {
		t.Error("Forward() past the end = true")
	}
	if h.Go(-5) {
		t.Error("Go(-5) = true")
	}

	h.Go(-2)
	h.Push(route.Location{Pathname: "/c"})
	if h.Len() != 2 {
		t.Errorf("Len() = %d after push from the start, want 2", h.Len())
	}

	unsubscribe()
	h.Back()

	want := []string{"/a", "/b", "/"}
	if len(popped) != len(want) {
		t.Fatalf("popped = %v, want %v", popped, want)
	}
	for i := range want {
		if popped[i] != want[i] {
			t.Errorf("popped[%d] = %q, want %q", i, popped[i], want[i])
		}
	}
}
