package route

import (
	"maps"

	"github.com/vango-dev/routeloader/pkg/routepath"
)

// Fragment is the context contribution of one route's guard.
type Fragment struct {
	RouteID string
	Values  map[string]any
}

// Context is an ordered list of fragments, root first. Reads merge the
// fragments shallowly; the last writer of a key wins.
type Context []Fragment

// With returns a new context with f appended. c is never modified.
func (c Context) With(f Fragment) Context {
	out := make(Context, len(c), len(c)+1)
	copy(out, c)
	return append(out, f)
}

// Get returns the value of key from the deepest fragment that sets it.
func (c Context) Get(key string) (any, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		if v, ok := c[i].Values[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Merged returns all fragments merged into one map.
func (c Context) Merged() map[string]any {
	out := make(map[string]any)
	for _, f := range c {
		maps.Copy(out, f.Values)
	}
	return out
}

// Value returns the context value for key as a T.
func Value[T any](c Context, key string) (T, bool) {
	v, ok := c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Location is a resolved position in the application.
type Location struct {
	// Pathname is the normalized path ("/posts/42").
	Pathname string

	// Search is the parsed query.
	Search map[string]any

	// SearchStr is the raw query without "?".
	SearchStr string

	Hash  string
	State any
}

// Href renders the location back to a string.
func (l Location) Href() string {
	return routepath.JoinHref(l.Pathname, l.SearchStr, l.Hash)
}
