package pipeline

import (
	"fmt"
	"maps"
	"time"

	"github.com/vango-dev/routeloader/pkg/deferred"
	"github.com/vango-dev/routeloader/pkg/loadercache"
	"github.com/vango-dev/routeloader/pkg/route"
)

// Trigger is why a run was started.
type Trigger string

const (
	// TriggerEnter loads a new location.
	TriggerEnter Trigger = "enter"
	// TriggerStay reloads the current location.
	TriggerStay Trigger = "stay"
	// TriggerPreload loads speculatively; its matches are never committed.
	TriggerPreload Trigger = "preload"
)

// Status is the lifecycle state of a match.
type Status int

const (
	StatusPending Status = iota
	StatusResolved
	StatusErrored
	StatusRedirected
	StatusNotFound
	// StatusSkipped marks matches below a failed guard; none of their
	// hooks ran.
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusResolved:
		return "resolved"
	case StatusErrored:
		return "errored"
	case StatusRedirected:
		return "redirected"
	case StatusNotFound:
		return "notFound"
	case StatusSkipped:
		return "skipped"
	default:
		return "pending"
	}
}

// MarshalText encodes the status as its name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for st := StatusPending; st <= StatusSkipped; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("pipeline: unknown status %q", b)
}

// Match is one route of a match list. The pipeline mutates it while a run
// is in progress; once the run finishes it is read-only.
type Match struct {
	// ID identifies the match: route id plus the pathname it consumed.
	ID       string
	RouteID  string
	Route    *route.Node
	Pathname string
	Params   map[string]string
	Search   map[string]any

	Status     Status
	LoaderData any

	// Context holds the guard fragments from the root down to this match.
	Context route.Context

	// Error is set on errored matches. A descendant of a failed match
	// carries its ancestor's error.
	Error error

	// ErrorRouteID is the boundary that handled Error.
	ErrorRouteID string

	// Deferred values returned alongside LoaderData, by name.
	Deferred map[string]*deferred.Handle

	Redirect *route.Redirect
	NotFound *route.NotFound

	Key       loadercache.Key
	Stale     bool
	FetchedAt time.Time
	Preload   bool
	Cause     route.Cause
	Seq       uint64
}

// NewMatches creates pending matches for a matcher result.
func NewMatches(res route.Result, loc route.Location) []*Match {
	out := make([]*Match, len(res.Matches))
	for i, m := range res.Matches {
		out[i] = &Match{
			ID:       m.Node.ID() + "|" + m.Pathname,
			RouteID:  m.Node.ID(),
			Route:    m.Node,
			Pathname: m.Pathname,
			Params:   maps.Clone(m.Params),
			Search:   loc.Search,
		}
	}
	return out
}

// Clone returns a shallow copy of m with its own maps.
func (m *Match) Clone() *Match {
	c := *m
	c.Params = maps.Clone(m.Params)
	c.Deferred = maps.Clone(m.Deferred)
	return &c
}

// IsSettled reports whether the match left the pending state.
func (m *Match) IsSettled() bool { return m.Status != StatusPending }

// loaded is what the cache stores for a route: loader data plus its
// deferred handles, owned by Owner in the registry.
type loaded struct {
	Data     any
	Deferred map[string]*deferred.Handle
	Owner    string
}

// DiscardDeferred returns a cache eviction hook that discards the deferred
// handles of evicted entries.
func DiscardDeferred(reg *deferred.Registry) func(loadercache.Entry) {
	return func(e loadercache.Entry) {
		if l, ok := e.Value.(*loaded); ok && l.Owner != "" {
			reg.Discard(l.Owner)
		}
	}
}
