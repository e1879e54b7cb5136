package router

import (
	"github.com/vango-dev/routeloader/pkg/loadercache"
	"github.com/vango-dev/routeloader/pkg/pipeline"
	"github.com/vango-dev/routeloader/pkg/route"
)

// History is the source of locations. The router reads and writes it but
// never implements it.
type History interface {
	// Location returns the current location.
	Location() route.Location

	// Push adds a history entry.
	Push(loc route.Location)

	// Replace overwrites the current entry.
	Replace(loc route.Location)

	// Subscribe registers fn for locations changed outside the router
	// (back and forward).
	Subscribe(fn func(route.Location)) (unsubscribe func())
}

// Status is the router's loading status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
)

// State is a snapshot of the committed navigation. Matches must not be
// modified.
type State struct {
	Location route.Location
	Status   Status
	Matches  []*pipeline.Match
	Redirect *route.Redirect
	NotFound *route.NotFound

	// Err is a validation error of the committed location.
	Err error

	// Seq is the sequence number of the run that produced the matches.
	Seq uint64
}

// Leaf returns the last match, or nil.
func (s State) Leaf() *pipeline.Match {
	if len(s.Matches) == 0 {
		return nil
	}
	return s.Matches[len(s.Matches)-1]
}

// Keys returns the cache keys of the matches that have a loader.
func (s State) Keys() []loadercache.Key {
	keys := make([]loadercache.Key, 0, len(s.Matches))
	for _, m := range s.Matches {
		if m.Route.HasLoader() && m.Key.RouteID != "" {
			keys = append(keys, m.Key)
		}
	}
	return keys
}

// MatchView is what a renderer needs from one match.
type MatchView struct {
	RouteID    string            `json:"routeId"`
	Status     pipeline.Status   `json:"status"`
	Params     map[string]string `json:"params,omitempty"`
	LoaderData any               `json:"loaderData,omitempty"`
	Error      string            `json:"error,omitempty"`
	Stale      bool              `json:"stale,omitempty"`
}

// Views returns the render view of each match.
func (s State) Views() []MatchView {
	out := make([]MatchView, len(s.Matches))
	for i, m := range s.Matches {
		out[i] = MatchView{
			RouteID:    m.RouteID,
			Status:     m.Status,
			Params:     m.Params,
			LoaderData: m.LoaderData,
			Stale:      m.Stale,
		}
		if m.Error != nil {
			out[i].Error = m.Error.Error()
		}
	}
	return out
}

// EventType names a router event.
type EventType string

const (
	// EventBeforeLoad fires when a navigation starts.
	EventBeforeLoad EventType = "beforeLoad"
	// EventLoad fires when a navigation's matches are committed.
	EventLoad EventType = "load"
	// EventResolved fires when the router is idle again after a navigation.
	EventResolved EventType = "resolved"
	// EventRevalidated fires when a background refetch replaced a stale match.
	EventRevalidated EventType = "revalidated"
)

// Event is delivered to subscribers.
type Event struct {
	Type     EventType
	Location route.Location
	State    State

	// Match is the refreshed match of an EventRevalidated.
	Match *pipeline.Match
}
