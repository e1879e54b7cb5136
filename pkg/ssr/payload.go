// Package ssr moves a loaded router state across the server/client
// boundary.
//
// The server dehydrates the committed state into a JSON Payload. Deferred
// values that are still pending travel as placeholders; the client adopts
// them into its own registry with Hydrate and settles them from the
// /_deferred websocket stream.
package ssr

import (
	"net/http"

	"github.com/vango-dev/routeloader/pkg/deferred"
	"github.com/vango-dev/routeloader/pkg/pipeline"
	"github.com/vango-dev/routeloader/pkg/route"
	"github.com/vango-dev/routeloader/pkg/router"
)

// Payload is the serialized form of a router state.
type Payload struct {
	// Href is the committed location.
	Href string `json:"href"`

	// Status is the HTTP status the state maps to.
	Status int `json:"status"`

	Matches  []MatchPayload  `json:"matches"`
	Redirect *route.Redirect `json:"redirect,omitempty"`
	NotFound *route.NotFound `json:"notFound,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// MatchPayload is one dehydrated match.
type MatchPayload struct {
	router.MatchView
	ErrorRouteID string                          `json:"errorRouteId,omitempty"`
	Deferred     map[string]deferred.Placeholder `json:"deferred,omitempty"`
}

// HydratedMatch is a match rebuilt on the client. Handles settle as the
// stream delivers their settlements.
type HydratedMatch struct {
	MatchPayload
	Handles map[string]*deferred.Handle
}

// Dehydrate converts a committed state into a payload.
func Dehydrate(st router.State) (Payload, error) {
	p := Payload{
		Href:     st.Location.Href(),
		Status:   StatusCode(st),
		Redirect: st.Redirect,
		NotFound: st.NotFound,
		Matches:  make([]MatchPayload, 0, len(st.Matches)),
	}
	if st.Err != nil {
		p.Error = st.Err.Error()
	}
	views := st.Views()
	for i, m := range st.Matches {
		mp := MatchPayload{MatchView: views[i], ErrorRouteID: m.ErrorRouteID}
		if len(m.Deferred) > 0 {
			mp.Deferred = make(map[string]deferred.Placeholder, len(m.Deferred))
			for name, h := range m.Deferred {
				ph, err := h.Placeholder()
				if err != nil {
					return Payload{}, err
				}
				mp.Deferred[name] = ph
			}
		}
		p.Matches = append(p.Matches, mp)
	}
	return p, nil
}

// Hydrate adopts the payload's placeholders into reg.
func Hydrate(p Payload, reg *deferred.Registry) []HydratedMatch {
	out := make([]HydratedMatch, len(p.Matches))
	for i, m := range p.Matches {
		out[i] = HydratedMatch{MatchPayload: m}
		if len(m.Deferred) == 0 {
			continue
		}
		owner := p.Href + "#" + m.RouteID
		out[i].Handles = make(map[string]*deferred.Handle, len(m.Deferred))
		for name, ph := range m.Deferred {
			out[i].Handles[name] = reg.Adopt(owner, ph)
		}
	}
	return out
}

// PendingIDs returns the ids of the placeholders that still need a
// settlement.
func (p Payload) PendingIDs() []string {
	var ids []string
	for _, m := range p.Matches {
		for _, ph := range m.Deferred {
			if ph.State == deferred.Pending {
				ids = append(ids, ph.ID)
			}
		}
	}
	return ids
}

// StatusCode maps a state to an HTTP status: the redirect's status for a
// followed redirect, 404 for not-found, 400 for a rejected location and
// 500 when an error reached the root boundary.
func StatusCode(st router.State) int {
	switch {
	case st.Redirect != nil:
		if st.Redirect.Status != 0 {
			return st.Redirect.Status
		}
		return http.StatusTemporaryRedirect
	case st.NotFound != nil:
		return http.StatusNotFound
	case st.Err != nil:
		return http.StatusBadRequest
	}
	for _, m := range st.Matches {
		if m.Status == pipeline.StatusErrored && m.ErrorRouteID == route.RootID {
			return http.StatusInternalServerError
		}
	}
	return http.StatusOK
}
