package router

import (
	"context"
	"strings"

	"github.com/vango-dev/routeloader/pkg/routepath"
)

// LinkOptions describes a link target by route id instead of by href.
type LinkOptions struct {
	RouteID string
	Params  map[string]string
	Search  map[string]any
	Hash    string
}

// Href builds the href of a route, encoding params into its pattern and
// search with the router's codec.
func (r *Router) Href(l LinkOptions) (string, error) {
	path, err := r.tree.BuildPath(l.RouteID, l.Params)
	if err != nil {
		return "", err
	}
	var search string
	if len(l.Search) > 0 {
		if search, err = r.codec.Stringify(l.Search); err != nil {
			return "", err
		}
	}
	return routepath.JoinHref(path, search, l.Hash), nil
}

// NavigateTo navigates to a route by id.
func (r *Router) NavigateTo(ctx context.Context, l LinkOptions, opts ...NavigateOption) (State, error) {
	href, err := r.Href(l)
	if err != nil {
		return r.State(), err
	}
	return r.Navigate(ctx, href, opts...)
}

// IsActive reports whether href is the committed location. Without exact,
// href also matches any location below it.
func (r *Router) IsActive(href string, exact bool) bool {
	norm, err := routepath.Normalize(href)
	if err != nil {
		return false
	}
	current := r.State().Location.Pathname
	if current == "" {
		return false
	}
	if exact || norm.Path == "/" {
		return current == norm.Path
	}
	return current == norm.Path || strings.HasPrefix(current, norm.Path+"/")
}

// IsRouteActive reports whether routeID is part of the committed matches.
func (r *Router) IsRouteActive(routeID string) bool {
	for _, m := range r.State().Matches {
		if m.RouteID == routeID {
			return true
		}
	}
	return false
}
