package route

import (
	"context"
	"net/http"
)

// Cause describes why a route is being loaded.
type Cause string

const (
	// CauseEnter means the route was not part of the previous match set.
	CauseEnter Cause = "enter"
	// CauseStay means the route stays matched across the navigation.
	CauseStay Cause = "stay"
	// CausePreload means the load is speculative and commits nothing.
	CausePreload Cause = "preload"
)

// OutcomeKind tags the result of a guard or loader.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeRedirect
	OutcomeNotFound
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRedirect:
		return "redirect"
	case OutcomeNotFound:
		return "notFound"
	default:
		return "ok"
	}
}

// Outcome is what a guard or loader produced. Redirects and not-found are
// outcomes, never errors.
type Outcome struct {
	Kind OutcomeKind

	// Context is the fragment a guard contributes to descendants.
	Context map[string]any

	// Data is the loader data.
	Data any

	// Deferred values attached to a loader outcome, settled later.
	Deferred []Deferred

	Redirect *Redirect
	NotFound *NotFound
}

// DeferredFunc produces a value after the loader has already returned.
type DeferredFunc func(ctx context.Context) (any, error)

// Deferred is a named value a loader hands off unsettled.
type Deferred struct {
	Name string
	Fn   DeferredFunc
}

// Continue lets a guard pass, contributing values to the context of
// descendant guards and loaders.
func Continue(values map[string]any) Outcome {
	return Outcome{Kind: OutcomeOK, Context: values}
}

// Loaded is the outcome of a loader that produced data.
func Loaded(data any) Outcome {
	return Outcome{Kind: OutcomeOK, Data: data}
}

// Defer attaches a deferred value. The receiver is not modified.
func (o Outcome) Defer(name string, fn DeferredFunc) Outcome {
	d := make([]Deferred, len(o.Deferred), len(o.Deferred)+1)
	copy(d, o.Deferred)
	o.Deferred = append(d, Deferred{Name: name, Fn: fn})
	return o
}

// IsRedirect reports whether o redirects.
func (o Outcome) IsRedirect() bool { return o.Kind == OutcomeRedirect && o.Redirect != nil }

// IsNotFound reports whether o is a not-found outcome.
func (o Outcome) IsNotFound() bool { return o.Kind == OutcomeNotFound }

// Redirect describes a navigation to another location.
type Redirect struct {
	Href    string
	Replace bool

	// Status is the HTTP status used when the redirect crosses a server boundary.
	Status int
}

// RedirectOption configures a redirect outcome.
type RedirectOption func(*Redirect)

// ReplaceHistory makes the redirect replace the current history entry.
func ReplaceHistory() RedirectOption {
	return func(r *Redirect) { r.Replace = true }
}

// WithStatus sets the HTTP status of the redirect.
func WithStatus(code int) RedirectOption {
	return func(r *Redirect) { r.Status = code }
}

// RedirectTo returns a redirect outcome.
func RedirectTo(href string, opts ...RedirectOption) Outcome {
	r := &Redirect{Href: href, Status: http.StatusTemporaryRedirect}
	for _, opt := range opts {
		opt(r)
	}
	return Outcome{Kind: OutcomeRedirect, Redirect: r}
}

// NotFound attributes a not-found condition to a route.
type NotFound struct {
	// RouteID handles the not-found. Empty means the route that raised it.
	RouteID string

	Pathname string
}

// NotFoundIn returns a not-found outcome handled by routeID
// ("" for the raising route).
func NotFoundIn(routeID string) Outcome {
	return Outcome{Kind: OutcomeNotFound, NotFound: &NotFound{RouteID: routeID}}
}

// BeforeLoadArgs is passed to guards.
type BeforeLoadArgs struct {
	RouteID  string
	Location Location
	Params   map[string]string
	Search   map[string]any

	// Context holds the fragments contributed by ancestor guards.
	Context Context

	Cause   Cause
	Preload bool
}

// LoaderArgs is passed to loaders.
type LoaderArgs struct {
	RouteID  string
	Location Location
	Params   map[string]string
	Search   map[string]any

	// Deps is the value returned by the route's loaderDeps hook.
	Deps any

	Context Context
	Cause   Cause
	Preload bool
}

type (
	// BeforeLoadFunc is a route guard. ctx is cancelled when the load is superseded.
	BeforeLoadFunc func(ctx context.Context, a BeforeLoadArgs) (Outcome, error)

	// LoaderFunc loads route data. ctx is cancelled when no caller still wants the result.
	LoaderFunc func(ctx context.Context, a LoaderArgs) (Outcome, error)

	// LoaderDepsFunc selects the search values a loader depends on.
	LoaderDepsFunc func(search map[string]any) any

	// ParseParamsFunc validates and may rewrite captured path params.
	ParseParamsFunc func(params map[string]string) (map[string]string, error)

	// ValidateSearchFunc validates and may rewrite parsed search params.
	ValidateSearchFunc func(search map[string]any) (map[string]any, error)

	// ErrorHandler is invoked once per error caught by its route's boundary.
	ErrorHandler func(ctx context.Context, routeID string, err error)

	// NotFoundHandler is invoked when its route is chosen to handle a not-found.
	NotFoundHandler func(ctx context.Context, nf NotFound)

	// ComponentPreloadFunc warms a route's component code alongside its loader.
	ComponentPreloadFunc func(ctx context.Context) error

	// ShouldReloadFunc overrides staleness for a cached entry: true refetches,
	// false serves the cached value.
	ShouldReloadFunc func(a LoaderArgs) bool
)
