package routefile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-dev/routeloader/pkg/route"
	"github.com/vango-dev/routeloader/pkg/router"
)

// Option configures how a fixture is built.
type Option func(*builder)

// WithLogger sets the logger boundaries log to.
func WithLogger(l *slog.Logger) Option {
	return func(b *builder) { b.logger = l }
}

// WithClock replaces time.After for delays, for tests.
func WithClock(after func(time.Duration) <-chan time.Time) Option {
	return func(b *builder) { b.after = after }
}

type builder struct {
	logger *slog.Logger
	after  func(time.Duration) <-chan time.Time
}

// Build turns the fixture into a route tree.
func (f *File) Build(opts ...Option) (*route.Tree, error) {
	b := &builder{after: time.After}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default().With("component", "routefile")
	}

	if f.Root.Path != "" || f.Root.Index || f.Root.Layout != "" {
		return nil, invalid("root", errors.New("the root route takes no path, index or layout"))
	}
	root := route.NewRoot(b.options(f.Root)...)
	if err := b.children(root, f.Root.Children); err != nil {
		return nil, err
	}
	tree, err := route.NewTree(root, route.CaseSensitive(f.CaseSensitive))
	if err != nil {
		return nil, invalid("tree", err)
	}
	return tree, nil
}

func (b *builder) children(parent *route.Builder, specs []Spec) error {
	for i, s := range specs {
		var child *route.Builder
		switch {
		case s.Index && s.Path == "" && s.Layout == "":
			child = parent.Index(b.options(s)...)
		case s.Layout != "" && s.Path == "" && !s.Index:
			child = parent.Layout(s.Layout, b.options(s)...)
		case s.Path != "" && s.Layout == "" && !s.Index:
			child = parent.Route(s.Path, b.options(s)...)
		default:
			return invalid(fmt.Sprintf("child %d of %s", i, parent.Node().ID()),
				errors.New("exactly one of path, index and layout must be set"))
		}
		if err := b.children(child, s.Children); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) options(s Spec) []route.Option {
	var opts []route.Option
	if len(s.Params) > 0 {
		opts = append(opts, route.WithParseParams(router.ParamTypes(s.Params)))
	}
	if len(s.Search) > 0 {
		opts = append(opts, route.WithValidateSearch(requireSearch(s.Search)))
	}
	if s.BeforeLoad != nil {
		opts = append(opts, route.WithBeforeLoad(b.guard(*s.BeforeLoad)))
	}
	if s.Loader != nil {
		opts = append(opts, route.WithLoader(b.loader(*s.Loader)))
		if len(s.Loader.Deps) > 0 {
			opts = append(opts, route.WithLoaderDeps(depsOf(s.Loader.Deps)))
		}
	}
	if s.StaleTime != nil {
		opts = append(opts, route.WithStaleTime(*s.StaleTime))
	}
	if s.PreloadStaleTime != nil {
		opts = append(opts, route.WithPreloadStaleTime(*s.PreloadStaleTime))
	}
	if s.GCTime != nil {
		opts = append(opts, route.WithGCTime(*s.GCTime))
	}
	if s.ErrorBoundary {
		opts = append(opts, route.WithErrorHandler(func(_ context.Context, routeID string, err error) {
			b.logger.Info("boundary caught error", "route_id", routeID, "error", err)
		}))
	}
	if s.NotFoundBoundary {
		opts = append(opts, route.WithNotFoundHandler(func(_ context.Context, nf route.NotFound) {
			b.logger.Info("not found", "route_id", nf.RouteID, "pathname", nf.Pathname)
		}))
	}
	return opts
}

func (b *builder) guard(g GuardSpec) route.BeforeLoadFunc {
	return func(ctx context.Context, a route.BeforeLoadArgs) (route.Outcome, error) {
		if err := b.sleep(ctx, g.Delay); err != nil {
			return route.Outcome{}, err
		}
		for _, key := range g.Require {
			if _, ok := a.Context.Get(key); ok {
				continue
			}
			if g.Redirect != "" {
				return route.RedirectTo(g.Redirect), nil
			}
			return route.Outcome{}, fmt.Errorf("context key %q not set", key)
		}
		switch {
		case len(g.Require) == 0 && g.Redirect != "":
			return route.RedirectTo(expand(g.Redirect, a.Params)), nil
		case g.NotFound:
			return route.NotFoundIn(""), nil
		case g.Error != "":
			return route.Outcome{}, errors.New(g.Error)
		}
		return route.Continue(g.Context), nil
	}
}

func (b *builder) loader(l LoaderSpec) route.LoaderFunc {
	return func(ctx context.Context, a route.LoaderArgs) (route.Outcome, error) {
		if err := b.sleep(ctx, l.Delay); err != nil {
			return route.Outcome{}, err
		}
		switch {
		case l.Redirect != "":
			return route.RedirectTo(expand(l.Redirect, a.Params)), nil
		case l.NotFound:
			return route.NotFoundIn(""), nil
		case l.Error != "":
			return route.Outcome{}, errors.New(expand(l.Error, a.Params))
		}
		out := route.Loaded(expandValue(l.Data, a.Params))
		for name, d := range l.Defer {
			out = out.Defer(name, b.deferred(d, a.Params))
		}
		return out, nil
	}
}

func (b *builder) deferred(d DeferSpec, params map[string]string) route.DeferredFunc {
	return func(ctx context.Context) (any, error) {
		if err := b.sleep(ctx, d.Delay); err != nil {
			return nil, err
		}
		if d.Error != "" {
			return nil, errors.New(d.Error)
		}
		return expandValue(d.Data, params), nil
	}
}

func (b *builder) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-b.after(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func requireSearch(keys []string) route.ValidateSearchFunc {
	return func(search map[string]any) (map[string]any, error) {
		for _, k := range keys {
			if _, ok := search[k]; !ok {
				return nil, fmt.Errorf("search param %q is required", k)
			}
		}
		return search, nil
	}
}

func depsOf(keys []string) route.LoaderDepsFunc {
	return func(search map[string]any) any {
		deps := make(map[string]any, len(keys))
		for _, k := range keys {
			deps[k] = search[k]
		}
		return deps
	}
}

// expand replaces {name} placeholders with params.
func expand(s string, params map[string]string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	pairs := make([]string, 0, 2*len(params))
	for k, v := range params {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

func expandValue(v any, params map[string]string) any {
	switch vv := v.(type) {
	case string:
		return expand(vv, params)
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = expandValue(item, params)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, item := range vv {
			out[k] = expandValue(item, params)
		}
		return out
	default:
		return v
	}
}
