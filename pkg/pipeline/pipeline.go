// Package pipeline runs the load lifecycle of a match list.
//
// A run has four strictly ordered phases:
//
//  1. Parse: each route's parseParams and validateSearch, top-down. A failure
//     aborts the run with a validation error before any guard runs.
//  2. Guard: beforeLoad hooks, serially, parent before child. Each guard
//     sees the context fragments of its ancestors. A redirect or not-found
//     ends the run. A guard error cuts the route and every descendant: none
//     of their guards or loaders run.
//  3. Data: every loader above the cut starts at once. Each settles on its
//     own; a failure marks that match and its descendants errored and never
//     cancels a sibling.
//  4. Finalize: error boundaries, loader redirects and not-found are
//     resolved and stale matches are revalidated in the background.
//
// Every run owns one cancel function. Cancelling it stops guards from
// starting and detaches the run from its loader calls; a loader call shared
// with another run keeps running for that run.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/routeloader/pkg/deferred"
	"github.com/vango-dev/routeloader/pkg/loadercache"
	"github.com/vango-dev/routeloader/pkg/route"
)

// Default freshness settings.
const (
	DefaultStaleTime        = 0
	DefaultPreloadStaleTime = 30 * time.Second
	DefaultGCTime           = 30 * time.Minute
)

// Defaults are the freshness settings for routes that don't set their own.
type Defaults struct {
	StaleTime        time.Duration
	PreloadStaleTime time.Duration
	GCTime           time.Duration
}

// Request describes one run.
type Request struct {
	Location route.Location
	Matches  []*Match

	// NotFound is the matcher's not-found result, if any. Matches then ends
	// at the route that handles it.
	NotFound *route.NotFound

	// MatchErr is the matcher's error for a pathname it could not normalize.
	MatchErr error

	Trigger Trigger

	// Previous holds the route ids of the committed matches, to tell
	// entering routes from staying ones.
	Previous map[string]bool

	// Context is the root context given to the first guard.
	Context route.Context

	// Seq orders the cache writes of this run. Zero takes the next one.
	Seq uint64

	// Admit is asked before a preload starts a loader that neither serves a
	// fresh entry nor joins an in-flight fetch. An error fails that match
	// without calling the loader.
	Admit func() error

	// OnRevalidate receives the refreshed copy of a match that was served
	// stale, once its background refetch succeeded.
	OnRevalidate func(m *Match)
}

// Result is the outcome of a run.
type Result struct {
	Matches  []*Match
	Redirect *route.Redirect
	NotFound *route.NotFound

	// Err is a validation error, or the cancellation error of a run that
	// was cancelled.
	Err error

	Cancelled bool
	Seq       uint64
	Trigger   Trigger
}

// Leaf returns the last match, or nil.
func (r *Result) Leaf() *Match {
	if len(r.Matches) == 0 {
		return nil
	}
	return r.Matches[len(r.Matches)-1]
}

// Pipeline runs match lists against a cache and a deferred registry.
type Pipeline struct {
	cache    *loadercache.Cache
	registry *deferred.Registry
	defaults Defaults
	mode     route.NotFoundMode

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	bg     context.Context
	stop   context.CancelFunc
	bgWork sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDefaults sets the freshness defaults.
func WithDefaults(d Defaults) Option {
	return func(p *Pipeline) { p.defaults = d }
}

// WithNotFoundMode sets how loader not-found outcomes are attributed.
func WithNotFoundMode(m route.NotFoundMode) Option {
	return func(p *Pipeline) { p.mode = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTracerProvider sets the tracer provider. Default: otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) { p.tracer = tp.Tracer(tracerName) }
}

// WithMetrics registers pipeline metrics under namespace with reg.
func WithMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(p *Pipeline) {
		if reg != nil {
			p.metrics = newMetrics(reg, namespace)
		}
	}
}

const tracerName = "routeloader"

// New creates a pipeline. registry may be nil when no loader defers values.
func New(cache *loadercache.Cache, registry *deferred.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		cache:    cache,
		registry: registry,
		defaults: Defaults{
			StaleTime:        DefaultStaleTime,
			PreloadStaleTime: DefaultPreloadStaleTime,
			GCTime:           DefaultGCTime,
		},
		mode: route.NotFoundFuzzy,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default().With("component", "pipeline")
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.registry == nil {
		p.registry = deferred.NewRegistry(deferred.WithLogger(p.logger))
	}
	p.bg, p.stop = context.WithCancel(context.Background())
	return p
}

// Cache returns the pipeline's cache.
func (p *Pipeline) Cache() *loadercache.Cache { return p.cache }

// Registry returns the pipeline's deferred registry.
func (p *Pipeline) Registry() *deferred.Registry { return p.registry }

// Wait blocks until background revalidations finish.
func (p *Pipeline) Wait() { p.bgWork.Wait() }

// Close cancels background revalidations and waits for them.
func (p *Pipeline) Close() {
	p.stop()
	p.bgWork.Wait()
}

// Task is a run started with Start.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *Result
}

// Start runs req in the background.
func (p *Pipeline) Start(ctx context.Context, req Request) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer cancel()
		t.result = p.Run(ctx, req)
		close(t.done)
	}()
	return t
}

// Cancel aborts the task.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the task finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finished and returns its result.
func (t *Task) Wait() *Result {
	<-t.done
	return t.result
}
