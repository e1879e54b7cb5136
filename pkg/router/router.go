package router

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/vango-dev/routeloader/internal/config"
	"github.com/vango-dev/routeloader/pkg/deferred"
	"github.com/vango-dev/routeloader/pkg/loadercache"
	"github.com/vango-dev/routeloader/pkg/pipeline"
	"github.com/vango-dev/routeloader/pkg/route"
)

// Sentinel errors, matched with errors.Is.
var (
	ErrTooManyRedirects = route.New(route.CodeTooManyRedirects)
	ErrSuperseded       = route.New(route.CodeSuperseded)
	ErrClosed           = route.New(route.CodeClosed)
	ErrPreloadDropped   = route.New(route.CodePreloadDropped)
)

// Router drives navigations over a route tree. All state is held by the
// Router value; several routers may share a cache, a registry or a
// pipeline.
type Router struct {
	id       string
	tree     *route.Tree
	history  History
	codec    SearchCodec
	cache    *loadercache.Cache
	registry *deferred.Registry
	pipeline *pipeline.Pipeline
	rootCtx  route.Context

	mode          route.NotFoundMode
	defaults      pipeline.Defaults
	maxRedirects  int
	sweepInterval time.Duration
	preloadRate   float64
	preloadBurst  int
	preloadConc   int
	store         deferred.Store
	cfg           *config.Config

	logger     *slog.Logger
	registerer prometheus.Registerer
	namespace  string
	metrics    *metrics

	limiter *rate.Limiter
	sem     *semaphore.Weighted

	ownsCache    bool
	ownsPipeline bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	task     *pipeline.Task
	latest   uint64
	early    []*pipeline.Match // revalidations that beat the commit of latest
	unlisten func()
	started  bool
	closed   bool
	subs     map[int]func(Event)
	nextSub  int
}

// Option configures a Router.
type Option func(*Router)

// WithHistory sets the history. Default: a MemoryHistory at "/".
func WithHistory(h History) Option {
	return func(r *Router) { r.history = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithCache shares a loader cache. The router does not sweep a cache it
// did not create.
func WithCache(c *loadercache.Cache) Option {
	return func(r *Router) { r.cache = c }
}

// WithRegistry shares a deferred registry.
func WithRegistry(reg *deferred.Registry) Option {
	return func(r *Router) { r.registry = reg }
}

// WithPipeline shares a pipeline, and with it its cache and registry.
func WithPipeline(p *pipeline.Pipeline) Option {
	return func(r *Router) { r.pipeline = p }
}

// WithSearchCodec replaces the JSON search codec.
func WithSearchCodec(c SearchCodec) Option {
	return func(r *Router) { r.codec = c }
}

// WithNotFoundMode sets how not-found is attributed.
func WithNotFoundMode(m route.NotFoundMode) Option {
	return func(r *Router) { r.mode = m }
}

// WithDefaults sets the freshness defaults for routes that set none.
func WithDefaults(d pipeline.Defaults) Option {
	return func(r *Router) { r.defaults = d }
}

// WithMaxRedirects bounds the redirects one navigation follows.
func WithMaxRedirects(n int) Option {
	return func(r *Router) { r.maxRedirects = n }
}

// WithPreloadLimits throttles preloads to perSecond with the given burst
// and at most concurrency in flight. Zero disables the respective limit.
func WithPreloadLimits(perSecond float64, burst, concurrency int) Option {
	return func(r *Router) {
		r.preloadRate = perSecond
		r.preloadBurst = burst
		r.preloadConc = concurrency
	}
}

// WithDeferredStore sets the settlement store of the registry the router
// creates.
func WithDeferredStore(s deferred.Store) Option {
	return func(r *Router) { r.store = s }
}

// WithMetrics registers router, pipeline and cache metrics with reg.
func WithMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(r *Router) {
		r.registerer = reg
		r.namespace = namespace
	}
}

// WithRootContext sets the context values the first guard sees.
func WithRootContext(values map[string]any) Option {
	return func(r *Router) {
		r.rootCtx = route.Context{{RouteID: "", Values: values}}
	}
}

// WithConfig applies a loaded configuration. Options after it override it.
func WithConfig(cfg *config.Config) Option {
	return func(r *Router) {
		r.cfg = cfg
		r.defaults = pipeline.Defaults{
			StaleTime:        cfg.Cache.StaleTime.Std(),
			PreloadStaleTime: cfg.Cache.PreloadStaleTime.Std(),
			GCTime:           cfg.Cache.GCTime.Std(),
		}
		r.sweepInterval = cfg.Cache.SweepInterval.Std()
		r.mode = route.NotFoundMode(cfg.NotFoundMode)
		r.maxRedirects = cfg.MaxRedirects
		r.preloadRate = cfg.Preload.Rate
		r.preloadBurst = cfg.Preload.Burst
		r.preloadConc = cfg.Preload.Concurrency
	}
}

// New creates a router over tree.
func New(tree *route.Tree, opts ...Option) (*Router, error) {
	if tree == nil {
		return nil, route.Newf(route.CategoryConfig, "router: nil route tree")
	}
	r := &Router{
		id:    uuid.NewString(),
		tree:  tree,
		codec: JSONSearch{},
		mode:  route.NotFoundFuzzy,
		defaults: pipeline.Defaults{
			StaleTime:        config.DefaultStaleTime,
			PreloadStaleTime: config.DefaultPreloadStaleTime,
			GCTime:           config.DefaultGCTime,
		},
		maxRedirects:  config.DefaultMaxRedirects,
		sweepInterval: config.DefaultSweepInterval,
		preloadRate:   5,
		preloadBurst:  5,
		preloadConc:   2,
		subs:          make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(r)
	}
	base := r.logger
	if base == nil {
		base = slog.Default()
	}
	r.logger = base.With("component", "router")
	if r.registerer != nil {
		r.metrics = newMetrics(r.registerer, r.namespace)
	}
	if r.history == nil {
		r.history = NewMemoryHistory(route.Location{Pathname: "/"})
	}

	if r.pipeline != nil {
		r.cache = r.pipeline.Cache()
		r.registry = r.pipeline.Registry()
	} else {
		if err := r.buildPipeline(base); err != nil {
			return nil, err
		}
	}

	limit := rate.Inf
	if r.preloadRate > 0 {
		limit = rate.Limit(r.preloadRate)
	}
	burst := r.preloadBurst
	if burst <= 0 {
		burst = math.MaxInt32
	}
	r.limiter = rate.NewLimiter(limit, burst)
	if r.preloadConc > 0 {
		r.sem = semaphore.NewWeighted(int64(r.preloadConc))
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

func (r *Router) buildPipeline(base *slog.Logger) error {
	if r.registry == nil {
		store := r.store
		if store == nil && r.cfg != nil {
			s, err := storeFromConfig(r.cfg)
			if err != nil {
				return err
			}
			store = s
		}
		opts := []deferred.Option{deferred.WithLogger(base.With("component", "deferred"))}
		if store != nil {
			opts = append(opts, deferred.WithStore(store))
		}
		r.registry = deferred.NewRegistry(opts...)
	}
	if r.cache == nil {
		opts := []loadercache.Option{
			loadercache.WithGCTime(r.defaults.GCTime),
			loadercache.WithOnEvict(pipeline.DiscardDeferred(r.registry)),
			loadercache.WithLogger(base.With("component", "loadercache")),
		}
		if r.registerer != nil {
			opts = append(opts, loadercache.WithMetrics(r.registerer, r.namespace))
		}
		r.cache = loadercache.New(opts...)
		r.ownsCache = true
	}

	opts := []pipeline.Option{
		pipeline.WithDefaults(r.defaults),
		pipeline.WithNotFoundMode(r.mode),
		pipeline.WithLogger(base.With("component", "pipeline")),
	}
	if r.registerer != nil {
		opts = append(opts, pipeline.WithMetrics(r.registerer, r.namespace))
	}
	r.pipeline = pipeline.New(r.cache, r.registry, opts...)
	r.ownsPipeline = true
	return nil
}

func storeFromConfig(cfg *config.Config) (deferred.Store, error) {
	switch cfg.Deferred.Store {
	case config.StoreRedis:
		s, err := deferred.NewRedisStoreFromURL(cfg.Deferred.RedisURL, cfg.Deferred.KeyPrefix, cfg.Deferred.TTL.Std())
		if err != nil {
			return nil, route.New("E160").WithDetail("deferred.redisUrl could not be used").Wrap(err)
		}
		return s, nil
	default:
		return deferred.NewMemoryStore(cfg.Deferred.TTL.Std()), nil
	}
}

// Tree returns the route tree.
func (r *Router) Tree() *route.Tree { return r.tree }

// History returns the history.
func (r *Router) History() History { return r.history }

// Cache returns the loader cache.
func (r *Router) Cache() *loadercache.Cache { return r.cache }

// Registry returns the deferred registry.
func (r *Router) Registry() *deferred.Registry { return r.registry }

// Pipeline returns the load pipeline.
func (r *Router) Pipeline() *pipeline.Pipeline { return r.pipeline }

// Start subscribes to history, starts the cache janitor and loads the
// current location.
func (r *Router) Start(ctx context.Context) (State, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return State{}, route.New(route.CodeClosed)
	}
	if !r.started {
		r.started = true
		r.unlisten = r.history.Subscribe(r.popped)
		if r.ownsCache {
			r.cache.StartJanitor(r.ctx, r.sweepInterval)
		}
	}
	r.mu.Unlock()
	return r.Load(ctx)
}

// popped loads a location the history moved to on its own.
func (r *Router) popped(loc route.Location) {
	go func() {
		loc, err := r.withSearch(loc)
		if err == nil {
			_, err = r.navigate(r.ctx, loc, historyNone, pipeline.TriggerEnter)
		}
		if err != nil && !isBenign(err) {
			r.logger.Warn("history navigation failed", "pathname", loc.Pathname, "error", err)
		}
	}()
}

// Close cancels the in-flight navigation and background work and stops
// listening to history. The router cannot be used afterwards.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	task, unlisten := r.task, r.unlisten
	r.mu.Unlock()
	r.cache.ReleaseActive(r.id)

	if task != nil {
		task.Cancel()
	}
	if unlisten != nil {
		unlisten()
	}
	r.cancel()
	if r.ownsPipeline {
		r.pipeline.Close()
	}
}

// State returns a snapshot of the committed state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe registers fn for router events. Events are delivered
// synchronously on the goroutine that produced them.
func (r *Router) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Router) emit(e Event) {
	r.mu.Lock()
	subs := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

// revalidated swaps a refreshed match into the state committed by run seq.
func (r *Router) revalidated(seq uint64, m *pipeline.Match) {
	r.mu.Lock()
	switch {
	case r.state.Seq == seq:
		r.state.Matches = replaceMatch(r.state.Matches, m)
		st := r.state
		r.mu.Unlock()
		r.emit(Event{Type: EventRevalidated, Location: st.Location, State: st, Match: m})
	case r.latest == seq:
		r.early = append(r.early, m)
		r.mu.Unlock()
	default:
		r.mu.Unlock()
	}
}

// replaceMatch returns a copy of matches with the match of the same id
// replaced by m.
func replaceMatch(matches []*pipeline.Match, m *pipeline.Match) []*pipeline.Match {
	out := make([]*pipeline.Match, len(matches))
	copy(out, matches)
	for i, old := range out {
		if old.ID == m.ID {
			out[i] = m
		}
	}
	return out
}
