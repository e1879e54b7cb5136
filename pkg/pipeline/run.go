package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/routeloader/pkg/deferred"
	"github.com/vango-dev/routeloader/pkg/loadercache"
	"github.com/vango-dev/routeloader/pkg/route"
)

// run is the state of one Run call.
type run struct {
	p       *Pipeline
	req     Request
	res     *Result
	matches []*Match

	// cut is the index of the first match whose loader must not run.
	cut int

	mu        sync.Mutex
	origins   map[int]bool // matches whose own hook failed
	redirects map[int]*route.Redirect
	notFounds map[int]*route.NotFound
	stale     []staleMatch
}

type staleMatch struct {
	m    *Match
	args route.LoaderArgs
	opts loadercache.FetchOptions
}

// Run executes the phases for req and returns the result. It does not
// return until every phase finished or ctx is done.
func (p *Pipeline) Run(ctx context.Context, req Request) *Result {
	start := time.Now()
	if req.Trigger == "" {
		req.Trigger = TriggerEnter
	}
	if req.Seq == 0 {
		req.Seq = p.cache.NextSeq()
	}

	ctx, span := p.tracer.Start(ctx, "routeloader.run", trace.WithAttributes(
		attribute.String("routeloader.pathname", req.Location.Pathname),
		attribute.String("routeloader.trigger", string(req.Trigger)),
		attribute.Int64("routeloader.seq", int64(req.Seq)),
	))
	defer span.End()

	r := &run{
		p:         p,
		req:       req,
		matches:   req.Matches,
		cut:       len(req.Matches),
		origins:   make(map[int]bool),
		redirects: make(map[int]*route.Redirect),
		notFounds: make(map[int]*route.NotFound),
		res:       &Result{Matches: req.Matches, Seq: req.Seq, Trigger: req.Trigger},
	}
	r.execute(ctx)

	outcome := r.outcome()
	span.SetAttributes(attribute.String("routeloader.outcome", outcome))
	if r.res.Err != nil {
		span.RecordError(r.res.Err)
		span.SetStatus(codes.Error, r.res.Err.Error())
	}
	p.metrics.observeRun(req.Trigger, outcome, time.Since(start).Seconds())
	p.logger.Debug("load finished",
		"pathname", req.Location.Pathname,
		"trigger", req.Trigger,
		"seq", req.Seq,
		"outcome", outcome,
		"duration", time.Since(start))
	return r.res
}

func (r *run) execute(ctx context.Context) {
	r.prepare()

	if err := r.req.MatchErr; err != nil {
		r.res.Err = err
		if len(r.matches) > 0 {
			r.fail(0, err)
		}
		r.finalize(ctx)
		return
	}
	if i, err := r.parse(); err != nil {
		r.res.Err = err
		r.fail(i, err)
		r.finalize(ctx)
		return
	}
	if r.guard(ctx) {
		return
	}
	if r.cancelled(ctx) {
		return
	}
	r.load(ctx)
	if r.cancelled(ctx) {
		return
	}
	r.finalize(ctx)
}

func (r *run) preload() bool { return r.req.Trigger == TriggerPreload }

func (r *run) prepare() {
	for _, m := range r.matches {
		m.Seq = r.req.Seq
		m.Preload = r.preload()
		switch {
		case r.preload():
			m.Cause = route.CausePreload
		case r.req.Previous[m.RouteID]:
			m.Cause = route.CauseStay
		default:
			m.Cause = route.CauseEnter
		}
	}
}

// cancelled marks the result of a run whose ctx is done.
func (r *run) cancelled(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	r.res.Cancelled = true
	r.res.Err = route.New(route.CodeSuperseded).Wrap(context.Cause(ctx))
	return true
}

// parse runs parseParams and validateSearch top-down. It returns the index
// of the rejecting match.
func (r *run) parse() (int, error) {
	search := r.req.Location.Search
	for i, m := range r.matches {
		if fn := m.Route.ParseParams(); fn != nil {
			parsed, err := fn(maps.Clone(m.Params))
			if err != nil {
				return i, coded(err, route.CodeParamsRejected, m.RouteID)
			}
			if parsed != nil {
				m.Params = parsed
				for _, d := range r.matches[i+1:] {
					for k, v := range parsed {
						d.Params[k] = v
					}
				}
			}
		}
		if fn := m.Route.ValidateSearch(); fn != nil {
			in := make(map[string]any, len(search))
			maps.Copy(in, search)
			validated, err := fn(in)
			if err != nil {
				return i, coded(err, route.CodeSearchRejected, m.RouteID)
			}
			if validated != nil {
				search = validated
			}
		}
		m.Search = search
	}
	return 0, nil
}

// guard runs the beforeLoad hooks serially and reports whether the run is
// over: redirected, not found or cancelled.
func (r *run) guard(ctx context.Context) bool {
	c := r.req.Context
	for i, m := range r.matches {
		if r.cancelled(ctx) {
			return true
		}
		fn := m.Route.BeforeLoad()
		if fn == nil {
			m.Context = c
			continue
		}

		out, err := r.p.callGuard(ctx, fn, route.BeforeLoadArgs{
			RouteID:  m.RouteID,
			Location: r.req.Location,
			Params:   maps.Clone(m.Params),
			Search:   m.Search,
			Context:  c,
			Cause:    m.Cause,
			Preload:  r.preload(),
		})
		if err != nil {
			if r.cancelled(ctx) {
				return true
			}
			m.Context = c
			r.fail(i, err)
			r.cut = i
			return false
		}

		switch out.Kind {
		case route.OutcomeRedirect:
			m.Status = StatusRedirected
			m.Redirect = out.Redirect
			r.res.Redirect = out.Redirect
			return true
		case route.OutcomeNotFound:
			r.resolveNotFound(ctx, i, out.NotFound)
			return true
		}
		if out.Context != nil {
			c = c.With(route.Fragment{RouteID: m.RouteID, Values: out.Context})
		}
		m.Context = c
	}
	return false
}

func (p *Pipeline) callGuard(ctx context.Context, fn route.BeforeLoadFunc, args route.BeforeLoadArgs) (out route.Outcome, err error) {
	ctx, span := p.tracer.Start(ctx, "routeloader.beforeLoad", trace.WithAttributes(
		attribute.String("routeloader.route_id", args.RouteID),
	))
	defer func() {
		if rec := recover(); rec != nil {
			err = route.New(route.CodeGuardPanicked).WithRoute(args.RouteID).WithDetail(fmt.Sprint(rec))
		}
		if err != nil {
			err = coded(err, route.CodeGuardFailed, args.RouteID)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return fn(ctx, args)
}

// load runs every loader above the cut at once and waits for all of them.
func (r *run) load(ctx context.Context) {
	var g errgroup.Group
	for i := 0; i < r.cut; i++ {
		m := r.matches[i]
		g.Go(func() error {
			if err := r.loadMatch(ctx, i, m); err != nil && ctx.Err() == nil {
				r.fail(i, err)
			}
			return nil
		})
	}
	g.Wait()
}

func (r *run) loadMatch(ctx context.Context, i int, m *Match) error {
	var g errgroup.Group
	if fn := m.Route.ComponentPreload(); fn != nil {
		g.Go(func() error {
			if err := fn(ctx); err != nil {
				return coded(err, route.CodeComponentPreload, m.RouteID)
			}
			return nil
		})
	}
	g.Go(func() error { return r.loadData(ctx, i, m) })
	return g.Wait()
}

func (r *run) loadData(ctx context.Context, i int, m *Match) error {
	loader := m.Route.Loader()
	if loader == nil {
		m.Status = StatusResolved
		return nil
	}

	var deps any
	if fn := m.Route.LoaderDeps(); fn != nil {
		deps = fn(m.Search)
	}
	fp, err := loadercache.Fingerprint(deps)
	if err != nil {
		return route.New(route.CodeDepsFingerprint).WithRoute(m.RouteID).Wrap(err)
	}
	m.Key = loadercache.Key{RouteID: m.RouteID, Pathname: m.Pathname, Deps: fp}

	args := route.LoaderArgs{
		RouteID:  m.RouteID,
		Location: r.req.Location,
		Params:   maps.Clone(m.Params),
		Search:   m.Search,
		Deps:     deps,
		Context:  m.Context,
		Cause:    m.Cause,
		Preload:  r.preload(),
	}
	opts := loadercache.FetchOptions{
		Seq:       r.req.Seq,
		StaleTime: r.p.staleTime(m.Route, false),
		GCTime:    r.p.gcTime(m.Route),
		Preload:   r.preload(),
	}

	entry, status := r.p.cache.Lookup(m.Key, r.p.staleTime(m.Route, r.preload()))
	if status != loadercache.Miss {
		if fn := m.Route.ShouldReload(); fn != nil {
			if fn(args) {
				status = loadercache.Stale
			} else {
				status = loadercache.Fresh
			}
		}
	}

	switch status {
	case loadercache.Fresh:
		r.serve(m, entry.Value, entry.FetchedAt, false)
		return nil
	case loadercache.Stale:
		// A preload refreshes the entry instead of serving it.
		if !r.preload() {
			r.serve(m, entry.Value, entry.FetchedAt, true)
			r.mu.Lock()
			r.stale = append(r.stale, staleMatch{m: m, args: args, opts: opts})
			r.mu.Unlock()
			return nil
		}
	}

	if r.preload() && r.req.Admit != nil && !r.p.cache.InFlight(m.Key) {
		if err := r.req.Admit(); err != nil {
			return err
		}
	}

	prev, _ := r.p.cache.Peek(m.Key)
	res, err := r.p.cache.Fetch(ctx, m.Key, opts, r.p.loaderFunc(loader, m.Key, args, opts.Seq))
	if err != nil {
		var sig *signal
		if stderrors.As(err, &sig) {
			r.signal(i, m, sig)
			return nil
		}
		return err
	}
	if res.Committed {
		r.p.discardReplaced(prev, res.Value)
	}
	r.serve(m, res.Value, r.p.cache.Now(), false)
	return nil
}

// serve resolves m with a cached or fetched value.
func (r *run) serve(m *Match, v any, fetchedAt time.Time, stale bool) {
	l, _ := v.(*loaded)
	if l != nil {
		m.LoaderData = l.Data
		m.Deferred = l.Deferred
	}
	m.Status = StatusResolved
	m.Stale = stale
	m.FetchedAt = fetchedAt
}

func (r *run) signal(i int, m *Match, sig *signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch sig.out.Kind {
	case route.OutcomeRedirect:
		m.Status = StatusRedirected
		m.Redirect = sig.out.Redirect
		r.redirects[i] = sig.out.Redirect
	case route.OutcomeNotFound:
		nf := route.NotFound{}
		if sig.out.NotFound != nil {
			nf = *sig.out.NotFound
		}
		r.notFounds[i] = &nf
	}
}

// signal carries a loader's redirect or not-found outcome through the
// cache as an error so it is never stored.
type signal struct {
	out route.Outcome
}

func (s *signal) Error() string { return "loader returned " + s.out.Kind.String() }

// loaderFunc wraps loader for the cache: it runs on the flight's context
// and registers deferred values under an owner tied to the write.
func (p *Pipeline) loaderFunc(loader route.LoaderFunc, key loadercache.Key, args route.LoaderArgs, seq uint64) func(context.Context) (any, error) {
	return func(ctx context.Context) (v any, err error) {
		ctx, span := p.tracer.Start(ctx, "routeloader.loader", trace.WithAttributes(
			attribute.String("routeloader.route_id", args.RouteID),
			attribute.String("routeloader.cause", string(args.Cause)),
		))
		defer func() {
			if rec := recover(); rec != nil {
				err = route.New(route.CodeLoaderPanicked).WithRoute(args.RouteID).WithDetail(fmt.Sprint(rec))
			}
			var sig *signal
			switch {
			case err == nil:
				p.metrics.loaderCall(args.RouteID, "ok")
			case stderrors.As(err, &sig):
				p.metrics.loaderCall(args.RouteID, sig.out.Kind.String())
			default:
				err = coded(err, route.CodeLoaderFailed, args.RouteID)
				p.metrics.loaderCall(args.RouteID, "error")
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()

		out, err := loader(ctx, args)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch out.Kind {
		case route.OutcomeRedirect, route.OutcomeNotFound:
			return nil, &signal{out: out}
		}

		l := &loaded{Data: out.Data}
		if len(out.Deferred) > 0 {
			l.Owner = key.String() + "#" + strconv.FormatUint(seq, 10)
			l.Deferred = make(map[string]*deferred.Handle, len(out.Deferred))
			for _, d := range out.Deferred {
				l.Deferred[d.Name] = p.registry.Register(p.bg, l.Owner, d.Name, deferred.Func(d.Fn))
			}
		}
		return l, nil
	}
}

// discardReplaced drops the deferred handles of an entry that a newer
// write replaced.
func (p *Pipeline) discardReplaced(prev loadercache.Entry, next any) {
	old, ok := prev.Value.(*loaded)
	if !ok || old.Owner == "" {
		return
	}
	if cur, ok := next.(*loaded); ok && cur.Owner == old.Owner {
		return
	}
	p.registry.Discard(old.Owner)
}

// fail marks match i as the origin of err.
func (r *run) fail(i int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.matches[i]
	m.Status = StatusErrored
	m.Error = err
	r.origins[i] = true
}

// finalize resolves loader redirects, not-found outcomes and error
// boundaries, then revalidates stale matches in the background.
func (r *run) finalize(ctx context.Context) {
	if i, ok := minKey(r.redirects); ok {
		r.res.Redirect = r.redirects[i]
		return
	}
	if i, ok := minKey(r.notFounds); ok {
		r.resolveNotFound(ctx, i, r.notFounds[i])
	} else if nf := r.req.NotFound; nf != nil && len(r.matches) > 0 {
		leaf := r.matches[len(r.matches)-1]
		if leaf.Status != StatusErrored {
			leaf.Status = StatusNotFound
		}
		leaf.NotFound = nf
		r.res.NotFound = nf
		if h := leaf.Route.NotFoundHandler(); h != nil && !r.preload() {
			h(ctx, *nf)
		}
	}

	r.resolveErrors(ctx)
	r.revalidate()
}

// resolveErrors hands each failure to its boundary and marks the
// descendants of the shallowest failure errored, or skipped when a guard
// cut them off before they ran.
func (r *run) resolveErrors(ctx context.Context) {
	for i := 0; i < len(r.matches); i++ {
		if !r.origins[i] {
			continue
		}
		m := r.matches[i]
		b := r.boundary(i)
		m.ErrorRouteID = b.RouteID
		r.handle(ctx, b, m)

		status := StatusErrored
		if i == r.cut {
			status = StatusSkipped
		}
		for _, d := range r.matches[i+1:] {
			d.Status = status
			d.Error = m.Error
			d.ErrorRouteID = b.RouteID
			d.LoaderData = nil
			d.Deferred = nil
		}
		return
	}
}

// boundary returns the nearest match at or above i with an error handler,
// else the root match.
func (r *run) boundary(i int) *Match {
	for j := i; j >= 0; j-- {
		if r.matches[j].Route.ErrorHandler() != nil {
			return r.matches[j]
		}
	}
	return r.matches[0]
}

func (r *run) handle(ctx context.Context, b, m *Match) {
	if r.preload() {
		r.p.logger.Debug("preload failed", "route_id", m.RouteID, "error", m.Error)
		return
	}
	if h := b.Route.ErrorHandler(); h != nil {
		h(ctx, m.RouteID, m.Error)
		return
	}
	r.p.logger.Error("route load failed", "route_id", m.RouteID, "boundary", b.RouteID, "error", m.Error)
}

// resolveNotFound attributes a not-found raised by match i and truncates the
// match list at the route that handles it.
func (r *run) resolveNotFound(ctx context.Context, i int, nf *route.NotFound) {
	n := route.NotFound{Pathname: r.req.Location.Pathname}
	if nf != nil {
		n.RouteID = nf.RouteID
	}

	target := i
	if n.RouteID != "" {
		target = 0
		for j := i; j >= 0; j-- {
			if r.matches[j].RouteID == n.RouteID {
				target = j
				break
			}
		}
	}
	switch r.p.mode {
	case route.NotFoundRoot:
		target = 0
	default:
		for target > 0 && r.matches[target].Route.NotFoundHandler() == nil {
			target--
		}
	}

	h := r.matches[target]
	n.RouteID = h.RouteID
	h.Status = StatusNotFound
	h.NotFound = &n
	r.matches = r.matches[:target+1]
	r.res.Matches = r.matches
	r.res.NotFound = &n
	if r.cut > len(r.matches) {
		r.cut = len(r.matches)
	}
	for j := range r.origins {
		if j > target {
			delete(r.origins, j)
		}
	}

	if fn := h.Route.NotFoundHandler(); fn != nil && !r.preload() {
		fn(ctx, n)
	}
}

// revalidate refetches stale matches on the pipeline's context and reports
// each fresh match through the revalidation callback.
func (r *run) revalidate() {
	if r.preload() {
		return
	}
	for _, s := range r.stale {
		if s.m.Status != StatusResolved {
			continue
		}
		m, loader := s.m, s.m.Route.Loader()
		r.p.bgWork.Add(1)
		go func() {
			defer r.p.bgWork.Done()
			prev, _ := r.p.cache.Peek(m.Key)
			res, err := r.p.cache.Fetch(r.p.bg, m.Key, s.opts, r.p.loaderFunc(loader, m.Key, s.args, s.opts.Seq))
			if err != nil {
				r.p.metrics.revalidated("error")
				r.p.logger.Warn("background revalidation failed",
					"route_id", m.RouteID, "pathname", m.Pathname, "error", err)
				return
			}
			if !res.Committed && !res.Shared {
				// A newer write already replaced the entry.
				r.p.metrics.revalidated("superseded")
				return
			}
			if res.Committed {
				r.p.discardReplaced(prev, res.Value)
			}
			r.p.metrics.revalidated("ok")

			fresh := m.Clone()
			l, _ := res.Value.(*loaded)
			if l != nil {
				fresh.LoaderData = l.Data
				fresh.Deferred = l.Deferred
			}
			fresh.Stale = false
			fresh.FetchedAt = r.p.cache.Now()
			if r.req.OnRevalidate != nil {
				r.req.OnRevalidate(fresh)
			}
		}()
	}
}

func (r *run) outcome() string {
	switch {
	case r.res.Cancelled:
		return "cancelled"
	case r.res.Redirect != nil:
		return "redirect"
	case r.res.NotFound != nil:
		return "notFound"
	case r.res.Err != nil:
		return "invalid"
	}
	for _, m := range r.res.Matches {
		if m.Status == StatusErrored {
			return "error"
		}
	}
	return "ok"
}

func (p *Pipeline) staleTime(n *route.Node, preload bool) time.Duration {
	if preload {
		if d, ok := n.PreloadStaleTime(); ok {
			return d
		}
		return p.defaults.PreloadStaleTime
	}
	if d, ok := n.StaleTime(); ok {
		return d
	}
	return p.defaults.StaleTime
}

func (p *Pipeline) gcTime(n *route.Node) time.Duration {
	if d, ok := n.GCTime(); ok {
		return d
	}
	return p.defaults.GCTime
}

// coded attributes err to a route under code, unless it already carries a
// code of its own.
func coded(err error, code, routeID string) error {
	var re *route.Error
	if stderrors.As(err, &re) && re.Code != "" {
		return err
	}
	return route.New(code).WithRoute(routeID).Wrap(err)
}

func minKey[V any](m map[int]V) (int, bool) {
	lo, ok := 0, false
	for k := range m {
		if !ok || k < lo {
			lo, ok = k, true
		}
	}
	return lo, ok
}
