package router

import (
	"context"
	stderrors "errors"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/vango-dev/routeloader/pkg/pipeline"
	"github.com/vango-dev/routeloader/pkg/route"
	"github.com/vango-dev/routeloader/pkg/routepath"
)

// NavigateOptions configures a navigation.
type NavigateOptions struct {
	// Replace replaces the current history entry instead of pushing.
	Replace bool

	// Search replaces the query of the href.
	Search map[string]any

	// Hash replaces the fragment of the href.
	Hash string

	// State is stored with the history entry.
	State any
}

// NavigateOption is a functional option for Navigate.
type NavigateOption func(*NavigateOptions)

// WithReplace replaces the current history entry instead of pushing.
func WithReplace() NavigateOption {
	return func(o *NavigateOptions) { o.Replace = true }
}

// WithSearch sets the search params, replacing any query in the href.
func WithSearch(search map[string]any) NavigateOption {
	return func(o *NavigateOptions) { o.Search = search }
}

// WithHash sets the fragment.
func WithHash(hash string) NavigateOption {
	return func(o *NavigateOptions) { o.Hash = hash }
}

// WithState attaches history state.
func WithState(state any) NavigateOption {
	return func(o *NavigateOptions) { o.State = state }
}

type historyOp int

const (
	historyNone historyOp = iota
	historyPush
	historyReplace
)

// Navigate loads href, follows redirects, commits the result and writes
// history. It supersedes the navigation in flight, whose result is never
// committed.
func (r *Router) Navigate(ctx context.Context, href string, opts ...NavigateOption) (State, error) {
	var o NavigateOptions
	for _, opt := range opts {
		opt(&o)
	}
	loc, err := r.resolve(href, o)
	if err != nil {
		return r.State(), err
	}
	op := historyPush
	if o.Replace {
		op = historyReplace
	}
	return r.navigate(ctx, loc, op, pipeline.TriggerEnter)
}

// Load reloads the current history location.
func (r *Router) Load(ctx context.Context) (State, error) {
	loc, err := r.withSearch(r.history.Location())
	if err != nil {
		return r.State(), err
	}
	trigger := pipeline.TriggerEnter
	if cur := r.State(); cur.Seq != 0 && cur.Location.Pathname == loc.Pathname {
		trigger = pipeline.TriggerStay
	}
	return r.navigate(ctx, loc, historyNone, trigger)
}

// Invalidate marks every cached loader result stale and reloads the current
// location. The current data stays visible while it is refetched.
func (r *Router) Invalidate(ctx context.Context) (State, error) {
	r.cache.InvalidateAll()
	return r.Load(ctx)
}

// Preload loads href speculatively. The result is cached but never
// committed, and an in-flight navigation is never cancelled. A preload
// whose loaders are all fresh or already in flight is free; one that has to
// start a loader over the rate or concurrency limit is dropped with
// ErrPreloadDropped.
func (r *Router) Preload(ctx context.Context, href string) ([]*pipeline.Match, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, route.New(route.CodeClosed)
	}

	var adm admission
	defer adm.release(r.sem)
	matches, err := r.preload(ctx, href, func() error { return adm.admit(r.limiter, r.sem) })
	if dropped := adm.dropped(); dropped != nil {
		r.metrics.preload("dropped")
		return matches, dropped
	}
	if err == nil {
		r.metrics.preload("ok")
	}
	return matches, err
}

// admission takes the preload tokens of one Preload call, at most once.
type admission struct {
	mu       sync.Mutex
	admitted bool
	err      error
}

func (a *admission) admit(l *rate.Limiter, sem *semaphore.Weighted) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.admitted || a.err != nil:
		return a.err
	case !l.Allow():
		a.err = route.New(route.CodePreloadDropped).WithDetail("rate limit")
	case sem != nil && !sem.TryAcquire(1):
		a.err = route.New(route.CodePreloadDropped).WithDetail("concurrency limit")
	default:
		a.admitted = true
	}
	return a.err
}

func (a *admission) dropped() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *admission) release(sem *semaphore.Weighted) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.admitted && sem != nil {
		sem.Release(1)
	}
}

func (r *Router) preload(ctx context.Context, href string, admit func() error) ([]*pipeline.Match, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	loc, err := r.resolve(href, NavigateOptions{})
	if err != nil {
		return nil, err
	}
	for redirects := 0; ; redirects++ {
		m := r.tree.Match(loc.Pathname, r.mode)
		res := r.pipeline.Run(ctx, pipeline.Request{
			Location: loc,
			Matches:  pipeline.NewMatches(m, loc),
			NotFound: m.NotFound,
			MatchErr: m.Err,
			Trigger:  pipeline.TriggerPreload,
			Context:  r.rootCtx,
			Admit:    admit,
		})
		if res.Redirect == nil {
			return res.Matches, res.Err
		}
		if redirects >= r.maxRedirects {
			return res.Matches, route.New(route.CodeTooManyRedirects).WithDetail(loc.Pathname)
		}
		if loc, err = r.resolve(res.Redirect.Href, NavigateOptions{}); err != nil {
			return nil, err
		}
	}
}

// navigate runs loc, following redirects, and writes history for the
// location it settles on.
func (r *Router) navigate(ctx context.Context, loc route.Location, op historyOp, trigger pipeline.Trigger) (State, error) {
	var via *route.Redirect
	for redirects := 0; ; redirects++ {
		st, res, err := r.load(ctx, loc, trigger, via)
		if err != nil {
			return st, err
		}
		if res.Redirect == nil {
			switch op {
			case historyPush:
				r.history.Push(loc)
			case historyReplace:
				r.history.Replace(loc)
			}
			return st, nil
		}

		if redirects >= r.maxRedirects {
			r.settleIdle(res.Seq)
			r.metrics.navigation("too_many_redirects")
			return r.State(), route.New(route.CodeTooManyRedirects).WithDetail(loc.Pathname + " -> " + res.Redirect.Href)
		}
		r.metrics.redirect()
		r.logger.Debug("following redirect", "from", loc.Pathname, "to", res.Redirect.Href)

		next, err := r.resolve(res.Redirect.Href, NavigateOptions{})
		if err != nil {
			r.settleIdle(res.Seq)
			return r.State(), err
		}
		if op == historyNone || res.Redirect.Replace {
			op = historyReplace
		}
		loc, via, trigger = next, res.Redirect, pipeline.TriggerEnter
	}
}

// load runs one location and commits it unless it redirected or a newer
// run superseded it.
func (r *Router) load(ctx context.Context, loc route.Location, trigger pipeline.Trigger, via *route.Redirect) (State, *pipeline.Result, error) {
	m := r.tree.Match(loc.Pathname, r.mode)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return State{}, nil, route.New(route.CodeClosed)
	}
	if r.task != nil {
		r.task.Cancel()
	}
	previous := make(map[string]bool, len(r.state.Matches))
	for _, pm := range r.state.Matches {
		previous[pm.RouteID] = true
	}
	seq := r.cache.NextSeq()
	r.latest = seq
	r.early = nil
	task := r.pipeline.Start(ctx, pipeline.Request{
		Location:     loc,
		Matches:      pipeline.NewMatches(m, loc),
		NotFound:     m.NotFound,
		MatchErr:     m.Err,
		Trigger:      trigger,
		Previous:     previous,
		Context:      r.rootCtx,
		Seq:          seq,
		OnRevalidate: func(m *pipeline.Match) { r.revalidated(seq, m) },
	})
	r.task = task
	r.state.Status = StatusPending
	pending := r.state
	r.mu.Unlock()

	r.emit(Event{Type: EventBeforeLoad, Location: loc, State: pending})
	res := task.Wait()

	r.mu.Lock()
	if r.task == task {
		r.task = nil
	}
	switch {
	case r.closed:
		r.mu.Unlock()
		return State{}, res, route.New(route.CodeClosed)
	case r.latest != seq:
		r.mu.Unlock()
		r.metrics.navigation("superseded")
		return r.State(), res, route.New(route.CodeSuperseded).WithDetail(loc.Pathname)
	case res.Cancelled:
		r.state.Status = StatusIdle
		st := r.state
		r.mu.Unlock()
		r.metrics.navigation("cancelled")
		return st, res, res.Err
	case res.Redirect != nil:
		r.mu.Unlock()
		return State{}, res, nil
	}

	matches := res.Matches
	for _, fresh := range r.early {
		matches = replaceMatch(matches, fresh)
	}
	r.early = nil
	r.state = State{
		Location: loc,
		Status:   StatusIdle,
		Matches:  matches,
		Redirect: via,
		NotFound: res.NotFound,
		Err:      res.Err,
		Seq:      seq,
	}
	st := r.state
	r.cache.SetActive(r.id, st.Keys())
	r.mu.Unlock()

	r.metrics.navigation(outcome(st))
	r.emit(Event{Type: EventLoad, Location: loc, State: st})
	r.emit(Event{Type: EventResolved, Location: loc, State: st})
	return st, res, nil
}

// settleIdle resets the pending status left by run seq if it is still the
// latest.
func (r *Router) settleIdle(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == seq {
		r.state.Status = StatusIdle
	}
}

func outcome(st State) string {
	switch {
	case st.Err != nil:
		return "invalid"
	case st.NotFound != nil:
		return "not_found"
	}
	for _, m := range st.Matches {
		if m.Status == pipeline.StatusErrored {
			return "error"
		}
	}
	return "ok"
}

// resolve turns an href into a location. A pathname that does not
// normalize is passed on unchanged; the matcher reports it.
func (r *Router) resolve(href string, o NavigateOptions) (route.Location, error) {
	var loc route.Location
	norm, err := routepath.Normalize(href)
	if err != nil {
		path, search, hash := routepath.SplitHref(href)
		norm = routepath.Result{Path: path, Search: search, Hash: hash}
	}
	loc.Pathname = norm.Path
	loc.Hash = norm.Hash
	loc.State = o.State
	if o.Hash != "" {
		loc.Hash = o.Hash
	}

	if o.Search != nil {
		s, err := r.codec.Stringify(o.Search)
		if err != nil {
			return route.Location{}, err
		}
		loc.SearchStr = s
	} else {
		loc.SearchStr = norm.Search
	}
	return r.withSearch(loc)
}

// withSearch parses the raw query of loc when its search map is missing.
func (r *Router) withSearch(loc route.Location) (route.Location, error) {
	if loc.Search != nil {
		return loc, nil
	}
	search, err := r.codec.Parse(loc.SearchStr)
	if err != nil {
		return loc, err
	}
	loc.Search = search
	return loc, nil
}

// isBenign reports errors that only mean a newer navigation won.
func isBenign(err error) bool {
	return stderrors.Is(err, ErrSuperseded) || stderrors.Is(err, ErrClosed)
}
