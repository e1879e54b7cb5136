package ssr

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/routeloader/pkg/deferred"
	"github.com/vango-dev/routeloader/pkg/pipeline"
	"github.com/vango-dev/routeloader/pkg/route"
	"github.com/vango-dev/routeloader/pkg/routepath"
	"github.com/vango-dev/routeloader/pkg/router"
)

// DeferredPath is where the settlement stream is mounted.
const DeferredPath = "/_deferred"

// Handler renders locations of a route tree as JSON payloads. Every
// request gets its own router; all of them share one pipeline, so loader
// results and deferred values are shared across requests.
type Handler struct {
	tree     *route.Tree
	pipeline *pipeline.Pipeline
	stream   *deferred.Stream
	mux      chi.Router
	base     *slog.Logger
	logger   *slog.Logger
	timeout  time.Duration
	rootCtx  func(*http.Request) map[string]any
	routerOp []router.Option
	streamOp []deferred.StreamOption

	responses *prometheus.CounterVec
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.base = l }
}

// WithTimeout bounds how long one request may load. Zero means no bound.
func WithTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.timeout = d }
}

// WithRootContext derives the root guard context from the request, for
// example the authenticated user.
func WithRootContext(fn func(*http.Request) map[string]any) HandlerOption {
	return func(h *Handler) { h.rootCtx = fn }
}

// WithRouterOptions adds options to every per-request router.
func WithRouterOptions(opts ...router.Option) HandlerOption {
	return func(h *Handler) { h.routerOp = append(h.routerOp, opts...) }
}

// WithStreamOptions configures the settlement stream, for example its
// origin check.
func WithStreamOptions(opts ...deferred.StreamOption) HandlerOption {
	return func(h *Handler) { h.streamOp = append(h.streamOp, opts...) }
}

// WithMetrics counts responses by status code.
func WithMetrics(reg prometheus.Registerer, namespace string) HandlerOption {
	return func(h *Handler) {
		h.responses = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ssr",
			Name:      "responses_total",
			Help:      "Rendered responses by status code",
		}, []string{"code"})
	}
}

// NewHandler creates a handler over tree and p.
func NewHandler(tree *route.Tree, p *pipeline.Pipeline, opts ...HandlerOption) *Handler {
	h := &Handler{tree: tree, pipeline: p}
	for _, opt := range opts {
		opt(h)
	}
	if h.base == nil {
		h.base = slog.Default()
	}
	h.logger = h.base.With("component", "ssr")
	h.stream = deferred.NewStream(p.Registry(), h.base.With("component", "deferred.stream"), h.streamOp...)

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Get(DeferredPath, h.stream.ServeHTTP)
	mux.Get("/*", h.render)
	h.mux = mux
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Stream returns the settlement stream.
func (h *Handler) Stream() *deferred.Stream { return h.stream }

// Close disconnects stream clients.
func (h *Handler) Close() {
	h.stream.Close()
}

func (h *Handler) render(w http.ResponseWriter, req *http.Request) {
	norm, err := routepath.Normalize(req.URL.EscapedPath())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, route.New(route.CodeBadPathname).Wrap(err))
		return
	}
	if norm.Changed {
		target := routepath.JoinHref(norm.Path, req.URL.RawQuery, "")
		h.count(http.StatusPermanentRedirect)
		http.Redirect(w, req, target, http.StatusPermanentRedirect)
		return
	}

	ctx := req.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	opts := []router.Option{
		router.WithPipeline(h.pipeline),
		router.WithLogger(h.base),
	}
	if h.rootCtx != nil {
		opts = append(opts, router.WithRootContext(h.rootCtx(req)))
	}
	opts = append(opts, h.routerOp...)
	rt, err := router.New(h.tree, opts...)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer rt.Close()

	st, err := rt.Navigate(ctx, req.URL.RequestURI(), router.WithReplace())
	switch {
	case stderrors.Is(err, router.ErrSuperseded) && req.Context().Err() != nil:
		// Client went away.
		return
	case stderrors.Is(err, router.ErrSuperseded):
		h.writeError(w, http.StatusGatewayTimeout, err)
		return
	case stderrors.Is(err, router.ErrTooManyRedirects):
		h.writeError(w, http.StatusLoopDetected, err)
		return
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	payload, err := Dehydrate(st)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if st.Redirect != nil {
		w.Header().Set("Location", st.Location.Href())
	}
	h.logger.Debug("rendered", "pathname", st.Location.Pathname, "status", payload.Status,
		"request_id", middleware.GetReqID(ctx))
	h.writeJSON(w, payload.Status, payload)
}

func (h *Handler) writeError(w http.ResponseWriter, code int, err error) {
	h.logger.Warn("render failed", "status", code, "error", err)
	h.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	h.count(code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("writing response failed", "error", err)
	}
}

func (h *Handler) count(code int) {
	if h.responses != nil {
		h.responses.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}
