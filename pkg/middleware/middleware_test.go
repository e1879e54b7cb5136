package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"
)

// =============================================================================
// Test Helpers
// =============================================================================

type recordingProvider struct {
	embedded.TracerProvider
	mu    sync.Mutex
	spans []*recordingSpan
}

func (p *recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return &recordingTracer{p: p}
}

type recordingTracer struct {
	embedded.Tracer
	p *recordingProvider
}

func (t *recordingTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, trace.Span) {
	s := &recordingSpan{name: name, attrs: map[attribute.Key]attribute.Value{}}
	t.p.mu.Lock()
	t.p.spans = append(t.p.spans, s)
	t.p.mu.Unlock()
	return trace.ContextWithSpan(ctx, s), s
}

type recordingSpan struct {
	noop.Span
	name   string
	attrs  map[attribute.Key]attribute.Value
	status codes.Code
	ended  bool
}

func (s *recordingSpan) SetName(name string) { s.name = name }
func (s *recordingSpan) End(...trace.SpanEndOption) { s.ended = true }
func (s *recordingSpan) SetStatus(c codes.Code, _ string) { s.status = c }
func (s *recordingSpan) SetAttributes(kv ...attribute.KeyValue) {
	for _, a := range kv {
		s.attrs[a.Key] = a.Value
	}
}

func testMux(mws ...func(http.Handler) http.Handler) (*chi.Mux, *trace.Span) {
	var seen trace.Span
	mux := chi.NewRouter()
	mux.Use(mws...)
	mux.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		seen = trace.SpanFromContext(r.Context())
		w.Write([]byte("ok"))
	})
	return mux, &seen
}

func serve(h http.Handler, target string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec.Code
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg), WithNamespace("test"))
	mux, _ := testMux(m.Handler)

	serve(mux, "/posts/1")
	serve(mux, "/posts/2")
	serve(mux, "/boom")

	if got := testutil.ToFloat64(m.requests.WithLabelValues("/*", "200")); got != 2 {
		t.Errorf("requests_total{route=/*,code=200} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("/boom", "500")); got != 1 {
		t.Errorf("requests_total{route=/boom,code=500} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Errorf("requests_in_flight = %v, want 0", got)
	}
	if got := testutil.CollectAndCount(m.duration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestMetricsConfig(t *testing.T) {
	config := defaultMetricsConfig()
	if config.Namespace != "routeloader" || config.Subsystem != "http" {
		t.Errorf("default = %s_%s, want routeloader_http", config.Namespace, config.Subsystem)
	}
	for _, opt := range []MetricsOption{
		WithNamespace("app"),
		WithSubsystem("web"),
		WithBuckets([]float64{1}),
		WithConstLabels(prometheus.Labels{"env": "test"}),
	} {
		opt(&config)
	}
	if config.Namespace != "app" || config.Subsystem != "web" || len(config.Buckets) != 1 || config.ConstLabels["env"] != "test" {
		t.Errorf("config = %+v", config)
	}
}

func TestRoutePattern_OutsideChi(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	if got := routePattern(r); got != "unmatched" {
		t.Errorf("routePattern() = %q, want unmatched", got)
	}
}

// =============================================================================
// Tracing Tests
// =============================================================================

func TestTracing(t *testing.T) {
	tp := &recordingProvider{}
	mux, seen := testMux(Tracing(WithTracerProvider(tp)))

	if code := serve(mux, "/posts/1"); code != http.StatusOK {
		t.Fatalf("code = %d, want 200", code)
	}
	serve(mux, "/boom")

	if len(tp.spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(tp.spans))
	}
	ok, boom := tp.spans[0], tp.spans[1]
	if *seen != trace.Span(ok) {
		t.Error("handler did not see the request span")
	}
	if ok.name != "GET /*" || !ok.ended {
		t.Errorf("span = %q ended=%v, want GET /* ended", ok.name, ok.ended)
	}
	if got := ok.attrs["http.target"].AsString(); got != "/posts/1" {
		t.Errorf("http.target = %q, want /posts/1", got)
	}
	if ok.status == codes.Error {
		t.Error("200 span marked as error")
	}
	if boom.status != codes.Error || boom.attrs["http.status_code"].AsInt64() != 500 {
		t.Errorf("boom span status = %v code = %v", boom.status, boom.attrs["http.status_code"])
	}
}

func TestTracing_Filter(t *testing.T) {
	tp := &recordingProvider{}
	mux, _ := testMux(Tracing(WithTracerProvider(tp), WithFilter(func(r *http.Request) bool {
		return r.URL.Path != "/healthz"
	})))

	serve(mux, "/healthz")
	if len(tp.spans) != 0 {
		t.Errorf("spans = %d, want filtered request untraced", len(tp.spans))
	}
}
