// Package middleware provides HTTP middleware for serving route payloads.
//
// This package includes:
//   - OpenTelemetry tracing, one server span per request
//   - Prometheus request metrics labeled by route pattern
//
// Both compose with chi:
//
//	reg := prometheus.NewRegistry()
//	mux := chi.NewRouter()
//	mux.Use(middleware.Tracing())
//	mux.Use(middleware.NewMetrics(middleware.WithRegistry(reg)).Handler)
//
// The tracing span is installed in the request context, so spans started
// by the load pipeline for that request become its children.
//
// Labels use the chi route pattern ("/*", "/_deferred") rather than the
// raw path to keep cardinality bounded.
package middleware
