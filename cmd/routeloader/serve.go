package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vango-dev/routeloader/pkg/deferred"
	"github.com/vango-dev/routeloader/pkg/middleware"
	"github.com/vango-dev/routeloader/pkg/routefile"
	"github.com/vango-dev/routeloader/pkg/router"
	"github.com/vango-dev/routeloader/pkg/ssr"
)

const metricsNamespace = "routeloader"

func serveCmd(g *globals) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		origins []string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve dehydrated route payloads over HTTP",
		Long: `Serve the fixture's routes as JSON payloads.

  GET /*           load the location and return its payload
  GET /_deferred   websocket stream of deferred settlements
  GET /metrics     Prometheus metrics
  GET /healthz     liveness

Examples:
  routeloader serve -r blog.yaml
  routeloader serve --addr=:8080 --config=routeloader.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(g, addr, timeout, origins, verbose)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-request load timeout")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "Extra origins allowed on the deferred stream (same-origin is always allowed)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	return cmd
}

func runServe(g *globals, addr string, timeout time.Duration, origins []string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	tree, err := routefile.LoadFile(g.routes, routefile.WithLogger(logger.With("component", "routefile")))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// The primary router owns the shared cache, registry and pipeline and
	// runs the cache janitor; request routers borrow its pipeline.
	primary, err := router.New(tree,
		router.WithConfig(cfg),
		router.WithLogger(logger),
		router.WithMetrics(reg, metricsNamespace))
	if err != nil {
		return err
	}
	defer primary.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if _, err := primary.Start(ctx); err != nil {
		logger.Warn("warm-up load failed", "error", err)
	}

	handler := ssr.NewHandler(tree, primary.Pipeline(),
		ssr.WithLogger(logger),
		ssr.WithTimeout(timeout),
		ssr.WithStreamOptions(deferred.WithCheckOrigin(deferred.AllowedOrigins(origins...))),
		ssr.WithMetrics(reg, metricsNamespace))
	defer handler.Close()

	mux := chi.NewRouter()
	mux.Use(middleware.Tracing(middleware.WithFilter(func(r *http.Request) bool {
		return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
	})))
	mux.Use(middleware.NewMetrics(
		middleware.WithRegistry(reg),
		middleware.WithNamespace(metricsNamespace)).Handler)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/*", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	info(os.Stdout, "routeloader serving %d routes on %s", tree.Len(), addr)

	select {
	case err := <-errCh:
		if !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
