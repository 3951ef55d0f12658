// Package api exposes the virtualization manager's operations over
// HTTP: device passthrough grants, DTBO overlay extraction, APEX
// catalog inspection, and payload disk planning.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/apex"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/device"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/payload"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// DtboOpener supplies the raw DTBO partition image. Injected so tests
// and non-Android hosts can point at a file.
type DtboOpener func() (*os.File, error)

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	loader   *apex.Loader
	packages apex.PackageService
	builder  *payload.Builder
	binder   *device.Binder
	registry *device.Registry
	dtbo     DtboOpener
	logger   *slog.Logger
	addr     string
}

// Deps bundles the collaborators a Server needs.
type Deps struct {
	Store    store.Store
	Loader   *apex.Loader
	Packages apex.PackageService
	Builder  *payload.Builder
	Binder   *device.Binder
	Registry *device.Registry
	Dtbo     DtboOpener
	Logger   *slog.Logger
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    deps.Store,
		loader:   deps.Loader,
		packages: deps.Packages,
		builder:  deps.Builder,
		binder:   deps.Binder,
		registry: deps.Registry,
		dtbo:     deps.Dtbo,
		logger:   deps.Logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/apexes", s.handleListApexes)
	s.router.Post("/v1/payload/plan", s.handlePlanPayload)
	s.router.Get("/v1/dtbo/{index}", s.handleExtractDtbo)

	s.router.Route("/v1/devices", func(r chi.Router) {
		r.Post("/bind", s.handleBindDevices)
		r.Get("/", s.handleListDevices)
		r.Delete("/{id}", s.handleReleaseDevice)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is
// received. On shutdown every live passthrough grant is released so no
// device stays stuck on the passthrough driver.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.registry.ReleaseAll()

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
