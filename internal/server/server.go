// Package server exposes imagery layers over HTTP: rendered PNG tiles, pick
// results as GeoJSON, status and metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MeKo-Tech/mvtimagery/internal/scheduler"
)

// Config configures a Server.
type Config struct {
	Layers    *Layers
	Scheduler *scheduler.Scheduler
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// MBTiles serves pre-rendered tiles under /mbtiles when set.
	MBTiles      *MBTilesHandler
	CacheControl string
	// RenderTimeout bounds one tile request including its wait in the queue.
	RenderTimeout time.Duration
	Logger        *slog.Logger
}

// Server holds the HTTP handlers and their counters.
type Server struct {
	cfg     Config
	started time.Time

	rendered atomic.Int64
	failed   atomic.Int64
	rejected atomic.Int64
	active   atomic.Int32
}

// New creates a server. Layers defaults to an empty registry.
func New(cfg Config) *Server {
	if cfg.Layers == nil {
		cfg.Layers = NewLayers()
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = "public, max-age=300"
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = time.Minute
	}
	return &Server{cfg: cfg, started: time.Now()}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(s.log()))
	r.Use(requestLogging(s.log()))
	r.Use(cors())

	r.Get("/healthz", s.healthz)
	r.Get("/status", s.StatusHandler().ServeHTTP)
	r.Get("/status/stream", s.StatusStreamHandler().ServeHTTP)
	r.Get("/tiles/{layer}/{z}/{x}/{y}", s.serveTile)
	r.Get("/pick/{layer}", s.servePick)
	if s.cfg.Metrics != nil {
		r.Get("/metrics", s.cfg.Metrics.ServeHTTP)
	}
	if s.cfg.MBTiles != nil {
		r.Get("/mbtiles/{z}/{x}/{y}", s.cfg.MBTiles.Handler())
	}
	return r
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.cfg.RenderTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log().Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) log() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}
