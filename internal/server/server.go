// Package server exposes the ingestor's operational endpoints: liveness,
// readiness, a progress snapshot and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Sternrassler/datasync-ingestor/pkg/ingest"
	"github.com/Sternrassler/datasync-ingestor/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = time.Second

// StatusSource is implemented by ingest.Loop.
type StatusSource interface {
	Progress() ingest.Progress
	Ready() bool
}

// Check is a named dependency probe run by /readyz.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Server is the ops HTTP server.
type Server struct {
	http   *http.Server
	status StatusSource
	checks []Check
	logger zerolog.Logger
}

// New creates a server listening on addr.
func New(addr string, status StatusSource, checks ...Check) *Server {
	s := &Server{
		status: status,
		checks: checks,
		logger: log.With().Str("component", "ops-server").Logger(),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", s.ready)
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status.Progress())
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return r
}

// ready reports 503 until the checkpoint was loaded, and while any
// dependency check fails.
func (s *Server) ready(c *gin.Context) {
	if !s.status.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": "checkpoint not loaded"})
		return
	}

	for _, check := range s.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		err := check.Fn(ctx)
		cancel()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"check":  check.Name,
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Start listens on the configured address and serves in the background.
// It returns once the listener is bound.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Ops server listening")
	go func() {
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Ops server failed")
		}
	}()
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown ops server: %w", err)
	}
	s.logger.Info().Msg("Ops server stopped")
	return nil
}
