package coordinator

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Coordinator Server - Echo assembly and lifecycle
// ============================================================================

// Server hosts the worker registry and the broker HTTP surface
type Server struct {
	config   Config
	echo     *echo.Echo
	registry *WorkerRegistry
	service  *InferenceService

	sweepCtx    context.Context
	sweepCancel context.CancelFunc
}

// NewServer wires the registry, router, and HTTP routes together
func NewServer(config Config) *Server {
	registry := NewWorkerRegistry()
	registry.LivenessWindow = config.LivenessWindow

	service := NewInferenceService(registry)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger())

	service.RegisterRoutes(e.Group(""))

	if config.Debug {
		pprof.Register(e)
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())

	return &Server{
		config:      config,
		echo:        e,
		registry:    registry,
		service:     service,
		sweepCtx:    sweepCtx,
		sweepCancel: sweepCancel,
	}
}

// Registry exposes the server's worker registry
func (s *Server) Registry() *WorkerRegistry {
	return s.registry
}

// Start launches the stale-worker sweeper and serves HTTP until Shutdown
func (s *Server) Start() error {
	StartRegistryCleanup(s.sweepCtx, s.registry, s.config.CleanupInterval)

	log.Info().
		Str("addr", s.config.Addr()).
		Dur("liveness_window", s.config.LivenessWindow).
		Msg("Starting coordinator")

	if err := s.echo.Start(s.config.Addr()); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the sweeper and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.sweepCancel()
	log.Info().Msg("Shutting down coordinator")
	return s.echo.Shutdown(ctx)
}

// requestLogger emits one structured line per handled request
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			log.Info().
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("Request handled")

			return err
		}
	}
}
