package coordinator

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/gpumesh/gpumesh/pkg/types"
)

// ============================================================================
// Broker HTTP Handlers - registration, heartbeat, listing, prediction
// ============================================================================

// InferenceService provides the coordinator's HTTP handlers
type InferenceService struct {
	router   *InferenceRouter
	registry *WorkerRegistry
}

// NewInferenceService creates a new InferenceService
func NewInferenceService(registry *WorkerRegistry) *InferenceService {
	return &InferenceService{
		router:   NewInferenceRouter(registry),
		registry: registry,
	}
}

// RegisterRoutes registers the broker routes on the Echo router
func (s *InferenceService) RegisterRoutes(g *echo.Group) {
	// Worker bookkeeping
	g.POST("/register", s.handleRegister)
	g.POST("/heartbeat/:id", s.handleHeartbeat)
	g.GET("/clients", s.handleListClients)
	g.GET("/clients/:id", s.handleGetClient)
	g.DELETE("/clients/:id", s.handleRemoveClient)
	g.GET("/stats", s.handleStats)

	// Prediction
	g.POST("/predict", s.handlePredict)

	// Health and metrics
	g.GET("/health", s.handleHealth)
	g.GET("/metrics", s.handleMetrics)
}

// handleRegister handles POST /register
func (s *InferenceService) handleRegister(c echo.Context) error {
	var info types.WorkerInfo
	if err := c.Bind(&info); err != nil {
		return c.JSON(http.StatusBadRequest, types.ServerResponse{
			Status:  "error",
			Message: "invalid request body",
		})
	}

	if err := uuid.Validate(info.ID); err != nil {
		return c.JSON(http.StatusBadRequest, types.ServerResponse{
			Status:  "error",
			Message: "invalid worker id",
		})
	}
	if info.Endpoint == "" {
		return c.JSON(http.StatusBadRequest, types.ServerResponse{
			Status:  "error",
			Message: "endpoint is required",
		})
	}

	s.registry.RegisterWorker(&info)
	registrationsTotal.Inc()

	log.Info().
		Str("worker_id", info.ID).
		Str("endpoint", info.Endpoint).
		Str("device", info.GPU.DeviceName).
		Float64("total_memory", info.GPU.TotalMemory).
		Msg("Worker registered")

	return c.JSON(http.StatusOK, types.ServerResponse{
		Status:  "success",
		Message: "client registered successfully",
	})
}

// handleHeartbeat handles POST /heartbeat/:id
//
// An unknown id is answered with 200 and a body status of "error"; the
// body, not the HTTP status, carries registry errors so workers can react
// by re-registering.
func (s *InferenceService) handleHeartbeat(c echo.Context) error {
	id := c.Param("id")

	var update types.HeartbeatUpdate
	if err := c.Bind(&update); err != nil {
		return c.JSON(http.StatusBadRequest, types.ServerResponse{
			Status:  "error",
			Message: "invalid request body",
		})
	}

	// The payload id is authoritative; the path is routing only
	if update.ID == "" {
		update.ID = id
	} else if update.ID != id {
		return c.JSON(http.StatusBadRequest, types.ServerResponse{
			Status:  "error",
			Message: "heartbeat id does not match path",
		})
	}

	heartbeatsTotal.Inc()

	if _, err := s.registry.UpdateWorker(update.ID, &update); err != nil {
		if err == ErrWorkerNotFound {
			log.Warn().Str("worker_id", update.ID).Msg("Heartbeat from unknown worker")
			return c.JSON(http.StatusOK, types.ServerResponse{
				Status:  "error",
				Message: "client not found",
			})
		}
		return c.JSON(http.StatusInternalServerError, types.ServerResponse{
			Status:  "error",
			Message: err.Error(),
		})
	}

	return c.JSON(http.StatusOK, types.ServerResponse{
		Status:  "success",
		Message: "client updated successfully",
	})
}

// handleListClients handles GET /clients
func (s *InferenceService) handleListClients(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.ListActiveWorkers())
}

// handleGetClient handles GET /clients/:id
func (s *InferenceService) handleGetClient(c echo.Context) error {
	worker, err := s.registry.GetWorker(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, types.ServerResponse{
			Status:  "error",
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, worker)
}

// handleRemoveClient handles DELETE /clients/:id
func (s *InferenceService) handleRemoveClient(c echo.Context) error {
	id := c.Param("id")
	if err := s.registry.RemoveWorker(id); err != nil {
		return c.JSON(http.StatusNotFound, types.ServerResponse{
			Status:  "error",
			Message: err.Error(),
		})
	}

	log.Info().Str("worker_id", id).Msg("Worker removed")

	return c.JSON(http.StatusOK, types.ServerResponse{
		Status:  "success",
		Message: "client removed",
	})
}

// handleStats handles GET /stats
func (s *InferenceService) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.Stats())
}

// handlePredict handles POST /predict
func (s *InferenceService) handlePredict(c echo.Context) error {
	var req types.PredictionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, types.PredictionError{
			Error:  "invalid request body",
			Status: http.StatusBadRequest,
		})
	}

	// Variant validation happens before any registry access
	if err := req.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, types.PredictionError{
			Error:  err.Error(),
			Status: http.StatusBadRequest,
		})
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Minute)
	defer cancel()

	resp, err := s.router.Predict(ctx, &req)
	if err != nil {
		log.Error().Err(err).Str("model", string(req.ModelType)).Msg("Prediction request failed")
		if routerErr, ok := err.(*RouterError); ok {
			if routerErr.Code == routeErrNoWorker {
				selectionMissesTotal.Inc()
				return c.JSON(http.StatusServiceUnavailable, types.PredictionError{
					Error:  routerErr.Message,
					Status: http.StatusServiceUnavailable,
				})
			}
			predictionFailuresTotal.Inc()
			return c.JSON(http.StatusInternalServerError, types.PredictionError{
				Error:  routerErr.Message,
				Status: http.StatusInternalServerError,
			})
		}
		predictionFailuresTotal.Inc()
		return c.JSON(http.StatusInternalServerError, types.PredictionError{
			Error:  err.Error(),
			Status: http.StatusInternalServerError,
		})
	}

	predictionCounter(req.ModelType).Inc()
	predictionDuration.UpdateDuration(start)

	return c.JSON(http.StatusOK, resp)
}

// handleHealth handles GET /health
func (s *InferenceService) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics handles GET /metrics
func (s *InferenceService) handleMetrics(c echo.Context) error {
	workersActive.Set(float64(len(s.registry.ListActiveWorkers())))
	c.Response().Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	c.Response().WriteHeader(http.StatusOK)
	writePrometheus(c.Response())
	return nil
}

// StartRegistryCleanup starts a goroutine to periodically sweep stale workers
func StartRegistryCleanup(ctx context.Context, registry *WorkerRegistry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				removed := registry.CleanupStaleWorkers()
				if removed > 0 {
					log.Info().Int("removed", removed).Msg("Cleaned up stale workers")
				}
			}
		}
	}()
}
