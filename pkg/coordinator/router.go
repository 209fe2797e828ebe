package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gpumesh/gpumesh/pkg/types"
)

// ============================================================================
// Inference Router - Forwards prediction requests to workers
// ============================================================================

// RouterError represents an error during routing
type RouterError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	routeErrNoWorker        = "NO_WORKER_AVAILABLE"
	routeErrTransport       = "WORKER_TRANSPORT"
	routeErrRejected        = "WORKER_REJECTED"
	routeErrInvalidResponse = "WORKER_INVALID_RESPONSE"
)

// InferenceRouter forwards prediction requests to the selected worker
type InferenceRouter struct {
	registry *WorkerRegistry
	client   *http.Client
}

// NewInferenceRouter creates a new InferenceRouter
func NewInferenceRouter(registry *WorkerRegistry) *InferenceRouter {
	return &InferenceRouter{
		registry: registry,
		client: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for image generation
		},
	}
}

// Route selects the best worker for a model request
func (r *InferenceRouter) Route(model types.ModelType) (*types.WorkerInfo, error) {
	worker := r.registry.SelectWorkerForModel(model)
	if worker == nil {
		return nil, &RouterError{
			Code:    routeErrNoWorker,
			Message: fmt.Sprintf("no available worker found for model type %s", model),
		}
	}
	return worker, nil
}

// Predict forwards a validated request to a selected worker and relays the
// worker's response. A transport failure, a non-2xx reply, or an unreadable
// body marks the worker error in the registry before the error surfaces.
// One selection, one forwarded request; retries belong to the caller.
func (r *InferenceRouter) Predict(ctx context.Context, req *types.PredictionRequest) (*types.PredictionResponse, error) {
	worker, err := r.Route(req.ModelType)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("model", string(req.ModelType)).
		Str("worker_id", worker.ID).
		Str("endpoint", worker.Endpoint).
		Msg("Routing prediction request to worker")

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	url := fmt.Sprintf("%s/predict", worker.Endpoint)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		log.Error().Err(err).Str("worker_id", worker.ID).Msg("Worker request failed")
		r.markWorkerError(worker)
		return nil, &RouterError{
			Code:    routeErrTransport,
			Message: fmt.Sprintf("worker request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		log.Error().
			Int("status", resp.StatusCode).
			Str("worker_id", worker.ID).
			Msg("Worker rejected prediction request")
		r.markWorkerError(worker)
		return nil, &RouterError{
			Code:    routeErrRejected,
			Message: fmt.Sprintf("worker returned %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var prediction types.PredictionResponse
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		r.markWorkerError(worker)
		return nil, &RouterError{
			Code:    routeErrInvalidResponse,
			Message: fmt.Sprintf("failed to decode worker response: %v", err),
		}
	}

	return &prediction, nil
}

// markWorkerError flips the worker to error through a synthesized heartbeat
// that preserves every other field, so subsequent selections skip it until
// the worker's own heartbeat reports recovery
func (r *InferenceRouter) markWorkerError(worker *types.WorkerInfo) {
	_, err := r.registry.UpdateWorker(worker.ID, &types.HeartbeatUpdate{
		ID:            worker.ID,
		LoadedModels:  worker.LoadedModels,
		ModelCIDs:     worker.Capabilities.ModelCIDs,
		Status:        types.WorkerStatusError,
		LastHeartbeat: time.Now(),
		Endpoint:      worker.Endpoint,
		Capabilities:  worker.Capabilities,
		GPU:           worker.GPU,
	})
	if err != nil {
		log.Warn().Err(err).Str("worker_id", worker.ID).Msg("Failed to update worker status")
	}
}
