package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gpumesh/gpumesh/pkg/types"
)

// WorkerServer exposes the worker's HTTP surface: the prediction endpoint
// the coordinator forwards to, plus health and introspection routes
type WorkerServer struct {
	state    *WorkerState
	executor ModelExecutor
	port     int
	server   *http.Server
}

// NewWorkerServer creates a new worker server
func NewWorkerServer(state *WorkerState, executor ModelExecutor, port int) *WorkerServer {
	return &WorkerServer{
		state:    state,
		executor: executor,
		port:     port,
	}
}

// Handler returns the worker's route table
func (s *WorkerServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/predict", s.handlePredict)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/model/status", s.handleModelStatus)
	mux.HandleFunc("/unload", s.handleUnload)

	return mux
}

// Start binds the listen port and serves in a goroutine. A bind failure
// is returned to the caller; the worker cannot serve predictions without
// its port.
func (s *WorkerServer) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", s.port),
		Handler: s.Handler(),
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	go func() {
		log.Info().Int("port", s.port).Msg("Worker server starting")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Worker server error")
		}
	}()

	return nil
}

// Stop stops the worker server
func (s *WorkerServer) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}
}

// handlePredict runs an inference request. The HTTP status is always 200;
// failures ride in the body so the coordinator can relay them verbatim.
func (s *WorkerServer) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, &types.PredictionResponse{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	// Same variant rules as the coordinator; direct callers get the same
	// rejection the proxy would have produced
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusOK, &types.PredictionResponse{
			Success: false,
			Error:   err.Error(),
		})
		return
	}

	summary := req.Prompt
	if req.ModelType == types.ModelTypeCovidXRay {
		summary = req.ImageURL
	}

	jobID := uuid.NewString()
	s.state.BeginJob(InferenceJob{
		ID:      jobID,
		Model:   string(req.ModelType),
		Summary: truncate(summary, 40),
	})

	log.Info().
		Str("model", string(req.ModelType)).
		Str("job_id", jobID).
		Msg("Running inference")

	resp, err := s.executor.Infer(r.Context(), &req)
	if err != nil {
		s.state.FinishJob(jobID, false)
		s.state.AddLog(fmt.Sprintf("Inference failed: %s", err.Error()))
		log.Error().Err(err).Str("job_id", jobID).Msg("Inference failed")
		writeJSON(w, http.StatusOK, &types.PredictionResponse{
			Success: false,
			Error:   err.Error(),
		})
		return
	}

	s.state.FinishJob(jobID, true)
	s.state.SetModels(s.executor.LoadedModels(), s.executor.ModelCIDs())
	s.state.AddLog(fmt.Sprintf("Inference complete: %s", req.ModelType))

	writeJSON(w, http.StatusOK, resp)
}

// handleHealth returns a plain-text liveness check
func (s *WorkerServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleStatus returns the worker's runtime state
func (s *WorkerServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.state.Snapshot()

	writeJSON(w, http.StatusOK, map[string]any{
		"id":             snap.WorkerID,
		"endpoint":       snap.Endpoint,
		"port":           snap.Port,
		"status":         snap.Status,
		"last_heartbeat": snap.LastHeartbeat.UTC().Format(time.RFC3339),
		"loaded_models":  snap.LoadedModels,
	})
}

// handleModelStatus reports the executor's device and model inventory
func (s *WorkerServer) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	device, deviceType := s.executor.Device()

	writeJSON(w, http.StatusOK, map[string]any{
		"models_loaded": s.executor.LoadedModels(),
		"device":        device,
		"device_type":   deviceType,
	})
}

// handleUnload evicts a model from the executor
func (s *WorkerServer) handleUnload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// model_type rides in the query or the body; absent means unload all
	modelType := r.URL.Query().Get("model_type")
	if modelType == "" {
		var req struct {
			ModelType string `json:"model_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			modelType = req.ModelType
		}
	}

	if modelType == "" {
		for _, model := range s.executor.LoadedModels() {
			if err := s.executor.UnloadModel(r.Context(), model); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"status":  "error",
					"message": err.Error(),
				})
				return
			}
		}
		s.state.SetModels(s.executor.LoadedModels(), s.executor.ModelCIDs())
		s.state.AddLog("All models unloaded")
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "success",
			"message":          "all models unloaded",
			"remaining_models": s.executor.LoadedModels(),
		})
		return
	}

	if err := s.executor.UnloadModel(r.Context(), modelType); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	s.state.SetModels(s.executor.LoadedModels(), s.executor.ModelCIDs())
	s.state.AddLog(fmt.Sprintf("Model unloaded: %s", modelType))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"message":          fmt.Sprintf("model %s unloaded", modelType),
		"remaining_models": s.executor.LoadedModels(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
