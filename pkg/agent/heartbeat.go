package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gpumesh/gpumesh/pkg/types"
)

// HeartbeatLoop reports the worker's liveness and state to the coordinator
// on its own goroutine. The registry treats a silent worker as gone, so the
// loop sends the first beat immediately and then ticks at the configured
// interval.
type HeartbeatLoop struct {
	config              *WorkerConfig
	state               *WorkerState
	executor            ModelExecutor
	client              *http.Client
	consecutiveFailures int32
	maxFailures         int32
	stopCh              chan struct{}
	doneCh              chan struct{}
}

// NewHeartbeatLoop creates a new heartbeat loop
func NewHeartbeatLoop(config *WorkerConfig, state *WorkerState, executor ModelExecutor) *HeartbeatLoop {
	return &HeartbeatLoop{
		config:      config,
		state:       state,
		executor:    executor,
		client:      &http.Client{Timeout: config.NetworkTimeout},
		maxFailures: 3,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the heartbeat loop in a goroutine
func (h *HeartbeatLoop) Start(ctx context.Context) {
	go h.run(ctx)
}

func (h *HeartbeatLoop) run(ctx context.Context) {
	defer close(h.doneCh)

	log.Info().
		Dur("interval", h.config.HeartbeatInterval).
		Msg("Started heartbeat loop")

	// First heartbeat goes out immediately
	h.sendHeartbeat(ctx)

	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Heartbeat loop stopped (context cancelled)")
			return
		case <-h.stopCh:
			log.Info().Msg("Heartbeat loop stopped (stop signal)")
			return
		case <-ticker.C:
			h.sendHeartbeat(ctx)
		}
	}
}

// Stop signals the heartbeat loop to stop and waits for it to finish
func (h *HeartbeatLoop) Stop() {
	close(h.stopCh)
	select {
	case <-h.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Heartbeat loop did not stop within timeout")
	}
}

// IsHealthy returns true if recent heartbeats reached the coordinator
func (h *HeartbeatLoop) IsHealthy() bool {
	return atomic.LoadInt32(&h.consecutiveFailures) < h.maxFailures
}

func (h *HeartbeatLoop) recordFailure(reason string, gpu *types.GPUInfo) bool {
	failures := atomic.AddInt32(&h.consecutiveFailures, 1)
	log.Warn().
		Str("reason", reason).
		Int32("failure_count", failures).
		Int32("max_failures", h.maxFailures).
		Msg("Heartbeat failed")
	h.state.RecordHeartbeat(false, gpu, h.config.StateLockTimeout)
	return false
}

func (h *HeartbeatLoop) sendHeartbeat(ctx context.Context) bool {
	snap, fresh := h.state.SnapshotWithin(h.config.StateLockTimeout)
	if !fresh {
		log.Warn().Msg("State lock contended, heartbeat uses last snapshot")
	}

	gpu := ProbeGPU()

	update := &types.HeartbeatUpdate{
		ID:            h.config.WorkerID,
		LoadedModels:  snap.LoadedModels,
		ModelCIDs:     snap.ModelCIDs,
		Status:        snap.Status,
		LastHeartbeat: time.Now().UTC(),
		Endpoint:      h.config.Endpoint(),
		Capabilities: types.Capabilities{
			SupportedModels: h.config.SupportedModels,
			ModelCIDs:       snap.ModelCIDs,
			GPUAvailable:    GPUAvailable(gpu),
		},
		GPU: gpu,
	}

	log.Debug().
		Str("status", string(update.Status)).
		Strs("loaded_models", update.LoadedModels).
		Float64("free_memory", gpu.FreeMemory).
		Msg("Sending heartbeat")

	body, err := json.Marshal(update)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal heartbeat payload")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, "POST", h.config.HeartbeatURL(), bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create heartbeat request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return h.recordFailure(err.Error(), &gpu)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return h.recordFailure("status "+resp.Status, &gpu)
	}

	var result types.ServerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return h.recordFailure("unreadable response body", &gpu)
	}

	// Registry errors ride in a 200 body; an evicted worker announces
	// itself again instead of heartbeating into the void
	if result.Status == "error" {
		if result.Message == "client not found" {
			log.Warn().
				Str("worker_id", h.config.WorkerID).
				Msg("Registry dropped this worker, re-registering")
			if err := RegisterWorker(ctx, h.config, h.executor); err != nil {
				return h.recordFailure("re-registration: "+err.Error(), &gpu)
			}
			atomic.StoreInt32(&h.consecutiveFailures, 0)
			h.state.RecordHeartbeat(true, &gpu, h.config.StateLockTimeout)
			return true
		}
		return h.recordFailure(result.Message, &gpu)
	}

	atomic.StoreInt32(&h.consecutiveFailures, 0)
	h.state.RecordHeartbeat(true, &gpu, h.config.StateLockTimeout)

	log.Debug().
		Str("worker_id", h.config.WorkerID).
		Msg("Heartbeat successful")

	return true
}

// SendSingleHeartbeat sends one heartbeat update (for testing/once mode)
func SendSingleHeartbeat(ctx context.Context, config *WorkerConfig, state *WorkerState) bool {
	loop := NewHeartbeatLoop(config, state, nil)
	return loop.sendHeartbeat(ctx)
}
