package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/gpumesh/gpumesh/pkg/types"
)

// registrationMaxRetries bounds the exponential backoff during startup
const registrationMaxRetries = 4

// BuildWorkerInfo assembles the registration payload from the config, the
// executor bookkeeping, and a fresh GPU probe
func BuildWorkerInfo(config *WorkerConfig, executor ModelExecutor) *types.WorkerInfo {
	gpu := ProbeGPU()

	loaded := make([]string, 0)
	cids := make(map[string]string)
	if executor != nil {
		loaded = executor.LoadedModels()
		cids = executor.ModelCIDs()
	}

	// Configured references for models not loaded yet still get advertised
	for model, cid := range config.ModelCIDs {
		if _, ok := cids[model]; !ok {
			cids[model] = cid
		}
	}

	return &types.WorkerInfo{
		ID:       config.WorkerID,
		Endpoint: config.Endpoint(),
		Port:     config.Port,
		GPU:      gpu,
		Capabilities: types.Capabilities{
			SupportedModels: config.SupportedModels,
			ModelCIDs:       cids,
			GPUAvailable:    GPUAvailable(gpu),
		},
		LoadedModels:  loaded,
		Status:        types.WorkerStatusOnline,
		LastHeartbeat: time.Now().UTC(),
	}
}

// RegisterWorker announces the worker to the coordinator, retrying with
// exponential backoff on transient failures
func RegisterWorker(ctx context.Context, config *WorkerConfig, executor ModelExecutor) error {
	info := BuildWorkerInfo(config, executor)

	log.Info().
		Str("worker_id", config.WorkerID).
		Str("coordinator", config.CoordinatorURL()).
		Str("endpoint", info.Endpoint).
		Str("device", info.GPU.DeviceName).
		Int("loaded_models", len(info.LoadedModels)).
		Msg("Registering worker with coordinator")

	client := &http.Client{Timeout: config.RegistrationTimeout}

	operation := func() error {
		return postRegistration(ctx, client, config.RegisterURL(), info)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), registrationMaxRetries), ctx)
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("Registration attempt failed")
	}

	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return err
	}

	log.Info().Str("worker_id", config.WorkerID).Msg("Worker registered successfully")
	return nil
}

func postRegistration(ctx context.Context, client *http.Client, url string, info *types.WorkerInfo) error {
	body, err := json.Marshal(info)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &ErrRegistrationFailed{
			Reason: fmt.Sprintf("connection failed to %s: %v", url, err),
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var result types.ServerResponse
		if err := json.Unmarshal(respBody, &result); err != nil {
			log.Debug().Err(err).Str("body", string(respBody)).Msg("Failed to parse registration response")
		}
		return nil

	case http.StatusBadRequest:
		// A rejected payload will not fix itself on retry
		return backoff.Permanent(&ErrRegistrationFailed{
			StatusCode: http.StatusBadRequest,
			Reason:     fmt.Sprintf("bad request: %s", string(respBody)),
		})

	default:
		return &ErrRegistrationFailed{
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("unexpected response: %s", string(respBody)),
		}
	}
}
