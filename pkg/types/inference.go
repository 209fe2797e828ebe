package types

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Inference Types - Shared across Coordinator, Worker Agent, and API
// ============================================================================

// WorkerStatus represents a worker's serving state as carried by heartbeats
type WorkerStatus string

const (
	WorkerStatusOnline  WorkerStatus = "online"  // Registered and accepting work
	WorkerStatusBusy    WorkerStatus = "busy"    // A prediction is in flight
	WorkerStatusError   WorkerStatus = "error"   // Last forwarded request failed
	WorkerStatusOffline WorkerStatus = "offline" // Draining or shut down
)

// LoadState represents model loading status inside the executor
type LoadState string

const (
	LoadStateIdle    LoadState = "idle"    // Not loaded, available to pull
	LoadStateLoading LoadState = "loading" // Currently loading weights
	LoadStateReady   LoadState = "ready"   // In GPU memory, ready to serve
	LoadStateError   LoadState = "error"   // Failed to load
)

// ModelType identifies which model family a prediction targets
type ModelType string

const (
	ModelTypeCovidXRay       ModelType = "covid_xray"
	ModelTypeStableDiffusion ModelType = "stable_diffusion"
)

// Valid reports whether t names a model the broker routes
func (t ModelType) Valid() bool {
	switch t {
	case ModelTypeCovidXRay, ModelTypeStableDiffusion:
		return true
	}
	return false
}

// MinVRAM returns the minimum total GPU memory (MiB) a worker needs before
// it may load t. Workers that already hold the model bypass this check.
func (t ModelType) MinVRAM() float64 {
	switch t {
	case ModelTypeStableDiffusion:
		return 8192
	default:
		return 0
	}
}

// QualityPreset is the symbolic speed/quality knob for image generation
type QualityPreset string

const (
	QualityPresetFast     QualityPreset = "fast"
	QualityPresetBalanced QualityPreset = "balanced"
	QualityPresetQuality  QualityPreset = "quality"
)

// Valid reports whether p is a known preset
func (p QualityPreset) Valid() bool {
	switch p {
	case QualityPresetFast, QualityPresetBalanced, QualityPresetQuality:
		return true
	}
	return false
}

// InferenceSteps returns the diffusion step count for the preset
func (p QualityPreset) InferenceSteps() int {
	switch p {
	case QualityPresetFast:
		return 20
	case QualityPresetQuality:
		return 50
	default:
		return 30
	}
}

// GuidanceScale returns the prompt-adherence factor for the preset
func (p QualityPreset) GuidanceScale() float64 {
	switch p {
	case QualityPresetFast:
		return 7.5
	case QualityPresetQuality:
		return 9.5
	default:
		return 8.5
	}
}

// GPUInfo is the probe snapshot carried by registrations and heartbeats.
// Memory values are MiB; TotalMemory == 0 marks a CPU-only worker.
type GPUInfo struct {
	DeviceName        string  `json:"device_name"`
	TotalMemory       float64 `json:"total_memory"`
	AllocatedMemory   float64 `json:"allocated_memory"`
	ReservedMemory    float64 `json:"reserved_memory"`
	FreeMemory        float64 `json:"free_memory"`
	CUDAVersion       string  `json:"cuda_version"`
	ComputeCapability string  `json:"compute_capability"`
}

// Capabilities declares what a worker can serve
type Capabilities struct {
	SupportedModels []string          `json:"supported_models"`
	ModelCIDs       map[string]string `json:"model_cids"`
	GPUAvailable    bool              `json:"gpu_available"`
}

// WorkerInfo is the authoritative registry record for one worker
// Used in the Registry and API calls
type WorkerInfo struct {
	ID            string       `json:"id"`
	Endpoint      string       `json:"endpoint"`
	Port          int          `json:"port"`
	GPU           GPUInfo      `json:"gpu"`
	Capabilities  Capabilities `json:"capabilities"`
	LoadedModels  []string     `json:"loaded_models"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// HasModel reports whether model is currently resident on the worker
func (w *WorkerInfo) HasModel(model string) bool {
	for _, m := range w.LoadedModels {
		if m == model {
			return true
		}
	}
	return false
}

// HeartbeatUpdate is the periodic payload (Worker -> Coordinator)
type HeartbeatUpdate struct {
	ID            string            `json:"id"`
	LoadedModels  []string          `json:"loaded_models"`
	ModelCIDs     map[string]string `json:"model_cids"`
	Status        WorkerStatus      `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Endpoint      string            `json:"endpoint,omitempty"`
	Capabilities  Capabilities      `json:"capabilities"`
	GPU           GPUInfo           `json:"gpu"`
}

// ServerResponse is the reply body of the bookkeeping endpoints
type ServerResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PredictionRequest is the wire entity crossing both hops
// (client -> coordinator -> worker)
type PredictionRequest struct {
	ModelType ModelType `json:"model_type"`
	ModelCID  string    `json:"model_cid"`
	// Fields for COVID X-Ray
	ImageURL string `json:"image_url,omitempty"`
	// Fields for Stable Diffusion
	Prompt        string        `json:"prompt,omitempty"`
	QualityPreset QualityPreset `json:"quality_preset,omitempty"`
}

// Validate applies the variant-specific payload rules. The coordinator and
// the worker run the same checks so a bad request never reaches selection.
func (r *PredictionRequest) Validate() error {
	switch r.ModelType {
	case ModelTypeCovidXRay:
		if r.ImageURL == "" {
			return fmt.Errorf("image_url is required for covid_xray model")
		}
	case ModelTypeStableDiffusion:
		if r.Prompt == "" || r.QualityPreset == "" {
			return fmt.Errorf("prompt and quality_preset are required for stable_diffusion model")
		}
		if strings.TrimSpace(r.Prompt) == "" {
			return fmt.Errorf("empty prompt")
		}
		if !r.QualityPreset.Valid() {
			return fmt.Errorf("invalid quality_preset: %s", r.QualityPreset)
		}
	default:
		return fmt.Errorf("unsupported model type: %s", r.ModelType)
	}
	return nil
}

// PredictionResponse is the worker's inference result. Error is set iff
// Success is false; inference failures still travel as HTTP 200 bodies.
type PredictionResponse struct {
	Success          bool               `json:"success"`
	Prompt           string             `json:"prompt,omitempty"`
	GenerationTimeMs float64            `json:"generation_time_ms,omitempty"`
	Parameters       map[string]float64 `json:"parameters,omitempty"`
	Timestamp        string             `json:"timestamp,omitempty"`
	ImageBase64      string             `json:"image_base64,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// PredictionError is the error body of the prediction endpoints. Status
// carries the numeric HTTP code.
type PredictionError struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}
