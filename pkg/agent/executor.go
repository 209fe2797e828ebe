package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gpumesh/gpumesh/pkg/types"
)

// huggingFacePrefix marks a model reference hosted on the Hugging Face hub
// rather than addressed by a raw content id
const huggingFacePrefix = "hf:"

// ModelExecutor is the worker's model runtime. Initialize must be idempotent
// and safe to call from any goroutine; LoadModel and Infer may run
// concurrently with each other.
type ModelExecutor interface {
	Initialize(ctx context.Context) error
	LoadModel(ctx context.Context, modelCID string, modelType types.ModelType) error
	UnloadModel(ctx context.Context, model string) error
	Infer(ctx context.Context, req *types.PredictionRequest) (*types.PredictionResponse, error)
	LoadedModels() []string
	ModelCIDs() map[string]string
	Device() (device, deviceType string)
}

// modelSlot tracks one loaded model inside the executor
type modelSlot struct {
	CID      string
	Ref      string // weights reference with any hf: prefix stripped
	State    types.LoadState
	LoadedAt time.Time
	Err      string
}

// LocalExecutor is the in-process ModelExecutor. It keeps the model
// bookkeeping and the wire contract of a real runtime while producing
// synthetic predictions, so the worker is fully exercisable on hosts
// without model weights.
type LocalExecutor struct {
	mu          sync.RWMutex
	initialized bool
	device      string
	deviceType  string
	models      map[types.ModelType]*modelSlot
}

// NewLocalExecutor creates an uninitialized LocalExecutor
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{
		models: make(map[types.ModelType]*modelSlot),
	}
}

// Initialize probes the GPU and picks the execution device. Repeated calls
// are no-ops.
func (e *LocalExecutor) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}

	gpu := ProbeGPU()
	if GPUAvailable(gpu) {
		e.device = "cuda:0"
		e.deviceType = "cuda"
	} else {
		e.device = "cpu"
		e.deviceType = "cpu"
	}
	e.initialized = true

	log.Info().
		Str("device", e.device).
		Str("gpu", gpu.DeviceName).
		Msg("Executor initialized")

	return nil
}

// LoadModel resolves the weights reference and marks the model ready
func (e *LocalExecutor) LoadModel(ctx context.Context, modelCID string, modelType types.ModelType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !modelType.Valid() {
		return errors.Errorf("unsupported model type: %s", modelType)
	}
	if modelCID == "" {
		return errors.Errorf("empty model_cid for %s", modelType)
	}

	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return errors.New("executor not initialized")
	}

	slot := &modelSlot{
		CID:   modelCID,
		Ref:   strings.TrimPrefix(modelCID, huggingFacePrefix),
		State: types.LoadStateLoading,
	}
	e.models[modelType] = slot
	e.mu.Unlock()

	log.Info().
		Str("model", string(modelType)).
		Str("cid", modelCID).
		Bool("huggingface", strings.HasPrefix(modelCID, huggingFacePrefix)).
		Msg("Loading model")

	e.mu.Lock()
	slot.State = types.LoadStateReady
	slot.LoadedAt = time.Now()
	e.mu.Unlock()

	return nil
}

// UnloadModel removes a model from the executor
func (e *LocalExecutor) UnloadModel(ctx context.Context, model string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	modelType := types.ModelType(model)
	if _, ok := e.models[modelType]; !ok {
		return errors.Errorf("model %s is not loaded", model)
	}
	delete(e.models, modelType)

	log.Info().Str("model", model).Msg("Model unloaded")
	return nil
}

// Infer runs a prediction, loading the model first when needed
func (e *LocalExecutor) Infer(ctx context.Context, req *types.PredictionRequest) (*types.PredictionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	initialized := e.initialized
	slot, loaded := e.models[req.ModelType]
	e.mu.RUnlock()

	if !initialized {
		return nil, errors.New("executor not initialized")
	}

	if !loaded || slot.State != types.LoadStateReady {
		cid := req.ModelCID
		if cid == "" && loaded {
			cid = slot.CID
		}
		if cid == "" {
			return nil, errors.Errorf("model %s is not loaded and no model_cid was provided", req.ModelType)
		}
		if err := e.LoadModel(ctx, cid, req.ModelType); err != nil {
			return nil, errors.Wrapf(err, "failed to load %s", req.ModelType)
		}
	}

	start := time.Now()

	var resp *types.PredictionResponse
	var err error
	switch req.ModelType {
	case types.ModelTypeStableDiffusion:
		resp, err = e.generateImage(req)
	case types.ModelTypeCovidXRay:
		resp, err = e.classifyImage(req)
	default:
		return nil, errors.Errorf("unsupported model type: %s", req.ModelType)
	}
	if err != nil {
		return nil, err
	}

	resp.GenerationTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return resp, nil
}

// generateImage renders a deterministic placeholder image from the prompt
func (e *LocalExecutor) generateImage(req *types.PredictionRequest) (*types.PredictionResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("empty prompt")
	}

	preset := req.QualityPreset
	if !preset.Valid() {
		preset = types.QualityPresetBalanced
	}

	encoded, err := renderPromptImage(req.Prompt, 64)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render image")
	}

	return &types.PredictionResponse{
		Success: true,
		Prompt:  req.Prompt,
		Parameters: map[string]float64{
			"num_inference_steps": float64(preset.InferenceSteps()),
			"guidance_scale":      preset.GuidanceScale(),
		},
		ImageBase64: encoded,
	}, nil
}

// classifyImage produces a synthetic covid_xray classification
func (e *LocalExecutor) classifyImage(req *types.PredictionRequest) (*types.PredictionResponse, error) {
	if req.ImageURL == "" {
		return nil, errors.New("image_url is required for covid_xray model")
	}

	return &types.PredictionResponse{
		Success: true,
	}, nil
}

// LoadedModels returns the ready model names, sorted for stable heartbeats
func (e *LocalExecutor) LoadedModels() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	models := make([]string, 0, len(e.models))
	for modelType, slot := range e.models {
		if slot.State == types.LoadStateReady {
			models = append(models, string(modelType))
		}
	}
	sort.Strings(models)
	return models
}

// ModelCIDs returns the weights reference for every known model
func (e *LocalExecutor) ModelCIDs() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cids := make(map[string]string, len(e.models))
	for modelType, slot := range e.models {
		cids[string(modelType)] = slot.CID
	}
	return cids
}

// Device returns the execution device and its type
func (e *LocalExecutor) Device() (string, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.device, e.deviceType
}

// renderPromptImage builds a small PNG whose pixels derive from the prompt
// hash, then base64-encodes it
func renderPromptImage(prompt string, size int) (string, error) {
	h := fnv.New32a()
	h.Write([]byte(prompt))
	seed := h.Sum32()

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := seed ^ uint32(x*31+y*17)
			img.Set(x, y, color.RGBA{
				R: uint8(v),
				G: uint8(v >> 8),
				B: uint8(v >> 16),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
