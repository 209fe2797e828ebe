package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/gpumesh/gpumesh/pkg/types"
)

// ============================================================================
// Worker Registry - Tracks live GPU workers and picks one per prediction
// ============================================================================

// ErrWorkerNotFound is returned for operations on ids the registry does not
// hold. Its text is part of the wire contract: workers re-register when a
// heartbeat reply carries it.
var ErrWorkerNotFound = errors.New("client not found")

// WorkerRegistry tracks every known worker and its declared capability
type WorkerRegistry struct {
	workers map[string]*types.WorkerInfo
	mu      sync.RWMutex

	// LivenessWindow is how long a worker may go without a heartbeat
	// before it is considered dead and evicted
	LivenessWindow time.Duration
}

// NewWorkerRegistry creates a new WorkerRegistry
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		workers:        make(map[string]*types.WorkerInfo),
		LivenessWindow: 30 * time.Second,
	}
}

// RegisterWorker inserts a worker record, replacing any record already held
// under the same id. The registry keeps its own copy.
func (r *WorkerRegistry) RegisterWorker(info *types.WorkerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workers[info.ID] = cloneWorker(info)
}

// UpdateWorker applies a heartbeat to the stored record and returns a copy
// of the result. Heartbeats are last-writer-wins; the registry never rejects
// one for being out of order.
func (r *WorkerRegistry) UpdateWorker(id string, update *types.HeartbeatUpdate) (*types.WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[id]
	if !ok {
		return nil, ErrWorkerNotFound
	}

	worker.LoadedModels = append([]string(nil), update.LoadedModels...)
	worker.Status = update.Status
	worker.LastHeartbeat = update.LastHeartbeat
	worker.Capabilities = cloneCapabilities(update.Capabilities)
	if update.ModelCIDs != nil {
		worker.Capabilities.ModelCIDs = cloneCIDs(update.ModelCIDs)
	}
	worker.GPU = update.GPU
	if update.Endpoint != "" {
		worker.Endpoint = update.Endpoint
	}

	return cloneWorker(worker), nil
}

// GetWorker returns a copy of a single live worker record
func (r *WorkerRegistry) GetWorker(id string) (*types.WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, ok := r.workers[id]
	if !ok || !r.isWorkerLive(worker) {
		return nil, ErrWorkerNotFound
	}
	return cloneWorker(worker), nil
}

// RemoveWorker deletes a worker record
func (r *WorkerRegistry) RemoveWorker(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; !ok {
		return ErrWorkerNotFound
	}
	delete(r.workers, id)
	return nil
}

// ListActiveWorkers returns copies of every live record. It filters by
// liveness without evicting, so it only needs the read lock.
func (r *WorkerRegistry) ListActiveWorkers() []types.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]types.WorkerInfo, 0, len(r.workers))
	for _, worker := range r.workers {
		if r.isWorkerLive(worker) {
			active = append(active, *cloneWorker(worker))
		}
	}
	return active
}

// SelectWorkerForModel finds the best live worker to serve a model.
// Returns nil if no eligible worker exists; nil is not an error.
//
// Stale records are evicted first, so selection is self-maintaining. The
// survivors are filtered to online workers that either hold the model
// already or have enough total VRAM to load it, then ranked by total
// memory, free memory, and id. The winner's loaded_models gains the model
// speculatively; the worker's next heartbeat is authoritative and will
// overwrite it.
func (r *WorkerRegistry) SelectWorkerForModel(model types.ModelType) *types.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictStale()

	var best *types.WorkerInfo
	for _, worker := range r.workers {
		if !r.isEligible(worker, model) {
			continue
		}
		if best == nil || betterCandidate(worker, best) {
			best = worker
		}
	}
	if best == nil {
		return nil
	}

	if !best.HasModel(string(model)) {
		best.LoadedModels = append(best.LoadedModels, string(model))
	}
	return cloneWorker(best)
}

// CleanupStaleWorkers evicts every record whose heartbeat has aged past the
// liveness window and returns how many were removed
func (r *WorkerRegistry) CleanupStaleWorkers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictStale()
}

// Stats returns registry statistics
func (r *WorkerRegistry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := 0
	loadedModels := 0
	for _, worker := range r.workers {
		if r.isWorkerLive(worker) {
			active++
		}
		loadedModels += len(worker.LoadedModels)
	}

	return map[string]interface{}{
		"active_workers":     active,
		"total_workers":      len(r.workers),
		"loaded_model_count": loadedModels,
	}
}

// evictStale removes dead records in place (internal, caller holds write lock)
func (r *WorkerRegistry) evictStale() int {
	removed := 0
	for id, worker := range r.workers {
		if !r.isWorkerLive(worker) {
			delete(r.workers, id)
			removed++
		}
	}
	return removed
}

// isWorkerLive checks the liveness window (internal, no lock)
func (r *WorkerRegistry) isWorkerLive(worker *types.WorkerInfo) bool {
	return time.Since(worker.LastHeartbeat) < r.LivenessWindow
}

// isEligible applies the selection filter (internal, no lock):
// online status, a real GPU, and either the model resident or enough
// total VRAM to load it
func (r *WorkerRegistry) isEligible(worker *types.WorkerInfo, model types.ModelType) bool {
	if worker.Status != types.WorkerStatusOnline {
		return false
	}
	if worker.GPU.TotalMemory <= 0 {
		return false
	}
	if worker.HasModel(string(model)) {
		return true
	}
	return worker.GPU.TotalMemory >= model.MinVRAM()
}

// betterCandidate ranks a above b by total memory, then free memory, then
// id so results are deterministic under ties
func betterCandidate(a, b *types.WorkerInfo) bool {
	if a.GPU.TotalMemory != b.GPU.TotalMemory {
		return a.GPU.TotalMemory > b.GPU.TotalMemory
	}
	if a.GPU.FreeMemory != b.GPU.FreeMemory {
		return a.GPU.FreeMemory > b.GPU.FreeMemory
	}
	return a.ID < b.ID
}

func cloneWorker(w *types.WorkerInfo) *types.WorkerInfo {
	c := *w
	c.LoadedModels = append([]string(nil), w.LoadedModels...)
	c.Capabilities = cloneCapabilities(w.Capabilities)
	return &c
}

func cloneCapabilities(caps types.Capabilities) types.Capabilities {
	c := caps
	c.SupportedModels = append([]string(nil), caps.SupportedModels...)
	c.ModelCIDs = cloneCIDs(caps.ModelCIDs)
	return c
}

func cloneCIDs(cids map[string]string) map[string]string {
	if cids == nil {
		return nil
	}
	out := make(map[string]string, len(cids))
	for k, v := range cids {
		out[k] = v
	}
	return out
}
