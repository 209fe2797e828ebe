package coordinator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gpumesh/gpumesh/pkg/types"
)

func testWorker(id string, totalMemory, freeMemory float64) *types.WorkerInfo {
	return &types.WorkerInfo{
		ID:       id,
		Endpoint: "http://10.0.0.1:8000",
		Port:     8000,
		GPU: types.GPUInfo{
			DeviceName:        "NVIDIA GeForce RTX 4090",
			TotalMemory:       totalMemory,
			AllocatedMemory:   totalMemory - freeMemory,
			FreeMemory:        freeMemory,
			CUDAVersion:       "12.4",
			ComputeCapability: "8.9",
		},
		Capabilities: types.Capabilities{
			SupportedModels: []string{"stable_diffusion", "covid_xray"},
			ModelCIDs:       map[string]string{"stable_diffusion": "cid-sd"},
			GPUAvailable:    true,
		},
		LoadedModels:  []string{},
		Status:        types.WorkerStatusOnline,
		LastHeartbeat: time.Now(),
	}
}

func TestRegisterAndListActive(t *testing.T) {
	registry := NewWorkerRegistry()

	registry.RegisterWorker(testWorker("w1", 16384, 12000))
	registry.RegisterWorker(testWorker("w2", 8192, 8000))

	active := registry.ListActiveWorkers()
	if len(active) != 2 {
		t.Fatalf("expected 2 active workers, got %d", len(active))
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	registry := NewWorkerRegistry()

	registry.RegisterWorker(testWorker("w1", 16384, 12000))

	replacement := testWorker("w1", 16384, 12000)
	replacement.Endpoint = "http://10.0.0.2:9000"
	registry.RegisterWorker(replacement)

	active := registry.ListActiveWorkers()
	if len(active) != 1 {
		t.Fatalf("expected 1 worker after re-registration, got %d", len(active))
	}
	if active[0].Endpoint != "http://10.0.0.2:9000" {
		t.Errorf("expected replaced endpoint, got %s", active[0].Endpoint)
	}
}

func TestRegisterKeepsOwnCopy(t *testing.T) {
	registry := NewWorkerRegistry()

	info := testWorker("w1", 16384, 12000)
	registry.RegisterWorker(info)

	// Mutating the caller's struct must not reach the registry
	info.Status = types.WorkerStatusError
	info.LoadedModels = append(info.LoadedModels, "stable_diffusion")

	stored, err := registry.GetWorker("w1")
	if err != nil {
		t.Fatalf("expected worker, got error: %v", err)
	}
	if stored.Status != types.WorkerStatusOnline {
		t.Errorf("expected stored status online, got %s", stored.Status)
	}
	if len(stored.LoadedModels) != 0 {
		t.Errorf("expected stored loaded models untouched, got %v", stored.LoadedModels)
	}
}

func TestUpdateWorkerUnknownID(t *testing.T) {
	registry := NewWorkerRegistry()

	_, err := registry.UpdateWorker("ghost", &types.HeartbeatUpdate{ID: "ghost"})
	if err != ErrWorkerNotFound {
		t.Errorf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestUpdateWorkerAppliesHeartbeat(t *testing.T) {
	registry := NewWorkerRegistry()
	registry.RegisterWorker(testWorker("w1", 16384, 12000))

	now := time.Now()
	updated, err := registry.UpdateWorker("w1", &types.HeartbeatUpdate{
		ID:            "w1",
		LoadedModels:  []string{"stable_diffusion"},
		Status:        types.WorkerStatusBusy,
		LastHeartbeat: now,
		Capabilities: types.Capabilities{
			SupportedModels: []string{"stable_diffusion"},
			GPUAvailable:    true,
		},
		GPU: types.GPUInfo{DeviceName: "NVIDIA A100", TotalMemory: 40960, FreeMemory: 30000},
	})
	if err != nil {
		t.Fatalf("expected update to succeed, got %v", err)
	}

	if updated.Status != types.WorkerStatusBusy {
		t.Errorf("expected status busy, got %s", updated.Status)
	}
	if !updated.LastHeartbeat.Equal(now) {
		t.Errorf("expected last heartbeat %v, got %v", now, updated.LastHeartbeat)
	}
	if updated.GPU.DeviceName != "NVIDIA A100" {
		t.Errorf("expected GPU snapshot applied, got %s", updated.GPU.DeviceName)
	}
	if len(updated.LoadedModels) != 1 || updated.LoadedModels[0] != "stable_diffusion" {
		t.Errorf("expected loaded models [stable_diffusion], got %v", updated.LoadedModels)
	}

	// Endpoint was omitted from the update and must survive
	if updated.Endpoint != "http://10.0.0.1:8000" {
		t.Errorf("expected endpoint preserved, got %s", updated.Endpoint)
	}
}

func TestUpdateWorkerOverridesEndpointWhenSent(t *testing.T) {
	registry := NewWorkerRegistry()
	registry.RegisterWorker(testWorker("w1", 16384, 12000))

	_, err := registry.UpdateWorker("w1", &types.HeartbeatUpdate{
		ID:            "w1",
		Status:        types.WorkerStatusOnline,
		LastHeartbeat: time.Now(),
		Endpoint:      "http://10.9.9.9:7000",
	})
	if err != nil {
		t.Fatalf("expected update to succeed, got %v", err)
	}

	stored, err := registry.GetWorker("w1")
	if err != nil {
		t.Fatalf("expected worker, got error: %v", err)
	}
	if stored.Endpoint != "http://10.9.9.9:7000" {
		t.Errorf("expected endpoint replaced, got %s", stored.Endpoint)
	}
}

func TestSelectPrefersLargerGPU(t *testing.T) {
	registry := NewWorkerRegistry()
	registry.RegisterWorker(testWorker("w1", 4096, 4000))
	registry.RegisterWorker(testWorker("w2", 12288, 10000))

	// W1 is below the stable_diffusion VRAM floor; W2 must win every time
	for i := 0; i < 10; i++ {
		selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion)
		if selected == nil {
			t.Fatal("expected a worker to be selected")
		}
		if selected.ID != "w2" {
			t.Fatalf("expected w2, got %s", selected.ID)
		}
	}
}

func TestSelectVRAMBoundary(t *testing.T) {
	registry := NewWorkerRegistry()

	registry.RegisterWorker(testWorker("small", 8191, 8000))
	if selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion); selected != nil {
		t.Errorf("expected 8191 MiB worker to be ineligible, got %s", selected.ID)
	}

	registry.RegisterWorker(testWorker("exact", 8192, 8000))
	selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion)
	if selected == nil {
		t.Fatal("expected 8192 MiB worker to be eligible")
	}
	if selected.ID != "exact" {
		t.Errorf("expected worker 'exact', got %s", selected.ID)
	}
}

func TestSelectNeverPicksCPUOnly(t *testing.T) {
	registry := NewWorkerRegistry()

	cpuOnly := testWorker("cpu", 0, 0)
	cpuOnly.GPU.DeviceName = "CPU"
	cpuOnly.Capabilities.GPUAvailable = false
	registry.RegisterWorker(cpuOnly)

	// Zero total memory fails selection even for models with no VRAM floor
	if selected := registry.SelectWorkerForModel(types.ModelTypeCovidXRay); selected != nil {
		t.Errorf("expected no selection for CPU-only worker, got %s", selected.ID)
	}
	if selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion); selected != nil {
		t.Errorf("expected no selection for CPU-only worker, got %s", selected.ID)
	}
}

func TestSelectSkipsBusyAndErrorWorkers(t *testing.T) {
	registry := NewWorkerRegistry()

	busy := testWorker("busy", 16384, 12000)
	busy.Status = types.WorkerStatusBusy
	registry.RegisterWorker(busy)

	errored := testWorker("errored", 16384, 12000)
	errored.Status = types.WorkerStatusError
	registry.RegisterWorker(errored)

	if selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion); selected != nil {
		t.Errorf("expected no eligible worker, got %s", selected.ID)
	}

	// Ineligible is not evicted: both records are still live
	active := registry.ListActiveWorkers()
	if len(active) != 2 {
		t.Errorf("expected 2 live records after failed selection, got %d", len(active))
	}
}

func TestSelectLoadedModelBypassesVRAMFloor(t *testing.T) {
	registry := NewWorkerRegistry()

	warm := testWorker("warm", 4096, 2000)
	warm.LoadedModels = []string{"stable_diffusion"}
	registry.RegisterWorker(warm)

	selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion)
	if selected == nil {
		t.Fatal("expected worker holding the model to be eligible below the VRAM floor")
	}
	if selected.ID != "warm" {
		t.Errorf("expected worker 'warm', got %s", selected.ID)
	}
}

func TestSelectEvictsStaleRecords(t *testing.T) {
	registry := NewWorkerRegistry()
	registry.LivenessWindow = time.Hour

	stale := testWorker("stale", 16384, 12000)
	stale.LastHeartbeat = time.Now().Add(-time.Hour)
	registry.RegisterWorker(stale)

	fresh := testWorker("fresh", 8192, 8000)
	registry.RegisterWorker(fresh)

	selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion)
	if selected == nil {
		t.Fatal("expected the fresh worker to be selected")
	}
	if selected.ID != "fresh" {
		t.Errorf("expected worker 'fresh', got %s", selected.ID)
	}

	stats := registry.Stats()
	if stats["total_workers"] != 1 {
		t.Errorf("expected stale record evicted during selection, total_workers = %v", stats["total_workers"])
	}
}

func TestSelectEvictsAtExactWindow(t *testing.T) {
	registry := NewWorkerRegistry()
	registry.LivenessWindow = time.Hour

	// Aged exactly to the window boundary: evicted
	boundary := testWorker("boundary", 16384, 12000)
	boundary.LastHeartbeat = time.Now().Add(-time.Hour)
	registry.RegisterWorker(boundary)

	if selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion); selected != nil {
		t.Errorf("expected boundary-aged worker evicted, got %s", selected.ID)
	}

	// Strictly inside the window: retained
	inside := testWorker("inside", 16384, 12000)
	inside.LastHeartbeat = time.Now().Add(-time.Minute)
	registry.RegisterWorker(inside)

	selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion)
	if selected == nil {
		t.Fatal("expected worker inside the window to be retained")
	}
	if selected.ID != "inside" {
		t.Errorf("expected worker 'inside', got %s", selected.ID)
	}
}

func TestSelectTieBreaksByID(t *testing.T) {
	registry := NewWorkerRegistry()

	// Identical GPUs; the lexicographically smaller id must win in
	// either registration order
	registry.RegisterWorker(testWorker("bbb", 16384, 12000))
	registry.RegisterWorker(testWorker("aaa", 16384, 12000))

	selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion)
	if selected == nil {
		t.Fatal("expected a worker to be selected")
	}
	if selected.ID != "aaa" {
		t.Errorf("expected deterministic tie break on id 'aaa', got %s", selected.ID)
	}
}

func TestSelectRanksByFreeMemoryOnEqualTotal(t *testing.T) {
	registry := NewWorkerRegistry()

	crowded := testWorker("crowded", 16384, 2000)
	registry.RegisterWorker(crowded)
	idle := testWorker("idle", 16384, 15000)
	registry.RegisterWorker(idle)

	selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion)
	if selected == nil {
		t.Fatal("expected a worker to be selected")
	}
	if selected.ID != "idle" {
		t.Errorf("expected the worker with more free memory, got %s", selected.ID)
	}
}

func TestSelectSpeculativeLoad(t *testing.T) {
	registry := NewWorkerRegistry()
	registry.RegisterWorker(testWorker("w1", 16384, 12000))

	selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion)
	if selected == nil {
		t.Fatal("expected a worker to be selected")
	}
	if !selected.HasModel("stable_diffusion") {
		t.Error("expected returned copy to list the model speculatively")
	}

	stored, err := registry.GetWorker("w1")
	if err != nil {
		t.Fatalf("expected worker, got error: %v", err)
	}
	if !stored.HasModel("stable_diffusion") {
		t.Error("expected stored record to list the model speculatively")
	}

	// The next heartbeat is authoritative and clears the speculation
	_, err = registry.UpdateWorker("w1", &types.HeartbeatUpdate{
		ID:            "w1",
		LoadedModels:  []string{},
		Status:        types.WorkerStatusOnline,
		LastHeartbeat: time.Now(),
		Capabilities:  stored.Capabilities,
		GPU:           stored.GPU,
	})
	if err != nil {
		t.Fatalf("expected heartbeat to succeed, got %v", err)
	}

	stored, err = registry.GetWorker("w1")
	if err != nil {
		t.Fatalf("expected worker, got error: %v", err)
	}
	if stored.HasModel("stable_diffusion") {
		t.Error("expected heartbeat to overwrite speculative load")
	}
}

func TestSelectDoesNotDuplicateLoadedModel(t *testing.T) {
	registry := NewWorkerRegistry()
	registry.RegisterWorker(testWorker("w1", 16384, 12000))

	registry.SelectWorkerForModel(types.ModelTypeStableDiffusion)
	registry.SelectWorkerForModel(types.ModelTypeStableDiffusion)

	stored, err := registry.GetWorker("w1")
	if err != nil {
		t.Fatalf("expected worker, got error: %v", err)
	}
	count := 0
	for _, m := range stored.LoadedModels {
		if m == "stable_diffusion" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one loaded_models entry, got %d", count)
	}
}

func TestSelectReturnsCopy(t *testing.T) {
	registry := NewWorkerRegistry()
	registry.RegisterWorker(testWorker("w1", 16384, 12000))

	selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion)
	if selected == nil {
		t.Fatal("expected a worker to be selected")
	}

	selected.Status = types.WorkerStatusOffline
	selected.LoadedModels[0] = "mutated"

	stored, err := registry.GetWorker("w1")
	if err != nil {
		t.Fatalf("expected worker, got error: %v", err)
	}
	if stored.Status != types.WorkerStatusOnline {
		t.Errorf("expected stored status online, got %s", stored.Status)
	}
	if stored.LoadedModels[0] != "stable_diffusion" {
		t.Errorf("expected stored loaded models untouched, got %v", stored.LoadedModels)
	}
}

func TestCleanupStaleWorkers(t *testing.T) {
	registry := NewWorkerRegistry()
	registry.LivenessWindow = time.Hour

	stale := testWorker("stale", 16384, 12000)
	stale.LastHeartbeat = time.Now().Add(-2 * time.Hour)
	registry.RegisterWorker(stale)
	registry.RegisterWorker(testWorker("fresh", 8192, 8000))

	removed := registry.CleanupStaleWorkers()
	if removed != 1 {
		t.Errorf("expected 1 eviction, got %d", removed)
	}

	// Liveness is monotone after a sweep: everything left is inside the window
	stats := registry.Stats()
	if stats["total_workers"] != stats["active_workers"] {
		t.Errorf("expected all survivors live, total=%v active=%v",
			stats["total_workers"], stats["active_workers"])
	}
}

func TestGetWorkerStaleIsNotFound(t *testing.T) {
	registry := NewWorkerRegistry()
	registry.LivenessWindow = time.Hour

	stale := testWorker("stale", 16384, 12000)
	stale.LastHeartbeat = time.Now().Add(-2 * time.Hour)
	registry.RegisterWorker(stale)

	if _, err := registry.GetWorker("stale"); err != ErrWorkerNotFound {
		t.Errorf("expected ErrWorkerNotFound for stale worker, got %v", err)
	}

	// Read path does not evict
	stats := registry.Stats()
	if stats["total_workers"] != 1 {
		t.Errorf("expected record retained by read path, total_workers = %v", stats["total_workers"])
	}
}

func TestRemoveWorker(t *testing.T) {
	registry := NewWorkerRegistry()
	registry.RegisterWorker(testWorker("w1", 16384, 12000))

	if err := registry.RemoveWorker("w1"); err != nil {
		t.Errorf("expected removal to succeed, got %v", err)
	}
	if err := registry.RemoveWorker("w1"); err != ErrWorkerNotFound {
		t.Errorf("expected ErrWorkerNotFound on double removal, got %v", err)
	}
}

func TestConcurrentRegistryAccess(t *testing.T) {
	registry := NewWorkerRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("w%d", n)
			for j := 0; j < 50; j++ {
				registry.RegisterWorker(testWorker(id, 16384, 12000))
				registry.UpdateWorker(id, &types.HeartbeatUpdate{
					ID:            id,
					LoadedModels:  []string{"stable_diffusion"},
					Status:        types.WorkerStatusOnline,
					LastHeartbeat: time.Now(),
					GPU:           types.GPUInfo{TotalMemory: 16384, FreeMemory: 12000},
				})
				if selected := registry.SelectWorkerForModel(types.ModelTypeStableDiffusion); selected != nil {
					if selected.Status != types.WorkerStatusOnline {
						t.Errorf("selected worker not online: %s", selected.Status)
					}
					if selected.GPU.TotalMemory <= 0 {
						t.Errorf("selected worker has no GPU memory: %v", selected.GPU.TotalMemory)
					}
				}
				registry.ListActiveWorkers()
			}
		}(i)
	}
	wg.Wait()

	stats := registry.Stats()
	if stats["total_workers"] != 8 {
		t.Errorf("expected 8 workers after concurrent churn, got %v", stats["total_workers"])
	}
}
