package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gpumesh/gpumesh/pkg/types"
)

// Lifecycle phases of the worker process
const (
	PhaseInit    = "INIT"
	PhaseUp      = "UP"
	PhaseStopped = "STOPPED"
	PhaseFailed  = "FAILED"
)

// maxTrackedJobs bounds the inference job ring kept for the dashboard
const maxTrackedJobs = 20

// JobStatus represents the state of a tracked inference job
type JobStatus string

const (
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// InferenceJob tracks a single prediction handled by this worker
type InferenceJob struct {
	ID        string
	Model     string
	Summary   string // prompt or image URL, truncated for display
	Status    JobStatus
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

// WorkerState holds the worker's mutable runtime state. Heartbeats read it
// under a bounded lock; the HTTP handlers and the executor write it.
type WorkerState struct {
	mu sync.RWMutex

	// Identity
	WorkerID       string
	Endpoint       string
	Port           int
	CoordinatorURL string

	// Lifecycle phase (INIT, UP, STOPPED, FAILED)
	Phase string

	// Serving status carried in heartbeats
	Status types.WorkerStatus

	// Model bookkeeping, mirrored from the executor
	LoadedModels []string
	ModelCIDs    map[string]string

	// Hardware
	GPU types.GPUInfo

	// Host metrics for the dashboard
	CPUPercent    float64
	MemoryPercent float64
	DiskFreeBytes uint64

	// Timing
	StartTime       time.Time
	LastHeartbeat   time.Time
	HeartbeatStatus string // ok, failed

	// Inference jobs (newest first, capped at maxTrackedJobs)
	Jobs        []InferenceJob
	RunningJobs int
	TotalJobs   int

	// Logs (ring buffer for the dashboard)
	Logs    []string
	MaxLogs int

	// Last successful snapshot, served when the lock is contended
	lastSnap atomic.Value
}

// WorkerSnapshot is a copy-safe view of WorkerState
type WorkerSnapshot struct {
	WorkerID        string
	Endpoint        string
	Port            int
	CoordinatorURL  string
	Phase           string
	Status          types.WorkerStatus
	LoadedModels    []string
	ModelCIDs       map[string]string
	GPU             types.GPUInfo
	CPUPercent      float64
	MemoryPercent   float64
	DiskFreeBytes   uint64
	StartTime       time.Time
	LastHeartbeat   time.Time
	HeartbeatStatus string
	Jobs            []InferenceJob
	RunningJobs     int
	TotalJobs       int
	Logs            []string
}

// Uptime returns the worker uptime
func (s WorkerSnapshot) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// TimeSinceHeartbeat returns time since the last heartbeat attempt
func (s WorkerSnapshot) TimeSinceHeartbeat() time.Duration {
	if s.LastHeartbeat.IsZero() {
		return 0
	}
	return time.Since(s.LastHeartbeat)
}

// NewWorkerState creates the initial worker state
func NewWorkerState(workerID, endpoint string, port int, coordinatorURL string) *WorkerState {
	return &WorkerState{
		WorkerID:       workerID,
		Endpoint:       endpoint,
		Port:           port,
		CoordinatorURL: coordinatorURL,
		Phase:          PhaseInit,
		Status:         types.WorkerStatusOnline,
		LoadedModels:   make([]string, 0),
		ModelCIDs:      make(map[string]string),
		StartTime:      time.Now(),
		Jobs:           make([]InferenceJob, 0),
		Logs:           make([]string, 0),
		MaxLogs:        10,
	}
}

// SetPhase updates the lifecycle phase
func (s *WorkerState) SetPhase(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Phase = phase
}

// GetPhase returns the current lifecycle phase
func (s *WorkerState) GetPhase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Phase
}

// SetModels replaces the loaded model bookkeeping
func (s *WorkerState) SetModels(loaded []string, cids map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LoadedModels = make([]string, len(loaded))
	copy(s.LoadedModels, loaded)
	s.ModelCIDs = make(map[string]string, len(cids))
	for k, v := range cids {
		s.ModelCIDs[k] = v
	}
}

// UpdateGPU records the latest GPU probe
func (s *WorkerState) UpdateGPU(info types.GPUInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GPU = info
}

// UpdateHostMetrics updates CPU/memory/disk metrics for the dashboard
func (s *WorkerState) UpdateHostMetrics(cpu, memory float64, diskFree uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CPUPercent = cpu
	s.MemoryPercent = memory
	s.DiskFreeBytes = diskFree
}

// UpdateHeartbeat records a heartbeat result
func (s *WorkerState) UpdateHeartbeat(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastHeartbeat = time.Now()
	if success {
		s.HeartbeatStatus = "ok"
	} else {
		s.HeartbeatStatus = "failed"
	}
}

// RecordHeartbeat stores a heartbeat result without queueing behind a
// contended lock; the write is dropped when the lock stays busy past the
// timeout. A nil gpu leaves the stored probe untouched.
func (s *WorkerState) RecordHeartbeat(success bool, gpu *types.GPUInfo, timeout time.Duration) bool {
	if !s.tryLockWithin(timeout) {
		return false
	}
	defer s.mu.Unlock()

	s.LastHeartbeat = time.Now()
	if success {
		s.HeartbeatStatus = "ok"
	} else {
		s.HeartbeatStatus = "failed"
	}
	if gpu != nil {
		s.GPU = *gpu
	}
	return true
}

// tryLockWithin polls for the write lock until the deadline
func (s *WorkerState) tryLockWithin(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if s.mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// BeginJob marks the worker busy and tracks a new running job
func (s *WorkerState) BeginJob(job InferenceJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Status = types.WorkerStatusBusy

	job.Status = JobStatusRunning
	if job.StartTime.IsZero() {
		job.StartTime = time.Now()
	}

	s.Jobs = append([]InferenceJob{job}, s.Jobs...)
	if len(s.Jobs) > maxTrackedJobs {
		s.Jobs = s.Jobs[:maxTrackedJobs]
	}

	s.TotalJobs++
	s.updateJobCounts()
}

// FinishJob completes a tracked job and returns the worker to online
func (s *WorkerState) FinishJob(id string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Status = types.WorkerStatusOnline

	for i := range s.Jobs {
		if s.Jobs[i].ID != id {
			continue
		}
		s.Jobs[i].EndTime = time.Now()
		s.Jobs[i].Duration = s.Jobs[i].EndTime.Sub(s.Jobs[i].StartTime)
		if success {
			s.Jobs[i].Status = JobStatusCompleted
		} else {
			s.Jobs[i].Status = JobStatusFailed
		}
		break
	}

	s.updateJobCounts()
}

func (s *WorkerState) updateJobCounts() {
	running := 0
	for _, job := range s.Jobs {
		if job.Status == JobStatusRunning {
			running++
		}
	}
	s.RunningJobs = running
}

// GetJobs returns a copy of the tracked jobs
func (s *WorkerState) GetJobs() []InferenceJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]InferenceJob, len(s.Jobs))
	copy(jobs, s.Jobs)
	return jobs
}

// AddLog adds a log entry to the ring buffer
func (s *WorkerState) AddLog(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	entry := timestamp + " " + msg
	if len(entry) > 70 {
		entry = entry[:67] + "..."
	}

	s.Logs = append(s.Logs, entry)
	if s.MaxLogs > 0 && len(s.Logs) > s.MaxLogs {
		s.Logs = s.Logs[len(s.Logs)-s.MaxLogs:]
	} else if s.MaxLogs == 0 {
		s.Logs = nil
	}
}

// Snapshot returns a full copy of the state, blocking until the lock is free
func (s *WorkerState) Snapshot() WorkerSnapshot {
	s.mu.RLock()
	snap := s.snapshotLocked()
	s.mu.RUnlock()

	s.lastSnap.Store(snap)
	return snap
}

// SnapshotWithin tries to snapshot the state within timeout. When the lock
// stays contended past the deadline it returns the last successful snapshot
// and false, so heartbeats can proceed with slightly stale values instead
// of blocking behind a long inference.
func (s *WorkerState) SnapshotWithin(timeout time.Duration) (WorkerSnapshot, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if s.mu.TryRLock() {
			snap := s.snapshotLocked()
			s.mu.RUnlock()
			s.lastSnap.Store(snap)
			return snap, true
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if v := s.lastSnap.Load(); v != nil {
		return v.(WorkerSnapshot), false
	}
	return WorkerSnapshot{WorkerID: s.WorkerID, Endpoint: s.Endpoint}, false
}

// snapshotLocked builds a deep copy; callers hold at least a read lock
func (s *WorkerState) snapshotLocked() WorkerSnapshot {
	snap := WorkerSnapshot{
		WorkerID:        s.WorkerID,
		Endpoint:        s.Endpoint,
		Port:            s.Port,
		CoordinatorURL:  s.CoordinatorURL,
		Phase:           s.Phase,
		Status:          s.Status,
		GPU:             s.GPU,
		CPUPercent:      s.CPUPercent,
		MemoryPercent:   s.MemoryPercent,
		DiskFreeBytes:   s.DiskFreeBytes,
		StartTime:       s.StartTime,
		LastHeartbeat:   s.LastHeartbeat,
		HeartbeatStatus: s.HeartbeatStatus,
		RunningJobs:     s.RunningJobs,
		TotalJobs:       s.TotalJobs,
	}

	snap.LoadedModels = make([]string, len(s.LoadedModels))
	copy(snap.LoadedModels, s.LoadedModels)

	snap.ModelCIDs = make(map[string]string, len(s.ModelCIDs))
	for k, v := range s.ModelCIDs {
		snap.ModelCIDs[k] = v
	}

	snap.Jobs = make([]InferenceJob, len(s.Jobs))
	copy(snap.Jobs, s.Jobs)

	snap.Logs = make([]string, len(s.Logs))
	copy(snap.Logs, s.Logs)

	return snap
}
