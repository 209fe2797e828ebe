package agent

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gpumesh/gpumesh/pkg/types"
)

// coordinatorStub captures heartbeat and registration traffic
type coordinatorStub struct {
	mu            sync.Mutex
	heartbeats    []types.HeartbeatUpdate
	registrations int32
	heartbeatBody types.ServerResponse
}

func newCoordinatorStub(t *testing.T) (*coordinatorStub, *httptest.Server) {
	t.Helper()
	stub := &coordinatorStub{
		heartbeatBody: types.ServerResponse{Status: "success", Message: "client updated successfully"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/heartbeat/", func(w http.ResponseWriter, r *http.Request) {
		var update types.HeartbeatUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		stub.mu.Lock()
		stub.heartbeats = append(stub.heartbeats, update)
		body := stub.heartbeatBody
		stub.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&stub.registrations, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.ServerResponse{Status: "success", Message: "client registered successfully"})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return stub, ts
}

func (s *coordinatorStub) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heartbeats)
}

func (s *coordinatorStub) lastHeartbeat() (types.HeartbeatUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heartbeats) == 0 {
		return types.HeartbeatUpdate{}, false
	}
	return s.heartbeats[len(s.heartbeats)-1], true
}

func (s *coordinatorStub) setHeartbeatBody(body types.ServerResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatBody = body
}

// workerConfigFor points a worker config at a stub coordinator URL
func workerConfigFor(t *testing.T, coordinatorURL string) *WorkerConfig {
	t.Helper()
	u, err := url.Parse(coordinatorURL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	return &WorkerConfig{
		WorkerID:            uuid.NewString(),
		CoordinatorHost:     host,
		CoordinatorPort:     port,
		CoordinatorScheme:   "http",
		Host:                "127.0.0.1",
		Port:                8001,
		SupportedModels:     []string{"stable_diffusion", "covid_xray"},
		HeartbeatInterval:   20 * time.Millisecond,
		NetworkTimeout:      time.Second,
		RegistrationTimeout: time.Second,
		StateLockTimeout:    50 * time.Millisecond,
	}
}

func TestSendSingleHeartbeat(t *testing.T) {
	stub, ts := newCoordinatorStub(t)
	config := workerConfigFor(t, ts.URL)
	state := NewWorkerState(config.WorkerID, config.Endpoint(), config.Port, config.CoordinatorURL())
	state.SetModels([]string{"stable_diffusion"}, map[string]string{"stable_diffusion": "hf:sd"})

	if ok := SendSingleHeartbeat(context.Background(), config, state); !ok {
		t.Fatal("expected heartbeat to succeed")
	}

	update, ok := stub.lastHeartbeat()
	if !ok {
		t.Fatal("expected the coordinator to receive a heartbeat")
	}
	if update.ID != config.WorkerID {
		t.Errorf("expected heartbeat id '%s', got '%s'", config.WorkerID, update.ID)
	}
	if update.Endpoint != config.Endpoint() {
		t.Errorf("expected endpoint '%s', got '%s'", config.Endpoint(), update.Endpoint)
	}
	if update.Status != types.WorkerStatusOnline {
		t.Errorf("expected status 'online', got '%s'", update.Status)
	}
	if len(update.LoadedModels) != 1 || update.LoadedModels[0] != "stable_diffusion" {
		t.Errorf("expected loaded models in heartbeat, got %v", update.LoadedModels)
	}
	if update.ModelCIDs["stable_diffusion"] != "hf:sd" {
		t.Errorf("expected model CIDs in heartbeat, got %v", update.ModelCIDs)
	}
	if len(update.Capabilities.SupportedModels) != 2 {
		t.Errorf("expected supported models in heartbeat, got %v", update.Capabilities.SupportedModels)
	}
	if time.Since(update.LastHeartbeat) > time.Minute {
		t.Errorf("expected a recent last_heartbeat, got %v", update.LastHeartbeat)
	}

	if state.Snapshot().HeartbeatStatus != "ok" {
		t.Error("expected heartbeat status 'ok' after success")
	}
}

func TestHeartbeatLoopFirstBeatImmediate(t *testing.T) {
	stub, ts := newCoordinatorStub(t)
	config := workerConfigFor(t, ts.URL)
	config.HeartbeatInterval = time.Hour // only the immediate beat can arrive
	state := NewWorkerState(config.WorkerID, config.Endpoint(), config.Port, config.CoordinatorURL())

	loop := NewHeartbeatLoop(config, state, nil)
	loop.Start(context.Background())
	defer loop.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for stub.heartbeatCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected an immediate first heartbeat")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHeartbeatLoopTicks(t *testing.T) {
	stub, ts := newCoordinatorStub(t)
	config := workerConfigFor(t, ts.URL)
	state := NewWorkerState(config.WorkerID, config.Endpoint(), config.Port, config.CoordinatorURL())

	loop := NewHeartbeatLoop(config, state, nil)
	loop.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for stub.heartbeatCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 3 heartbeats, got %d", stub.heartbeatCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	loop.Stop()

	if !loop.IsHealthy() {
		t.Error("expected loop to be healthy after successful beats")
	}
}

func TestHeartbeatReregistersWhenUnknown(t *testing.T) {
	stub, ts := newCoordinatorStub(t)
	stub.setHeartbeatBody(types.ServerResponse{Status: "error", Message: "client not found"})

	config := workerConfigFor(t, ts.URL)
	state := NewWorkerState(config.WorkerID, config.Endpoint(), config.Port, config.CoordinatorURL())

	loop := NewHeartbeatLoop(config, state, nil)
	if ok := loop.sendHeartbeat(context.Background()); !ok {
		t.Error("expected heartbeat to recover via re-registration")
	}

	if got := atomic.LoadInt32(&stub.registrations); got != 1 {
		t.Errorf("expected 1 registration, got %d", got)
	}
	if !loop.IsHealthy() {
		t.Error("expected loop to stay healthy after re-registration")
	}
}

func TestHeartbeatOtherErrorCountsFailure(t *testing.T) {
	stub, ts := newCoordinatorStub(t)
	stub.setHeartbeatBody(types.ServerResponse{Status: "error", Message: "registry unavailable"})

	config := workerConfigFor(t, ts.URL)
	state := NewWorkerState(config.WorkerID, config.Endpoint(), config.Port, config.CoordinatorURL())

	loop := NewHeartbeatLoop(config, state, nil)
	if ok := loop.sendHeartbeat(context.Background()); ok {
		t.Error("expected heartbeat to fail on registry error")
	}
	if got := atomic.LoadInt32(&stub.registrations); got != 0 {
		t.Errorf("expected no registration for unrelated errors, got %d", got)
	}
	if state.Snapshot().HeartbeatStatus != "failed" {
		t.Error("expected heartbeat status 'failed'")
	}
}

func TestHeartbeatFailuresTurnUnhealthy(t *testing.T) {
	// A closed server leaves a port that refuses connections
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := ts.URL
	ts.Close()

	config := workerConfigFor(t, deadURL)
	state := NewWorkerState(config.WorkerID, config.Endpoint(), config.Port, config.CoordinatorURL())

	loop := NewHeartbeatLoop(config, state, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		loop.sendHeartbeat(ctx)
		if !loop.IsHealthy() {
			t.Fatalf("expected loop to stay healthy after %d failures", i+1)
		}
	}

	loop.sendHeartbeat(ctx)
	if loop.IsHealthy() {
		t.Error("expected loop to be unhealthy after 3 consecutive failures")
	}
}

func TestHeartbeatRecoveryResetsFailures(t *testing.T) {
	stub, ts := newCoordinatorStub(t)
	config := workerConfigFor(t, ts.URL)
	state := NewWorkerState(config.WorkerID, config.Endpoint(), config.Port, config.CoordinatorURL())

	loop := NewHeartbeatLoop(config, state, nil)
	atomic.StoreInt32(&loop.consecutiveFailures, 2)

	if ok := loop.sendHeartbeat(context.Background()); !ok {
		t.Fatal("expected heartbeat to succeed")
	}
	if atomic.LoadInt32(&loop.consecutiveFailures) != 0 {
		t.Error("expected failure counter to reset after success")
	}
	if stub.heartbeatCount() != 1 {
		t.Errorf("expected 1 heartbeat, got %d", stub.heartbeatCount())
	}
}

func TestHeartbeatUsesCachedSnapshotUnderContention(t *testing.T) {
	stub, ts := newCoordinatorStub(t)
	config := workerConfigFor(t, ts.URL)
	config.StateLockTimeout = 30 * time.Millisecond
	state := NewWorkerState(config.WorkerID, config.Endpoint(), config.Port, config.CoordinatorURL())
	state.SetModels([]string{"stable_diffusion"}, nil)
	state.Snapshot() // seed the cached snapshot

	state.mu.Lock()
	done := make(chan bool)
	go func() {
		done <- SendSingleHeartbeat(context.Background(), config, state)
	}()

	select {
	case ok := <-done:
		if !ok {
			t.Error("expected heartbeat to proceed with the cached snapshot")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("heartbeat blocked on a contended state lock")
	}
	state.mu.Unlock()

	update, ok := stub.lastHeartbeat()
	if !ok {
		t.Fatal("expected the coordinator to receive a heartbeat")
	}
	if len(update.LoadedModels) != 1 || update.LoadedModels[0] != "stable_diffusion" {
		t.Errorf("expected cached models in heartbeat, got %v", update.LoadedModels)
	}
}

func TestHeartbeatStopWaits(t *testing.T) {
	_, ts := newCoordinatorStub(t)
	config := workerConfigFor(t, ts.URL)
	state := NewWorkerState(config.WorkerID, config.Endpoint(), config.Port, config.CoordinatorURL())

	loop := NewHeartbeatLoop(config, state, nil)
	loop.Start(context.Background())

	doneCh := make(chan struct{})
	go func() {
		loop.Stop()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestRegisterWorkerSendsPayload(t *testing.T) {
	stub, ts := newCoordinatorStub(t)
	config := workerConfigFor(t, ts.URL)
	config.ModelCIDs = map[string]string{"stable_diffusion": "hf:runwayml/stable-diffusion-v1-5"}

	if err := RegisterWorker(context.Background(), config, nil); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	if got := atomic.LoadInt32(&stub.registrations); got != 1 {
		t.Errorf("expected 1 registration, got %d", got)
	}
}

func TestRegisterWorkerGivesUpOnBadRequest(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(types.ServerResponse{Status: "error", Message: "invalid worker info"})
	}))
	defer ts.Close()

	config := workerConfigFor(t, ts.URL)
	err := RegisterWorker(context.Background(), config, nil)
	if err == nil {
		t.Fatal("expected registration to fail on 400")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("expected no retries on 400, got %d attempts", got)
	}
}

func TestBuildWorkerInfoMergesConfiguredCIDs(t *testing.T) {
	config := workerConfigFor(t, "http://localhost:8000")
	config.ModelCIDs = map[string]string{
		"stable_diffusion": "hf:from-config",
		"covid_xray":       "hf:covid-model",
	}

	executor := newReadyExecutor(t)
	if err := executor.LoadModel(context.Background(), "hf:from-executor", types.ModelTypeStableDiffusion); err != nil {
		t.Fatal(err)
	}

	info := BuildWorkerInfo(config, executor)

	if info.ID != config.WorkerID {
		t.Errorf("expected worker id '%s', got '%s'", config.WorkerID, info.ID)
	}
	// Executor CIDs win for loaded models; config fills the rest
	if info.Capabilities.ModelCIDs["stable_diffusion"] != "hf:from-executor" {
		t.Errorf("expected executor CID to win, got '%s'", info.Capabilities.ModelCIDs["stable_diffusion"])
	}
	if info.Capabilities.ModelCIDs["covid_xray"] != "hf:covid-model" {
		t.Errorf("expected config CID for unloaded model, got '%s'", info.Capabilities.ModelCIDs["covid_xray"])
	}
	if len(info.LoadedModels) != 1 || info.LoadedModels[0] != "stable_diffusion" {
		t.Errorf("expected loaded models from executor, got %v", info.LoadedModels)
	}
	if info.Status != types.WorkerStatusOnline {
		t.Errorf("expected status 'online', got '%s'", info.Status)
	}
}
