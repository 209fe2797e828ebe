package agent

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gpumesh/gpumesh/pkg/types"
)

const AgentVersion = "0.1.0"

// Agent ties the worker together: the executor, the HTTP surface, the
// coordinator registration, and the heartbeat loop
type Agent struct {
	config    *WorkerConfig
	state     *WorkerState
	executor  ModelExecutor
	server    *WorkerServer
	heartbeat *HeartbeatLoop
	tui       *TUI
	useTUI    bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new worker agent (logs, no dashboard)
func New(config *WorkerConfig) *Agent {
	return NewWithTUI(config, false)
}

// NewWithTUI creates a new worker agent with optional dashboard
func NewWithTUI(config *WorkerConfig, useTUI bool) *Agent {
	ctx, cancel := context.WithCancel(context.Background())

	state := NewWorkerState(
		config.WorkerID,
		config.Endpoint(),
		config.Port,
		config.CoordinatorURL(),
	)

	var tui *TUI
	if useTUI {
		tui = NewTUI()
	}

	return &Agent{
		config:   config,
		state:    state,
		executor: NewLocalExecutor(),
		tui:      tui,
		useTUI:   useTUI,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetExecutor swaps the model runtime; call before Run
func (a *Agent) SetExecutor(executor ModelExecutor) {
	a.executor = executor
}

// State exposes the worker state
func (a *Agent) State() *WorkerState {
	return a.state
}

// Run starts the worker lifecycle
func (a *Agent) Run() error {
	if a.useTUI {
		return a.runWithTUI()
	}
	return a.runWithLogs()
}

// runWithLogs runs the worker with traditional log output
func (a *Agent) runWithLogs() error {
	log.Info().
		Str("version", AgentVersion).
		Str("worker_id", a.config.WorkerID).
		Str("coordinator", a.config.CoordinatorURL()).
		Str("endpoint", a.config.Endpoint()).
		Bool("debug", a.config.Debug).
		Msg("GPUMesh worker starting")

	if err := a.config.Validate(); err != nil {
		a.state.SetPhase(PhaseFailed)
		return err
	}

	a.setupSignalHandlers()

	if err := a.bootstrap(); err != nil {
		a.state.SetPhase(PhaseFailed)
		return err
	}

	a.state.SetPhase(PhaseUp)
	log.Info().Msg("Worker up")

	a.heartbeat = NewHeartbeatLoop(a.config, a.state, a.executor)
	a.heartbeat.Start(a.ctx)

	return a.monitorHealth()
}

// runWithTUI runs the worker with the dashboard
func (a *Agent) runWithTUI() error {
	// The dashboard owns the terminal, so routine logging is silenced
	// while it is on screen
	prevLevel := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	defer zerolog.SetGlobalLevel(prevLevel)

	a.tui.EnterFullScreen()

	if err := a.config.Validate(); err != nil {
		a.state.SetPhase(PhaseFailed)
		return err
	}

	a.setupSignalHandlers()

	a.renderTUI()
	if err := a.bootstrap(); err != nil {
		a.state.SetPhase(PhaseFailed)
		a.renderTUI()
		return err
	}

	a.state.SetPhase(PhaseUp)
	a.renderTUI()

	a.heartbeat = NewHeartbeatLoop(a.config, a.state, a.executor)
	a.heartbeat.Start(a.ctx)

	return a.tuiLoop()
}

// bootstrap initializes the executor, preloads configured models, starts
// the HTTP surface, registers with the coordinator, and persists the
// worker identity
func (a *Agent) bootstrap() error {
	if err := a.executor.Initialize(a.ctx); err != nil {
		return err
	}

	for model, cid := range a.config.ModelCIDs {
		if err := a.executor.LoadModel(a.ctx, cid, types.ModelType(model)); err != nil {
			log.Warn().Err(err).Str("model", model).Msg("Failed to preload model")
			a.state.AddLog("Preload failed: " + model)
		}
	}
	a.state.SetModels(a.executor.LoadedModels(), a.executor.ModelCIDs())
	a.state.UpdateGPU(ProbeGPU())

	// The advertised endpoint has to answer before the registry hands
	// out this worker, so the server starts ahead of registration
	a.server = NewWorkerServer(a.state, a.executor, a.config.Port)
	if err := a.server.Start(); err != nil {
		return err
	}

	if err := RegisterWorker(a.ctx, a.config, a.executor); err != nil {
		return err
	}

	if err := SaveConfigFile(NewConfigFileFromWorkerConfig(a.config)); err != nil {
		log.Warn().Err(err).Msg("Failed to persist worker config")
	}

	return nil
}

// tuiLoop renders the dashboard periodically
func (a *Agent) tuiLoop() error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return nil
		case <-ticker.C:
			metrics := CollectHostMetrics()
			a.state.UpdateHostMetrics(metrics.CPUPercent, metrics.MemoryPercent, metrics.DiskFreeBytes)
			a.renderTUI()

			if a.heartbeat != nil && !a.heartbeat.IsHealthy() {
				return &ErrHeartbeatFailed{
					StatusCode: 0,
					Body:       "too many consecutive failures",
				}
			}
		}
	}
}

// renderTUI renders the current state to the terminal
func (a *Agent) renderTUI() {
	if a.tui == nil {
		return
	}

	a.tui.MoveCursorHome()
	output := a.tui.Render(a.state.Snapshot())
	os.Stdout.WriteString(output)
	a.tui.ClearToEnd()
}

func (a *Agent) setupSignalHandlers() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		if !a.useTUI {
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		}
		a.Shutdown()
	}()
}

func (a *Agent) monitorHealth() error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			log.Info().Msg("Worker context cancelled")
			return nil
		case <-ticker.C:
			if !a.heartbeat.IsHealthy() {
				log.Error().Msg("Heartbeat loop unhealthy (too many consecutive failures), exiting...")
				return &ErrHeartbeatFailed{
					StatusCode: 0,
					Body:       "too many consecutive failures",
				}
			}
		}
	}
}

// Shutdown gracefully stops the worker
func (a *Agent) Shutdown() {
	if !a.useTUI {
		log.Info().Msg("Shutting down worker...")
	}

	if a.heartbeat != nil {
		a.heartbeat.Stop()
	}
	if a.server != nil {
		a.server.Stop()
	}
	a.cancel()

	if a.state.GetPhase() != PhaseFailed {
		a.state.SetPhase(PhaseStopped)
	}

	if a.useTUI && a.tui != nil {
		a.tui.ExitFullScreen()
	}

	if !a.useTUI {
		log.Info().Msg("Worker shutdown complete")
	}
}
