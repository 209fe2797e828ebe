package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/sentry-go"

	"github.com/gpumesh/gpumesh/pkg/agent"
)

var version = agent.AgentVersion

func main() {
	// Flags override the persisted config file and the environment.
	// Empty/zero defaults mean "not set".
	coordinatorHost := flag.String("coordinator-host", "", "Coordinator host (default localhost)")
	coordinatorPort := flag.Int("coordinator-port", 0, "Coordinator HTTP port (default 8000)")
	host := flag.String("host", "", "Advertised worker host (default: private IP)")
	port := flag.Int("port", 0, "Worker HTTP port (default 8001)")
	workerID := flag.String("id", "", "Worker UUID (auto-generated and persisted if not provided)")
	models := flag.String("models", "", "Comma-separated list of supported models")
	modelCIDs := flag.String("model-cids", "", "Model weights as model=cid pairs, comma-separated")
	heartbeatInterval := flag.Int("heartbeat-interval", 0, "Heartbeat interval in seconds (default 1)")
	useTUI := flag.Bool("tui", false, "Show the terminal dashboard instead of logs")
	once := flag.Bool("once", false, "Register and send a single heartbeat, then exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Printf("gpumesh-worker version %s\n", version)
		return
	}

	// Initialize Sentry
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn: dsn,
		})
		if err != nil {
			log.Error().Err(err).Msg("sentry.Init failed")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if raw := os.Getenv("GPUMESH_LOG_LEVEL"); raw != "" {
		parsed, err := zerolog.ParseLevel(raw)
		if err != nil {
			log.Warn().Str("level", raw).Msg("Unknown GPUMESH_LOG_LEVEL, using info")
		} else {
			level = parsed
		}
	}
	if *debug || getEnvBool("GPUMESH_DEBUG") {
		level = zerolog.DebugLevel
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(level)

	config := buildConfig(*coordinatorHost, *coordinatorPort, *host, *port,
		*workerID, *models, *modelCIDs, *heartbeatInterval, *debug)

	// Generate and persist an identity on first run
	if config.WorkerID == "" {
		config.WorkerID = agent.GenerateWorkerID()
		log.Info().Str("worker_id", config.WorkerID).Msg("Generated worker id")
	}

	if *once {
		if err := runOnce(config); err != nil {
			log.Fatal().Err(err).Msg("Worker failed")
		}
		return
	}

	a := agent.NewWithTUI(config, *useTUI)
	if err := a.Run(); err != nil {
		var regErr agent.ErrRegistrationFailed
		if regErr.From(err) {
			log.Fatal().Err(err).Msg("Worker could not register with the coordinator")
		}
		var hbErr agent.ErrHeartbeatFailed
		if hbErr.From(err) {
			log.Fatal().Err(err).Msg("Worker lost contact with the coordinator")
		}
		log.Fatal().Err(err).Msg("Worker failed")
	}
}

// buildConfig layers the persisted config file, the environment, and the
// CLI flags, in increasing precedence
func buildConfig(coordinatorHost string, coordinatorPort int, host string, port int,
	workerID, models, modelCIDs string, heartbeatInterval int, debug bool) *agent.WorkerConfig {

	var config *agent.WorkerConfig
	fileCfg, existed, err := agent.LoadOrCreateConfig()
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("Ignoring unreadable worker config file")
		config = agent.NewConfigFromEnv()
	case existed:
		config = fileCfg
		applyEnvOverrides(config)
	default:
		config = agent.NewConfigFromEnv()
	}

	if coordinatorHost != "" {
		config.CoordinatorHost = coordinatorHost
	}
	if coordinatorPort != 0 {
		config.CoordinatorPort = coordinatorPort
	}
	if host != "" {
		config.Host = host
	}
	if port != 0 {
		config.Port = port
	}
	if workerID != "" {
		config.WorkerID = workerID
	}
	if models != "" {
		config.SupportedModels = splitList(models)
	}
	if modelCIDs != "" {
		config.ModelCIDs = parsePairs(modelCIDs)
	}
	if heartbeatInterval != 0 {
		config.HeartbeatInterval = time.Duration(heartbeatInterval) * time.Second
	}
	if debug {
		config.Debug = true
	}

	return config
}

// applyEnvOverrides lets env vars win over the persisted file
func applyEnvOverrides(config *agent.WorkerConfig) {
	env := agent.NewConfigFromEnv()

	if os.Getenv("GPUMESH_WORKER_ID") != "" {
		config.WorkerID = env.WorkerID
	}
	if os.Getenv("GPUMESH_COORDINATOR_HOST") != "" {
		config.CoordinatorHost = env.CoordinatorHost
	}
	if os.Getenv("GPUMESH_COORDINATOR_PORT") != "" {
		config.CoordinatorPort = env.CoordinatorPort
	}
	if os.Getenv("GPUMESH_WORKER_HOST") != "" {
		config.Host = env.Host
	}
	if os.Getenv("GPUMESH_WORKER_PORT") != "" {
		config.Port = env.Port
	}
	if os.Getenv("GPUMESH_MODELS") != "" {
		config.SupportedModels = env.SupportedModels
	}
	if os.Getenv("GPUMESH_MODEL_CIDS") != "" {
		config.ModelCIDs = env.ModelCIDs
	}
	if os.Getenv("GPUMESH_HEARTBEAT_INTERVAL") != "" {
		config.HeartbeatInterval = env.HeartbeatInterval
	}
	if env.Debug {
		config.Debug = true
	}
}

// runOnce registers the worker and sends a single heartbeat
func runOnce(config *agent.WorkerConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	executor := agent.NewLocalExecutor()
	if err := executor.Initialize(ctx); err != nil {
		return err
	}

	if err := agent.RegisterWorker(ctx, config, executor); err != nil {
		return err
	}

	state := agent.NewWorkerState(config.WorkerID, config.Endpoint(), config.Port, config.CoordinatorURL())
	if !agent.SendSingleHeartbeat(ctx, config, state) {
		return &agent.ErrHeartbeatFailed{Body: "single heartbeat did not reach the coordinator"}
	}

	log.Info().Str("worker_id", config.WorkerID).Msg("Registered and sent one heartbeat")
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parsePairs(raw string) map[string]string {
	pairs := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			pairs[parts[0]] = parts[1]
		}
	}
	return pairs
}

func getEnvBool(key string) bool {
	val := os.Getenv(key)
	return val == "1" || val == "true" || val == "yes"
}
