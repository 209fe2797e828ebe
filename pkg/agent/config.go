package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultCoordinatorPort     = 8000
	DefaultWorkerPort          = 8001
	DefaultHeartbeatInterval   = 1 * time.Second
	DefaultNetworkTimeout      = 3 * time.Second
	DefaultRegistrationTimeout = 10 * time.Second
	DefaultStateLockTimeout    = 100 * time.Millisecond
)

// WorkerConfig holds all configuration for the worker
type WorkerConfig struct {
	// Identity
	WorkerID string

	// Coordinator connection
	CoordinatorHost   string
	CoordinatorPort   int
	CoordinatorScheme string

	// Advertised worker endpoint
	Host string
	Port int

	// Models this worker can serve, and where to fetch their weights
	SupportedModels []string
	ModelCIDs       map[string]string

	// Timing
	HeartbeatInterval   time.Duration
	NetworkTimeout      time.Duration
	RegistrationTimeout time.Duration
	StateLockTimeout    time.Duration

	// Worker behavior
	Debug bool
}

// CoordinatorURL returns the coordinator base URL
func (c *WorkerConfig) CoordinatorURL() string {
	return fmt.Sprintf("%s://%s:%d", c.CoordinatorScheme, c.CoordinatorHost, c.CoordinatorPort)
}

// RegisterURL returns the coordinator registration endpoint
func (c *WorkerConfig) RegisterURL() string {
	return fmt.Sprintf("%s/register", c.CoordinatorURL())
}

// HeartbeatURL returns the coordinator heartbeat endpoint for this worker
func (c *WorkerConfig) HeartbeatURL() string {
	return fmt.Sprintf("%s/heartbeat/%s", c.CoordinatorURL(), c.WorkerID)
}

// Endpoint returns the base URL the coordinator uses to reach this worker
func (c *WorkerConfig) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// Validate checks configuration for errors
func (c *WorkerConfig) Validate() error {
	if c.WorkerID == "" {
		return &ErrConfigValidation{Field: "worker_id", Message: "is required"}
	}
	if err := uuid.Validate(c.WorkerID); err != nil {
		return &ErrConfigValidation{Field: "worker_id", Message: fmt.Sprintf("must be a UUID, got: %s", c.WorkerID)}
	}
	if c.CoordinatorHost == "" {
		return &ErrConfigValidation{Field: "coordinator_host", Message: "is required"}
	}
	if c.CoordinatorPort < 1 || c.CoordinatorPort > 65535 {
		return &ErrConfigValidation{Field: "coordinator_port", Message: fmt.Sprintf("must be 1-65535, got: %d", c.CoordinatorPort)}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &ErrConfigValidation{Field: "port", Message: fmt.Sprintf("must be 1-65535, got: %d", c.Port)}
	}
	if c.Host == "" {
		return &ErrConfigValidation{Field: "host", Message: "is required"}
	}
	if c.HeartbeatInterval <= 0 {
		return &ErrConfigValidation{Field: "heartbeat_interval", Message: "must be positive"}
	}
	return nil
}

// NewConfigFromEnv creates config from environment variables
func NewConfigFromEnv() *WorkerConfig {
	coordinatorPort := getEnvIntOrDefault("GPUMESH_COORDINATOR_PORT", DefaultCoordinatorPort)
	workerPort := getEnvIntOrDefault("GPUMESH_WORKER_PORT", DefaultWorkerPort)

	heartbeat := DefaultHeartbeatInterval
	if v := os.Getenv("GPUMESH_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			heartbeat = d
		}
	}

	host := getEnvOrDefault("GPUMESH_WORKER_HOST", "")
	if host == "" {
		host = GetPrivateIP()
	}

	return &WorkerConfig{
		WorkerID:            getEnvOrDefault("GPUMESH_WORKER_ID", ""),
		CoordinatorHost:     getEnvOrDefault("GPUMESH_COORDINATOR_HOST", "localhost"),
		CoordinatorPort:     coordinatorPort,
		CoordinatorScheme:   "http",
		Host:                host,
		Port:                workerPort,
		SupportedModels:     splitModels(os.Getenv("GPUMESH_MODELS")),
		ModelCIDs:           parseModelCIDs(os.Getenv("GPUMESH_MODEL_CIDS")),
		HeartbeatInterval:   heartbeat,
		NetworkTimeout:      DefaultNetworkTimeout,
		RegistrationTimeout: DefaultRegistrationTimeout,
		StateLockTimeout:    DefaultStateLockTimeout,
		Debug:               getEnvBool("GPUMESH_DEBUG"),
	}
}

// GenerateWorkerID creates a fresh worker identity
func GenerateWorkerID() string {
	return uuid.NewString()
}

// splitModels parses a comma-separated model list
func splitModels(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	models := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			models = append(models, trimmed)
		}
	}
	return models
}

// parseModelCIDs parses "model=cid,model=cid" pairs
func parseModelCIDs(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	cids := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			cids[parts[0]] = parts[1]
		}
	}
	if len(cids) == 0 {
		return nil
	}
	return cids
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string) bool {
	val := os.Getenv(key)
	return val == "1" || val == "true" || val == "yes"
}
