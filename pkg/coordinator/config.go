package coordinator

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// ============================================================================
// Coordinator Config - embedded defaults, optional file, env overrides
// ============================================================================

// defaultConfig is the embedded baseline; a YAML file named by
// GPUMESH_CONFIG and GPUMESH_* variables override it in that order
var defaultConfig = []byte(`
host: 0.0.0.0
port: 8000
liveness_window: 30s
cleanup_interval: 30s
debug: false
pretty_logs: false
`)

// Config holds the coordinator's runtime settings
type Config struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"required,gt=0,lte=65535"`
	LivenessWindow  time.Duration `koanf:"liveness_window" validate:"required"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"required"`
	Debug           bool          `koanf:"debug"`
	PrettyLogs      bool          `koanf:"pretty_logs"`
}

// Addr returns the listen address
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig builds the coordinator config from its three layers
func LoadConfig() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("failed to load default config: %w", err)
	}

	if path := os.Getenv("GPUMESH_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GPUMESH_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("GPUMESH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("GPUMESH_LIVENESS_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LivenessWindow = d
		}
	}
	if v := os.Getenv("GPUMESH_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CleanupInterval = d
		}
	}
	if v := os.Getenv("GPUMESH_DEBUG"); v != "" {
		cfg.Debug = envBool(v)
	}
	if v := os.Getenv("GPUMESH_PRETTY_LOGS"); v != "" {
		cfg.PrettyLogs = envBool(v)
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}
