package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFile represents the persistent worker config file. Its main job is
// keeping the worker id stable across restarts so the registry sees the
// same worker rather than an ever-growing set of one-shot identities.
type ConfigFile struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Worker      WorkerFileConfig  `yaml:"worker"`
	Models      ModelsConfig      `yaml:"models,omitempty"`
	Debug       bool              `yaml:"debug,omitempty"`
}

// CoordinatorConfig holds coordinator connection settings
type CoordinatorConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WorkerFileConfig holds worker identity and listen settings
type WorkerFileConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port"`
}

// ModelsConfig holds the model inventory
type ModelsConfig struct {
	Supported []string          `yaml:"supported,omitempty"`
	CIDs      map[string]string `yaml:"cids,omitempty"`
}

// DefaultConfigDir returns the default config directory path
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gpumesh"
	}
	return filepath.Join(home, ".gpumesh")
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "agent.yaml")
}

// ConfigExists checks if a config file exists
func ConfigExists() bool {
	path := DefaultConfigPath()
	if envPath := os.Getenv("GPUMESH_AGENT_CONFIG"); envPath != "" {
		path = envPath
	}
	_, err := os.Stat(path)
	return err == nil
}

// LoadConfigFile loads config from the YAML file
func LoadConfigFile() (*ConfigFile, error) {
	path := DefaultConfigPath()
	if envPath := os.Getenv("GPUMESH_AGENT_CONFIG"); envPath != "" {
		path = envPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// SaveConfigFile saves config to the YAML file
func SaveConfigFile(cfg *ConfigFile) error {
	configDir := DefaultConfigDir()
	path := DefaultConfigPath()

	// Respect GPUMESH_AGENT_CONFIG override
	if envPath := os.Getenv("GPUMESH_AGENT_CONFIG"); envPath != "" {
		path = envPath
		configDir = filepath.Dir(path)
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	// Enforce permissions on existing files
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	return nil
}

// ToWorkerConfig converts ConfigFile to WorkerConfig
func (c *ConfigFile) ToWorkerConfig() *WorkerConfig {
	coordinatorHost := c.Coordinator.Host
	if coordinatorHost == "" {
		coordinatorHost = "localhost"
	}

	coordinatorPort := c.Coordinator.Port
	if coordinatorPort == 0 {
		coordinatorPort = DefaultCoordinatorPort
	}

	workerPort := c.Worker.Port
	if workerPort == 0 {
		workerPort = DefaultWorkerPort
	}

	host := c.Worker.Host
	if host == "" {
		host = GetPrivateIP()
	}

	return &WorkerConfig{
		WorkerID:            c.Worker.ID,
		CoordinatorHost:     coordinatorHost,
		CoordinatorPort:     coordinatorPort,
		CoordinatorScheme:   "http",
		Host:                host,
		Port:                workerPort,
		SupportedModels:     c.Models.Supported,
		ModelCIDs:           c.Models.CIDs,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		NetworkTimeout:      DefaultNetworkTimeout,
		RegistrationTimeout: DefaultRegistrationTimeout,
		StateLockTimeout:    DefaultStateLockTimeout,
		Debug:               c.Debug,
	}
}

// NewConfigFileFromWorkerConfig creates a ConfigFile from WorkerConfig
func NewConfigFileFromWorkerConfig(cfg *WorkerConfig) *ConfigFile {
	return &ConfigFile{
		Coordinator: CoordinatorConfig{
			Host: cfg.CoordinatorHost,
			Port: cfg.CoordinatorPort,
		},
		Worker: WorkerFileConfig{
			ID:   cfg.WorkerID,
			Host: cfg.Host,
			Port: cfg.Port,
		},
		Models: ModelsConfig{
			Supported: cfg.SupportedModels,
			CIDs:      cfg.ModelCIDs,
		},
		Debug: cfg.Debug,
	}
}

// LoadOrCreateConfig loads config from file, or returns defaults if not exists
func LoadOrCreateConfig() (*WorkerConfig, bool, error) {
	if !ConfigExists() {
		return nil, false, nil
	}

	fileCfg, err := LoadConfigFile()
	if err != nil {
		return nil, true, err
	}

	return fileCfg.ToWorkerConfig(), true, nil
}
