package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// reelYAMLConfig is the structure of reel.yaml.
type reelYAMLConfig struct {
	Storage   *StorageConfig            `yaml:"storage"`
	Executor  *ExecutorConfig           `yaml:"executor"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Defaults  *Defaults                 `yaml:"defaults"`
}

// Initialize loads, merges, validates and returns ready-to-use
// configuration. A missing reel.yaml falls back to built-in defaults.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"providers", stats.Providers,
		"storage_root", cfg.Storage.Root,
		"concurrency", cfg.Executor.Concurrency)
	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	builtin := builtinConfig()

	user := &reelYAMLConfig{}
	path := filepath.Join(configDir, "reel.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Built-in defaults only.
	case err != nil:
		return nil, NewLoadError("reel.yaml", err)
	default:
		expanded := ExpandEnv(data)
		if err := yaml.Unmarshal(expanded, user); err != nil {
			return nil, NewLoadError("reel.yaml", fmt.Errorf("%w: %w", ErrInvalidYAML, err))
		}
	}

	cfg := &Config{
		Storage:  builtin.Storage,
		Executor: builtin.Executor,
		Defaults: builtin.Defaults,
	}
	if user.Storage != nil {
		if err := mergo.Merge(&cfg.Storage, user.Storage, mergo.WithOverride); err != nil {
			return nil, NewLoadError("reel.yaml", err)
		}
	}
	if user.Executor != nil {
		if err := mergo.Merge(&cfg.Executor, user.Executor, mergo.WithOverride); err != nil {
			return nil, NewLoadError("reel.yaml", err)
		}
	}
	if user.Defaults != nil {
		if err := mergo.Merge(&cfg.Defaults, user.Defaults, mergo.WithOverride); err != nil {
			return nil, NewLoadError("reel.yaml", err)
		}
	}

	providers := make(map[string]ProviderConfig, len(builtin.ProviderConfigs)+len(user.Providers))
	for name, p := range builtin.ProviderConfigs {
		providers[name] = p
	}
	for name, p := range user.Providers {
		providers[name] = p
	}
	cfg.Providers = NewProviderRegistry(providers)

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Storage.Root == "" {
		return &ValidationError{Component: "storage", Field: "root", Err: ErrInvalidValue}
	}
	if cfg.Executor.Concurrency < 1 {
		return &ValidationError{Component: "executor", Field: "concurrency", Err: ErrInvalidValue}
	}
	switch cfg.Executor.Mode {
	case "live", "simulated", "mock":
	default:
		return &ValidationError{Component: "executor", Field: "mode", Err: ErrInvalidValue}
	}
	return nil
}
