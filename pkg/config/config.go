// Package config loads and validates the engine configuration: storage
// location, executor settings and the provider credential registry. YAML
// files are environment-expanded, merged over built-in defaults and compiled
// into registries ready for use.
package config

import (
	"fmt"
)

// StorageConfig locates the movie build store.
type StorageConfig struct {
	// Root is the directory holding builds/<movieId>/ trees.
	Root string `yaml:"root"`
}

// ExecutorConfig tunes plan execution.
type ExecutorConfig struct {
	// Concurrency bounds parallel produce calls within a layer.
	Concurrency int `yaml:"concurrency"`
	// Mode is the default dispatch mode: live, simulated or mock.
	Mode string `yaml:"mode"`
}

// ProviderConfig holds one provider's dispatch settings. API keys are never
// stored inline; APIKeyEnv names the environment variable to read.
type ProviderConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url,omitempty"`
}

// Defaults are fallback values for per-plan settings.
type Defaults struct {
	Environment string `yaml:"environment"`
	EditedBy    string `yaml:"edited_by"`
}

// Config is the ready-to-use engine configuration.
type Config struct {
	Storage   StorageConfig
	Executor  ExecutorConfig
	Providers *ProviderRegistry
	Defaults  Defaults
}

// Stats summarises the configuration for logging and health endpoints.
type Stats struct {
	Providers int
}

// Stats returns configuration counts.
func (c *Config) Stats() Stats {
	return Stats{Providers: c.Providers.Len()}
}

// ProviderRegistry resolves provider names to their settings.
type ProviderRegistry struct {
	providers map[string]ProviderConfig
}

// NewProviderRegistry builds a registry from merged provider configs.
func NewProviderRegistry(providers map[string]ProviderConfig) *ProviderRegistry {
	return &ProviderRegistry{providers: providers}
}

// Get returns a provider's configuration.
func (r *ProviderRegistry) Get(name string) (ProviderConfig, error) {
	p, ok := r.providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// Len returns the number of registered providers.
func (r *ProviderRegistry) Len() int { return len(r.providers) }
