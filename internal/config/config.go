package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for rigger.
//
// One config describes one environment: a workflows dir, a models dir, a packs
// dir and the manifest maintained by the environment's configuration manager.
type Config struct {
	// Environment names the environment this config describes. Cache rows are
	// keyed by it, so two environments sharing a state dir never collide.
	// If empty, "default" is used.
	Environment string `json:"environment,omitempty"`

	// WorkflowsDir holds the workflow documents (<name>.json).
	WorkflowsDir string `json:"workflows_dir"`

	// ModelsDir is the root the model index catalogues.
	ModelsDir string `json:"models_dir"`

	// PacksDir holds installed extension packs, one subdirectory per pack.
	PacksDir string `json:"packs_dir"`

	// ManifestPath points at the manifest owned by the configuration manager.
	// A missing file is treated as an empty manifest.
	ManifestPath string `json:"manifest_path,omitempty"`

	// StateDir holds rigger's own stores (index, cache, locks).
	// If empty, ~/.rigger/state is used.
	StateDir string `json:"state_dir,omitempty"`

	// ModelExtensions overrides the default set used to sniff model
	// references in unknown node types (entries like ".safetensors").
	ModelExtensions []string `json:"model_extensions,omitempty"`

	// SignaturesPath points at a JSON file replacing the built-in node
	// type signature table.
	SignaturesPath string `json:"signatures_path,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.WorkflowsDir) == "" {
		return errors.New("missing workflows_dir")
	}
	if strings.TrimSpace(c.ModelsDir) == "" {
		return errors.New("missing models_dir")
	}
	if strings.TrimSpace(c.PacksDir) == "" {
		return errors.New("missing packs_dir")
	}
	for _, ext := range c.ModelExtensions {
		e := strings.TrimSpace(ext)
		if e == "" || !strings.HasPrefix(e, ".") {
			return fmt.Errorf("invalid model extension %q", ext)
		}
	}
	return nil
}

// EnvironmentName returns the configured environment, defaulting to "default".
func (c *Config) EnvironmentName() string {
	if c == nil {
		return "default"
	}
	env := strings.TrimSpace(c.Environment)
	if env == "" {
		return "default"
	}
	return env
}

// EffectiveStateDir returns the state dir, falling back to ~/.rigger/state.
func (c *Config) EffectiveStateDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.StateDir); dir != "" {
			return filepath.Clean(dir)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Join(".rigger", "state")
	}
	return filepath.Join(home, ".rigger", "state")
}

// DefaultConfigPath returns the default config path:
//
//	~/.rigger/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "rigger.config.json"
	}
	return filepath.Join(home, ".rigger", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
