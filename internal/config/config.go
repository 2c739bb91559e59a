// Package config loads and validates the on-disk configuration for the
// turn supervisor core: engine registry, model allow-lists, and the
// tunables the supervisor uses for flush/coalesce timing.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration.
//
// NOTE: this file never holds secrets. A provider's API key is read from
// the environment variable named in EngineConfig.APIKeyEnv at adapter
// start time, never stored here.
type Config struct {
	// StateDir holds the sqlite store and any per-engine runtime state.
	// Defaults to "~/.turncore" when empty.
	StateDir string `yaml:"state_dir,omitempty"`

	// Engines is the allow-listed engine registry. Entry order carries no
	// meaning: no entry is a default, and creating a thread always names
	// its engine id.
	Engines []EngineConfig `yaml:"engines"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`

	// Flush controls the supervisor's persistence cadence; zero values
	// fall back to the documented defaults (180ms budget, 8192 char
	// coalesce threshold, 240 chunk / 20000 char action output caps).
	Flush FlushTuning `yaml:"flush,omitempty"`

	// DebugEventLog mirrors every raw engine event into the store's
	// engine_event_logs table. Off by default; the table grows unbounded
	// while enabled.
	DebugEventLog bool `yaml:"debug_event_log,omitempty"`
}

// EngineConfig describes one registered engine.
type EngineConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Kind is one of "rpc", "stream_json", "native_api".
	Kind string `yaml:"kind"`

	// Bin is the subprocess executable for rpc/stream_json engines.
	Bin  string   `yaml:"bin,omitempty"`
	Args []string `yaml:"args,omitempty"`

	// BaseURL/APIKeyEnv configure a native_api engine. APIKeyEnv names an
	// environment variable; the value itself is never persisted.
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Provider selects the SDK a native_api engine wraps: "anthropic" or
	// "openai". Defaults to "anthropic".
	Provider string `yaml:"provider,omitempty"`

	Models []string `yaml:"models"`
}

// FlushTuning holds the supervisor's time/size budgets.
type FlushTuning struct {
	PersistIntervalMS    int `yaml:"persist_interval_ms,omitempty"`
	CoalesceMaxChars     int `yaml:"coalesce_max_chars,omitempty"`
	ActionOutputMaxChunk int `yaml:"action_output_max_chunks,omitempty"`
	ActionOutputMaxChars int `yaml:"action_output_max_chars,omitempty"`
	PostCompletionGraceMS int `yaml:"post_completion_grace_ms,omitempty"`
}

const (
	DefaultPersistInterval     = 180 * time.Millisecond
	DefaultCoalesceMaxChars    = 8192
	DefaultActionOutputChunks  = 240
	DefaultActionOutputChars   = 20000
	DefaultPostCompletionGrace = 600 * time.Millisecond
)

func (f FlushTuning) PersistInterval() time.Duration {
	if f.PersistIntervalMS <= 0 {
		return DefaultPersistInterval
	}
	return time.Duration(f.PersistIntervalMS) * time.Millisecond
}

func (f FlushTuning) CoalesceMax() int {
	if f.CoalesceMaxChars <= 0 {
		return DefaultCoalesceMaxChars
	}
	return f.CoalesceMaxChars
}

func (f FlushTuning) ActionOutputChunkCap() int {
	if f.ActionOutputMaxChunk <= 0 {
		return DefaultActionOutputChunks
	}
	return f.ActionOutputMaxChunk
}

func (f FlushTuning) ActionOutputCharCap() int {
	if f.ActionOutputMaxChars <= 0 {
		return DefaultActionOutputChars
	}
	return f.ActionOutputMaxChars
}

func (f FlushTuning) PostCompletionGrace() time.Duration {
	if f.PostCompletionGraceMS <= 0 {
		return DefaultPostCompletionGrace
	}
	return time.Duration(f.PostCompletionGraceMS) * time.Millisecond
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if len(c.Engines) == 0 {
		return errors.New("at least one engine must be configured")
	}
	seen := make(map[string]struct{}, len(c.Engines))
	for i, e := range c.Engines {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return fmt.Errorf("engines[%d]: missing id", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("engines[%d]: duplicate engine id %q", i, id)
		}
		seen[id] = struct{}{}

		switch e.Kind {
		case "rpc", "stream_json":
			if strings.TrimSpace(e.Bin) == "" {
				return fmt.Errorf("engines[%d] (%s): missing bin", i, id)
			}
		case "native_api":
			if strings.TrimSpace(e.APIKeyEnv) == "" {
				return fmt.Errorf("engines[%d] (%s): missing api_key_env", i, id)
			}
			switch e.Provider {
			case "", "anthropic", "openai":
			default:
				return fmt.Errorf("engines[%d] (%s): unknown provider %q", i, id, e.Provider)
			}
		default:
			return fmt.Errorf("engines[%d] (%s): unknown kind %q", i, id, e.Kind)
		}
		if len(e.Models) == 0 {
			return fmt.Errorf("engines[%d] (%s): at least one model required", i, id)
		}
	}
	return nil
}

// DefaultConfigPath returns "~/.turncore/config.yaml".
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "turncore.config.yaml"
	}
	return filepath.Join(home, ".turncore", "config.yaml")
}

func (c *Config) resolvedStateDir() string {
	if strings.TrimSpace(c.StateDir) != "" {
		return c.StateDir
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".turncore"
	}
	return filepath.Join(home, ".turncore")
}

// DBPath returns the sqlite store path under StateDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.resolvedStateDir(), "turncore.db")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
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

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
