package config

import (
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Engines: []EngineConfig{
			{ID: "codex", Kind: "rpc", Bin: "codex", Models: []string{"gpt-5-codex"}},
		},
	}
}

func TestConfigValidate_RequiresAtLeastOneEngine(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing engines")
	}
}

func TestConfigValidate_RejectsDuplicateEngineIDs(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Engines: []EngineConfig{
			{ID: "codex", Kind: "rpc", Bin: "codex", Models: []string{"a"}},
			{ID: "codex", Kind: "rpc", Bin: "codex2", Models: []string{"b"}},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for duplicate engine id")
	}
}

func TestConfigValidate_NativeAPIRequiresAPIKeyEnv(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Engines: []EngineConfig{
			{ID: "claude-api", Kind: "native_api", Models: []string{"claude-sonnet-4-5"}},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing api_key_env")
	}
}

func TestConfigValidate_RejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Engines: []EngineConfig{
			{ID: "claude-api", Kind: "native_api", APIKeyEnv: "ANTHROPIC_API_KEY", Provider: "gemini", Models: []string{"x"}},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown provider")
	}
}

func TestConfigValidate_OK(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := validConfig()
	cfg.LogLevel = "debug"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LogLevel != "debug" {
		t.Fatalf("LogLevel got=%q want=debug", got.LogLevel)
	}
	if len(got.Engines) != 1 || got.Engines[0].ID != "codex" {
		t.Fatalf("unexpected engines after round trip: %+v", got.Engines)
	}
}

func TestFlushTuning_Defaults(t *testing.T) {
	t.Parallel()

	var f FlushTuning
	if f.PersistInterval() != DefaultPersistInterval {
		t.Fatalf("PersistInterval default mismatch")
	}
	if f.CoalesceMax() != DefaultCoalesceMaxChars {
		t.Fatalf("CoalesceMax default mismatch")
	}
	if f.ActionOutputChunkCap() != DefaultActionOutputChunks {
		t.Fatalf("ActionOutputChunkCap default mismatch")
	}
	if f.ActionOutputCharCap() != DefaultActionOutputChars {
		t.Fatalf("ActionOutputCharCap default mismatch")
	}
}
