package service

import (
	"os"
	"testing"

	"github.com/turncore/turncore-agent/internal/config"
)

func TestBuildEngines_RPCAndStreamJSON(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Engines: []config.EngineConfig{
		{ID: "codex", Kind: "rpc", Bin: "codex", Models: []string{"gpt-5-codex"}},
		{ID: "claude-code", Kind: "stream_json", Bin: "claude", Models: []string{"claude-opus"}},
	}}

	engines, err := BuildEngines(nil, cfg)
	if err != nil {
		t.Fatalf("BuildEngines: %v", err)
	}
	if len(engines) != 2 {
		t.Fatalf("expected 2 engines, got %d", len(engines))
	}
	if engines["codex"].ID() != "codex" {
		t.Fatalf("unexpected codex engine id: %s", engines["codex"].ID())
	}
}

func TestBuildEngines_NativeAPISkippedWithoutKey(t *testing.T) {
	const env = "TURNCORE_TEST_MISSING_KEY"
	os.Unsetenv(env)

	cfg := &config.Config{Engines: []config.EngineConfig{
		{ID: "claude-api", Kind: "native_api", APIKeyEnv: env, Models: []string{"claude-sonnet-4-5"}},
	}}

	engines, err := BuildEngines(nil, cfg)
	if err != nil {
		t.Fatalf("BuildEngines: %v", err)
	}
	if _, ok := engines["claude-api"]; ok {
		t.Fatalf("expected claude-api to be skipped when its api key env var is unset")
	}
}

func TestBuildEngines_NativeAPIBuiltWhenKeyPresent(t *testing.T) {
	const env = "TURNCORE_TEST_PRESENT_KEY"
	t.Setenv(env, "sk-test-key")

	cfg := &config.Config{Engines: []config.EngineConfig{
		{ID: "claude-api", Kind: "native_api", APIKeyEnv: env, Provider: "anthropic", Models: []string{"claude-sonnet-4-5"}},
	}}

	engines, err := BuildEngines(nil, cfg)
	if err != nil {
		t.Fatalf("BuildEngines: %v", err)
	}
	eng, ok := engines["claude-api"]
	if !ok {
		t.Fatalf("expected claude-api engine to be built")
	}
	if eng.ID() != "claude-api" {
		t.Fatalf("unexpected engine id: %s", eng.ID())
	}
}

func TestBuildEngines_UnknownKindErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Engines: []config.EngineConfig{
		{ID: "mystery", Kind: "smoke-signal", Models: []string{"x"}},
	}}
	if _, err := BuildEngines(nil, cfg); err == nil {
		t.Fatalf("expected an error for an unknown engine kind")
	}
}
