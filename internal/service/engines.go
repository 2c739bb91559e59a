package service

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/turncore/turncore-agent/internal/ai"
	"github.com/turncore/turncore-agent/internal/ai/engine"
	"github.com/turncore/turncore-agent/internal/config"
)

// BuildEngines constructs one adapter per config.EngineConfig entry,
// keyed by engine id. A native_api engine whose API key environment
// variable is unset is skipped with a warning rather than failing the
// whole registry — the operator may simply not have that provider
// configured on this machine yet.
func BuildEngines(log *slog.Logger, cfg *config.Config) (map[string]ai.Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	out := make(map[string]ai.Engine, len(cfg.Engines))
	for _, ec := range cfg.Engines {
		switch ec.Kind {
		case "rpc":
			rpc := engine.NewRPCAdapter(log, ec.ID, ec.Name, ec.Models, ec.Bin, ec.Args)
			rpc.SetPostCompletionGrace(cfg.Flush.PostCompletionGrace())
			out[ec.ID] = rpc

		case "stream_json":
			out[ec.ID] = engine.NewStreamJSONAdapter(log, ec.ID, ec.Name, ec.Models, ec.Bin, ec.Args)

		case "native_api":
			apiKey := strings.TrimSpace(os.Getenv(ec.APIKeyEnv))
			if apiKey == "" {
				log.Warn("service: native engine has no api key set, skipping", "engine_id", ec.ID, "env", ec.APIKeyEnv)
				continue
			}
			kind := engine.NativeAnthropic
			if ec.Provider == "openai" {
				kind = engine.NativeOpenAI
			}
			adapter, err := engine.NewNativeAdapter(log, ec.ID, ec.Name, ec.Models, kind, apiKey, ec.BaseURL)
			if err != nil {
				return nil, fmt.Errorf("engine %s: %w", ec.ID, err)
			}
			out[ec.ID] = adapter

		default:
			return nil, fmt.Errorf("engine %s: unknown kind %q", ec.ID, ec.Kind)
		}
	}
	return out, nil
}
