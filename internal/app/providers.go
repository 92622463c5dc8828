package app

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/epic-hq/Insights-sub011/internal/config"
	"github.com/epic-hq/Insights-sub011/pkg/provider/llm"
	"github.com/epic-hq/Insights-sub011/pkg/provider/llm/anyllm"
	"github.com/epic-hq/Insights-sub011/pkg/provider/llm/openai"
	"github.com/epic-hq/Insights-sub011/pkg/provider/stt/assemblyai"
)

// anyLLMBackends are the LLM providers served through any-llm-go. "openai"
// uses the native SDK instead.
var anyLLMBackends = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama"}

// RegisterBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the
// appropriate provider from the real implementation packages.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyLLMBackends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("assemblyai", func(entry config.ProviderEntry) (config.STTBackend, error) {
		var opts []assemblyai.Option
		if entry.BaseURL != "" {
			opts = append(opts, assemblyai.WithBaseURL(entry.BaseURL))
		}
		if u := optString(entry.Options, "streaming_url"); u != "" {
			opts = append(opts, assemblyai.WithStreamingURL(u))
		}
		if d := optDuration(entry.Options, "max_elapsed"); d > 0 {
			opts = append(opts, assemblyai.WithMaxElapsed(d))
		}
		return assemblyai.New(entry.APIKey, opts...)
	})

	slog.Debug("registered providers", "llm", append([]string{"openai"}, anyLLMBackends...), "stt", []string{"assemblyai"})
}

// BuildProviders instantiates all providers named in cfg using the registry
// and returns them in a [Providers] struct for the application to consume.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}

	var err error
	if ps.LLM, err = buildLLM(reg, "llm", cfg.Providers.LLM); err != nil {
		return nil, err
	}
	if sameEntry(cfg.Providers.LLMFast, cfg.Providers.LLM) {
		ps.LLMFast = ps.LLM
	} else if ps.LLMFast, err = buildLLM(reg, "llm_fast", cfg.Providers.LLMFast); err != nil {
		return nil, err
	}
	for i, entry := range cfg.Providers.LLMFallbacks {
		fb, err := buildLLM(reg, fmt.Sprintf("llm_fallbacks[%d]", i), entry)
		if err != nil {
			return nil, err
		}
		if fb.Provider != nil {
			ps.LLMFallbacks = append(ps.LLMFallbacks, fb)
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider not available, skipping", "kind", "stt", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	return ps, nil
}

func buildLLM(reg *config.Registry, slot string, entry config.ProviderEntry) (NamedLLM, error) {
	if entry.Name == "" {
		return NamedLLM{}, nil
	}
	p, err := reg.CreateLLM(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not available, skipping", "kind", slot, "name", entry.Name)
		return NamedLLM{}, nil
	}
	if err != nil {
		return NamedLLM{}, fmt.Errorf("create %s provider %q: %w", slot, entry.Name, err)
	}
	slog.Info("provider created", "kind", slot, "name", entry.Name, "model", entry.Model)
	return NamedLLM{Name: entry.Name, Provider: p}, nil
}

// sameEntry reports whether a and b select the same backend and model, so
// one client can serve both slots.
func sameEntry(a, b config.ProviderEntry) bool {
	return a.Name == b.Name && a.Model == b.Model && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "30s" from Options.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
