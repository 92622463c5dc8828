package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"assemblyai"},
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expanding ${VAR} references
// from the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${VAR} with the value of the environment variable VAR.
// Unset variables expand to the empty string. A bare $ is left alone.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "data/media"
	}
	if cfg.Storage.PublicURL == "" {
		cfg.Storage.PublicURL = cfg.Server.PublicURL + "/media"
	}
	if cfg.Providers.LLMFast.Name == "" {
		cfg.Providers.LLMFast = cfg.Providers.LLM
	}
}

// WebhookURL returns the public transcription webhook URL, or "" when no
// public URL is configured.
func (c *Config) WebhookURL() string {
	if c.Server.PublicURL == "" {
		return ""
	}
	return c.Server.PublicURL + "/api/webhooks/assemblyai"
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.LLMFast.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	if cfg.Providers.STT.Name != "" && cfg.Server.PublicURL == "" {
		slog.Warn("server.public_url is empty; transcription webhooks cannot reach this server and interviews must be polled")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; real-time evidence extraction is disabled")
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; using the in-process store, state is lost on restart")
	}

	p := cfg.Pipeline
	if p.Workers < 0 || p.MaxAttempts < 0 || p.QueueSize < 0 {
		errs = append(errs, errors.New("pipeline.workers, max_attempts and queue_size must not be negative"))
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		errs = append(errs, errors.New("pipeline backoff durations must not be negative"))
	}
	if p.TimeoutMax > 0 && p.TimeoutMin > p.TimeoutMax {
		errs = append(errs, fmt.Errorf("pipeline.timeout_min %s exceeds timeout_max %s", p.TimeoutMin, p.TimeoutMax))
	}
	if p.BytesPerSecond < 0 {
		errs = append(errs, errors.New("pipeline.bytes_per_second must not be negative"))
	}

	rt := cfg.Realtime
	if rt.MinBatch < 0 || rt.MaxBatch < 0 {
		errs = append(errs, errors.New("realtime batch sizes must not be negative"))
	}
	if rt.MaxBatch > 0 && rt.MinBatch > rt.MaxBatch {
		errs = append(errs, fmt.Errorf("realtime.min_batch %d exceeds max_batch %d", rt.MinBatch, rt.MaxBatch))
	}
	if rt.DuplicateThreshold < 0 {
		errs = append(errs, errors.New("realtime.duplicate_threshold must not be negative"))
	}

	if cfg.Trigger.Enabled {
		if len(cfg.Trigger.Brokers) == 0 {
			errs = append(errs, errors.New("trigger.brokers is required when trigger.enabled is true"))
		}
		if cfg.Trigger.Topic == "" {
			errs = append(errs, errors.New("trigger.topic is required when trigger.enabled is true"))
		}
	}

	if (cfg.Bots.BaseURL == "") != (cfg.Bots.APIKey == "") {
		errs = append(errs, errors.New("bots.base_url and bots.api_key must be set together"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
