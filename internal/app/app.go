// Package app wires the ingestion server: the relational store, the media
// bucket, model providers, the pipeline orchestrator, the HTTP API and the
// health and metrics endpoints.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithTrigger, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/epic-hq/Insights-sub011/internal/api"
	"github.com/epic-hq/Insights-sub011/internal/config"
	"github.com/epic-hq/Insights-sub011/internal/evidence"
	"github.com/epic-hq/Insights-sub011/internal/health"
	"github.com/epic-hq/Insights-sub011/internal/observe"
	"github.com/epic-hq/Insights-sub011/internal/pipeline"
	"github.com/epic-hq/Insights-sub011/internal/resilience"
	"github.com/epic-hq/Insights-sub011/internal/trigger"
	"github.com/epic-hq/Insights-sub011/pkg/objectstore"
	"github.com/epic-hq/Insights-sub011/pkg/provider/llm"
	"github.com/epic-hq/Insights-sub011/pkg/store"
	"github.com/epic-hq/Insights-sub011/pkg/store/memstore"
	"github.com/epic-hq/Insights-sub011/pkg/store/postgres"
)

// NamedLLM is an LLM provider together with the registry name it was
// created under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds one value per provider slot. Nil means the provider is
// not configured. Populated by main.go via the config registry.
type Providers struct {
	// LLM runs final-mode extraction after a transcript is stored.
	LLM NamedLLM

	// LLMFast runs live-mode extraction for /api/realtime-evidence.
	LLMFast NamedLLM

	// LLMFallbacks are tried in order behind both extraction providers.
	LLMFallbacks []NamedLLM

	STT config.STTBackend
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store      store.Store
	bucket     *objectstore.FS
	trigger    trigger.Enqueuer
	bots       pipeline.BotClient
	transcoder pipeline.Transcoder
	metrics    *observe.Metrics
	live       *evidence.Synthesizer
	final      *evidence.Synthesizer
	orch       *pipeline.Orchestrator
	handler    http.Handler
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithTrigger injects the analysis trigger instead of creating one from
// config.
func WithTrigger(t trigger.Enqueuer) Option {
	return func(a *App) { a.trigger = t }
}

// WithBotClient injects the meeting-bot API client.
func WithBotClient(b pipeline.BotClient) Option {
	return func(a *App) { a.bots = b }
}

// WithTranscoder injects the transcoder instead of the ffmpeg CLI.
func WithTranscoder(t pipeline.Transcoder) Option {
	return func(a *App) { a.transcoder = t }
}

// WithMetrics injects the metrics instance instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Media bucket ──────────────────────────────────────────────────
	bucket, err := objectstore.NewFS(cfg.Storage.Root, cfg.Storage.PublicURL)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	a.bucket = bucket

	// ── 3. Analysis trigger ──────────────────────────────────────────────
	if a.trigger == nil {
		a.trigger = trigger.New(trigger.Config{
			Brokers: cfg.Trigger.Brokers,
			Topic:   cfg.Trigger.Topic,
			Enabled: cfg.Trigger.Enabled,
		})
	}
	a.closers = append(a.closers, a.trigger.Close)

	// ── 4. Meeting bots ──────────────────────────────────────────────────
	if a.bots == nil && cfg.Bots.BaseURL != "" {
		a.bots = pipeline.NewHTTPBotClient(cfg.Bots.BaseURL, cfg.Bots.APIKey, nil)
	}
	if a.transcoder == nil {
		a.transcoder = pipeline.FFmpeg{Binary: cfg.Pipeline.FFmpegPath}
	}

	// ── 5. Evidence extraction ───────────────────────────────────────────
	a.initExtraction()

	// ── 6. Pipeline ──────────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 7. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.buildHandler()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects PostgreSQL when a DSN is configured and falls back to
// the in-process store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		a.store = memstore.New()
		return nil
	}
	pg, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initExtraction builds the live and final synthesizers. Each provider is
// wrapped in a fallback chain when fallbacks are configured.
func (a *App) initExtraction() {
	rt := a.cfg.Realtime
	synthOpts := []evidence.SynthesizerOption{evidence.WithMetrics(a.metrics)}
	if rt.DuplicateThreshold > 0 {
		synthOpts = append(synthOpts, evidence.WithDuplicateThreshold(rt.DuplicateThreshold))
	}

	if p := a.withFallbacks("live", a.providers.LLMFast); p != nil {
		a.live = evidence.NewSynthesizer(a.store, evidence.NewLLMClassifier(p, evidence.ModeLive), evidence.ModeLive, synthOpts...)
	}
	if p := a.withFallbacks("final", a.providers.LLM); p != nil {
		a.final = evidence.NewSynthesizer(a.store, evidence.NewLLMClassifier(p, evidence.ModeFinal), evidence.ModeFinal, synthOpts...)
	}
	if a.live == nil && a.final == nil {
		slog.Warn("no LLM provider configured; evidence extraction disabled")
	}
}

func (a *App) withFallbacks(slot string, primary NamedLLM) llm.Provider {
	if primary.Provider == nil {
		return nil
	}
	if len(a.providers.LLMFallbacks) == 0 {
		return primary.Provider
	}
	fb := resilience.NewLLMFallback(primary.Provider, slot+"/"+primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("llm circuit breaker state change", "name", name, "from", from, "to", to)
				a.metrics.RecordBreakerTransition(name, to.String())
			},
		},
	})
	for _, p := range a.providers.LLMFallbacks {
		fb.AddFallback(slot+"/"+p.Name, p.Provider)
	}
	slog.Info("llm fallback chain", "slot", slot, "order", fb.Names())
	return fb
}

func (a *App) initPipeline() error {
	pc := a.cfg.Pipeline
	deps := pipeline.Deps{
		Store:      a.store,
		Bucket:     a.bucket,
		Trigger:    a.trigger,
		Bots:       a.bots,
		Transcoder: a.transcoder,
		Metrics:    a.metrics,
	}
	if a.providers.STT != nil {
		deps.Transcriber = a.providers.STT
	}
	if a.final != nil {
		deps.Extractor = a.final
	}
	orch, err := pipeline.New(deps, pipeline.Config{
		Runner: pipeline.RunnerConfig{
			Workers:        pc.Workers,
			MaxAttempts:    pc.MaxAttempts,
			InitialBackoff: pc.InitialBackoff,
			MaxBackoff:     pc.MaxBackoff,
			QueueSize:      pc.QueueSize,
			Timeout: pipeline.TimeoutPolicy{
				Min:            pc.TimeoutMin,
				Max:            pc.TimeoutMax,
				BytesPerSecond: pc.BytesPerSecond,
			},
		},
		TempDir:    pc.TempDir,
		WebhookURL: a.cfg.WebhookURL(),
	})
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

func (a *App) buildHandler() http.Handler {
	opts := []api.Option{api.WithMetrics(a.metrics)}
	if a.providers.STT != nil {
		opts = append(opts, api.WithTranscriber(a.providers.STT))
	}
	if a.live != nil {
		opts = append(opts, api.WithExtractor(a.live))
	}
	if a.cfg.Server.APIKey != "" {
		opts = append(opts, api.WithAPIKey(a.cfg.Server.APIKey))
	}

	mux := http.NewServeMux()
	api.New(a.store, a.orch, opts...).Register(mux)
	checks := []health.Checker{
		health.Pinger("database", a.store),
		health.Prober("storage", a.bucket),
	}
	if p, ok := a.trigger.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, health.Optional("trigger", p))
	}
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /media/", http.StripPrefix("/media/", a.bucket.Handler()))

	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator exposes the pipeline orchestrator.
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orch }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled or the listener fails. When ctx is done, Run returns
// context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, drains background pipeline runs and
// then runs the closers in order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}
		if a.orch != nil {
			if err := a.orch.Close(ctx); err != nil {
				slog.Warn("pipeline drain incomplete", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}
