package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/epic-hq/Insights-sub011/internal/apiclient"
	"github.com/epic-hq/Insights-sub011/internal/app"
	"github.com/epic-hq/Insights-sub011/internal/config"
	"github.com/epic-hq/Insights-sub011/internal/finalize"
	"github.com/epic-hq/Insights-sub011/pkg/provider/stt"
)

const defaultConfigPath = "config.yaml"

type globalFlags struct {
	config  string
	envFile string
	server  string
	apiKey  string
	verbose bool
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error

	// newSTT builds the streaming provider; tests replace it.
	newSTT func(cfg *config.Config) (stt.Provider, error)
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags, newSTT: streamingProvider}
}

func (c *commandContext) setupLogging(w io.Writer) {
	lvl := slog.LevelWarn
	if c.flags.verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// ensureConfig loads the dotenv file and the YAML config once. Without an
// explicit --config a missing config.yaml yields the defaults.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if env := strings.TrimSpace(c.flags.envFile); env != "" {
			if err := godotenv.Load(env); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.configErr = fmt.Errorf("load %s: %w", env, err)
				return
			}
		}
		path := strings.TrimSpace(c.flags.config)
		explicit := path != ""
		if !explicit {
			path = defaultConfigPath
		}
		cfg, err := config.Load(path)
		if errors.Is(err, os.ErrNotExist) && !explicit {
			cfg, err = config.LoadFromReader(strings.NewReader(""))
		}
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) serverURL() string {
	if s := strings.TrimSpace(c.flags.server); s != "" {
		return s
	}
	if c.config != nil && c.config.Server.PublicURL != "" {
		return c.config.Server.PublicURL
	}
	return "http://localhost:8080"
}

func (c *commandContext) apiKey() string {
	if c.flags.apiKey != "" {
		return c.flags.apiKey
	}
	if c.config != nil {
		return c.config.Server.APIKey
	}
	return ""
}

func (c *commandContext) apiClient() (*apiclient.Client, error) {
	var opts []apiclient.Option
	if key := c.apiKey(); key != "" {
		opts = append(opts, apiclient.WithAPIKey(key))
	}
	return apiclient.New(c.serverURL(), opts...)
}

func (c *commandContext) finalizeClient() (*finalize.Client, error) {
	var opts []finalize.Option
	if key := c.apiKey(); key != "" {
		opts = append(opts, finalize.WithAPIKey(key))
	}
	return finalize.New(c.serverURL(), opts...)
}

// streamingProvider builds the configured STT backend through the same
// registry the server uses.
func streamingProvider(cfg *config.Config) (stt.Provider, error) {
	if cfg.Providers.STT.Name == "" {
		return nil, errors.New("providers.stt is not configured")
	}
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)
	backend, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	return backend, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
