// Package assemblyai implements the stt interfaces against AssemblyAI: the
// v3 streaming WebSocket API for realtime sessions and the v2 REST API for
// asynchronous batch transcription.
package assemblyai

import (
	"errors"
	"net/http"
	"time"

	"github.com/epic-hq/Insights-sub011/pkg/provider/stt"
)

const (
	defaultStreamingURL = "wss://streaming.assemblyai.com/v3/ws"
	defaultBaseURL      = "https://api.assemblyai.com"
	defaultSampleRate   = 16000
	defaultCloseTimeout = 3 * time.Second
	defaultMaxElapsed   = 30 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithStreamingURL overrides the realtime WebSocket endpoint.
func WithStreamingURL(u string) Option {
	return func(p *Provider) { p.streamingURL = u }
}

// WithBaseURL overrides the REST API root.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.http = c }
}

// WithCloseTimeout bounds how long Close waits for the server's
// Termination message before dropping the connection.
func WithCloseTimeout(d time.Duration) Option {
	return func(p *Provider) { p.closeTimeout = d }
}

// WithMaxElapsed bounds the total retry time of a REST call.
func WithMaxElapsed(d time.Duration) Option {
	return func(p *Provider) { p.maxElapsed = d }
}

// Provider implements [stt.Provider] and [stt.Transcriber].
type Provider struct {
	apiKey       string
	streamingURL string
	baseURL      string
	http         *http.Client
	closeTimeout time.Duration
	maxElapsed   time.Duration
}

var (
	_ stt.Provider    = (*Provider)(nil)
	_ stt.Transcriber = (*Provider)(nil)
)

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		streamingURL: defaultStreamingURL,
		baseURL:      defaultBaseURL,
		http:         &http.Client{Timeout: 30 * time.Second},
		closeTimeout: defaultCloseTimeout,
		maxElapsed:   defaultMaxElapsed,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}
