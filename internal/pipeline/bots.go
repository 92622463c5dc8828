package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
)

// Shortcut preference orders for picking assets off a bot recording.
var (
	MediaPreference      = []string{"video_mixed", "video", "audio_mixed", "audio"}
	TranscriptPreference = []string{"transcript", "captions"}
)

// Recording is one recording of a meeting bot.
type Recording struct {
	ID             string                     `json:"id"`
	MediaShortcuts map[string]json.RawMessage `json:"media_shortcuts"`
}

// DownloadURL returns the first download URL found among the shortcuts in
// preference order. A shortcut carries it either at "download_url" or at
// "data.download_url".
func (r *Recording) DownloadURL(preference []string) string {
	if r == nil {
		return ""
	}
	for _, key := range preference {
		raw, ok := r.MediaShortcuts[key]
		if !ok {
			continue
		}
		var sc struct {
			DownloadURL string `json:"download_url"`
			Data        struct {
				DownloadURL string `json:"download_url"`
			} `json:"data"`
		}
		if json.Unmarshal(raw, &sc) != nil {
			continue
		}
		if sc.DownloadURL != "" {
			return sc.DownloadURL
		}
		if sc.Data.DownloadURL != "" {
			return sc.Data.DownloadURL
		}
	}
	return ""
}

// Bot is a meeting-capture bot as reported by the bot API.
type Bot struct {
	ID         string      `json:"id"`
	Recordings []Recording `json:"recordings"`
}

// Assets picks the recording with downloadable media, falling back to the
// first recording, and returns its media and transcript URLs.
func (b *Bot) Assets() (mediaURL, transcriptURL string) {
	if len(b.Recordings) == 0 {
		return "", ""
	}
	chosen := &b.Recordings[0]
	for i := range b.Recordings {
		if b.Recordings[i].DownloadURL(MediaPreference) != "" {
			chosen = &b.Recordings[i]
			break
		}
	}
	return chosen.DownloadURL(MediaPreference), chosen.DownloadURL(TranscriptPreference)
}

// Download is an open remote asset.
type Download struct {
	Body        io.ReadCloser
	ContentType string

	// Size is -1 when the server did not report it.
	Size int64
}

// BotClient reads meeting bots and downloads their assets.
type BotClient interface {
	GetBot(ctx context.Context, id string) (*Bot, error)
	Download(ctx context.Context, rawURL string) (*Download, error)
}

// HTTPBotClient talks to a Recall-style bot API.
type HTTPBotClient struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxElapsed time.Duration
}

var _ BotClient = (*HTTPBotClient)(nil)

// NewHTTPBotClient returns a client for the API at baseURL. A nil hc uses a
// client without a global timeout; callers bound each call with a context.
func NewHTTPBotClient(baseURL, apiKey string, hc *http.Client) *HTTPBotClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPBotClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		http:       hc,
		maxElapsed: 30 * time.Second,
	}
}

// GetBot fetches GET /api/v1/bot/{id}/.
func (c *HTTPBotClient) GetBot(ctx context.Context, id string) (*Bot, error) {
	if id == "" {
		return nil, apperr.Wrap(apperr.ErrValidation, "bot_ingest", "get bot", "bot id is required", nil)
	}
	endpoint := c.baseURL + "/api/v1/bot/" + url.PathEscape(id) + "/"

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed
	var bot Bot
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("pipeline: build bot request: %w", err))
		}
		req.Header.Set("Authorization", "Token "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return apperr.Wrap(apperr.ErrTransient, "bot_ingest", "get bot", "", err)
		}
		defer resp.Body.Close()
		if err := statusError("get bot", resp); err != nil {
			if apperr.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&bot); err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.ErrUpstream, "bot_ingest", "decode bot", "", err))
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return &bot, nil
}

// Download opens rawURL. The caller closes Body. Downloads are not retried
// here; the stage runner retries the whole stage.
func (c *HTTPBotClient) Download(ctx context.Context, rawURL string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, "bot_ingest", "download", "invalid asset url", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrTransient, "bot_ingest", "download", "", err)
	}
	if err := statusError("download", resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &Download{Body: resp.Body, ContentType: resp.Header.Get("Content-Type"), Size: resp.ContentLength}, nil
}

func statusError(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return apperr.Wrap(apperr.ErrNotFound, "bot_ingest", op, resp.Status, nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.Wrap(apperr.ErrTransient, "bot_ingest", op, resp.Status, nil)
	default:
		return apperr.Wrap(apperr.ErrUpstream, "bot_ingest", op, resp.Status, nil)
	}
}
