package assemblyai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v4"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/provider/stt"
)

type submitBody struct {
	AudioURL      string `json:"audio_url"`
	WebhookURL    string `json:"webhook_url,omitempty"`
	SpeakerLabels bool   `json:"speaker_labels"`
}

// Submit starts a batch transcription job.
func (p *Provider) Submit(ctx context.Context, req stt.SubmitRequest) (*stt.Job, error) {
	if req.AudioURL == "" {
		return nil, apperr.Wrap(apperr.ErrValidation, "transcribe", "submit", "audio_url is required", nil)
	}
	body, err := json.Marshal(submitBody{
		AudioURL:      req.AudioURL,
		WebhookURL:    req.WebhookURL,
		SpeakerLabels: req.SpeakerLabels,
	})
	if err != nil {
		return nil, fmt.Errorf("assemblyai: marshal submit: %w", err)
	}
	var job stt.Job
	if err := p.do(ctx, http.MethodPost, "/v2/transcript", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Get fetches a batch job by ID.
func (p *Provider) Get(ctx context.Context, id string) (*stt.Job, error) {
	if id == "" {
		return nil, apperr.Wrap(apperr.ErrValidation, "transcribe", "get", "transcript id is required", nil)
	}
	var job stt.Job
	if err := p.do(ctx, http.MethodGet, "/v2/transcript/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// do performs one REST call with exponential backoff. 4xx responses are
// permanent; network failures and 5xx responses are retried.
func (p *Provider) do(ctx context.Context, method, path string, body []byte, out any) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = p.maxElapsed

	op := func() error {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rdr)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("assemblyai: build request: %w", err))
		}
		req.Header.Set("Authorization", p.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := p.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return apperr.Wrap(apperr.ErrTransient, "assemblyai", method+" "+path, "", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return apperr.Wrap(apperr.ErrTransient, "assemblyai", "read response", "", err)
		}
		switch {
		case resp.StatusCode >= 500:
			return apperr.Wrap(apperr.ErrTransient, "assemblyai", method+" "+path,
				fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(data)), nil)
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(apperr.Wrap(apperr.ErrNotFound, "assemblyai", method+" "+path, "", nil))
		case resp.StatusCode >= 400:
			return backoff.Permanent(apperr.Wrap(apperr.ErrUpstream, "assemblyai", method+" "+path,
				fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(data)), nil))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.ErrUpstream, "assemblyai", "decode response", "", err))
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
