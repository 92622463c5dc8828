// Package apiclient is the operator-side client for the insightsd HTTP API.
// It covers status polling, meeting-bot ingest and real-time evidence; the
// live-recording submission lives in package finalize.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/internal/evidence"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// Status is the interview state reported by the server.
type Status struct {
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	StatusDetail       string         `json:"status_detail,omitempty"`
	ProcessingMetadata map[string]any `json:"processing_metadata,omitempty"`
}

// BotIngest is the server's answer to a meeting-bot ingest request.
type BotIngest struct {
	JobID       string `json:"jobId"`
	InterviewID string `json:"interviewId"`
	Status      string `json:"status"`
}

// EvidenceRequest is one real-time extraction batch.
type EvidenceRequest struct {
	Utterances       []types.Utterance `json:"utterances"`
	ExistingEvidence []string          `json:"existingEvidence"`
	InterviewID      string            `json:"interviewId,omitempty"`
	AccountID        string            `json:"accountId,omitempty"`
	ProjectID        string            `json:"projectId,omitempty"`
}

// EvidenceResponse carries the candidates the server accepted.
type EvidenceResponse struct {
	Evidence         []evidence.Candidate `json:"evidence"`
	Tasks            []types.Task         `json:"tasks"`
	People           []types.Person       `json:"people"`
	SavedEvidenceIDs []string             `json:"savedEvidenceIds"`
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(cl *Client) { cl.apiKey = key }
}

// WithMaxElapsed bounds the total retry time of idempotent calls.
func WithMaxElapsed(d time.Duration) Option {
	return func(cl *Client) { cl.maxElapsed = d }
}

// Client talks to one insightsd instance. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxElapsed time.Duration
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperr.Wrap(apperr.ErrValidation, "apiclient", "new", fmt.Sprintf("invalid server url %q", baseURL), err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 60 * time.Second},
		maxElapsed: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Status fetches the current state of an interview.
func (c *Client) Status(ctx context.Context, interviewID string) (*Status, error) {
	if interviewID == "" {
		return nil, apperr.Wrap(apperr.ErrValidation, "apiclient", "status", "interview id is required", nil)
	}
	var out Status
	err := c.do(ctx, "status", http.MethodGet, "/api/interviews/"+url.PathEscape(interviewID), nil, &out, true)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckTranscription asks the server to poll the transcription provider
// for an interview whose webhook never arrived.
func (c *Client) CheckTranscription(ctx context.Context, interviewID string) (*Status, error) {
	if interviewID == "" {
		return nil, apperr.Wrap(apperr.ErrValidation, "apiclient", "check transcription", "interview id is required", nil)
	}
	var out Status
	path := "/api/interviews/" + url.PathEscape(interviewID) + "/check-transcription"
	if err := c.do(ctx, "check transcription", http.MethodPost, path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// IngestBot asks the server to pull a finished meeting-bot recording into
// interviewID. The server deduplicates by bot id, so the call is retried.
func (c *Client) IngestBot(ctx context.Context, botID, interviewID string) (*BotIngest, error) {
	if botID == "" || interviewID == "" {
		return nil, apperr.Wrap(apperr.ErrValidation, "apiclient", "ingest bot", "bot id and interview id are required", nil)
	}
	var out BotIngest
	body := map[string]string{"interviewId": interviewID}
	if err := c.do(ctx, "ingest bot", http.MethodPost, "/api/bots/"+url.PathEscape(botID)+"/ingest", body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// RealtimeEvidence submits one batch for extraction. It is not retried; a
// failed batch is superseded by the next one.
func (c *Client) RealtimeEvidence(ctx context.Context, req EvidenceRequest) (*EvidenceResponse, error) {
	if req.ExistingEvidence == nil {
		req.ExistingEvidence = []string{}
	}
	var out EvidenceResponse
	if err := c.do(ctx, "realtime evidence", http.MethodPost, "/api/realtime-evidence", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, retry bool) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return apperr.Wrap(apperr.ErrValidation, "apiclient", op, "encode request", err)
		}
	}

	attempt := func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("apiclient: %s: build request: %w", op, err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return apperr.Wrap(apperr.ErrTransient, "apiclient", op, "", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return apperr.Wrap(apperr.ErrTransient, "apiclient", op, "read response", err)
		}
		if resp.StatusCode >= 500 {
			return apperr.Wrap(apperr.ErrTransient, "apiclient", op, fmt.Sprintf("status %d: %s", resp.StatusCode, errorMessage(data)), nil)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(apperr.Wrap(markerFor(resp.StatusCode), "apiclient", op, fmt.Sprintf("status %d: %s", resp.StatusCode, errorMessage(data)), nil))
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(apperr.Wrap(apperr.ErrUpstream, "apiclient", op, "decode response", err))
			}
		}
		return nil
	}

	if !retry {
		err := attempt()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed
	return backoff.Retry(attempt, backoff.WithContext(bo, ctx))
}

func markerFor(code int) error {
	switch code {
	case http.StatusNotFound:
		return apperr.ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.ErrValidation
	case http.StatusConflict:
		return apperr.ErrDuplicate
	default:
		return apperr.ErrUpstream
	}
}

func errorMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}
