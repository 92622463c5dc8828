// Package finalize hands a stopped live session to the server: the recorded
// media and the finalized transcript turns are posted as one multipart
// submission, after which the server persists the transcript and triggers
// analysis.
package finalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// Multipart field names.
const (
	FieldMedia   = "media"
	FieldPayload = "payload"
)

// Payload is the JSON part of a finalize submission.
type Payload struct {
	Transcript      []types.Utterance `json:"transcript"`
	Tasks           []types.Task      `json:"tasks,omitempty"`
	People          []types.Person    `json:"people,omitempty"`
	DurationSeconds *float64          `json:"duration_seconds,omitempty"`
	Platform        string            `json:"platform,omitempty"`
	MeetingTitle    string            `json:"meeting_title,omitempty"`
}

// Response is the server's answer to a finalize submission.
type Response struct {
	MediaURL    string `json:"mediaUrl"`
	InterviewID string `json:"interviewId"`
	Status      string `json:"status"`
}

// Media is the recorded blob. A nil Media finalizes the transcript only.
type Media struct {
	Filename    string
	ContentType string
	Data        []byte
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

// WithMaxElapsed bounds the total retry time of one submission.
func WithMaxElapsed(d time.Duration) Option {
	return func(cl *Client) { cl.maxElapsed = d }
}

// Client posts finalize submissions.
type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxElapsed time.Duration
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("finalize: base url: %w", err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 5 * time.Minute},
		maxElapsed: 2 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Finalize submits the recording of interviewID. Network failures and 5xx
// answers are retried with exponential backoff; 4xx answers are not.
func (c *Client) Finalize(ctx context.Context, interviewID string, p Payload, media *Media) (*Response, error) {
	if interviewID == "" {
		return nil, apperr.Wrap(apperr.ErrValidation, "finalize", "submit", "interview id is required", nil)
	}
	body, contentType, err := Encode(p, media)
	if err != nil {
		return nil, err
	}
	endpoint := c.baseURL + "/api/interviews/" + url.PathEscape(interviewID) + "/finalize"

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed

	var out Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("finalize: build request: %w", err))
		}
		req.Header.Set("Content-Type", contentType)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return apperr.Wrap(apperr.ErrTransient, "finalize", "submit", "", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return apperr.Wrap(apperr.ErrTransient, "finalize", "read response", "", err)
		}
		if resp.StatusCode >= 500 {
			return apperr.Wrap(apperr.ErrTransient, "finalize", "submit", fmt.Sprintf("status %d: %s", resp.StatusCode, errorMessage(data)), nil)
		}
		if resp.StatusCode >= 400 {
			marker := apperr.ErrUpstream
			switch resp.StatusCode {
			case http.StatusNotFound:
				marker = apperr.ErrNotFound
			case http.StatusBadRequest:
				marker = apperr.ErrValidation
			}
			return backoff.Permanent(apperr.Wrap(marker, "finalize", "submit", fmt.Sprintf("status %d: %s", resp.StatusCode, errorMessage(data)), nil))
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.ErrUpstream, "finalize", "decode response", "", err))
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return &out, nil
}

// Encode builds the multipart body and its content type.
func Encode(p Payload, media *Media) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if media != nil && len(media.Data) > 0 {
		name := media.Filename
		if name == "" {
			name = "recording.wav"
		}
		ct := media.ContentType
		if ct == "" {
			ct = "audio/wav"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FieldMedia, name))
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("finalize: media part: %w", err)
		}
		if _, err := part.Write(media.Data); err != nil {
			return nil, "", fmt.Errorf("finalize: media part: %w", err)
		}
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("finalize: marshal payload: %w", err)
	}
	if err := w.WriteField(FieldPayload, string(raw)); err != nil {
		return nil, "", fmt.Errorf("finalize: payload part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("finalize: close multipart: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// DecodePayload parses and validates the payload part.
func DecodePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, "finalize", "decode payload", "payload is not valid JSON", err)
	}
	if p.DurationSeconds != nil && *p.DurationSeconds < 0 {
		return nil, apperr.Wrap(apperr.ErrValidation, "finalize", "decode payload", "duration_seconds must not be negative", nil)
	}
	return &p, nil
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
