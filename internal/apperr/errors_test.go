package apperr_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
)

func TestWrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := apperr.Wrap(apperr.ErrUpstream, "transcribe", "submit", "assemblyai rejected audio", cause)

	if !errors.Is(err, apperr.ErrUpstream) {
		t.Error("marker lost")
	}
	if !errors.Is(err, cause) {
		t.Error("cause lost")
	}
	want := "upstream error: transcribe: submit: assemblyai rejected audio: connection reset"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	if got := apperr.Wrap(nil, "", " ", "", nil).Error(); got != "transient failure: pipeline failure" {
		t.Errorf("defaults = %q", got)
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("plain"), true},
		{apperr.Wrap(apperr.ErrTransient, "s", "o", "", nil), true},
		{apperr.Wrap(apperr.ErrTimeout, "s", "o", "", nil), true},
		{apperr.Wrap(apperr.ErrExternalTool, "s", "ffmpeg", "", nil), true},
		{apperr.Wrap(apperr.ErrUpstream, "s", "o", "", nil), false},
		{apperr.Wrap(apperr.ErrValidation, "s", "o", "", nil), false},
		{apperr.Wrap(apperr.ErrNotFound, "s", "o", "", nil), false},
		{apperr.Wrap(apperr.ErrDuplicate, "s", "o", "", nil), false},
		{fmt.Errorf("stage: %w", context.Canceled), false},
	}
	for i, tt := range tests {
		if got := apperr.Retryable(tt.err); got != tt.want {
			t.Errorf("case %d (%v): Retryable = %v, want %v", i, tt.err, got, tt.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		marker error
		want   int
	}{
		{apperr.ErrValidation, http.StatusBadRequest},
		{apperr.ErrNotFound, http.StatusNotFound},
		{apperr.ErrDuplicate, http.StatusConflict},
		{apperr.ErrUpstream, http.StatusBadGateway},
		{apperr.ErrTimeout, http.StatusGatewayTimeout},
		{apperr.ErrTransient, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		err := apperr.Wrap(tt.marker, "api", "op", "", nil)
		if got := apperr.HTTPStatus(err); got != tt.want {
			t.Errorf("%v: HTTPStatus = %d, want %d", tt.marker, got, tt.want)
		}
	}
}

func TestDetail(t *testing.T) {
	t.Parallel()

	if apperr.Detail(nil) != "" {
		t.Error("nil error should have empty detail")
	}
	long := apperr.Wrap(apperr.ErrUpstream, "x", "y", strings.Repeat("z", 1000), nil)
	d := apperr.Detail(long)
	if len([]rune(d)) != 500 || !strings.HasSuffix(d, "...") {
		t.Errorf("detail not truncated: len=%d", len(d))
	}
}
