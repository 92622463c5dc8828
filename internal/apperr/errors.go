// Package apperr is the pipeline failure taxonomy. Stage errors carry one of
// the sentinel markers below so that retry policy, HTTP status and persisted
// status_detail can be derived from the error alone.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrTransient    = errors.New("transient failure")
	ErrUpstream     = errors.New("upstream error")
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("duplicate")
	ErrExternalTool = errors.New("external tool error")
	ErrTimeout      = errors.New("timeout")
)

// Wrap builds "marker: stage: op: msg: cause". Empty parts are omitted and a
// nil marker defaults to [ErrTransient].
func Wrap(marker error, stage, op, msg string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	detail := buildDetail(stage, op, msg)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether a stage runner should try the operation again.
// Unmarked errors are treated as transient; context cancellation is not
// retryable.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrUpstream), errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicate):
		return false
	default:
		return true
	}
}

// HTTPStatus maps a handler error to a response code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// maxDetailLen bounds status_detail so a verbose upstream body cannot bloat
// the interview row.
const maxDetailLen = 500

// Detail returns the short human-readable message persisted as status_detail.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if r := []rune(msg); len(r) > maxDetailLen {
		msg = string(r[:maxDetailLen-3]) + "..."
	}
	return msg
}

func buildDetail(stage, op, msg string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{stage, op, msg} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
