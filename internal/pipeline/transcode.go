package pipeline

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
)

// DefaultFFmpeg is the binary looked up on PATH when none is configured.
const DefaultFFmpeg = "ffmpeg"

var commandContext = exec.CommandContext

// Transcoder normalizes a media file to the processed audio asset.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string) error
}

// FFmpeg transcodes to mono 16 kHz 32 kbit/s MP3 with the ffmpeg CLI.
type FFmpeg struct {
	Binary string
}

// TranscodeArgs returns the ffmpeg arguments for src to dst.
func TranscodeArgs(src, dst string) []string {
	return []string{"-hide_banner", "-y", "-i", src, "-ac", "1", "-ar", "16000", "-b:a", "32k", dst}
}

// Transcode runs ffmpeg. Failures are marked apperr.ErrExternalTool and
// carry the tool's combined output.
func (f FFmpeg) Transcode(ctx context.Context, src, dst string) error {
	bin := f.Binary
	if bin == "" {
		bin = DefaultFFmpeg
	}
	cmd := commandContext(ctx, bin, TranscodeArgs(src, dst)...) //nolint:gosec
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.ErrTimeout, "transcode", "ffmpeg", "timed out", err)
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		// Binary missing: retrying will not help.
		return apperr.Wrap(apperr.ErrValidation, "transcode", "ffmpeg", "ffmpeg binary not found", err)
	}
	return apperr.Wrap(apperr.ErrExternalTool, "transcode", "ffmpeg", lastLine(string(out)), err)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
