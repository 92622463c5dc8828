package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/epic-hq/Insights-sub011/internal/apiclient"
	"github.com/epic-hq/Insights-sub011/internal/config"
	"github.com/epic-hq/Insights-sub011/internal/evidence"
	"github.com/epic-hq/Insights-sub011/internal/finalize"
	"github.com/epic-hq/Insights-sub011/internal/live"
	"github.com/epic-hq/Insights-sub011/internal/transcript"
	"github.com/epic-hq/Insights-sub011/pkg/audio"
	"github.com/epic-hq/Insights-sub011/pkg/provider/stt"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// fastFactor is how much quicker than real time --fast replays a file.
const fastFactor = 20

const (
	stopTimeout              = 10 * time.Second
	interruptFinalizeTimeout = 30 * time.Second
)

type captureOptions struct {
	File        string
	InterviewID string
	Fast        bool
	Extract     bool
	Realtime    config.RealtimeConfig
}

func newCaptureCommand(ctx *commandContext) *cobra.Command {
	var opts captureOptions

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Stream a WAV file through live transcription and finalize it",
		Long: "Replays a WAV recording through the live capture path at real-time pace, " +
			"printing finalized turns, then submits the recording and transcript to the server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			provider, err := ctx.newSTT(cfg)
			if err != nil {
				return err
			}
			fin, err := ctx.finalizeClient()
			if err != nil {
				return err
			}
			var client *apiclient.Client
			if opts.Extract {
				if client, err = ctx.apiClient(); err != nil {
					return err
				}
			}
			opts.Realtime = cfg.Realtime
			return runCapture(cmd.Context(), opts, provider, client, fin, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "WAV file to replay")
	cmd.Flags().StringVarP(&opts.InterviewID, "interview", "i", "", "Interview id to finalize")
	cmd.Flags().BoolVar(&opts.Fast, "fast", false, "Replay faster than real time")
	cmd.Flags().BoolVar(&opts.Extract, "extract", false, "Request real-time evidence while capturing")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("interview")
	return cmd
}

// runCapture replays opts.File through a live session, optionally batching
// finalized turns into real-time evidence requests, and finalizes the
// interview with the resulting recording. client may be nil when
// opts.Extract is false.
func runCapture(ctx context.Context, opts captureOptions, provider stt.Provider, client *apiclient.Client, fin *finalize.Client, out io.Writer) error {
	f, err := os.Open(opts.File)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	wav, err := audio.DecodeWAV(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	fmt.Fprintf(out, "Replaying %s (%.1fs, %d Hz, %d ch)\n", opts.File, wav.Duration(), wav.SampleRate, wav.Channels)

	var outMu sync.Mutex
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	var batcher *evidence.Batcher
	if opts.Extract && client != nil {
		batcher = newEvidenceBatcher(ctx, opts, client, printf)
	}

	speed := time.Duration(1)
	if opts.Fast {
		speed = fastFactor
	}
	sopts := []live.Option{
		live.WithOnFinal(func(t types.Turn) {
			for _, u := range transcript.Utterances([]types.Turn{t}) {
				printf("[%s] %s\n", u.Speaker, u.Text)
				if batcher != nil {
					batcher.Add(u)
				}
			}
		}),
		live.WithOnReplace(func(t types.Turn) {
			for _, u := range transcript.Utterances([]types.Turn{t}) {
				printf("[%s] %s (formatted)\n", u.Speaker, u.Text)
				if batcher != nil {
					batcher.ReplaceLast(u)
				}
			}
		}),
	}
	if opts.Fast {
		sopts = append(sopts, live.WithTicker(func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d / speed)
			return t.C, t.Stop
		}))
	}
	sess, err := live.NewSession(provider, live.Config{
		InputRate:   wav.SampleRate,
		Channels:    wav.Channels,
		FormatTurns: true,
	}, sopts...)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	chunk := time.Duration(audio.DefaultChunkMs) * time.Millisecond
	pace := chunk / speed
	step := max(wav.SampleRate*wav.Channels*audio.DefaultChunkMs/1000, wav.Channels)
	replayErr := replay(ctx, sess, wav.Samples, step, pace)
	if replayErr == nil {
		drain(ctx, sess, pace)
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	res := sess.Stop(stopCtx)
	if batcher != nil {
		if replayErr == nil {
			batcher.Flush()
		} else {
			batcher.Close()
		}
	}
	if res.Err != nil {
		printf("warning: transcription stream error: %v\n", res.Err)
	}
	printf("Captured %d turns over %s\n", len(res.Turns), res.Duration.Round(time.Millisecond))
	if replayErr != nil && len(res.Turns) == 0 && res.Duration == 0 {
		return replayErr
	}

	// An interrupted capture still hands what it has to the finalizer.
	finCtx := ctx
	if replayErr != nil {
		var finCancel context.CancelFunc
		finCtx, finCancel = context.WithTimeout(context.WithoutCancel(ctx), interruptFinalizeTimeout)
		defer finCancel()
	}
	duration := res.Duration.Seconds()
	resp, err := fin.Finalize(finCtx, opts.InterviewID, finalize.Payload{
		Transcript:      res.Utterances(),
		DurationSeconds: &duration,
		Platform:        "insightsctl",
	}, &finalize.Media{
		Filename:    "recording.wav",
		ContentType: "audio/wav",
		Data:        res.Recording,
	})
	if err != nil {
		return errors.Join(replayErr, fmt.Errorf("capture: finalize: %w", err))
	}
	printf("Finalized interview %s: %s\n", resp.InterviewID, resp.Status)
	if resp.MediaURL != "" {
		printf("Media: %s\n", resp.MediaURL)
	}
	return replayErr
}

// replay writes samples to sess in step-sized interleaved chunks, one per
// pace interval.
func replay(ctx context.Context, sess *live.Session, samples []float32, step int, pace time.Duration) error {
	ticker := time.NewTicker(pace)
	defer ticker.Stop()
	for off := 0; off < len(samples); off += step {
		sess.Write(samples[off:min(off+step, len(samples))])
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// drain waits until the session has shipped the buffered audio or stops
// making progress. A tail shorter than one frame is never sent.
func drain(ctx context.Context, sess *live.Session, pace time.Duration) {
	ticker := time.NewTicker(pace)
	defer ticker.Stop()
	last, stalled := sess.Buffered(), 0
	for last > 0 && stalled < 3 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n := sess.Buffered()
		if n < last {
			stalled = 0
		} else {
			stalled++
		}
		last = n
	}
}

func newEvidenceBatcher(ctx context.Context, opts captureOptions, client *apiclient.Client, printf func(string, ...any)) *evidence.Batcher {
	var mu sync.Mutex
	var gists []string

	return evidence.NewBatcher(ctx, evidence.BatcherConfig{
		MinBatch:    opts.Realtime.MinBatch,
		MaxBatch:    opts.Realtime.MaxBatch,
		IdleTimeout: opts.Realtime.IdleTimeout,
		Debounce:    opts.Realtime.Debounce,
	}, func(ctx context.Context, batch []types.Utterance) error {
		mu.Lock()
		existing := append([]string(nil), gists...)
		mu.Unlock()

		resp, err := client.RealtimeEvidence(ctx, apiclient.EvidenceRequest{
			Utterances:       batch,
			ExistingEvidence: existing,
			InterviewID:      opts.InterviewID,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		mu.Lock()
		gists = evidence.ApplyGists(gists, resp.Evidence)
		mu.Unlock()
		for _, c := range resp.Evidence {
			switch c.Action {
			case evidence.ActionUpdate:
				printf("  ~ %s\n", c.Gist)
			default:
				printf("  + %s\n", c.Gist)
			}
		}
		return nil
	})
}
