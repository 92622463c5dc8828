// Package audio provides the capture-side audio framing used by live
// transcription sessions: a rolling sample buffer that is drained on a timer,
// downsampled to the transcription rate, and emitted as PCM16 frames that
// never fall below a minimum duration.
//
// The [Framer] is a pure, clock-free state machine. The caller owns the timer
// and the transport; the framer only decides whether a tick produces a frame.
package audio

import (
	"fmt"
	"math"
	"sync"
)

const (
	// DefaultTargetRate is the sample rate expected by the transcription service.
	DefaultTargetRate = 16000

	// DefaultChunkMs is the nominal frame duration and timer period.
	DefaultChunkMs = 100

	// DefaultMinOutMs is the shortest frame the transcription service accepts.
	DefaultMinOutMs = 60
)

// FramerOption configures a [Framer].
type FramerOption func(*Framer)

// WithTargetRate overrides the output sample rate (default 16 kHz).
func WithTargetRate(rate int) FramerOption {
	return func(f *Framer) { f.targetRate = rate }
}

// WithChunkMs overrides the nominal chunk duration (default 100 ms).
func WithChunkMs(ms int) FramerOption {
	return func(f *Framer) { f.chunkMs = ms }
}

// WithMinOutMs overrides the minimum output duration (default 60 ms).
func WithMinOutMs(ms int) FramerOption {
	return func(f *Framer) { f.minOutMs = ms }
}

// Framer buffers float samples captured at the device rate and produces
// PCM16 frames at the target rate.
//
// Write is called from the capture callback, Next from the timer. Both are
// safe for concurrent use.
type Framer struct {
	inputRate  int
	targetRate int
	chunkMs    int
	minOutMs   int

	minOutSamples   int
	minInputSamples int

	mu        sync.Mutex
	buf       []float32
	firstSend bool
}

// NewFramer returns a Framer for audio captured at inputRate Hz.
func NewFramer(inputRate int, opts ...FramerOption) (*Framer, error) {
	f := &Framer{
		inputRate:  inputRate,
		targetRate: DefaultTargetRate,
		chunkMs:    DefaultChunkMs,
		minOutMs:   DefaultMinOutMs,
		firstSend:  true,
	}
	for _, o := range opts {
		o(f)
	}
	if f.inputRate <= 0 {
		return nil, fmt.Errorf("audio: input rate must be positive, got %d", f.inputRate)
	}
	if f.targetRate <= 0 || f.targetRate > f.inputRate {
		return nil, fmt.Errorf("audio: target rate %d must be positive and not above input rate %d", f.targetRate, f.inputRate)
	}
	if f.chunkMs <= 0 || f.minOutMs <= 0 {
		return nil, fmt.Errorf("audio: chunk (%d ms) and minimum (%d ms) durations must be positive", f.chunkMs, f.minOutMs)
	}
	f.minOutSamples = ceilSamples(f.targetRate, f.minOutMs)
	f.minInputSamples = ceilSamples(f.inputRate, f.minOutMs)
	return f, nil
}

// Write appends captured samples to the rolling buffer. The slice is copied.
func (f *Framer) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	f.mu.Lock()
	f.buf = append(f.buf, samples...)
	f.mu.Unlock()
}

// Buffered returns the number of input samples waiting to be framed.
func (f *Framer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// MinOutSamples is the minimum number of target-rate samples in a frame.
func (f *Framer) MinOutSamples() int { return f.minOutSamples }

// MinInputSamples is the minimum number of buffered input samples required
// before a tick may produce a frame.
func (f *Framer) MinInputSamples() int { return f.minInputSamples }

// Next runs one timer tick. It returns a PCM16 frame and true when enough
// audio is buffered, or nil and false when the tick must be skipped. A
// skipped tick never consumes buffered audio.
//
// Until [Framer.MarkSent] has been called once, the drained input window is
// twice the nominal chunk to absorb startup buffering.
func (f *Framer) Next() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buf) < f.minInputSamples {
		return nil, false
	}

	windowMs := f.chunkMs
	if f.firstSend {
		windowMs *= 2
	}
	take := max(f.minInputSamples, ceilSamples(f.inputRate, windowMs))
	take = min(take, len(f.buf))

	out := DownsampleAverage(f.buf[:take], f.inputRate, f.targetRate)
	if len(out) < f.minOutSamples {
		return nil, false
	}

	f.buf = append(f.buf[:0], f.buf[take:]...)
	return FloatToPCM16(out), true
}

// MarkSent records that a frame was delivered. The first successful send
// ends the doubled startup window.
func (f *Framer) MarkSent() {
	f.mu.Lock()
	f.firstSend = false
	f.mu.Unlock()
}

// Reset drops buffered audio and restores the startup window.
func (f *Framer) Reset() {
	f.mu.Lock()
	f.buf = nil
	f.firstSend = true
	f.mu.Unlock()
}

func ceilSamples(rate, ms int) int {
	return int(math.Ceil(float64(rate) * float64(ms) / 1000))
}
