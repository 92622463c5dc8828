// Package stt defines the interfaces for speech-to-text backends.
//
// Two shapes of transcription are covered. A [Provider] opens a realtime
// duplex session: the caller ships binary PCM16 frames and receives
// Begin/Turn/Error events, where Turn events are either live drafts or
// finalized turns. A [Transcriber] runs asynchronous batch jobs against a
// media URL and reports completion through a webhook or by polling.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after the session has ended.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format for a new realtime session.
type StreamConfig struct {
	// SampleRate of the PCM16 frames in Hz. Zero selects 16000.
	SampleRate int

	// FormatTurns asks the provider to follow each finalized turn with a
	// punctuated, cased ("formatted") delivery of the same turn.
	FormatTurns bool

	// Token, when set, authenticates the session with a short-lived token
	// instead of the provider API key.
	Token string
}

// SessionHandle is an open realtime transcription session.
//
// Callers must call Close when done. After Close returns, the Events channel
// is closed. Close is idempotent.
type SessionHandle interface {
	// SendAudio queues one binary PCM16 frame.
	SendAudio(frame []byte) error

	// Events emits Begin, Turn, Error and Termination events in arrival
	// order. The channel is closed when the session ends for any reason.
	Events() <-chan Event

	// Close asks the provider to terminate the session, flushes queued
	// audio and releases the connection.
	Close() error
}

// Provider opens realtime transcription sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// Transcriber submits and inspects asynchronous batch transcription jobs.
type Transcriber interface {
	// Submit starts a job for the media at req.AudioURL and returns the
	// provider job with its ID and initial status.
	Submit(ctx context.Context, req SubmitRequest) (*Job, error)

	// Get fetches the current state of a job, including the transcript once
	// the job has completed.
	Get(ctx context.Context, id string) (*Job, error)
}
