package stt

import (
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// EventType names a realtime session event.
type EventType string

const (
	EventBegin       EventType = "Begin"
	EventTurn        EventType = "Turn"
	EventError       EventType = "Error"
	EventTermination EventType = "Termination"
)

// Event is one message received from a realtime session.
type Event struct {
	Type EventType

	// SessionID is set on Begin.
	SessionID string

	// Turn is set on Turn events.
	Turn types.Turn

	// Err is set on Error events.
	Err error
}

// Job statuses reported by batch transcription providers.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobError      = "error"
)

// SubmitRequest describes a batch transcription job.
type SubmitRequest struct {
	AudioURL      string
	WebhookURL    string
	SpeakerLabels bool
}

// Utterance is one speaker-attributed span of a completed batch job. Times
// are milliseconds.
type Utterance struct {
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Job is the state of a batch transcription job.
type Job struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	Text          string      `json:"text"`
	Confidence    *float64    `json:"confidence"`
	AudioDuration *float64    `json:"audio_duration"`
	LanguageCode  string      `json:"language_code"`
	Utterances    []Utterance `json:"utterances"`
	Error         string      `json:"error"`
}

// Terminal reports whether the job will not change status again.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobError || j.Status == "failed"
}

// TranscriptData converts a completed job into the stored transcript
// payload. Utterances become speaker segments; a job without utterances
// yields a single unattributed segment carrying the full text.
func (j *Job) TranscriptData() *types.TranscriptData {
	segs := make([]types.Segment, 0, len(j.Utterances))
	for _, u := range j.Utterances {
		conf := u.Confidence
		speaker := u.Speaker
		if speaker == "" {
			speaker = "A"
		}
		segs = append(segs, types.Segment{
			Speaker:    speaker,
			Text:       u.Text,
			Start:      u.Start,
			End:        u.End,
			Confidence: &conf,
		})
	}
	if len(segs) == 0 && j.Text != "" {
		segs = append(segs, types.Segment{Speaker: "A", Text: j.Text, Confidence: j.Confidence})
	}
	return &types.TranscriptData{
		FullTranscript:     j.Text,
		Confidence:         j.Confidence,
		AudioDuration:      j.AudioDuration,
		FileType:           "audio",
		Language:           j.LanguageCode,
		SpeakerTranscripts: segs,
	}
}
