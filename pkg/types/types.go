// Package types defines the shared data types used across the ingestion
// pipeline: interviews and their lifecycle, streaming turns, transcript
// payloads, pipeline jobs, and extracted evidence.
//
// These types are intentionally free of behaviour beyond small helpers so that
// every layer (store, pipeline, HTTP API, live client) can share them without
// import cycles.
package types

import (
	"encoding/json"
	"time"
)

// Interview is one recorded conversation.
type Interview struct {
	ID        string
	AccountID string
	ProjectID string
	Title     string

	// Status is the lifecycle state. See [InterviewStatus.CanTransition].
	Status InterviewStatus

	// StatusDetail is a short human-readable progress or failure string.
	StatusDetail string

	// Transcript is the plain-text transcript.
	Transcript string

	// TranscriptFormatted holds the structured transcript payload.
	TranscriptFormatted *TranscriptData

	// ProcessingMetadata is an opaque JSON bag carrying stage progress,
	// external job IDs, and error detail.
	ProcessingMetadata map[string]any

	MediaURL          string
	RawMediaURL       string
	ProcessedMediaURL string

	DurationSeconds float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InterviewStatus is the interview lifecycle state.
type InterviewStatus string

const (
	StatusUploading    InterviewStatus = "uploading"
	StatusUploaded     InterviewStatus = "uploaded"
	StatusTranscribing InterviewStatus = "transcribing"
	StatusTranscribed  InterviewStatus = "transcribed"
	StatusProcessing   InterviewStatus = "processing"
	StatusReady        InterviewStatus = "ready"
	StatusError        InterviewStatus = "error"
)

// statusRank orders the non-error states. Transitions must move forward.
var statusRank = map[InterviewStatus]int{
	StatusUploading:    1,
	StatusUploaded:     2,
	StatusTranscribing: 3,
	StatusTranscribed:  4,
	StatusProcessing:   5,
	StatusReady:        6,
}

// IsValid reports whether s is a recognised status.
func (s InterviewStatus) IsValid() bool {
	if s == StatusError {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// IsTerminal reports whether s is ready or error.
func (s InterviewStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusError
}

// Rank returns the position of s in the linear lifecycle. Error and unknown
// states return 0.
func (s InterviewStatus) Rank() int {
	return statusRank[s]
}

// CanTransition reports whether an interview in state s may move to next
// without an explicit new trigger. Forward moves (including skips, e.g.
// uploaded → transcribed for meeting-bot transcripts) are allowed; error is
// reachable from any non-terminal state; nothing leaves a terminal state.
// An empty s (a record that does not exist yet) may enter any state.
func (s InterviewStatus) CanTransition(next InterviewStatus) bool {
	if s == "" {
		return next.IsValid()
	}
	if s.IsTerminal() {
		return false
	}
	if next == StatusError {
		return true
	}
	return next.Rank() > s.Rank()
}

// Word is one timed word inside a streaming turn. Times are in milliseconds.
type Word struct {
	Text        string  `json:"text"`
	Start       int64   `json:"start"`
	End         int64   `json:"end"`
	Confidence  float64 `json:"confidence"`
	WordIsFinal bool    `json:"word_is_final"`
}

// Turn is one utterance unit emitted by a streaming transcription session.
type Turn struct {
	Transcript string `json:"transcript"`
	Words      []Word `json:"words"`
	EndOfTurn  bool   `json:"end_of_turn"`
	Formatted  bool   `json:"turn_is_formatted"`

	// Speaker is optional; streaming providers without diarization leave it empty.
	Speaker string `json:"speaker,omitempty"`
}

// Utterance is a speaker-tagged piece of text used as extraction input and
// as the finalize payload element.
type Utterance struct {
	Speaker     string `json:"speaker"`
	Text        string `json:"text"`
	TimestampMs *int64 `json:"timestamp_ms,omitempty"`
}

// Segment is one speaker-tagged transcript segment with optional timing in
// milliseconds.
type Segment struct {
	Speaker    string   `json:"speaker"`
	Text       string   `json:"text"`
	Start      int64    `json:"start"`
	End        int64    `json:"end"`
	Confidence *float64 `json:"confidence"`
}

// TranscriptData is the structured transcript stored in
// Interview.TranscriptFormatted.
type TranscriptData struct {
	FullTranscript     string    `json:"full_transcript"`
	Confidence         *float64  `json:"confidence,omitempty"`
	AudioDuration      *float64  `json:"audio_duration,omitempty"`
	FileType           string    `json:"file_type,omitempty"`
	Language           string    `json:"language,omitempty"`
	SpeakerTranscripts []Segment `json:"speaker_transcripts,omitempty"`
	Turns              []Turn    `json:"turns,omitempty"`
}

// HasText reports whether the payload carries a non-blank transcript.
func (d *TranscriptData) HasText() bool {
	if d == nil {
		return false
	}
	for _, r := range d.FullTranscript {
		if r != ' ' && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}

// JobStatus is the status of one pipeline job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobDone       JobStatus = "done"
	JobError      JobStatus = "error"
	JobRetry      JobStatus = "retry"
)

// IsActive reports whether a job in this status blocks another job for the
// same (interview, stage).
func (s JobStatus) IsActive() bool {
	return s == JobPending || s == JobInProgress || s == JobRetry
}

// Stage names a durable pipeline stage.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageBotIngest  Stage = "bot_ingest"
	StageAnalysis   Stage = "analysis"
	StageExtract    Stage = "extract"
)

// Job is one durable background task invocation.
type Job struct {
	ID          string
	InterviewID string
	Stage       Stage

	// ExternalID correlates the job with an external system, e.g. the
	// transcription provider's job ID.
	ExternalID string

	Status       JobStatus
	StatusDetail string
	LastError    string
	Attempts     int

	// Payload carries stage input (media URL, bot ID, custom instructions).
	Payload json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Confidence is the evidence confidence tier.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// FacetMention is one category tag attached to extracted evidence.
type FacetMention struct {
	KindSlug string `json:"kind_slug"`
	Value    string `json:"value"`
}

// Evidence is one persisted unit of insight tied to an interview.
type Evidence struct {
	ID           string
	InterviewID  string
	AccountID    string
	ProjectID    string
	Gist         string
	Verbatim     string
	SpeakerLabel string
	Confidence   Confidence
	Facets       []FacetMention
	PersonID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task is an action item extracted from a conversation.
type Task struct {
	ID          string     `json:"id,omitempty"`
	InterviewID string     `json:"interview_id,omitempty"`
	Text        string     `json:"text"`
	Assignee    string     `json:"assignee,omitempty"`
	Due         string     `json:"due,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

// Person is a person mentioned in or attending a conversation.
type Person struct {
	ID        string `json:"id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	PersonKey string `json:"person_key"`
	Name      string `json:"person_name"`
	Role      string `json:"role,omitempty"`
}
