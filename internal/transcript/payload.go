package transcript

import (
	"math"
	"strings"

	"github.com/epic-hq/Insights-sub011/pkg/types"
)

const (
	// UnknownSpeaker labels segments without speaker attribution.
	UnknownSpeaker = "Unknown Speaker"

	// speechWordsPerSecond drives the turn duration estimate.
	speechWordsPerSecond = 2.7

	minTurnEstimateMs = 1200
	maxTurnEstimateMs = 12000
)

// EstimateTurnDurationMs approximates how long text takes to say, clamped
// to [1.2 s, 12 s].
func EstimateTurnDurationMs(text string) int64 {
	words := len(strings.Fields(text))
	est := int64(math.Round(float64(words) / speechWordsPerSecond * 1000))
	if est == 0 {
		est = minTurnEstimateMs
	}
	return max(minTurnEstimateMs, min(maxTurnEstimateMs, est))
}

// FromUtterances builds the transcript payload for a finalized live or
// desktop recording. Blank utterances are dropped; the full transcript has
// one "speaker: text" line per utterance. Segment start is the utterance
// timestamp or a running cursor, and segment end is the next strictly later
// timestamp or start plus [EstimateTurnDurationMs].
func FromUtterances(utts []types.Utterance, durationSeconds *float64) *types.TranscriptData {
	kept := make([]types.Utterance, 0, len(utts))
	for _, u := range utts {
		if strings.TrimSpace(u.Text) != "" {
			kept = append(kept, u)
		}
	}

	lines := make([]string, 0, len(kept))
	segments := make([]types.Segment, 0, len(kept))
	var cursor int64
	for i, u := range kept {
		speaker := u.Speaker
		if speaker == "" {
			speaker = UnknownSpeaker
		}
		lines = append(lines, speaker+": "+u.Text)

		start := cursor
		if u.TimestampMs != nil {
			start = max(0, *u.TimestampMs)
		}
		end := int64(-1)
		for _, next := range kept[i+1:] {
			if next.TimestampMs != nil && *next.TimestampMs > start {
				end = *next.TimestampMs
				break
			}
		}
		if end < 0 {
			end = start + EstimateTurnDurationMs(u.Text)
		}
		cursor = max(cursor, end)

		segments = append(segments, types.Segment{
			Speaker: speaker,
			Text:    u.Text,
			Start:   start,
			End:     end,
		})
	}

	return &types.TranscriptData{
		FullTranscript:     strings.Join(lines, "\n"),
		AudioDuration:      durationSeconds,
		FileType:           "realtime",
		SpeakerTranscripts: segments,
	}
}

// FromTurns builds the transcript payload for a streaming session's
// finalized turns. The full transcript is the turns joined by spaces.
func FromTurns(turns []types.Turn) *types.TranscriptData {
	segments := make([]types.Segment, 0, len(turns))
	var cursor int64
	for _, t := range turns {
		text := strings.TrimSpace(t.Transcript)
		if text == "" {
			continue
		}
		start, end := cursor, cursor+EstimateTurnDurationMs(text)
		if n := len(t.Words); n > 0 {
			start, end = t.Words[0].Start, t.Words[n-1].End
		}
		cursor = max(cursor, end)

		speaker := t.Speaker
		if speaker == "" {
			speaker = UnknownSpeaker
		}
		segments = append(segments, types.Segment{
			Speaker:    speaker,
			Text:       text,
			Start:      start,
			End:        end,
			Confidence: meanConfidence(t.Words),
		})
	}
	return &types.TranscriptData{
		FullTranscript:     JoinTurns(turns),
		FileType:           "realtime",
		SpeakerTranscripts: segments,
		Turns:              turns,
	}
}

// Utterances converts finalized turns into extraction input.
func Utterances(turns []types.Turn) []types.Utterance {
	out := make([]types.Utterance, 0, len(turns))
	for _, t := range turns {
		text := strings.TrimSpace(t.Transcript)
		if text == "" {
			continue
		}
		speaker := t.Speaker
		if speaker == "" {
			speaker = UnknownSpeaker
		}
		u := types.Utterance{Speaker: speaker, Text: text}
		if len(t.Words) > 0 {
			ts := t.Words[0].Start
			u.TimestampMs = &ts
		}
		out = append(out, u)
	}
	return out
}

func meanConfidence(words []types.Word) *float64 {
	if len(words) == 0 {
		return nil
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	mean := sum / float64(len(words))
	return &mean
}
