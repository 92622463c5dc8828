package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// ErrEmptyTranscript is returned when a meeting-bot transcript contains no
// spoken words after normalization.
var ErrEmptyTranscript = errors.New("transcript: no spoken words")

// botTimestamp accepts both the nested {"relative": s} form and a bare
// number of seconds.
type botTimestamp struct {
	Relative *float64
}

func (t *botTimestamp) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		t.Relative = &n
		return nil
	}
	var obj struct {
		Relative *float64 `json:"relative"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	t.Relative = obj.Relative
	return nil
}

type botWord struct {
	Text       string        `json:"text"`
	Confidence *float64      `json:"confidence"`
	StartTS    *botTimestamp `json:"start_timestamp"`
	EndTS      *botTimestamp `json:"end_timestamp"`
	StartTime  *float64      `json:"start_time"`
	EndTime    *float64      `json:"end_time"`
}

func (w botWord) bounds() (start, end *float64) {
	if w.StartTS != nil {
		start = w.StartTS.Relative
	}
	if start == nil {
		start = w.StartTime
	}
	if w.EndTS != nil {
		end = w.EndTS.Relative
	}
	if end == nil {
		end = w.EndTime
	}
	return start, end
}

type botEntry struct {
	Participant *struct {
		Name string `json:"name"`
	} `json:"participant"`
	Speaker string    `json:"speaker"`
	Words   []botWord `json:"words"`
}

func (e botEntry) speaker() string {
	if e.Participant != nil && strings.TrimSpace(e.Participant.Name) != "" {
		return strings.TrimSpace(e.Participant.Name)
	}
	if s := strings.TrimSpace(e.Speaker); s != "" {
		return s
	}
	return UnknownSpeaker
}

// NormalizeBotTranscript converts a meeting-bot transcript document into a
// [types.TranscriptData]. The document is either a JSON array of speaker
// entries or an object wrapping that array under "transcript" or "segments".
// Word times are seconds and become milliseconds on the resulting segments.
func NormalizeBotTranscript(raw []byte) (*types.TranscriptData, error) {
	entries, err := decodeBotEntries(raw)
	if err != nil {
		return nil, err
	}

	var (
		segments []types.Segment
		lines    []string
		lastEnd  int64
	)
	for _, e := range entries {
		var (
			parts      []string
			start, end int64 = -1, -1
			confSum    float64
			confCount  int
		)
		for _, w := range e.Words {
			text := strings.TrimSpace(w.Text)
			if text == "" {
				continue
			}
			parts = append(parts, text)
			s, en := w.bounds()
			if s != nil && start < 0 {
				start = secondsToMs(*s)
			}
			if en != nil {
				end = secondsToMs(*en)
			}
			if w.Confidence != nil {
				confSum += *w.Confidence
				confCount++
			}
		}
		if len(parts) == 0 {
			continue
		}
		text := strings.Join(parts, " ")
		if start < 0 {
			start = lastEnd
		}
		if end < start {
			end = start + EstimateTurnDurationMs(text)
		}
		lastEnd = max(lastEnd, end)

		seg := types.Segment{Speaker: e.speaker(), Text: text, Start: start, End: end}
		if confCount > 0 {
			c := confSum / float64(confCount)
			seg.Confidence = &c
		}
		segments = append(segments, seg)
		lines = append(lines, seg.Speaker+": "+text)
	}

	if len(segments) == 0 {
		return nil, ErrEmptyTranscript
	}

	duration := float64(lastEnd) / 1000
	return &types.TranscriptData{
		FullTranscript:     strings.Join(lines, "\n"),
		AudioDuration:      &duration,
		FileType:           "meeting_bot",
		SpeakerTranscripts: segments,
	}, nil
}

func decodeBotEntries(raw []byte) ([]botEntry, error) {
	var entries []botEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		return entries, nil
	}
	var wrapped struct {
		Transcript []botEntry `json:"transcript"`
		Segments   []botEntry `json:"segments"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("transcript: decode bot transcript: %w", err)
	}
	if len(wrapped.Transcript) > 0 {
		return wrapped.Transcript, nil
	}
	return wrapped.Segments, nil
}

func secondsToMs(s float64) int64 {
	return int64(math.Round(s * 1000))
}
