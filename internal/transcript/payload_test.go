package transcript_test

import (
	"errors"
	"testing"

	"github.com/epic-hq/Insights-sub011/internal/transcript"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

func ms(v int64) *int64 { return &v }

func TestEstimateTurnDurationMs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want int64
	}{
		{"", 1200},
		{"ok", 1200},
		{"one two three four five six seven eight nine ten", 3704},
		{repeatWords(100), 12000},
	}
	for _, tt := range tests {
		if got := transcript.EstimateTurnDurationMs(tt.text); got != tt.want {
			t.Errorf("EstimateTurnDurationMs(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func repeatWords(n int) string {
	s := ""
	for range n {
		s += "word "
	}
	return s
}

func TestFromUtterances(t *testing.T) {
	t.Parallel()

	dur := 42.0
	data := transcript.FromUtterances([]types.Utterance{
		{Speaker: "Ana", Text: "We export to spreadsheets every week.", TimestampMs: ms(1000)},
		{Speaker: "Ben", Text: "   "},
		{Speaker: "Ben", Text: "Why?", TimestampMs: ms(4000)},
		{Speaker: "", Text: "Because the dashboard is slow."},
	}, &dur)

	wantText := "Ana: We export to spreadsheets every week.\nBen: Why?\n" + transcript.UnknownSpeaker + ": Because the dashboard is slow."
	if data.FullTranscript != wantText {
		t.Errorf("FullTranscript = %q, want %q", data.FullTranscript, wantText)
	}
	if data.AudioDuration == nil || *data.AudioDuration != 42 {
		t.Errorf("AudioDuration = %v, want 42", data.AudioDuration)
	}

	segs := data.SpeakerTranscripts
	if len(segs) != 3 {
		t.Fatalf("segments = %d, want 3 (blank dropped)", len(segs))
	}
	// End is the next later timestamp.
	if segs[0].Start != 1000 || segs[0].End != 4000 {
		t.Errorf("seg0 = %d-%d, want 1000-4000", segs[0].Start, segs[0].End)
	}
	// No later timestamp: end is start plus the estimate.
	if segs[1].Start != 4000 || segs[1].End != 5200 {
		t.Errorf("seg1 = %d-%d, want 4000-5200", segs[1].Start, segs[1].End)
	}
	// No timestamp: start follows the cursor.
	if segs[2].Start != 5200 {
		t.Errorf("seg2 start = %d, want 5200", segs[2].Start)
	}
	if segs[2].Speaker != transcript.UnknownSpeaker {
		t.Errorf("seg2 speaker = %q, want %q", segs[2].Speaker, transcript.UnknownSpeaker)
	}
}

func TestFromTurns(t *testing.T) {
	t.Parallel()

	turns := []types.Turn{
		timedTurn("Hello there.", 100, 900, true, true),
		{Transcript: "No timing here", EndOfTurn: true},
	}
	data := transcript.FromTurns(turns)
	if data.FullTranscript != "Hello there. No timing here" {
		t.Errorf("FullTranscript = %q", data.FullTranscript)
	}
	if len(data.Turns) != 2 {
		t.Errorf("Turns = %d, want 2", len(data.Turns))
	}
	segs := data.SpeakerTranscripts
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}
	if segs[0].Start != 100 || segs[0].End != 900 {
		t.Errorf("seg0 = %d-%d, want 100-900", segs[0].Start, segs[0].End)
	}
	if segs[0].Confidence == nil || *segs[0].Confidence < 0.79 || *segs[0].Confidence > 0.81 {
		t.Errorf("seg0 confidence = %v, want 0.8", segs[0].Confidence)
	}
	if segs[1].Start != 900 {
		t.Errorf("seg1 start = %d, want 900", segs[1].Start)
	}

	utts := transcript.Utterances(turns)
	if len(utts) != 2 || utts[0].TimestampMs == nil || *utts[0].TimestampMs != 100 {
		t.Errorf("Utterances = %+v", utts)
	}
	if utts[1].TimestampMs != nil {
		t.Error("untimed turn should have no timestamp")
	}
}

func TestNormalizeBotTranscript_RecallShape(t *testing.T) {
	t.Parallel()

	raw := []byte(`[
	  {"participant": {"name": "Dana"}, "words": [
	    {"text": "Our", "start_timestamp": {"relative": 1.5}, "end_timestamp": {"relative": 1.7}},
	    {"text": "churn", "start_timestamp": {"relative": 1.8}, "end_timestamp": {"relative": 2.25}}
	  ]},
	  {"participant": {"name": ""}, "words": [
	    {"text": "Interesting.", "start_timestamp": {"relative": 3}, "end_timestamp": {"relative": 3.6}}
	  ]}
	]`)
	data, err := transcript.NormalizeBotTranscript(raw)
	if err != nil {
		t.Fatalf("NormalizeBotTranscript: %v", err)
	}
	want := "Dana: Our churn\n" + transcript.UnknownSpeaker + ": Interesting."
	if data.FullTranscript != want {
		t.Errorf("FullTranscript = %q, want %q", data.FullTranscript, want)
	}
	seg := data.SpeakerTranscripts[0]
	if seg.Start != 1500 || seg.End != 2250 {
		t.Errorf("seg0 = %d-%d, want 1500-2250", seg.Start, seg.End)
	}
	if data.AudioDuration == nil || *data.AudioDuration != 3.6 {
		t.Errorf("AudioDuration = %v, want 3.6", data.AudioDuration)
	}
}

func TestNormalizeBotTranscript_LegacyShape(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"transcript": [
	  {"speaker": "Eli", "words": [{"text": "Pricing", "start_time": 0.5, "end_time": 1}]}
	]}`)
	data, err := transcript.NormalizeBotTranscript(raw)
	if err != nil {
		t.Fatalf("NormalizeBotTranscript: %v", err)
	}
	if data.FullTranscript != "Eli: Pricing" {
		t.Errorf("FullTranscript = %q", data.FullTranscript)
	}
	if s := data.SpeakerTranscripts[0]; s.Start != 500 || s.End != 1000 {
		t.Errorf("seg = %d-%d, want 500-1000", s.Start, s.End)
	}
}

func TestNormalizeBotTranscript_Errors(t *testing.T) {
	t.Parallel()

	if _, err := transcript.NormalizeBotTranscript([]byte(`[]`)); !errors.Is(err, transcript.ErrEmptyTranscript) {
		t.Errorf("empty: err = %v, want ErrEmptyTranscript", err)
	}
	if _, err := transcript.NormalizeBotTranscript([]byte(`[{"speaker":"x","words":[{"text":"  "}]}]`)); !errors.Is(err, transcript.ErrEmptyTranscript) {
		t.Errorf("blank words: err = %v, want ErrEmptyTranscript", err)
	}
	if _, err := transcript.NormalizeBotTranscript([]byte(`not json`)); err == nil {
		t.Error("expected decode error")
	}
}
