// Package transcript owns the transcript data path: turn keys and the
// finalized turn sequence of a streaming session, plus builders that turn
// streaming turns, speaker utterances, or meeting-bot transcripts into the
// structured [types.TranscriptData] payload stored on an interview.
package transcript

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// fallbackPrefixRunes is how much of the transcript text goes into a
// fallback turn key.
const fallbackPrefixRunes = 32

// TurnKey identifies a turn across its unformatted and formatted deliveries.
//
// With word timing the key is "<first word start>-<last word end>". Without
// it the key falls back to "tx-<rune length>:<first 32 runes>". The fallback
// can collide for distinct short utterances sharing a prefix; callers must
// not treat it as globally unique.
func TurnKey(t types.Turn) string {
	if n := len(t.Words); n > 0 {
		return fmt.Sprintf("%d-%d", t.Words[0].Start, t.Words[n-1].End)
	}
	prefix := t.Transcript
	if utf8.RuneCountInString(prefix) > fallbackPrefixRunes {
		prefix = string([]rune(prefix)[:fallbackPrefixRunes])
	}
	return fmt.Sprintf("tx-%d:%s", utf8.RuneCountInString(t.Transcript), prefix)
}

// MergeResult describes what [Sequence.Apply] did with a turn.
type MergeResult int

const (
	// MergeDraft means the turn was a live partial and replaced the draft.
	MergeDraft MergeResult = iota

	// MergeAppended means the turn was appended as a new finalized turn.
	MergeAppended

	// MergeReplaced means a formatted turn replaced its unformatted twin.
	MergeReplaced

	// MergeIgnored means the turn duplicated the last finalized turn.
	MergeIgnored
)

// String returns the human-readable name of the result.
func (r MergeResult) String() string {
	switch r {
	case MergeDraft:
		return "draft"
	case MergeAppended:
		return "appended"
	case MergeReplaced:
		return "replaced"
	case MergeIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Sequence is the ordered list of finalized turns for one streaming session
// plus the current live draft. It is safe for concurrent use.
type Sequence struct {
	mu     sync.Mutex
	final  []types.Turn
	draft  types.Turn
	hasDft bool
}

// Apply merges one Turn event into the sequence.
//
// A turn with EndOfTurn=false becomes the draft. A finalized turn whose key
// equals the last finalized turn's key replaces it only when the new turn is
// formatted and the stored one is not; otherwise it is ignored. Any other
// finalized turn is appended. Finalizing a turn clears the draft.
func (s *Sequence) Apply(t types.Turn) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !t.EndOfTurn {
		s.draft = t
		s.hasDft = true
		return MergeDraft
	}

	s.draft = types.Turn{}
	s.hasDft = false

	t.Words = append([]types.Word(nil), t.Words...)
	if n := len(s.final); n > 0 {
		last := s.final[n-1]
		if TurnKey(last) == TurnKey(t) {
			if t.Formatted && !last.Formatted {
				s.final[n-1] = t
				return MergeReplaced
			}
			return MergeIgnored
		}
	}
	s.final = append(s.final, t)
	return MergeAppended
}

// Reset clears finalized turns and the draft, as on a new session Begin.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final = nil
	s.draft = types.Turn{}
	s.hasDft = false
}

// Final returns a snapshot of the finalized turns.
func (s *Sequence) Final() []types.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Turn, len(s.final))
	copy(out, s.final)
	return out
}

// Len returns the number of finalized turns.
func (s *Sequence) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.final)
}

// Draft returns the current live draft, if any.
func (s *Sequence) Draft() (types.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft, s.hasDft
}

// Text joins the finalized turn transcripts with single spaces.
func (s *Sequence) Text() string {
	return JoinTurns(s.Final())
}

// JoinTurns joins the turn transcripts with single spaces, skipping blanks.
func JoinTurns(turns []types.Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		if txt := strings.TrimSpace(t.Transcript); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, " ")
}
