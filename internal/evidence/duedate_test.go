package evidence_test

import (
	"testing"
	"time"

	"github.com/epic-hq/Insights-sub011/internal/evidence"
)

func TestResolveDue(t *testing.T) {
	wednesday := time.Date(2026, 10, 14, 15, 30, 0, 0, time.UTC)
	friday := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		phrase string
		now    time.Time
		want   string
	}{
		{"tomorrow", wednesday, "2026-10-15"},
		{"Next Week", wednesday, "2026-10-21"},
		{"end of week", wednesday, "2026-10-16"},
		{"end of week", friday, "2026-10-23"},
		{"2026-11-02", wednesday, "2026-11-02"},
		{"November 3, 2026", wednesday, "2026-11-03"},
		{"Dec 1", wednesday, "2026-12-01"},
		{"2026-11-05T10:00:00Z", wednesday, "2026-11-05"},
		{"whenever", wednesday, ""},
		{"", wednesday, ""},
	}
	for _, tt := range tests {
		t.Run(tt.phrase, func(t *testing.T) {
			got := evidence.ResolveDue(tt.phrase, tt.now)
			if tt.want == "" {
				if got != nil {
					t.Fatalf("got %v, want nil", got)
				}
				return
			}
			if got == nil || got.Format("2006-01-02") != tt.want {
				t.Fatalf("got %v, want %s", got, tt.want)
			}
		})
	}
}
