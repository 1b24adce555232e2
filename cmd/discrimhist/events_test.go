package main

import (
	"strings"
	"testing"
	"time"
)

const sampleLog = `{"t":"2026-01-02T10:00:00Z","level":"info","kind":"recalc.trigger","comp":"recalc","msg":"timeseries"}
{"t":"2026-01-02T10:00:01Z","level":"debug","kind":"dispatch.start","comp":"dispatch","rid":"0191a2b3-c4d5-7000-8000-000000000001","gen":1}
not json
{"t":"2026-01-02T10:00:02Z","level":"error","kind":"dispatch.error","comp":"dispatch","rid":"0191a2b3-c4d5-7000-8000-000000000001","stage":"run","err":"exit status 1"}

{"t":"2026-01-02T10:00:03Z","level":"info","kind":"recalc.transition","comp":"recalc","state":"failed","gen":1}
`

func TestReadTailLinesKeepsLastMatches(t *testing.T) {
	all := func(eventRecord) bool { return true }

	got := readTailLines(strings.NewReader(sampleLog), 2, all)
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2", len(got))
	}
	if got[0].ev.Kind != "dispatch.error" || got[1].ev.Kind != "recalc.transition" {
		t.Errorf("got kinds %s, %s", got[0].ev.Kind, got[1].ev.Kind)
	}

	if got := readTailLines(strings.NewReader(sampleLog), 0, all); len(got) != 0 {
		t.Errorf("tail 0 should return nothing, got %d", len(got))
	}
}

func TestEventFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter eventFilter
		want   int
	}{
		{"all", eventFilter{}, 4},
		{"kind prefix", eventFilter{kind: "dispatch"}, 2},
		{"min level", eventFilter{minLevel: "info"}, 3},
		{"errors", eventFilter{minLevel: "error"}, 1},
		{"component", eventFilter{comp: "recalc"}, 2},
		{"request prefix", eventFilter{rid: "0191a2b3-c4d5"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := readTailLines(strings.NewReader(sampleLog), 50, tt.filter.match)
			if len(got) != tt.want {
				t.Errorf("matched %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestFormatEvent(t *testing.T) {
	ev := eventRecord{
		Time:      time.Date(2026, 1, 2, 10, 0, 2, 0, time.UTC),
		Level:     "error",
		Kind:      "dispatch.error",
		Comp:      "dispatch",
		RequestID: "0191a2b3-c4d5-7000-8000-000000000001",
		Gen:       3,
		Stage:     "run",
		DurMs:     12.5,
		Err:       "exit status 1",
	}

	line := formatEvent(ev)
	for _, want := range []string{"ERROR", "dispatch.error", "gen=3", "stage=run", "(12.5ms)", "rid=0191a2b3-c4d5", "err=exit status 1"} {
		if !strings.Contains(line, want) {
			t.Errorf("line missing %q: %s", want, line)
		}
	}
}

func TestShortIDAndTruncate(t *testing.T) {
	if got := shortID("0191a2b3-c4d5-7000-8000-000000000001"); got != "0191a2b3-c4d5" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID(abc) = %q", got)
	}
	if got := truncate("1,2,3,4,5,6,7,8,9,10", 10); got != "1,2,3,4..." {
		t.Errorf("truncate = %q", got)
	}
}
