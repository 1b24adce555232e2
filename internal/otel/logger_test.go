package otel

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// lines splits JSONL output and decodes every line into a generic map.
func lines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for i, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %d is not JSON: %v: %s", i, err, line)
		}
		out = append(out, m)
	}
	return out
}

func TestRunLifecycleWritten(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.Emit(Event{Level: LevelDebug, Kind: KindRecalcTrigger, Comp: "recalc", Msg: "timeseries"})
	l.Emit(Event{Level: LevelInfo, Kind: KindRecalcTransition, Comp: "recalc", State: "running", Gen: 4, RequestID: "r-4"})
	l.Emit(Event{Level: LevelDebug, Kind: KindDispatchComplete, Comp: "dispatch", RequestID: "r-4", Stage: "fetch", Dur: 1500 * time.Millisecond})
	l.Emit(Event{Level: LevelInfo, Kind: KindAggregateComplete, Comp: "compute", RequestID: "r-4", Count: 9, Clusters: 3})
	l.Close()

	got := lines(t, buf.Bytes())
	if len(got) != 4 {
		t.Fatalf("got %d lines, want 4", len(got))
	}

	tests := []struct {
		line  int
		field string
		want  any
	}{
		{0, "kind", "recalc.trigger"},
		{0, "level", "debug"},
		{0, "msg", "timeseries"},
		{1, "state", "running"},
		{1, "gen", float64(4)},
		{1, "rid", "r-4"},
		{2, "stage", "fetch"},
		{2, "dur_ms", float64(1500)},
		{3, "comp", "compute"},
		{3, "count", float64(9)},
		{3, "clusters", float64(3)},
	}
	for _, tt := range tests {
		if v := got[tt.line][tt.field]; v != tt.want {
			t.Errorf("line %d %s = %v, want %v", tt.line, tt.field, v, tt.want)
		}
	}
}

func TestEmptyFieldsOmitted(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.Emit(Event{Kind: KindStartup})
	l.Close()

	ev := lines(t, buf.Bytes())[0]
	for _, field := range []string{"dur_ms", "count", "rid", "gen", "stage", "state", "clusters", "err", "msg", "extra"} {
		if _, ok := ev[field]; ok {
			t.Errorf("%q should be omitted from %v", field, ev)
		}
	}
	for _, field := range []string{"t", "kind", "session_id"} {
		if _, ok := ev[field]; !ok {
			t.Errorf("%q missing from %v", field, ev)
		}
	}
}

func TestStampsTimeAndSession(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	fixed := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	before := time.Now()
	l.Emit(Event{Kind: KindStartup})
	l.Emit(Event{Kind: KindShutdown, Time: fixed})
	l.Close()
	after := time.Now()

	var evs []Event
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatal(err)
		}
		evs = append(evs, ev)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events", len(evs))
	}

	if evs[0].Time.Before(before) || evs[0].Time.After(after) {
		t.Errorf("stamped time %v outside [%v, %v]", evs[0].Time, before, after)
	}
	if !evs[1].Time.Equal(fixed) {
		t.Errorf("preset time overwritten: %v", evs[1].Time)
	}
	if len(evs[0].SessionID) != 16 {
		t.Errorf("session id %q, want 16 hex chars", evs[0].SessionID)
	}
	if evs[0].SessionID != evs[1].SessionID {
		t.Errorf("session id changed within a logger: %q vs %q", evs[0].SessionID, evs[1].SessionID)
	}
}

func TestLevelHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.Info(KindStartup, "main", "view")
	l.Warn(KindDispatchError, "dispatch", "filter service unavailable")
	l.Error(KindError, "store", errors.New("database is locked"))
	l.Error(KindError, "store", nil)
	l.Close()

	got := lines(t, buf.Bytes())
	want := []struct {
		level, kind, comp, text string
	}{
		{"info", "sys.startup", "main", "view"},
		{"warn", "dispatch.error", "dispatch", "filter service unavailable"},
		{"error", "sys.error", "store", "database is locked"},
		{"error", "sys.error", "store", ""},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d", len(got), len(want))
	}
	for i, w := range want {
		ev := got[i]
		if ev["level"] != w.level || ev["kind"] != w.kind || ev["comp"] != w.comp {
			t.Errorf("line %d = %v, want %s %s %s", i, ev, w.level, w.kind, w.comp)
		}
		text, _ := ev["msg"].(string)
		if w.level == "error" {
			text, _ = ev["err"].(string)
		}
		if text != w.text {
			t.Errorf("line %d text = %q, want %q", i, text, w.text)
		}
	}
}

func TestConcurrentEmitters(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	var wg sync.WaitGroup
	for gen := 1; gen <= 50; gen++ {
		wg.Add(1)
		go func(gen uint64) {
			defer wg.Done()
			l.Emit(Event{Kind: KindRecalcStale, Gen: gen})
			l.Emit(Event{Kind: KindRecalcCancel, Gen: gen})
		}(uint64(gen))
	}
	wg.Wait()
	l.Close()

	got := lines(t, buf.Bytes())
	if len(got) != 100 {
		t.Fatalf("got %d lines, want 100", len(got))
	}
	if l.Dropped() != 0 {
		t.Errorf("dropped %d events under light load", l.Dropped())
	}
}

func TestCloseFlushesAndIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	for i := 0; i < 10; i++ {
		l.Emit(Event{Kind: KindArtifactRead, Count: i + 1})
	}
	l.Close()
	l.Close()

	if n := len(lines(t, buf.Bytes())); n != 10 {
		t.Errorf("got %d lines after Close, want 10", n)
	}

	l.Emit(Event{Kind: KindShutdown})
	if l.Dropped() != 1 {
		t.Errorf("emit after Close should count as dropped, got %d", l.Dropped())
	}

	null := NewNullLogger()
	null.Emit(Event{Kind: KindStartup})
	null.Close()
}

// stallWriter blocks the drain goroutine inside its first Write until
// release is closed.
type stallWriter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (w *stallWriter) Write(p []byte) (int, error) {
	w.once.Do(func() {
		close(w.entered)
		<-w.release
	})
	return len(p), nil
}

func TestFullChannelDrops(t *testing.T) {
	w := &stallWriter{entered: make(chan struct{}), release: make(chan struct{})}
	l := NewLogger(w)

	l.Emit(Event{Kind: KindDispatchStart})
	<-w.entered

	for i := 0; i < writerChanSize+25; i++ {
		l.Emit(Event{Kind: KindDispatchStart})
	}
	if l.Dropped() < 25 {
		t.Errorf("dropped = %d, want at least 25", l.Dropped())
	}

	close(w.release)
	l.Close()
}

func TestOpenAppendsAcrossSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")

	var sessions []string
	for gen := uint64(1); gen <= 2; gen++ {
		l, f, err := Open(path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		l.Emit(Event{Kind: KindRecalcTransition, State: "running", Gen: gen})
		l.Close()
		f.Close()
		sessions = append(sessions, l.sessionID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := lines(t, data)
	if len(got) != 2 {
		t.Fatalf("got %d lines across sessions, want 2", len(got))
	}
	for i, ev := range got {
		if ev["gen"] != float64(i+1) {
			t.Errorf("line %d gen = %v", i, ev["gen"])
		}
		if ev["session_id"] != sessions[i] {
			t.Errorf("line %d session = %v, want %s", i, ev["session_id"], sessions[i])
		}
	}
	if sessions[0] == sessions[1] {
		t.Error("each Open should start a new session")
	}
}
