package ui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/discrimhist/internal/otel"
	"github.com/abelbrown/discrimhist/internal/work"
)

func TestDebugOverlayNilRing(t *testing.T) {
	result := debugOverlay(nil, nil, 80, 24)
	if result != "" {
		t.Errorf("debugOverlay(nil) should return empty string, got %q", result)
	}
}

func TestDebugOverlayRendersStats(t *testing.T) {
	ring := otel.NewRingBuffer(64)
	ring.Push(otel.Event{Kind: otel.KindDispatchStart, Time: time.Now()})
	ring.Push(otel.Event{Kind: otel.KindDispatchStart, Time: time.Now()})
	ring.Push(otel.Event{Kind: otel.KindDispatchComplete, Time: time.Now()})
	ring.Push(otel.Event{Kind: otel.KindDispatchError, Time: time.Now()})
	ring.Push(otel.Event{Kind: otel.KindRecalcStale, Time: time.Now()})

	result := debugOverlay(ring, nil, 80, 40)

	if !strings.Contains(result, "Pipeline Stats") {
		t.Error("overlay should contain 'Pipeline Stats' header")
	}
	if !strings.Contains(result, "2 started, 1 complete, 1 errors") {
		t.Errorf("overlay should show dispatch stats, got:\n%s", result)
	}
	if !strings.Contains(result, "0 cancelled, 1 stale") {
		t.Errorf("overlay should show recalc stats, got:\n%s", result)
	}
	if !strings.Contains(result, "5 / 64 events") {
		t.Errorf("overlay should show buffer stats, got:\n%s", result)
	}
	if strings.Contains(result, "Work") {
		t.Errorf("overlay without pool should not show work section, got:\n%s", result)
	}
}

func TestDebugOverlayRecentEvents(t *testing.T) {
	ring := otel.NewRingBuffer(64)
	ring.Push(otel.Event{Kind: otel.KindRecalcTransition, Time: time.Now(), State: "running"})
	ring.Push(otel.Event{Kind: otel.KindDispatchError, Time: time.Now(), Err: "timeout"})
	ring.Push(otel.Event{Kind: otel.KindDispatchStart, Time: time.Now(), Msg: "filter", RequestID: "abcdef1234567890"})

	result := debugOverlay(ring, nil, 80, 40)

	if !strings.Contains(result, "Recent Events") {
		t.Error("overlay should contain 'Recent Events' header")
	}
	if !strings.Contains(result, "running") {
		t.Errorf("overlay should show transition state, got:\n%s", result)
	}
	if !strings.Contains(result, "ERR:timeout") {
		t.Errorf("overlay should show error, got:\n%s", result)
	}
	if !strings.Contains(result, "rid:abcdef12") {
		t.Errorf("overlay should show truncated request ID, got:\n%s", result)
	}
}

func TestDebugOverlayWorkSection(t *testing.T) {
	pool := work.NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	done := make(chan struct{})
	pool.SubmitFunc(ctx, work.TypeCompute, "Compute 1,2", work.PriorityHigh, func(ctx context.Context) (string, error) {
		close(done)
		return "ok", nil
	})
	<-done

	deadline := time.Now().Add(2 * time.Second)
	for pool.Stats().TotalCompleted == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	result := debugOverlay(otel.NewRingBuffer(8), pool, 100, 40)
	if !strings.Contains(result, "Work") {
		t.Errorf("overlay should show work section, got:\n%s", result)
	}
	if !strings.Contains(result, "Compute 1,2") {
		t.Errorf("overlay should list the finished item, got:\n%s", result)
	}
}

func TestDebugOverlayTruncation(t *testing.T) {
	ring := otel.NewRingBuffer(64)
	for i := 0; i < 30; i++ {
		ring.Push(otel.Event{Kind: otel.KindArtifactRead, Time: time.Now()})
	}

	// Very small height should still render without panic
	result := debugOverlay(ring, nil, 80, 10)
	if result == "" {
		t.Error("overlay should still render with small height")
	}

	lines := strings.Count(result, "\n")
	if lines > 20 { // generous bound accounting for lipgloss borders
		t.Errorf("overlay should be truncated, got %d lines", lines)
	}
}

func TestDebugToggle(t *testing.T) {
	ring := otel.NewRingBuffer(16)
	app := NewApp(Deps{Ring: ring})
	app.ready = true
	app.width = 80
	app.height = 24

	if app.debugVisible {
		t.Error("debug should be hidden initially")
	}

	model, _ := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'D'}})
	updated := model.(App)
	if !updated.debugVisible {
		t.Error("D should show debug overlay")
	}

	view := updated.View()
	if !strings.Contains(view, "[DEBUG]") {
		t.Errorf("debug view should contain '[DEBUG]', got:\n%s", view)
	}

	model, _ = updated.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'D'}})
	updated = model.(App)
	if updated.debugVisible {
		t.Error("second D should hide debug overlay")
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		dur  time.Duration
		want string
	}{
		{0, "0ms"},
		{50 * time.Millisecond, "50ms"},
		{999 * time.Millisecond, "999ms"},
		{1500 * time.Millisecond, "1.5s"},
		{30 * time.Second, "30.0s"},
		{90 * time.Second, "2m"}, // 1.5 minutes rounds to 2 with %.0f
		{5 * time.Minute, "5m"},
	}
	for _, tt := range tests {
		got := formatAge(tt.dur)
		if got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.dur, got, tt.want)
		}
	}
}

func TestFormatAgeNegative(t *testing.T) {
	got := formatAge(-5 * time.Second)
	if got != "0ms" {
		t.Errorf("formatAge(-5s) = %q, want \"0ms\"", got)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("short", 10); got != "short" {
		t.Errorf("truncateRunes(short) = %q", got)
	}
	if got := truncateRunes("abcdefgh", 4); got != "abc…" {
		t.Errorf("truncateRunes(abcdefgh, 4) = %q, want %q", got, "abc…")
	}
}
