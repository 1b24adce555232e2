package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/abelbrown/discrimhist/internal/otel"
	"github.com/abelbrown/discrimhist/internal/work"
)

// debugPanelChrome is the number of terminal lines consumed by DebugPanel's
// border (top + bottom = 2) and vertical padding (top + bottom = 2).
// Must be updated if DebugPanel style changes.
const debugPanelChrome = 4

// debugOverlay renders the debug panel showing pipeline stats, work items
// and recent events. Returns empty string if ring is nil.
func debugOverlay(ring *otel.RingBuffer, pool *work.Pool, width, height int) string {
	if ring == nil {
		return ""
	}

	stats := ring.Stats()
	recent := ring.Last(20)

	var lines []string
	lines = append(lines, DebugHeaderStyle.Render("Pipeline Stats"))
	lines = append(lines, fmt.Sprintf("  Recalc:     %d triggers, %d cancelled, %d stale",
		stats[otel.KindRecalcTrigger], stats[otel.KindRecalcCancel], stats[otel.KindRecalcStale]))
	lines = append(lines, fmt.Sprintf("  Dispatch:   %d started, %d complete, %d errors",
		stats[otel.KindDispatchStart], stats[otel.KindDispatchComplete], stats[otel.KindDispatchError]))
	lines = append(lines, fmt.Sprintf("  Artifacts:  %d fetched, %d read",
		stats[otel.KindArtifactFetch], stats[otel.KindArtifactRead]))
	lines = append(lines, fmt.Sprintf("  Aggregate:  %d complete, %d discards, %d repairs",
		stats[otel.KindAggregateComplete], stats[otel.KindAggregateDiscard], stats[otel.KindAggregateRepair]))
	lines = append(lines, fmt.Sprintf("  Buffer:     %d / %d events", ring.Len(), ring.Cap()))
	lines = append(lines, "")

	if pool != nil {
		snap := pool.Snapshot()
		lines = append(lines, DebugHeaderStyle.Render("Work"))
		lines = append(lines, "  "+snap.Stats.String())
		for _, item := range snap.Active {
			lines = append(lines, fmt.Sprintf("  %s %s  %s", item.StatusIcon(), truncateRunes(item.Description, 40), formatAge(item.Duration())))
		}
		for i, item := range snap.Completed {
			if i == 3 {
				break
			}
			lines = append(lines, fmt.Sprintf("  %s %s  %s", item.StatusIcon(), truncateRunes(item.Description, 40), formatAge(item.Duration())))
		}
		lines = append(lines, "")
	}

	lines = append(lines, DebugHeaderStyle.Render("Recent Events"))
	for _, e := range recent {
		line := fmt.Sprintf("  %6s  %-20s", formatAge(time.Since(e.Time)), string(e.Kind))
		if e.State != "" {
			line += "  " + e.State
		}
		if e.Msg != "" {
			line += "  " + truncateRunes(e.Msg, 40)
		}
		if e.Err != "" {
			line += "  ERR:" + truncateRunes(e.Err, 30)
		}
		if e.RequestID != "" {
			line += "  rid:" + shortID(e.RequestID)
		}
		lines = append(lines, line)
	}

	// Truncate to fit terminal height
	maxHeight := height - debugPanelChrome
	if maxHeight < 1 {
		maxHeight = 1
	}
	if len(lines) > maxHeight {
		lines = lines[:maxHeight]
	}

	panelWidth := 88
	if panelWidth > width-4 {
		panelWidth = width - 4
	}
	if panelWidth < 20 {
		panelWidth = 20
	}

	return DebugPanel.Width(panelWidth).Render(strings.Join(lines, "\n"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncateRunes cuts s to at most n runes, marking the cut with "…".
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

// formatAge formats a duration as a compact human string.
// Handles negative durations from clock skew by clamping to "0ms".
func formatAge(d time.Duration) string {
	if d < 0 {
		return "0ms"
	}
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
}

// debugStatusBar renders the status bar for the debug overlay.
func debugStatusBar(width int) string {
	keys := StatusBarKey.Render("D") + StatusBarText.Render(":close")
	return StatusBar.Width(width).Render("  [DEBUG]  " + keys)
}
