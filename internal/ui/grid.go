package ui

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gonum.org/v1/gonum/floats"

	"github.com/abelbrown/discrimhist/internal/discrim"
)

// Eighth-block glyphs, index = filled eighths of a cell.
var blocks = []rune(" ▁▂▃▄▅▆▇█")

const (
	// panelChrome is the border width added around every panel.
	panelChrome   = 2
	minPanelWidth = 14
	minPanelRows  = 6
	maxPanelRows  = 14
)

// gridShape is how the panels of a result are laid out on screen.
type gridShape struct {
	perRow     int // panels per screen row
	panelWidth int // outer width including border
	panelRows  int // outer height including border
	visible    int // screen rows of panels that fit
}

// shapeGrid fits n*n panels into width x height. One cluster row (all k1
// for a fixed k2) maps to one screen row when there is room.
func shapeGrid(n, width, height int) gridShape {
	if n < 1 {
		n = 1
	}
	g := gridShape{perRow: n, panelWidth: width / n}
	if g.panelWidth < minPanelWidth {
		g.panelWidth = minPanelWidth
		g.perRow = max(1, width/minPanelWidth)
	}
	total := (n*n + g.perRow - 1) / g.perRow
	g.panelRows = min(max(height/max(total, 1), minPanelRows), maxPanelRows)
	g.visible = max(1, height/g.panelRows)
	return g
}

// renderGrid draws every histogram of res on layout. selected is the
// highlighted panel index; rows are scrolled so it stays in view.
func renderGrid(res discrim.Result, layout discrim.Layout, width, height, selected int) string {
	if len(res.Histograms) == 0 {
		return HelpStyle.Render("Result has no histograms.")
	}
	g := shapeGrid(len(res.Clusters), width, height)

	selRow := selected / g.perRow
	first := 0
	if selRow >= g.visible {
		first = selRow - g.visible + 1
	}

	var rows []string
	for r := first; r < first+g.visible; r++ {
		start := r * g.perRow
		if start >= len(res.Histograms) {
			break
		}
		end := min(start+g.perRow, len(res.Histograms))
		panels := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			panels = append(panels, renderPanel(res.Histograms[i], layout, g.panelWidth, g.panelRows, i == selected))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, panels...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// renderPanel draws one pair: a title line, then bars of all events with
// the "other" side overlaid.
func renderPanel(h discrim.Histogram, layout discrim.Layout, width, height int, selected bool) string {
	innerW := max(width-panelChrome, 1)
	barRows := max(height-panelChrome-1, 1)

	title := PanelTitle.Render(h.Pair().String())
	counts := fmt.Sprintf(" %d|%d", len(h.Same), len(h.Other))
	if h.SameDerived || h.OtherDerived {
		counts += PanelTitleDerived.Render(" ~")
	}

	from, to := layout.VisibleBins()
	all := columns(layout.Bin(h.All()), from, to, innerW)
	other := columns(layout.Bin(h.Other), from, to, innerW)

	lines := append([]string{title + counts}, renderBars(all, other, barRows)...)

	style := Panel
	if selected {
		style = SelectedPanel
	}
	return style.Width(innerW).Render(strings.Join(lines, "\n"))
}

// columns folds bins [from, to) of counts into at most n screen columns.
func columns(counts []float64, from, to, n int) []float64 {
	span := to - from
	if span <= 0 || n <= 0 {
		return nil
	}
	n = min(n, span)
	out := make([]float64, n)
	for b := from; b < to; b++ {
		out[(b-from)*n/span] += counts[b]
	}
	return out
}

// renderBars draws height rows of block glyphs, top row first. A cell
// whose fill comes entirely from the "other" side is drawn in the overlay
// color.
func renderBars(all, other []float64, height int) []string {
	rows := make([]string, height)
	if len(all) == 0 {
		return rows
	}
	peak := floats.Max(all)
	for r := range height {
		level := float64(height - r - 1)
		var b strings.Builder
		for c := range all {
			a := cellFill(all[c], peak, height, level)
			o := cellFill(other[c], peak, height, level)
			glyph := string(blocks[int(math.Round(a*8))])
			if a > 0 && o >= a {
				b.WriteString(BarOther.Render(glyph))
			} else {
				b.WriteString(BarData.Render(glyph))
			}
		}
		rows[r] = b.String()
	}
	return rows
}

// cellFill is how much of the cell at row level (0 = bottom) a bar of
// value v covers, in [0, 1].
func cellFill(v, peak float64, height int, level float64) float64 {
	if peak <= 0 {
		return 0
	}
	h := v / peak * float64(height)
	return math.Max(0, math.Min(1, h-level))
}
