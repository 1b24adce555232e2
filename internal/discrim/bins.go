package discrim

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultBins is the bin count shared by every histogram of a result.
const DefaultBins = 200

// ZoomStep is the x-range scale factor applied per zoom step.
const ZoomStep = 1.2

// Layout is the bin grid shared by all histograms of a result, so the panels
// are directly comparable.
type Layout struct {
	Min     float64 // lowest sample across all histograms, never above 0
	Max     float64 // highest sample across all histograms, never below 0
	NumBins int

	// Visible x range, symmetric around 0 until zoomed.
	XMin float64
	XMax float64
}

// NewLayout spans [min, max] over every finite sample of every histogram.
// Both bounds start at 0, so the axis at zero is always inside the range.
func NewLayout(hists []Histogram, numBins int) Layout {
	if numBins <= 0 {
		numBins = DefaultBins
	}
	lo, hi := 0.0, 0.0
	for _, h := range hists {
		for _, xs := range [][]float64{h.Same, h.Other} {
			for _, x := range xs {
				if math.IsNaN(x) || math.IsInf(x, 0) {
					continue
				}
				lo = math.Min(lo, x)
				hi = math.Max(hi, x)
			}
		}
	}
	if lo == hi {
		lo, hi = -1, 1
	}
	span := math.Max(math.Abs(lo), math.Abs(hi))
	return Layout{
		Min:     lo,
		Max:     hi,
		NumBins: numBins,
		XMin:    -span,
		XMax:    span,
	}
}

// Zoom scales the visible range by ZoomStep per step; positive steps zoom in.
func (l Layout) Zoom(steps int) Layout {
	return l.ZoomBy(steps, ZoomStep)
}

// ZoomBy is Zoom with a custom per-step factor. Factors <= 1 mean ZoomStep.
func (l Layout) ZoomBy(steps int, step float64) Layout {
	if step <= 1 {
		step = ZoomStep
	}
	factor := math.Pow(step, float64(-steps))
	l.XMin *= factor
	l.XMax *= factor
	return l
}

// Dividers returns the NumBins+1 bin edges over [Min, Max]. The last edge is
// nudged past Max so the maximum sample lands in the final bin.
func (l Layout) Dividers() []float64 {
	div := make([]float64, l.NumBins+1)
	floats.Span(div, l.Min, l.Max)
	div[len(div)-1] = math.Nextafter(l.Max, math.Inf(1))
	return div
}

// Bin counts values per bin. Values outside [Min, Max] are ignored.
func (l Layout) Bin(values []float64) []float64 {
	div := l.Dividers()
	xs := make([]float64, 0, len(values))
	for _, v := range values {
		if v >= div[0] && v < div[len(div)-1] {
			xs = append(xs, v)
		}
	}
	sort.Float64s(xs)
	return stat.Histogram(nil, div, xs, nil)
}

// VisibleBins returns the index range [from, to) of bins that overlap the
// visible x range.
func (l Layout) VisibleBins() (from, to int) {
	width := (l.Max - l.Min) / float64(l.NumBins)
	from = int(math.Floor((l.XMin - l.Min) / width))
	to = int(math.Ceil((l.XMax - l.Min) / width))
	if from < 0 {
		from = 0
	}
	if to > l.NumBins {
		to = l.NumBins
	}
	if from > to {
		from = to
	}
	return from, to
}
