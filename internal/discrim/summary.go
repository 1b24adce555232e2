package discrim

import (
	"math"

	"github.com/montanaflynn/stats"
)

// SideSummary describes one sample sequence of a histogram.
type SideSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stddev"`
}

// Summary describes a histogram's two sides and how far apart they sit.
type Summary struct {
	Pair       Pair        `json:"-"`
	Same       SideSummary `json:"same"`
	Other      SideSummary `json:"other"`
	Separation float64     `json:"separation"` // 0 when either side is empty
}

// Summarize computes per-side statistics and a separation index
// |mean(same) - mean(other)| / sqrt((var(same) + var(other)) / 2).
func Summarize(h Histogram) Summary {
	s := Summary{
		Pair:  h.Pair(),
		Same:  summarizeSide(h.Same),
		Other: summarizeSide(h.Other),
	}
	if s.Same.Count == 0 || s.Other.Count == 0 {
		return s
	}

	pooled := math.Sqrt((s.Same.StdDev*s.Same.StdDev + s.Other.StdDev*s.Other.StdDev) / 2)
	diff := math.Abs(s.Same.Mean - s.Other.Mean)
	switch {
	case pooled > 0:
		s.Separation = diff / pooled
	case diff > 0:
		s.Separation = math.Inf(1)
	}
	return s
}

// SummarizeAll summarizes every histogram in result order.
func SummarizeAll(r Result) []Summary {
	out := make([]Summary, len(r.Histograms))
	for i, h := range r.Histograms {
		out[i] = Summarize(h)
	}
	return out
}

func summarizeSide(xs []float64) SideSummary {
	side := SideSummary{Count: len(xs)}
	if len(xs) == 0 {
		return side
	}
	// stats only errors on empty input, which is handled above.
	side.Mean, _ = stats.Mean(xs)
	side.Median, _ = stats.Median(xs)
	side.StdDev, _ = stats.StandardDeviation(xs)
	return side
}
