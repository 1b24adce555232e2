package discrim

import (
	"math"
	"time"
)

// Row is one worker output sample: the pair it was discriminated under,
// the true cluster of the sampled event, and its score.
type Row struct {
	K1    ClusterID
	K2    ClusterID
	K0    ClusterID
	Value float64
}

// RowSource is a single-pass row sequence (see mda.Scanner).
type RowSource interface {
	Next() bool
	Row() Row
	Err() error
}

// Aggregator groups rows into per-pair histograms.
//
// Histograms live in an arena slice; the lookup maps a pair to a slot index,
// and all mutation goes through that index.
type Aggregator struct {
	clusters  []ClusterID
	arena     []Histogram
	index     map[Pair]int
	discarded int
}

// NewAggregator creates one empty histogram per ordered pair of
// clusters x clusters, outer over k2 and inner over k1. For duplicate IDs the
// last slot created for a pair is the one the lookup returns.
func NewAggregator(clusters []ClusterID) *Aggregator {
	n := len(clusters)
	a := &Aggregator{
		clusters: make([]ClusterID, n),
		arena:    make([]Histogram, 0, n*n),
		index:    make(map[Pair]int, n*n),
	}
	copy(a.clusters, clusters)

	for _, k2 := range clusters {
		for _, k1 := range clusters {
			a.arena = append(a.arena, Histogram{K1: k1, K2: k2})
			a.index[Pair{K1: k1, K2: k2}] = len(a.arena) - 1
		}
	}
	return a
}

// Add routes one row. Rows for pairs outside the cross product and rows
// with a NaN or infinite value are dropped and counted; Add reports whether
// the row was kept.
func (a *Aggregator) Add(r Row) bool {
	slot, ok := a.index[Pair{K1: r.K1, K2: r.K2}]
	if !ok || math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		a.discarded++
		return false
	}
	h := &a.arena[slot]
	if r.K0 == r.K1 {
		h.Same = append(h.Same, r.Value)
	} else {
		h.Other = append(h.Other, r.Value)
	}
	return true
}

// Repair fills empty slots from the symmetric pair: an empty Same becomes
// the negated partner Other, an empty Other the negated partner Same.
// Must run after every row has been added. Self-pairs are left alone.
// Only empty slots are written, so calling Repair again is a no-op.
func (a *Aggregator) Repair() {
	for _, slot := range a.index {
		h := &a.arena[slot]
		if h.K1 == h.K2 {
			continue
		}
		partner := a.arena[a.index[h.Pair().Swap()]]
		if len(h.Same) == 0 && len(partner.Other) > 0 {
			h.Same = negate(partner.Other)
			h.SameDerived = true
		}
		if len(h.Other) == 0 && len(partner.Same) > 0 {
			h.Other = negate(partner.Same)
			h.OtherDerived = true
		}
	}
}

// Discarded returns the number of rows dropped by Add.
func (a *Aggregator) Discarded() int {
	return a.discarded
}

// Result copies the arena into a Result. The aggregator stays usable.
func (a *Aggregator) Result(requestID string) Result {
	hists := make([]Histogram, len(a.arena))
	for i, h := range a.arena {
		h.Same = cloneFloats(h.Same)
		h.Other = cloneFloats(h.Other)
		hists[i] = h
	}
	clusters := make([]ClusterID, len(a.clusters))
	copy(clusters, a.clusters)
	return Result{
		RequestID:  requestID,
		Clusters:   clusters,
		Histograms: hists,
		Discarded:  a.discarded,
		ComputedAt: time.Now(),
	}
}

// Aggregate drains rows into a fresh aggregator, repairs by symmetry and
// returns the result. A row source error aborts with no result.
func Aggregate(clusters []ClusterID, rows RowSource) (Result, error) {
	a := NewAggregator(clusters)
	for rows.Next() {
		a.Add(rows.Row())
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	a.Repair()
	return a.Result(""), nil
}

// SliceRows adapts an in-memory row slice to RowSource.
type SliceRows struct {
	rows []Row
	pos  int
}

// NewSliceRows wraps rows without copying.
func NewSliceRows(rows []Row) *SliceRows {
	return &SliceRows{rows: rows}
}

func (s *SliceRows) Next() bool {
	if s.pos >= len(s.rows) {
		return false
	}
	s.pos++
	return true
}

func (s *SliceRows) Row() Row {
	return s.rows[s.pos-1]
}

func (s *SliceRows) Err() error {
	return nil
}

func negate(xs []float64) []float64 {
	if len(xs) == 0 {
		return nil
	}
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = -x
	}
	return out
}

func cloneFloats(xs []float64) []float64 {
	if xs == nil {
		return nil
	}
	out := make([]float64, len(xs))
	copy(out, xs)
	return out
}
