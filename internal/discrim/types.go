// Package discrim holds the discriminant histogram data model and the
// aggregation that turns worker output rows into per-pair histograms.
package discrim

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClusterID identifies a cluster. Supplied externally; positive.
type ClusterID int

// Pair is an ordered (k1, k2) cluster pair.
type Pair struct {
	K1 ClusterID
	K2 ClusterID
}

// Swap returns the symmetric pair (k2, k1).
func (p Pair) Swap() Pair {
	return Pair{K1: p.K2, K2: p.K1}
}

// String renders the pair the way the viewer titles it: "k1/k2".
func (p Pair) String() string {
	return fmt.Sprintf("%d/%d", p.K1, p.K2)
}

// EventFilter is the pre-filter applied to the raw firings before the
// histogram computation. Disabled filters pass firings through unchanged.
type EventFilter struct {
	Enabled          bool    `json:"enabled"`
	MinDetectability float64 `json:"min_detectability"`
	MaxOutlierScore  float64 `json:"max_outlier_score"`
}

// Histogram is the sample set for one ordered pair.
// Same holds scores of events truly in K1 when discriminated against K2;
// Other holds scores of the remaining events of that discrimination.
type Histogram struct {
	K1    ClusterID `json:"k1"`
	K2    ClusterID `json:"k2"`
	Same  []float64 `json:"same"`
	Other []float64 `json:"other"`

	// Set when the slot was filled by negating the symmetric pair.
	SameDerived  bool `json:"same_derived,omitempty"`
	OtherDerived bool `json:"other_derived,omitempty"`
}

// Pair returns the histogram's key.
func (h Histogram) Pair() Pair {
	return Pair{K1: h.K1, K2: h.K2}
}

// All returns Same followed by Other in a new slice.
func (h Histogram) All() []float64 {
	out := make([]float64, 0, len(h.Same)+len(h.Other))
	out = append(out, h.Same...)
	return append(out, h.Other...)
}

// Request is the immutable snapshot handed to the dispatcher.
// Never mutate a Request after dispatch; use Clone to derive a new one.
type Request struct {
	ID         string
	Endpoint   string // worker endpoint (proxy URL or local command)
	Processor  string
	Timeseries string
	Firings    string
	Filter     EventFilter
	Clusters   []ClusterID
	CreatedAt  time.Time
}

// NewRequest stamps a fresh request ID (UUID v7, time ordered) and time.
func NewRequest(endpoint, processor, timeseries, firings string, filter EventFilter, clusters []ClusterID) Request {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	cp := make([]ClusterID, len(clusters))
	copy(cp, clusters)
	return Request{
		ID:         id.String(),
		Endpoint:   endpoint,
		Processor:  processor,
		Timeseries: timeseries,
		Firings:    firings,
		Filter:     filter,
		Clusters:   cp,
		CreatedAt:  time.Now(),
	}
}

// Clone returns a deep copy of the request.
func (r Request) Clone() Request {
	cp := r
	cp.Clusters = make([]ClusterID, len(r.Clusters))
	copy(cp.Clusters, r.Clusters)
	return cp
}

// Result is the complete output of one successful computation.
// Histograms has len(Clusters)^2 entries, outer over k2, inner over k1.
type Result struct {
	RequestID  string      `json:"request_id"`
	Clusters   []ClusterID `json:"clusters"`
	Histograms []Histogram `json:"histograms"`
	Discarded  int         `json:"discarded"` // rows whose pair was not requested
	ComputedAt time.Time   `json:"computed_at"`
}

// Lookup returns the histogram for (k1, k2). With duplicate cluster IDs the
// last matching entry wins, same as the aggregator's lookup.
func (r Result) Lookup(k1, k2 ClusterID) (Histogram, bool) {
	for i := len(r.Histograms) - 1; i >= 0; i-- {
		h := r.Histograms[i]
		if h.K1 == k1 && h.K2 == k2 {
			return h, true
		}
	}
	return Histogram{}, false
}

// JoinClusters renders the comma-joined cluster list sent to the processor.
func JoinClusters(ids []ClusterID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}

// ParseClusters parses a comma-joined cluster list. Blank entries are skipped.
func ParseClusters(s string) ([]ClusterID, error) {
	var ids []ClusterID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("parse cluster %q: %w", part, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("cluster %d: must be positive", n)
		}
		ids = append(ids, ClusterID(n))
	}
	return ids, nil
}
