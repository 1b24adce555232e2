package recalc

import (
	"sync"

	"github.com/abelbrown/discrimhist/internal/discrim"
)

// Inputs are the dataset handles a computation is run against.
type Inputs struct {
	Timeseries string              `json:"timeseries"`
	Firings    string              `json:"firings"`
	Filter     discrim.EventFilter `json:"filter"`
}

// InputSource supplies the current inputs. Snapshot must return a value
// that later changes do not affect.
type InputSource interface {
	Snapshot() Inputs
}

// Source is a mutable InputSource. Changes do not trigger a recalculation;
// pair them with Controller.Trigger.
type Source struct {
	mu sync.Mutex
	in Inputs
}

// NewSource creates a Source holding in.
func NewSource(in Inputs) *Source {
	return &Source{in: in}
}

// Snapshot returns a copy of the current inputs.
func (s *Source) Snapshot() Inputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.in
}

// Update applies fn to the inputs under the lock. A snapshot sees all of
// fn's changes or none of them.
func (s *Source) Update(fn func(*Inputs)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.in)
}

func (s *Source) SetTimeseries(path string) {
	s.Update(func(in *Inputs) { in.Timeseries = path })
}
