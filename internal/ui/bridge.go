package ui

import (
	"fmt"
	"slices"

	"github.com/abelbrown/discrimhist/internal/discrim"
	"github.com/abelbrown/discrimhist/internal/recalc"
)

// NewListener returns a recalc.Listener that forwards outcomes to the
// viewer. Only the latest outcome is kept when the viewer falls behind.
func NewListener() (recalc.Listener, <-chan Outcome) {
	ch := make(chan Outcome, 1)
	send := func(o Outcome) {
		for {
			select {
			case ch <- o:
				return
			default:
			}
			// Drop the stale one and retry.
			select {
			case <-ch:
			default:
			}
		}
	}
	l := recalc.ListenerFuncs{
		ResultReady: func(res discrim.Result) {
			send(Outcome{Result: res})
		},
		ComputationFailed: func(err *discrim.StageError) {
			send(Outcome{Err: err})
		},
	}
	return l, ch
}

// PrepareClusters returns a sorted, de-duplicated copy of ids. The grid
// needs at least two clusters to show anything.
func PrepareClusters(ids []discrim.ClusterID) ([]discrim.ClusterID, error) {
	out := slices.Clone(ids)
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) < 2 {
		return nil, fmt.Errorf("need at least 2 clusters, got %d", len(out))
	}
	return out, nil
}
