// Package compute runs one full histogram computation: dispatch the request
// to the processor, read its artifact and aggregate the rows.
package compute

import (
	"context"
	"time"

	"github.com/abelbrown/discrimhist/internal/discrim"
	"github.com/abelbrown/discrimhist/internal/logging"
	"github.com/abelbrown/discrimhist/internal/mda"
	"github.com/abelbrown/discrimhist/internal/otel"
)

// Dispatcher produces a local artifact for a request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req discrim.Request) (string, error)
}

// Computer turns requests into results. Stateless between calls.
type Computer struct {
	disp   Dispatcher
	dtype  mda.DType
	events *otel.Logger // optional
}

// New creates a Computer that expects artifacts of element type dtype
// (0 accepts any type). events may be nil.
func New(d Dispatcher, dtype mda.DType, events *otel.Logger) *Computer {
	return &Computer{disp: d, dtype: dtype, events: events}
}

// Compute runs req and returns its result. Errors are *discrim.StageError;
// no partial result is ever returned.
func (c *Computer) Compute(ctx context.Context, req discrim.Request) (discrim.Result, error) {
	path, err := c.disp.Dispatch(ctx, req)
	if err != nil {
		return discrim.Result{}, discrim.AsStageError(err)
	}
	// A cancelled run may still have produced an artifact; its result is
	// unwanted either way.
	if err := ctx.Err(); err != nil {
		return discrim.Result{}, discrim.NewStageError(discrim.KindWorkerInvocation, "run", err)
	}

	start := time.Now()
	r, err := mda.Open(path, c.dtype)
	if err != nil {
		c.fail(req, err)
		return discrim.Result{}, discrim.AsStageError(err)
	}
	defer r.Close()

	rows := r.Rows()
	res, err := discrim.Aggregate(req.Clusters, rows)
	if err != nil {
		c.fail(req, err)
		return discrim.Result{}, discrim.AsStageError(err)
	}
	res.RequestID = req.ID
	c.emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindArtifactRead, RequestID: req.ID,
		Count: int(rows.Len()), Dur: time.Since(start), Msg: path})

	if n := res.Discarded; n > 0 {
		c.emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindAggregateDiscard, RequestID: req.ID,
			Count: n, Msg: "rows outside the requested clusters or with non-finite values"})
		logging.Warn("Discarded rows", "rid", req.ID, "count", n)
	}

	if n := derivedSlots(res); n > 0 {
		c.emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindAggregateRepair, RequestID: req.ID, Count: n})
	}
	c.emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindAggregateComplete, RequestID: req.ID,
		Count: len(res.Histograms), Clusters: len(res.Clusters), Dur: time.Since(start)})
	return res, nil
}

func derivedSlots(res discrim.Result) int {
	n := 0
	for _, h := range res.Histograms {
		if h.SameDerived {
			n++
		}
		if h.OtherDerived {
			n++
		}
	}
	return n
}

func (c *Computer) fail(req discrim.Request, err error) {
	c.emit(otel.Event{Level: otel.LevelError, Kind: otel.KindDispatchError, RequestID: req.ID,
		Stage: "read", Err: err.Error()})
	logging.Error("Artifact rejected", "rid", req.ID, "err", err)
}

func (c *Computer) emit(e otel.Event) {
	if c.events != nil {
		e.Comp = "compute"
		c.events.Emit(e)
	}
}
