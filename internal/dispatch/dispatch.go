// Package dispatch hands one histogram computation to the external
// processor: stage the inputs, filter the firings, run the processor and
// bring its artifact back as a local file.
package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/discrimhist/internal/discrim"
	"github.com/abelbrown/discrimhist/internal/logging"
	"github.com/abelbrown/discrimhist/internal/otel"
)

// DefaultProcessor computes discriminant histograms.
const DefaultProcessor = "mv_discrimhist"

// Parameter keys sent to the processor.
const (
	ParamTimeseries = "timeseries"
	ParamFirings    = "firings"
	ParamClusters   = "clusters"
)

var errEmptyOutput = errors.New("processor returned no output location")

// Service is what the dispatcher needs from a processor backend.
// mlproxy.Client and mlproxy.Local satisfy it.
type Service interface {
	Locate(ctx context.Context, handle string) (string, error)
	Filter(ctx context.Context, firings string, f discrim.EventFilter) (string, error)
	Run(ctx context.Context, processor string, params map[string]string) (string, error)
	Fetch(ctx context.Context, location, dir string) (string, error)
}

// Dispatcher runs requests against a Service. Safe for concurrent use; it
// holds no per-request state.
type Dispatcher struct {
	svc      Service
	stageDir string
	events   *otel.Logger // optional
}

// New creates a dispatcher that stages fetched artifacts under stageDir.
// events may be nil.
func New(svc Service, stageDir string, events *otel.Logger) *Dispatcher {
	return &Dispatcher{svc: svc, stageDir: stageDir, events: events}
}

// Params builds the processor parameter set. Clusters are joined in
// request order; duplicates are kept.
func Params(timeseries, firings string, clusters []discrim.ClusterID) map[string]string {
	return map[string]string{
		ParamTimeseries: timeseries,
		ParamFirings:    firings,
		ParamClusters:   discrim.JoinClusters(clusters),
	}
}

// Dispatch runs req to completion and returns the local artifact path.
// Every error is a *discrim.StageError. Staged files are left in place.
func (d *Dispatcher) Dispatch(ctx context.Context, req discrim.Request) (string, error) {
	if len(req.Clusters) == 0 {
		return "", d.fail(req, discrim.NewStageError(discrim.KindValidation, "validate", discrim.ErrNoClusters))
	}
	processor := req.Processor
	if processor == "" {
		processor = DefaultProcessor
	}

	start := time.Now()
	d.emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindDispatchStart, RequestID: req.ID,
		Clusters: len(req.Clusters), Msg: processor})
	logging.Debug("Dispatch started", "rid", req.ID, "processor", processor, "clusters", discrim.JoinClusters(req.Clusters))

	// Both inputs are independent; stage them together.
	var timeseries, firings string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loc, err := d.svc.Locate(gctx, req.Timeseries)
		timeseries = loc
		return err
	})
	g.Go(func() error {
		loc, err := d.svc.Locate(gctx, req.Firings)
		firings = loc
		return err
	})
	if err := g.Wait(); err != nil {
		return "", d.fail(req, discrim.NewStageError(discrim.KindWorkerInvocation, "locate", err))
	}
	d.emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindDispatchLocate, RequestID: req.ID, Stage: "locate"})

	t := time.Now()
	filtered, err := d.svc.Filter(ctx, firings, req.Filter)
	if err != nil {
		return "", d.fail(req, discrim.NewStageError(discrim.KindFilterService, "filter", err))
	}
	d.emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindFilterComplete, RequestID: req.ID,
		Stage: "filter", Dur: time.Since(t)})

	t = time.Now()
	location, err := d.svc.Run(ctx, processor, Params(timeseries, filtered, req.Clusters))
	if err == nil && location == "" {
		err = errEmptyOutput
	}
	if err != nil {
		return "", d.fail(req, discrim.NewStageError(discrim.KindWorkerInvocation, "run", err))
	}
	d.emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindWorkerComplete, RequestID: req.ID,
		Stage: "run", Dur: time.Since(t)})

	path, err := d.svc.Fetch(ctx, location, d.stageDir)
	if err != nil {
		return "", d.fail(req, discrim.NewStageError(discrim.KindWorkerInvocation, "fetch", err))
	}
	d.emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindArtifactFetch, RequestID: req.ID,
		Stage: "fetch", Msg: path})

	d.emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindDispatchComplete, RequestID: req.ID,
		Dur: time.Since(start)})
	logging.Info("Dispatch complete", "rid", req.ID, "artifact", path, "duration", time.Since(start))
	return path, nil
}

func (d *Dispatcher) fail(req discrim.Request, se *discrim.StageError) *discrim.StageError {
	d.emit(otel.Event{Level: otel.LevelError, Kind: otel.KindDispatchError, RequestID: req.ID,
		Stage: se.Stage, Err: se.Error()})
	logging.Warn("Dispatch failed", "rid", req.ID, "stage", se.Stage, "kind", se.Kind, "err", se.Err)
	return se
}

func (d *Dispatcher) emit(e otel.Event) {
	if d.events != nil {
		e.Comp = "dispatch"
		d.events.Emit(e)
	}
}
