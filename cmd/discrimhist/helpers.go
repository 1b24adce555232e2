package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/abelbrown/discrimhist/internal/compute"
	"github.com/abelbrown/discrimhist/internal/config"
	"github.com/abelbrown/discrimhist/internal/discrim"
	"github.com/abelbrown/discrimhist/internal/dispatch"
	"github.com/abelbrown/discrimhist/internal/logging"
	"github.com/abelbrown/discrimhist/internal/mlproxy"
	"github.com/abelbrown/discrimhist/internal/otel"
	"github.com/abelbrown/discrimhist/internal/recalc"
	"github.com/abelbrown/discrimhist/internal/store"
	"github.com/abelbrown/discrimhist/internal/work"
)

// fatalf prints to stderr and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig reads .env (if present) and the config file, or fatals.
func loadConfig() *config.Config {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}
	return cfg
}

// initLogging sends logs to the daily file, or to stderr when verbose.
func initLogging(verbose bool) {
	if verbose {
		logging.SetOutput(os.Stderr, log.DebugLevel)
		return
	}
	if err := logging.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
	}
}

// openStore opens the result database or fatals.
func openStore(cfg *config.Config) *store.Store {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
		fatalf("create data directory: %v", err)
	}
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		fatalf("open database: %v", err)
	}
	return st
}

// inputFlags are the computation inputs shared by run, view and serve.
type inputFlags struct {
	timeseries       *string
	firings          *string
	clusters         *string
	filter           *bool
	minDetectability *float64
	maxOutlierScore  *float64
	verbose          *bool
}

func addInputFlags(fs *flag.FlagSet) *inputFlags {
	return &inputFlags{
		timeseries:       fs.String("timeseries", "", "Time series handle or path (required)"),
		firings:          fs.String("firings", "", "Firings handle or path (required)"),
		clusters:         fs.String("clusters", "", "Comma-separated cluster numbers, e.g. 1,2,3 (required)"),
		filter:           fs.Bool("filter", false, "Pre-filter firings before computing"),
		minDetectability: fs.Float64("min-detectability", 0, "Filter: minimum detectability score"),
		maxOutlierScore:  fs.Float64("max-outlier-score", 0, "Filter: maximum outlier score"),
		verbose:          fs.Bool("v", false, "Log to stderr instead of the log file"),
	}
}

func (f *inputFlags) inputs() (recalc.Inputs, error) {
	in := recalc.Inputs{
		Timeseries: strings.TrimSpace(*f.timeseries),
		Firings:    strings.TrimSpace(*f.firings),
		Filter: discrim.EventFilter{
			Enabled:          *f.filter,
			MinDetectability: *f.minDetectability,
			MaxOutlierScore:  *f.maxOutlierScore,
		},
	}
	if in.Timeseries == "" || in.Firings == "" {
		return in, fmt.Errorf("--timeseries and --firings are required")
	}
	return in, nil
}

func (f *inputFlags) clusterList() ([]discrim.ClusterID, error) {
	ids, err := discrim.ParseClusters(*f.clusters)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("--clusters is required")
	}
	return ids, nil
}

// service is the processor backend selected by the config.
type service interface {
	dispatch.Service
	Endpoint() string
}

func newService(cfg *config.Config) service {
	switch cfg.Processing.Runner {
	case config.RunnerLocal:
		return mlproxy.NewLocal(cfg.Processing.LocalCommand, cfg.Processing.WorkDir)
	default:
		return mlproxy.NewClient(cfg.Processing.ProxyURL, cfg.Processing.RequestsPerSecond)
	}
}

// pipeline is everything a live command needs: the controller and the
// observability it reports into.
type pipeline struct {
	ctrl   *recalc.Controller
	source *recalc.Source
	pool   *work.Pool
	events *otel.Logger
	ring   *otel.RingBuffer
	saves  sync.WaitGroup

	eventsFile *os.File
}

// newPipeline wires service -> dispatcher -> computer -> controller.
// Outcomes are queued for the store as pool jobs, then passed to listener,
// which may be nil.
func newPipeline(cfg *config.Config, in recalc.Inputs, clusters []discrim.ClusterID, st *store.Store, listener recalc.Listener) *pipeline {
	p := &pipeline{ring: otel.NewRingBuffer(otel.DefaultRingSize)}

	events, f, err := otel.Open(cfg.Storage.EventsPath)
	if err != nil {
		logging.Warn("Event log disabled", "error", err)
		events = otel.NewNullLogger()
	}
	events.SetRingBuffer(p.ring)
	p.events, p.eventsFile = events, f

	svc := newService(cfg)
	stageDir := filepath.Join(cfg.Processing.WorkDir, "stage")
	comp := compute.New(dispatch.New(svc, stageDir, events), cfg.DType(), events)

	p.pool = work.NewPool(2)
	p.source = recalc.NewSource(in)

	var ctrl *recalc.Controller
	ctrl = recalc.New(comp, p.source, recalc.ListenerFuncs{
		ResultReady: func(res discrim.Result) {
			if st != nil {
				req := ctrl.CurrentRequest()
				p.queueSave("Save result "+shortID(req.ID), func(ctx context.Context) error {
					return saveResult(ctx, st, events, req, res)
				})
			}
			if listener != nil {
				listener.OnResultReady(res)
			}
		},
		ComputationFailed: func(se *discrim.StageError) {
			if st != nil {
				req := ctrl.CurrentRequest()
				p.queueSave("Save failure "+shortID(req.ID), func(ctx context.Context) error {
					return saveFailure(ctx, st, events, req, se)
				})
			}
			if listener != nil {
				listener.OnComputationFailed(se)
			}
		},
	}, recalc.Options{
		Debounce:  cfg.Debounce(),
		Endpoint:  svc.Endpoint(),
		Processor: cfg.Processing.Processor,
		Pool:      p.pool,
		Events:    events,
	})
	ctrl.SetClusterNumbers(clusters)
	p.ctrl = ctrl
	return p
}

// queueSave runs a history write on the pool at low priority, off the
// controller goroutine.
func (p *pipeline) queueSave(desc string, save func(ctx context.Context) error) {
	p.saves.Add(1)
	p.pool.SubmitFunc(context.Background(), work.TypeStore, desc, work.PriorityLow,
		func(ctx context.Context) (string, error) {
			defer p.saves.Done()
			if err := save(ctx); err != nil {
				return "", err
			}
			return "saved", nil
		})
}

// start runs the controller until ctx is cancelled. The pool outlives ctx so
// queued history writes still land; close stops it.
func (p *pipeline) start(ctx context.Context) {
	p.events.Info(otel.KindStartup, "main", p.source.Snapshot().Timeseries)
	p.pool.Start(context.Background())
	p.ctrl.Start(ctx)
}

// close waits for the controller and pending history writes, then stops the
// pool and flushes the event log. The caller cancels the start context first.
func (p *pipeline) close() {
	p.ctrl.Wait()
	p.saves.Wait()
	p.pool.Stop()
	p.events.Info(otel.KindShutdown, "main", "")
	p.events.Close()
	if p.eventsFile != nil {
		p.eventsFile.Close()
	}
}

func saveResult(ctx context.Context, st *store.Store, events *otel.Logger, req discrim.Request, res discrim.Result) error {
	if err := st.SaveResult(ctx, req, res); err != nil {
		logging.Error("Save result", "id", res.RequestID, "error", err)
		events.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "store", RequestID: res.RequestID, Err: err.Error()})
		return err
	}
	events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindStoreSave, Comp: "store", RequestID: res.RequestID, Count: len(res.Histograms)})
	return nil
}

func saveFailure(ctx context.Context, st *store.Store, events *otel.Logger, req discrim.Request, se *discrim.StageError) error {
	if err := st.SaveFailure(ctx, req, se); err != nil {
		logging.Error("Save failure", "id", req.ID, "error", err)
		events.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "store", RequestID: req.ID, Err: err.Error()})
		return err
	}
	events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindStoreSave, Comp: "store", RequestID: req.ID, Stage: se.Stage})
	return nil
}

// resolveResult loads the computation named by an ID prefix, or the latest
// successful one for "" or "latest".
func resolveResult(ctx context.Context, st *store.Store, ref string) (discrim.Result, error) {
	if ref == "" || ref == "latest" {
		return st.Latest(ctx)
	}
	id, err := st.ResolveID(ctx, ref)
	if err != nil {
		return discrim.Result{}, err
	}
	return st.LoadResult(ctx, id)
}

// printSummaries writes one line per pair.
func printSummaries(res discrim.Result) {
	fmt.Printf("Result %s  clusters %s  %d histograms  %d discarded\n\n",
		res.RequestID, discrim.JoinClusters(res.Clusters), len(res.Histograms), res.Discarded)
	fmt.Printf("%-9s %7s %9s %9s %7s %9s %9s %6s\n", "PAIR", "SAME", "MEAN", "STDDEV", "OTHER", "MEAN", "STDDEV", "SEP")
	for i, sum := range discrim.SummarizeAll(res) {
		h := res.Histograms[i]
		pair := sum.Pair.String()
		if h.SameDerived || h.OtherDerived {
			pair += "~"
		}
		fmt.Printf("%-9s %7d %9.3f %9.3f %7d %9.3f %9.3f %6.2f\n", pair,
			sum.Same.Count, sum.Same.Mean, sum.Same.StdDev,
			sum.Other.Count, sum.Other.Mean, sum.Other.StdDev, sum.Separation)
	}
}
