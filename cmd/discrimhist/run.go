package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/abelbrown/discrimhist/internal/discrim"
	"github.com/abelbrown/discrimhist/internal/export"
	"github.com/abelbrown/discrimhist/internal/logging"
	"github.com/abelbrown/discrimhist/internal/otel"
	"github.com/abelbrown/discrimhist/internal/recalc"
	"github.com/abelbrown/discrimhist/internal/store"
	"github.com/abelbrown/discrimhist/internal/work"
)

type runOutcome struct {
	res discrim.Result
	err *discrim.StageError
}

func runRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	in := addInputFlags(fs)
	xlsx := fs.String("xlsx", "", "Also write the result to this .xlsx file")
	noSave := fs.Bool("no-save", false, "Do not record the computation in history")
	timeout := fs.Duration("timeout", 30*time.Minute, "Give up after this long")
	fs.Parse(os.Args[1:])

	cfg := loadConfig()
	initLogging(*in.verbose)
	defer logging.Close()

	inputs, err := in.inputs()
	if err != nil {
		fatalf("%v", err)
	}
	clusters, err := in.clusterList()
	if err != nil {
		fatalf("%v", err)
	}

	var st *store.Store
	if !*noSave {
		st = openStore(cfg)
		defer st.Close()
	}

	done := make(chan runOutcome, 1)
	finish := func(o runOutcome) {
		select {
		case done <- o:
		default:
		}
	}
	p := newPipeline(cfg, inputs, clusters, st, recalc.ListenerFuncs{
		ResultReady:       func(res discrim.Result) { finish(runOutcome{res: res}) },
		ComputationFailed: func(se *discrim.StageError) { finish(runOutcome{err: se}) },
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	p.start(ctx)

	fmt.Fprintf(os.Stderr, "Computing %d clusters via %s...\n", len(clusters), cfg.Processing.Runner)
	start := time.Now()
	if err := p.ctrl.Trigger(recalc.TriggerTimeseries); err != nil {
		fatalf("trigger: %v", err)
	}

	var out runOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		p.events.Warn(otel.KindError, "main", "gave up waiting: "+ctx.Err().Error())
	}

	// The workbook is written on the pool, alongside the history save.
	var exportErr error
	if *xlsx != "" && out.err == nil && out.res.RequestID != "" {
		exportErr = p.pool.Run(context.Background(), work.TypeExport, "Export "+*xlsx,
			func(ctx context.Context) (string, error) {
				return *xlsx, export.WriteXLSX(*xlsx, out.res, cfg.View.Bins)
			})
	}
	cancel()
	stop()
	p.close()

	switch {
	case out.err != nil:
		fatalf("%s failed (%s): %v", out.err.Stage, out.err.Kind, out.err.Err)
	case out.res.RequestID == "":
		fatalf("no result: %v", ctx.Err())
	}

	fmt.Fprintf(os.Stderr, "Done in %s\n\n", time.Since(start).Round(time.Millisecond))
	printSummaries(out.res)

	if *xlsx != "" {
		if exportErr != nil {
			fatalf("export: %v", exportErr)
		}
		fmt.Fprintf(os.Stderr, "\nWrote %s\n", *xlsx)
	}
}
