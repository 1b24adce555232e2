package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/abelbrown/discrimhist/internal/api"
	"github.com/abelbrown/discrimhist/internal/logging"
	"github.com/abelbrown/discrimhist/internal/otel"
	"github.com/abelbrown/discrimhist/internal/recalc"
)

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	in := addInputFlags(fs)
	addr := fs.String("addr", "localhost:8080", "Listen address")
	lazy := fs.Bool("lazy", false, "Wait for POST /api/recalculate instead of computing at startup")
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

	st := openStore(cfg)
	defer st.Close()

	p := newPipeline(cfg, inputs, clusters, st, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	p.start(ctx)

	srv := api.NewServer(p.ctrl, api.Options{
		History: st,
		Inputs:  p.source,
		Pool:    p.pool,
		Events:  p.events,
		Bins:    cfg.View.Bins,
	})

	if !*lazy {
		if err := p.ctrl.Trigger(recalc.TriggerTimeseries); err != nil {
			logging.Error("Initial trigger", "error", err)
			p.events.Error(otel.KindError, "main", err)
		}
	}

	if err := srv.ListenAndServe(ctx, *addr); err != nil {
		stop()
		p.close()
		fatalf("serve: %v", err)
	}
	p.close()
}
