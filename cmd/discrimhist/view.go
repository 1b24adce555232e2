package main

import (
	"context"
	"flag"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/discrimhist/internal/logging"
	"github.com/abelbrown/discrimhist/internal/otel"
	"github.com/abelbrown/discrimhist/internal/recalc"
	"github.com/abelbrown/discrimhist/internal/store"
	"github.com/abelbrown/discrimhist/internal/ui"
)

func runView() {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	in := addInputFlags(fs)
	noSave := fs.Bool("no-save", false, "Do not record computations in history")
	fs.Parse(os.Args[1:])

	cfg := loadConfig()
	// The viewer owns the terminal; logs always go to the file.
	initLogging(false)
	defer logging.Close()

	inputs, err := in.inputs()
	if err != nil {
		fatalf("%v", err)
	}
	clusters, err := in.clusterList()
	if err != nil {
		fatalf("%v", err)
	}
	clusters, err = ui.PrepareClusters(clusters)
	if err != nil {
		fatalf("%v", err)
	}

	var st *store.Store
	if !*noSave {
		st = openStore(cfg)
		defer st.Close()
	}

	listener, outcomes := ui.NewListener()
	p := newPipeline(cfg, inputs, clusters, st, listener)

	ctx, cancel := context.WithCancel(context.Background())
	p.start(ctx)
	transitions := p.ctrl.Subscribe()

	app := ui.NewApp(ui.Deps{
		Trigger:     p.ctrl.Trigger,
		Transitions: transitions,
		Outcomes:    outcomes,
		Ring:        p.ring,
		Pool:        p.pool,
		Events:      p.events,
		Bins:        cfg.View.Bins,
		ZoomStep:    cfg.View.ZoomStep,
		Clusters:    clusters,
	})
	program := tea.NewProgram(app, tea.WithAltScreen())

	if err := p.ctrl.Trigger(recalc.TriggerTimeseries); err != nil {
		logging.Error("Initial trigger", "error", err)
		p.events.Error(otel.KindError, "main", err)
	}

	if _, err := program.Run(); err != nil {
		logging.Error("Error running program", "error", err)
		p.events.Error(otel.KindError, "ui", err)
	}

	// Graceful shutdown
	cancel()
	p.ctrl.Unsubscribe(transitions)
	p.close()
}
