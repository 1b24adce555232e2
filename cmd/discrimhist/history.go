package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/discrimhist/internal/export"
	"github.com/abelbrown/discrimhist/internal/store"
	"github.com/abelbrown/discrimhist/internal/ui"
)

func runHistory() {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "Number of computations to list")
	rawJSON := fs.Bool("json", false, "Output JSON")
	remove := fs.String("rm", "", "Delete the computation with this ID or prefix")
	fs.Parse(os.Args[1:])

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	if *remove != "" {
		ctx := context.Background()
		id, err := st.ResolveID(ctx, *remove)
		if err != nil {
			fatalf("%v", err)
		}
		if err := st.Delete(ctx, id); err != nil {
			fatalf("delete: %v", err)
		}
		fmt.Printf("Deleted %s\n", id)
		return
	}

	list, err := st.ListComputations(context.Background(), *limit)
	if err != nil {
		fatalf("list: %v", err)
	}

	if *rawJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if list == nil {
			list = []store.Computation{}
		}
		enc.Encode(list)
		return
	}

	if len(list) == 0 {
		fmt.Println("No computations recorded yet. Run 'discrimhist run' first.")
		return
	}

	fmt.Printf("%-13s  %-6s  %-19s  %8s  %-16s  %5s  %9s  %s\n",
		"ID", "STATUS", "FINISHED", "TOOK", "CLUSTERS", "HISTS", "DISCARDED", "ERROR")
	for _, c := range list {
		errMsg := ""
		if c.Status == store.StatusFailed {
			errMsg = fmt.Sprintf("%s/%s: %s", c.ErrorStage, c.ErrorKind, truncate(c.ErrorMsg, 40))
		}
		fmt.Printf("%-13s  %-6s  %-19s  %8s  %-16s  %5d  %9d  %s\n",
			shortID(c.ID), c.Status, c.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			c.FinishedAt.Sub(c.CreatedAt).Round(time.Millisecond), truncate(c.Clusters, 16),
			c.Histograms, c.Discarded, errMsg)
	}
}

func runShow() {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	tui := fs.Bool("tui", false, "Open the result in the terminal viewer")
	rawJSON := fs.Bool("json", false, "Output the full result as JSON")
	fs.Parse(os.Args[1:])

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	res, err := resolveResult(context.Background(), st, fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}

	switch {
	case *rawJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
	case *tui:
		app := ui.NewApp(ui.Deps{
			Bins:     cfg.View.Bins,
			ZoomStep: cfg.View.ZoomStep,
			Clusters: res.Clusters,
			Initial:  &res,
		})
		if _, err := tea.NewProgram(app, tea.WithAltScreen()).Run(); err != nil {
			fatalf("viewer: %v", err)
		}
	default:
		printSummaries(res)
	}
}

func runExport() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("o", "", "Output path (default discrimhist-<id>.xlsx)")
	bins := fs.Int("bins", 0, "Bins for the Bins sheet (default from config)")
	fs.Parse(os.Args[1:])

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	res, err := resolveResult(context.Background(), st, fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}

	path := *out
	if path == "" {
		path = "discrimhist-" + shortID(res.RequestID) + ".xlsx"
	}
	n := *bins
	if n <= 0 {
		n = cfg.View.Bins
	}
	if err := export.WriteXLSX(path, res, n); err != nil {
		fatalf("export: %v", err)
	}
	fmt.Printf("Wrote %s (%d histograms)\n", path, len(res.Histograms))
}

// shortID is a prefix that ResolveID accepts. Request IDs are UUIDv7, so
// the first 13 characters hold the full millisecond timestamp.
func shortID(id string) string {
	if len(id) > 13 {
		return id[:13]
	}
	return id
}

// truncate shortens a string to max runes, appending "..." if truncated.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
