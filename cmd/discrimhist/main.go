// Command discrimhist computes and inspects discriminant histograms of
// spike-sorted clusters.
//
// Usage:
//
//	discrimhist                  Show help
//	discrimhist run              Compute once and print pair summaries
//	discrimhist view             Live terminal viewer
//	discrimhist serve            HTTP API around a live controller
//	discrimhist history          List recorded computations (-rm <id> deletes one)
//	discrimhist show <id>        Print or view a recorded result
//	discrimhist export <id>      Write a recorded result to .xlsx
//	discrimhist events           JSONL event log viewer
package main

import (
	"fmt"
	"os"
)

const usage = `discrimhist: discriminant histograms for spike-sorted clusters

Usage:
  discrimhist <command> [flags]

Commands:
  run         Compute histograms once and print per-pair summaries
  view        Live terminal viewer (r: refresh, R: recompute, +/-: zoom)
  serve       HTTP API for status, histograms and recalculation
  history     List recorded computations, or delete one with -rm <id>
  show        Print a recorded result, or open it in the viewer with --tui
  export      Write a recorded result to an .xlsx workbook
  events      JSONL event log viewer

Environment:
  MLPROXY_URL                  Processing proxy URL (http runner)
  DISCRIMHIST_RUNNER           "http" or "local"
  DISCRIMHIST_LOCAL_COMMAND    Processor launcher for the local runner
  DISCRIMHIST_DB               Result database path
  DISCRIMHIST_DEBOUNCE_MS      Delay before a triggered recalculation starts

A .env file in the working directory is loaded first.
Run 'discrimhist <command> -h' for command-specific help.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(0)
	}

	cmd := os.Args[1]
	// Strip the program name + subcommand so flag sets see only their flags
	os.Args = os.Args[1:]

	switch cmd {
	case "run":
		runRun()
	case "view":
		runView()
	case "serve":
		runServe()
	case "history":
		runHistory()
	case "show":
		runShow()
	case "export":
		runExport()
	case "events":
		runEvents()
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "discrimhist: unknown command %q\n\n", cmd)
		fmt.Print(usage)
		os.Exit(1)
	}
}
