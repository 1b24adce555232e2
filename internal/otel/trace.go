package otel

import (
	"os"
	"strings"
	"sync/atomic"
)

// TraceEnv turns on per-message tracing in the viewer. Empty, "0", "false",
// "off" and "no" leave it off.
const TraceEnv = "DISCRIMHIST_TRACE"

// traceEnabled is read by the UI goroutine and flipped by tests.
var traceEnabled atomic.Bool

func init() {
	traceEnabled.Store(traceFromEnv(os.Getenv(TraceEnv)))
}

func traceFromEnv(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "off", "no":
		return false
	}
	return true
}

// TraceEnabled reports whether tracing was requested at startup. When true
// the viewer emits trace events per message and a ui.render event per frame.
func TraceEnabled() bool {
	return traceEnabled.Load()
}

func setTraceEnabled(v bool) {
	traceEnabled.Store(v)
}
