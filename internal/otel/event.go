// Package otel records structured events for discrimhist.
//
// Events are typed structs written as JSONL lines by a Logger that drains a
// buffered channel in the background. A RingBuffer can be attached to keep
// the most recent events in memory for the viewer's debug overlay.
package otel

import (
	"encoding/json"
	"time"
)

// Level defines event severity for filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind identifies the category of an event.
// Dot-delimited: "<subsystem>.<action>".
type EventKind string

const (
	// Dispatch pipeline
	KindDispatchStart    EventKind = "dispatch.start"
	KindDispatchLocate   EventKind = "dispatch.locate"
	KindDispatchComplete EventKind = "dispatch.complete"
	KindDispatchError    EventKind = "dispatch.error"
	KindFilterComplete   EventKind = "filter.complete"
	KindWorkerComplete   EventKind = "worker.complete"
	KindArtifactFetch    EventKind = "artifact.fetch"
	KindArtifactRead     EventKind = "artifact.read"

	// Aggregation
	KindAggregateComplete EventKind = "aggregate.complete"
	KindAggregateDiscard  EventKind = "aggregate.discard"
	KindAggregateRepair   EventKind = "aggregate.repair"

	// Recalculation controller
	KindRecalcTrigger    EventKind = "recalc.trigger"
	KindRecalcTransition EventKind = "recalc.transition"
	KindRecalcCancel     EventKind = "recalc.cancel"
	KindRecalcStale      EventKind = "recalc.stale"

	// Store
	KindStoreSave  EventKind = "store.save"
	KindStoreError EventKind = "store.error"

	// UI
	KindKeyPress   EventKind = "ui.key"
	KindViewRender EventKind = "ui.render"

	// API
	KindAPIRequest EventKind = "api.request"

	// System
	KindStartup  EventKind = "sys.startup"
	KindShutdown EventKind = "sys.shutdown"
	KindError    EventKind = "sys.error"

	// Trace
	KindMsgReceived EventKind = "trace.msg_received"
	KindMsgHandled  EventKind = "trace.msg_handled"
)

// Event is the universal observability record. Every field except Kind and
// Time is optional. Serialized as a single JSONL line.
type Event struct {
	Time      time.Time      `json:"t"`
	Level     Level          `json:"level,omitempty"`
	Kind      EventKind      `json:"kind"`
	Comp      string         `json:"comp,omitempty"`       // component: "dispatch", "recalc", "ui", "main"
	SessionID string         `json:"session_id,omitempty"` // random hex, same for entire run
	RequestID string         `json:"rid,omitempty"`        // computation correlation ID
	Gen       uint64         `json:"gen,omitempty"`        // controller generation
	Stage     string         `json:"stage,omitempty"`
	State     string         `json:"state,omitempty"`
	Dur       time.Duration  `json:"-"`                // not serialized directly
	DurMs     float64        `json:"dur_ms,omitempty"` // computed from Dur at marshal time
	Count     int            `json:"count,omitempty"`
	Clusters  int            `json:"clusters,omitempty"`
	Err       string         `json:"err,omitempty"`
	Msg       string         `json:"msg,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// MarshalJSON implements json.Marshaler, converting Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	a := struct {
		Alias
	}{Alias: Alias(e)}
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}
