// Package work runs background jobs (histogram computations, history writes
// and spreadsheet exports of a live session) through one observable pool.
// Every job is an Item with a lifecycle that subscribers can follow; the
// viewer's debug overlay and the status endpoint read pool snapshots.
//
// All state changes are logged through internal/logging, since the UI may
// not be visible while a computation runs.
package work

import (
	"context"
	"fmt"
	"time"

	"github.com/abelbrown/discrimhist/internal/logging"
)

// LogEvent logs a work event for debugging.
func LogEvent(event Event) {
	item := event.Item
	switch event.Change {
	case ChangeCreated, ChangeStarted:
		logging.Debug("Work "+string(event.Change),
			"id", item.ID,
			"type", item.Type,
			"desc", item.Description)
	case ChangeCompleted:
		logging.Info("Work completed",
			"id", item.ID,
			"type", item.Type,
			"desc", item.Description,
			"result", item.Result,
			"duration", item.Duration())
	case ChangeCancelled:
		logging.Info("Work cancelled",
			"id", item.ID,
			"type", item.Type,
			"desc", item.Description,
			"duration", item.Duration())
	case ChangeFailed:
		logging.Error("Work failed",
			"id", item.ID,
			"type", item.Type,
			"desc", item.Description,
			"error", item.Error,
			"duration", item.Duration())
	}
}

// Type categorizes work items for filtering and display.
type Type string

const (
	TypeCompute Type = "compute" // dispatch + read + aggregate
	TypeStore   Type = "store"   // result history writes
	TypeExport  Type = "export"  // spreadsheet export
	TypeOther   Type = "other"
)

// Icon returns a display icon for the work type.
func (t Type) Icon() string {
	switch t {
	case TypeCompute:
		return "▲"
	case TypeStore:
		return "◇"
	case TypeExport:
		return "↓"
	default:
		return "○"
	}
}

// Status represents the lifecycle state of a work item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled" // context cancelled before or during the run
)

// Priorities. Higher runs first; equal priorities run in submit order.
const (
	PriorityLow    = -10
	PriorityNormal = 0
	PriorityHigh   = 10
)

// Item is one unit of background work.
type Item struct {
	ID          string
	Type        Type
	Status      Status
	Description string // "Compute 3 clusters"

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	Result string
	Error  error
	Data   any

	Source   string // request ID or other correlation
	Priority int

	ctx       context.Context
	workFn    func(ctx context.Context) (string, error)
	cancel    context.CancelFunc // set while active
	finished  chan struct{}      // closed once the item is recorded as done
	heapIndex int
}

// Duration returns how long the work took (or has been running).
func (i *Item) Duration() time.Duration {
	if i.FinishedAt.IsZero() {
		if i.StartedAt.IsZero() {
			return 0
		}
		return time.Since(i.StartedAt)
	}
	return i.FinishedAt.Sub(i.StartedAt)
}

// Age returns how long since the work finished.
func (i *Item) Age() time.Duration {
	if i.FinishedAt.IsZero() {
		return 0
	}
	return time.Since(i.FinishedAt)
}

// StatusIcon returns a display icon for the current status.
func (i *Item) StatusIcon() string {
	switch i.Status {
	case StatusPending:
		return "○"
	case StatusActive:
		return "●"
	case StatusComplete:
		return "✓"
	case StatusFailed:
		return "✗"
	case StatusCancelled:
		return "⊘"
	default:
		return "?"
	}
}

// Change names an item transition.
type Change string

const (
	ChangeCreated   Change = "created"
	ChangeStarted   Change = "started"
	ChangeCompleted Change = "completed"
	ChangeFailed    Change = "failed"
	ChangeCancelled Change = "cancelled"
)

// Event is sent to subscribers when work state changes. Item is a copy taken
// at the time of the change.
type Event struct {
	Item   *Item
	Change Change
}

// Snapshot is a copy of the pool state.
type Snapshot struct {
	Pending   []*Item
	Active    []*Item
	Completed []*Item // newest first
	Stats     Stats
}

// Stats tracks work pool metrics.
type Stats struct {
	TotalCreated   int64
	TotalCompleted int64
	TotalFailed    int64
	TotalCancelled int64
	WorkersActive  int
	WorkersTotal   int
	PendingCount   int
	Unwinding      int // cancelled items still returning; not counted as active
}

// String returns a summary string for stats.
func (s Stats) String() string {
	return fmt.Sprintf("Active: %d  Pending: %d  Unwinding: %d  Done: %d  Failed: %d  Cancelled: %d",
		s.WorkersActive, s.PendingCount, s.Unwinding, s.TotalCompleted, s.TotalFailed, s.TotalCancelled)
}
