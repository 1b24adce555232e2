// Package ui provides the Bubble Tea viewer for discriminant histograms.
package ui

import (
	"github.com/abelbrown/discrimhist/internal/discrim"
	"github.com/abelbrown/discrimhist/internal/recalc"
)

// Outcome is a finished computation as seen by the viewer.
type Outcome struct {
	Result discrim.Result
	Err    *discrim.StageError
}

// OutcomeMsg is sent when the controller publishes a result or a failure.
type OutcomeMsg Outcome

// TransitionMsg is sent on every controller state change.
type TransitionMsg recalc.Transition

// TriggerSent is sent after a key press triggered a recalculation.
type TriggerSent struct {
	Trigger recalc.Trigger
	Err     error
}

// pollMsg re-arms a channel listener that timed out.
type pollMsg struct{ source string }
