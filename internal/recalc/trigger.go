package recalc

import (
	"fmt"
	"sort"
	"strings"
)

// Trigger names an input change that invalidates the current result.
type Trigger string

const (
	TriggerTimeseries        Trigger = "timeseries"
	TriggerFirings           Trigger = "firings"
	TriggerClusterMerge      Trigger = "cluster_merge"
	TriggerClusterVisibility Trigger = "cluster_visibility"
	TriggerClusters          Trigger = "clusters"
)

// Policy says how a trigger treats a computation already running.
type Policy int

const (
	// Soft triggers let the running computation finish, then recompute.
	Soft Policy = iota
	// Hard triggers cancel the running computation and start over.
	Hard
)

func (p Policy) String() string {
	if p == Hard {
		return "hard"
	}
	return "soft"
}

// DefaultTriggers is the trigger table used when Options.Triggers is nil.
// Changing the data or the event set invalidates a run in flight; display
// changes to the cluster set only queue a follow-up.
func DefaultTriggers() map[Trigger]Policy {
	return map[Trigger]Policy{
		TriggerTimeseries:        Hard,
		TriggerFirings:           Hard,
		TriggerClusterMerge:      Soft,
		TriggerClusterVisibility: Soft,
		TriggerClusters:          Soft,
	}
}

// ParseTrigger validates a trigger name against table.
func ParseTrigger(name string, table map[Trigger]Policy) (Trigger, error) {
	t := Trigger(strings.TrimSpace(name))
	if _, ok := table[t]; !ok {
		return "", fmt.Errorf("unknown trigger %q (want one of %s)", name, strings.Join(triggerNames(table), ", "))
	}
	return t, nil
}

func triggerNames(table map[Trigger]Policy) []string {
	names := make([]string, 0, len(table))
	for t := range table {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}
