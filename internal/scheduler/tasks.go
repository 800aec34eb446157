package scheduler

import (
	"context"
	"fmt"
	"time"
)

// TaskRegistry holds references to governor components for task
// execution. Fields left nil disable the corresponding task.
type TaskRegistry struct {
	Evaluate          func(ctx context.Context) error
	PollFeed          func(ctx context.Context) error
	CollectStats      func(ctx context.Context) error
	RefreshInterfaces func(ctx context.Context) error
	Prune             func(ctx context.Context) error
}

// NewEnforcementTask drives the blacklist state machine.
func NewEnforcementTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "enforcement-tick",
		Name:        "Enforcement Tick",
		Description: "Evaluate per-segment usage against daily budgets",
		Schedule:    Every(interval),
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			if registry.Evaluate == nil {
				return fmt.Errorf("evaluate function not configured")
			}
			return registry.Evaluate(ctx)
		},
	}
}

// NewFeedTask polls the flow-sample spool.
func NewFeedTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "feed-poll",
		Name:        "Flow Feed Poll",
		Description: "Read new flow samples and classify them",
		Schedule:    Every(interval),
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			if registry.PollFeed == nil {
				return fmt.Errorf("feed poll function not configured")
			}
			return registry.PollFeed(ctx)
		},
	}
}

// NewStatsTask samples tc class counters for applied policies.
func NewStatsTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "shaping-stats",
		Name:        "Shaping Stats",
		Description: "Collect tc class counters for applied policies",
		Schedule:    Every(interval),
		Enabled:     true,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			if registry.CollectStats == nil {
				return fmt.Errorf("stats function not configured")
			}
			return registry.CollectStats(ctx)
		},
	}
}

// NewInventoryTask refreshes the interface inventory snapshot.
func NewInventoryTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "interface-inventory",
		Name:        "Interface Inventory",
		Description: "Discover interfaces and derive VLAN topology",
		Schedule:    Every(interval),
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			if registry.RefreshInterfaces == nil {
				return fmt.Errorf("inventory function not configured")
			}
			return registry.RefreshInterfaces(ctx)
		},
	}
}

// NewPruneTask applies retention to usage, event and audit rows.
// Runs nightly at 03:10 to stay clear of the midnight usage reset.
func NewPruneTask(registry *TaskRegistry) *Task {
	return &Task{
		ID:          "retention-prune",
		Name:        "Retention Prune",
		Description: "Delete usage, event and audit rows past retention",
		Schedule:    Daily(3, 10),
		Enabled:     true,
		Timeout:     5 * time.Minute,
		Func: func(ctx context.Context) error {
			if registry.Prune == nil {
				return fmt.Errorf("prune function not configured")
			}
			return registry.Prune(ctx)
		},
	}
}
