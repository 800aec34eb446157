package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTaskValidation(t *testing.T) {
	s := New(nil)

	err := s.AddTask(&Task{Name: "no id", Schedule: Every(time.Second), Func: func(context.Context) error { return nil }})
	assert.Error(t, err)

	err = s.AddTask(&Task{ID: "a", Schedule: nil, Func: func(context.Context) error { return nil }})
	assert.Error(t, err)

	err = s.AddTask(&Task{ID: "a", Schedule: Every(time.Second)})
	assert.Error(t, err)

	ok := &Task{ID: "a", Name: "A", Schedule: Every(time.Second), Func: func(context.Context) error { return nil }}
	require.NoError(t, s.AddTask(ok))
	assert.Error(t, s.AddTask(ok), "duplicate id must be rejected")
}

func TestRunTaskUpdatesStatus(t *testing.T) {
	s := New(nil)
	var runs atomic.Int64

	require.NoError(t, s.AddTask(&Task{
		ID:       "tick",
		Name:     "Tick",
		Schedule: Every(time.Hour),
		Enabled:  true,
		Func: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.RunTask("tick"))
	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st, ok := s.TaskStatus("tick")
		return ok && st.RunCount == 1
	}, time.Second, 10*time.Millisecond)

	st, _ := s.TaskStatus("tick")
	assert.Empty(t, st.LastError)
	assert.False(t, st.LastRun.IsZero())

	assert.Error(t, s.RunTask("missing"))
}

func TestRunTaskRecordsError(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.AddTask(&Task{
		ID:       "bad",
		Name:     "Bad",
		Schedule: Every(time.Hour),
		Enabled:  true,
		Func: func(context.Context) error {
			return errors.New("boom")
		},
	}))

	require.NoError(t, s.RunTask("bad"))
	require.Eventually(t, func() bool {
		st, ok := s.TaskStatus("bad")
		return ok && st.ErrorCount == 1
	}, time.Second, 10*time.Millisecond)

	st, _ := s.TaskStatus("bad")
	assert.Equal(t, "boom", st.LastError)
}

func TestStartRunsOnStartTasks(t *testing.T) {
	s := New(nil)
	var runs atomic.Int64

	require.NoError(t, s.AddTask(&Task{
		ID:         "startup",
		Name:       "Startup",
		Schedule:   Every(time.Hour),
		Enabled:    true,
		RunOnStart: true,
		Func: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	defer s.Stop()
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStatusSortedByName(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.AddTask(&Task{ID: "b", Name: "Beta", Schedule: Every(time.Hour), Func: noop}))
	require.NoError(t, s.AddTask(&Task{ID: "a", Name: "Alpha", Schedule: Every(time.Hour), Func: noop}))

	statuses := s.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "Alpha", statuses[0].Name)
	assert.Equal(t, "Beta", statuses[1].Name)
}

func TestSchedules(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	assert.Equal(t, base.Add(time.Minute), Every(time.Minute).Next(base))

	// Today's 03:10 has passed, so the daily schedule rolls to tomorrow.
	next := Daily(3, 10).Next(base)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 10, 0, 0, time.UTC), next)

	// Before today's slot, it stays on today.
	early := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 3, 10, 0, 0, time.UTC), Daily(3, 10).Next(early))
}

func TestTaskRegistryWiring(t *testing.T) {
	var evaluated atomic.Bool
	registry := &TaskRegistry{
		Evaluate: func(context.Context) error {
			evaluated.Store(true)
			return nil
		},
	}

	task := NewEnforcementTask(registry, time.Minute)
	require.NoError(t, task.Func(context.Background()))
	assert.True(t, evaluated.Load())

	// Unconfigured registry functions surface as task errors.
	empty := &TaskRegistry{}
	assert.Error(t, NewFeedTask(empty, time.Minute).Func(context.Background()))
	assert.Error(t, NewStatsTask(empty, time.Minute).Func(context.Background()))
	assert.Error(t, NewPruneTask(empty).Func(context.Background()))
}
