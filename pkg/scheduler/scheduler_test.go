package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/pkg/store"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
)

type fakeStarter struct {
	mu     sync.Mutex
	starts []string
	inputs []map[string]any
}

func (f *fakeStarter) StartWorkflow(_ context.Context, workflowID string, _ int, input map[string]any) (*workflow.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, workflowID)
	f.inputs = append(f.inputs, input)
	return &workflow.Instance{ID: "in-" + workflowID, WorkflowID: workflowID}, nil
}

func registerVersion(t *testing.T, r *workflow.Registry, id string, triggers []workflow.Trigger) {
	t.Helper()
	require.NoError(t, r.Register(context.Background(), &workflow.Definition{
		ID:       id,
		Name:     id,
		Steps:    []workflow.Step{{ID: "noop", Type: workflow.StepTypeJob}},
		Triggers: triggers,
	}))
}

func TestRefreshUsesLatestVersionTriggers(t *testing.T) {
	registry := workflow.NewRegistry(store.NewMemoryStore())
	starter := &fakeStarter{}
	s := New(registry, starter)
	t.Cleanup(s.Stop)

	// v1 has two triggers, v2 has one; only v2 contributes.
	registerVersion(t, registry, "nightly", []workflow.Trigger{
		{Schedule: "0 1 * * *"},
		{Schedule: "0 2 * * *"},
	})
	registerVersion(t, registry, "nightly", []workflow.Trigger{
		{Schedule: "0 3 * * *", Input: map[string]any{"full": true}},
	})
	registerVersion(t, registry, "weekly", []workflow.Trigger{
		{Schedule: "0 4 * * 0"},
	})

	require.NoError(t, s.Start(context.Background()))
	s.mu.Lock()
	entries := len(s.cron.Entries())
	s.mu.Unlock()
	assert.Equal(t, 2, entries)
}

func TestRefreshSkipsBadSchedules(t *testing.T) {
	registry := workflow.NewRegistry(store.NewMemoryStore())
	s := New(registry, &fakeStarter{})
	t.Cleanup(s.Stop)

	registerVersion(t, registry, "broken", []workflow.Trigger{
		{Schedule: "not a cron line"},
		{Schedule: "30 6 * * *"},
	})

	// A bad schedule is logged and skipped, the rest of the table loads.
	require.NoError(t, s.Refresh(context.Background()))
	s.mu.Lock()
	entries := len(s.cron.Entries())
	s.mu.Unlock()
	assert.Equal(t, 1, entries)
}

func TestFireStartsLatestVersion(t *testing.T) {
	registry := workflow.NewRegistry(store.NewMemoryStore())
	starter := &fakeStarter{}
	s := New(registry, starter)

	s.fire("nightly", map[string]any{"full": true})

	require.Len(t, starter.starts, 1)
	assert.Equal(t, "nightly", starter.starts[0])
	assert.Equal(t, map[string]any{"full": true}, starter.inputs[0])
}

func TestStopIsIdempotent(t *testing.T) {
	registry := workflow.NewRegistry(store.NewMemoryStore())
	s := New(registry, &fakeStarter{})
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}
