package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
)

// Both implementations must satisfy the same contract, so every test runs
// against both.
func forEachStore(t *testing.T, fn func(t *testing.T, s workflow.Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(SQLiteOptions{
			Path:        filepath.Join(t.TempDir(), "orbitmesh.db"),
			AutoMigrate: true,
			BusyTimeout: time.Second,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func sampleDefinition(version int) *workflow.Definition {
	return &workflow.Definition{
		ID:      "deploy",
		Version: version,
		Name:    "Deploy",
		Steps: []workflow.Step{
			{ID: "build", Type: workflow.StepTypeJob, Config: workflow.StepConfig{Payload: map[string]any{"action": "build"}}},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestDefinitionVersioning(t *testing.T) {
	forEachStore(t, func(t *testing.T, s workflow.Store) {
		ctx := context.Background()

		require.NoError(t, s.SaveDefinition(ctx, sampleDefinition(1)))
		require.NoError(t, s.SaveDefinition(ctx, sampleDefinition(2)))

		err := s.SaveDefinition(ctx, sampleDefinition(2))
		assert.ErrorIs(t, err, domain.ErrStoreConflict)

		latest, err := s.GetDefinition(ctx, "deploy", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Version)

		v1, err := s.GetDefinition(ctx, "deploy", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, v1.Version)
		assert.Equal(t, "build", v1.Steps[0].ID)

		_, err = s.GetDefinition(ctx, "deploy", 9)
		assert.ErrorIs(t, err, domain.ErrDefinitionNotFound)
		_, err = s.GetDefinition(ctx, "ghost", 0)
		assert.ErrorIs(t, err, domain.ErrDefinitionNotFound)

		all, err := s.ListDefinitions(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, 1, all[0].Version)
		assert.Equal(t, 2, all[1].Version)
	})
}

func TestInstanceRoundTripAndFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s workflow.Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Second)

		mk := func(id, wf string, status workflow.InstanceStatus, started time.Time) *workflow.Instance {
			return &workflow.Instance{
				ID:         id,
				WorkflowID: wf,
				Version:    1,
				Status:     status,
				Variables:  map[string]any{"region": "eu-1"},
				Steps: []*workflow.StepInstance{
					{StepID: "build", Status: workflow.StepPending},
				},
				StartedAt: started,
			}
		}
		require.NoError(t, s.SaveInstance(ctx, mk("in-1", "deploy", workflow.InstanceRunning, base)))
		require.NoError(t, s.SaveInstance(ctx, mk("in-2", "deploy", workflow.InstanceCompleted, base.Add(time.Minute))))
		require.NoError(t, s.SaveInstance(ctx, mk("in-3", "backup", workflow.InstanceRunning, base.Add(2*time.Minute))))

		got, err := s.GetInstance(ctx, "in-1")
		require.NoError(t, err)
		assert.Equal(t, "eu-1", got.Variables["region"])
		assert.Equal(t, workflow.StepPending, got.Steps[0].Status)

		// Updates overwrite in place.
		got.Status = workflow.InstanceFailed
		got.Error = "boom"
		require.NoError(t, s.SaveInstance(ctx, got))
		got, err = s.GetInstance(ctx, "in-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceFailed, got.Status)
		assert.Equal(t, "boom", got.Error)

		_, err = s.GetInstance(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrInstanceNotFound)

		byWorkflow, err := s.ListInstances(ctx, workflow.InstanceFilter{WorkflowID: "deploy"})
		require.NoError(t, err)
		assert.Len(t, byWorkflow, 2)

		byStatus, err := s.ListInstances(ctx, workflow.InstanceFilter{Status: workflow.InstanceRunning})
		require.NoError(t, err)
		require.Len(t, byStatus, 1)
		assert.Equal(t, "in-3", byStatus[0].ID)

		since, err := s.ListInstances(ctx, workflow.InstanceFilter{Since: base.Add(30 * time.Second)})
		require.NoError(t, err)
		assert.Len(t, since, 2)

		limited, err := s.ListInstances(ctx, workflow.InstanceFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		// Ordered by start time.
		assert.Equal(t, "in-1", limited[0].ID)
		assert.Equal(t, "in-2", limited[1].ID)
	})
}

func TestJobCASIsExactlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s workflow.Store) {
		ctx := context.Background()
		job := &workflow.Job{
			ID:         "job-1",
			InstanceID: "in-1",
			StepID:     "build",
			Status:     workflow.JobQueued,
			Payload:    map[string]any{"action": "build"},
			CreatedAt:  time.Now().UTC(),
		}
		require.NoError(t, s.SaveJob(ctx, job))

		live := []workflow.JobStatus{workflow.JobQueued, workflow.JobAssigned, workflow.JobRunning}

		won, err := s.CASJobStatus(ctx, "job-1", live, workflow.JobSucceeded, func(j *workflow.Job) {
			j.Result = map[string]any{"artifact": "api.tar"}
		})
		require.NoError(t, err)
		assert.True(t, won)

		// The losing replay must not overwrite the first terminal outcome.
		won, err = s.CASJobStatus(ctx, "job-1", live, workflow.JobFailed, func(j *workflow.Job) {
			j.Error = "replay"
		})
		require.NoError(t, err)
		assert.False(t, won)

		got, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.JobSucceeded, got.Status)
		assert.Equal(t, "api.tar", got.Result["artifact"])
		assert.Empty(t, got.Error)

		_, err = s.GetJob(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
		_, err = s.CASJobStatus(ctx, "ghost", live, workflow.JobFailed, nil)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestJobListings(t *testing.T) {
	forEachStore(t, func(t *testing.T, s workflow.Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Second)

		mk := func(id string, status workflow.JobStatus, agent string, created time.Time) *workflow.Job {
			return &workflow.Job{
				ID: id, InstanceID: "in-1", StepID: "s", Status: status,
				AgentID: agent, CreatedAt: created,
			}
		}
		require.NoError(t, s.SaveJob(ctx, mk("j1", workflow.JobQueued, "", base)))
		require.NoError(t, s.SaveJob(ctx, mk("j2", workflow.JobRunning, "agent-a", base.Add(time.Second))))
		require.NoError(t, s.SaveJob(ctx, mk("j3", workflow.JobSucceeded, "agent-a", base.Add(2*time.Second))))

		running, err := s.ListJobsByStatus(ctx, workflow.JobQueued, workflow.JobRunning)
		require.NoError(t, err)
		require.Len(t, running, 2)
		assert.Equal(t, "j1", running[0].ID)
		assert.Equal(t, "j2", running[1].ID)

		byAgent, err := s.ListJobsByAgent(ctx, "agent-a")
		require.NoError(t, err)
		assert.Len(t, byAgent, 2)
	})
}

func TestAgentPersistence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s workflow.Store) {
		ctx := context.Background()
		agent := &workflow.Agent{
			ID:               "agent-1",
			Name:             "builder",
			Tags:             []string{"linux"},
			Capabilities:     []string{"docker"},
			State:            workflow.AgentOnline,
			TokenFingerprint: "fp-abc",
			LastSeen:         time.Now().UTC(),
			EnrolledAt:       time.Now().UTC(),
		}
		require.NoError(t, s.SaveAgent(ctx, agent))

		got, err := s.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "builder", got.Name)

		byFP, err := s.GetAgentByFingerprint(ctx, "fp-abc")
		require.NoError(t, err)
		assert.Equal(t, "agent-1", byFP.ID)

		_, err = s.GetAgentByFingerprint(ctx, "fp-unknown")
		assert.ErrorIs(t, err, domain.ErrAuthFailed)

		_, err = s.GetAgent(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrAgentUnavailable)

		// Re-enrollment rotates the fingerprint in place.
		agent.TokenFingerprint = "fp-new"
		require.NoError(t, s.SaveAgent(ctx, agent))
		_, err = s.GetAgentByFingerprint(ctx, "fp-abc")
		assert.ErrorIs(t, err, domain.ErrAuthFailed)
		byFP, err = s.GetAgentByFingerprint(ctx, "fp-new")
		require.NoError(t, err)
		assert.Equal(t, "agent-1", byFP.ID)

		all, err := s.ListAgents(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestSaveEventAppends(t *testing.T) {
	forEachStore(t, func(t *testing.T, s workflow.Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveEvent(ctx, &workflow.Event{
			ID:         "ev-1",
			InstanceID: "in-1",
			Name:       "release",
			Payload:    map[string]any{"version": "1.2.3"},
			ReceivedAt: time.Now().UTC(),
		}))
	})
}

// The store must hand out copies: mutating a returned row must not leak
// into later reads.
func TestReadsAreIsolated(t *testing.T) {
	forEachStore(t, func(t *testing.T, s workflow.Store) {
		ctx := context.Background()
		in := &workflow.Instance{
			ID:         "in-iso",
			WorkflowID: "deploy",
			Version:    1,
			Status:     workflow.InstanceRunning,
			Variables:  map[string]any{"n": float64(1)},
			Steps:      []*workflow.StepInstance{{StepID: "s", Status: workflow.StepPending}},
			StartedAt:  time.Now().UTC(),
		}
		require.NoError(t, s.SaveInstance(ctx, in))

		first, err := s.GetInstance(ctx, "in-iso")
		require.NoError(t, err)
		first.Variables["n"] = float64(99)
		first.Steps[0].Status = workflow.StepFailed

		second, err := s.GetInstance(ctx, "in-iso")
		require.NoError(t, err)
		assert.Equal(t, float64(1), second.Variables["n"])
		assert.Equal(t, workflow.StepPending, second.Steps[0].Status)
	})
}
