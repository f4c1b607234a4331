package workflow

import (
	"context"
	"time"
)

// InstanceFilter narrows ListInstances results.
type InstanceFilter struct {
	WorkflowID string
	Status     InstanceStatus
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Store is the persistence contract the engine, registry and session layer
// share. Implementations must be safe for concurrent use, provide
// read-your-writes per instance and apply each single-row write atomically.
// Writer ownership: the engine writes instances, the session layer writes
// job assignment and progress; both read everything.
type Store interface {
	// Definitions are immutable; SaveDefinition only ever inserts.
	SaveDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string, version int) (*Definition, error)
	ListDefinitions(ctx context.Context) ([]*Definition, error)

	SaveInstance(ctx context.Context, in *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context, f InstanceFilter) ([]*Instance, error)

	// CASJobStatus is the idempotency point for terminal job folding; it
	// returns false without error when the job is not in any of the from
	// statuses. An empty from list matches any status.
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error)
	ListJobsByAgent(ctx context.Context, agentID string) ([]*Job, error)
	CASJobStatus(ctx context.Context, id string, from []JobStatus, to JobStatus, mutate func(*Job)) (bool, error)

	SaveAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByFingerprint(ctx context.Context, fp string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Events are an append-only audit of delivered signals.
	SaveEvent(ctx context.Context, ev *Event) error

	Close() error
}
