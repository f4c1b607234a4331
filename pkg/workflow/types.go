// Package workflow implements the OrbitMesh workflow execution engine: the
// definition registry, the step executor set and the orchestrating engine.
package workflow

import (
	"time"
)

// StepType enumerates the closed set of step kinds.
type StepType string

const (
	StepTypeJob         StepType = "job"
	StepTypeParallel    StepType = "parallel"
	StepTypeConditional StepType = "conditional"
	StepTypeDelay       StepType = "delay"
	StepTypeWaitEvent   StepType = "wait_for_event"
	StepTypeSubWorkflow StepType = "sub_workflow"
	StepTypeForEach     StepType = "for_each"
	StepTypeTransform   StepType = "transform"
	StepTypeNotify      StepType = "notify"
	StepTypeApproval    StepType = "approval"
)

// InstanceStatus is the lifecycle status of a workflow instance.
type InstanceStatus string

const (
	InstancePending            InstanceStatus = "pending"
	InstanceRunning            InstanceStatus = "running"
	InstanceWaitingForEvent    InstanceStatus = "waiting_for_event"
	InstanceWaitingForApproval InstanceStatus = "waiting_for_approval"
	InstanceCompleted          InstanceStatus = "completed"
	InstanceFailed             InstanceStatus = "failed"
	InstanceCompensating       InstanceStatus = "compensating"
	InstanceCompensated        InstanceStatus = "compensated"
	InstanceCancelled          InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCompensated, InstanceCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle status of a step instance.
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepReady              StepStatus = "ready"
	StepRunning            StepStatus = "running"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepSkipped            StepStatus = "skipped"
	StepWaitingForEvent    StepStatus = "waiting_for_event"
	StepWaitingForApproval StepStatus = "waiting_for_approval"
	StepCompensating       StepStatus = "compensating"
	StepCompensated        StepStatus = "compensated"
)

// IsTerminal reports whether the step status admits no further transitions
// in the forward direction (compensation transitions aside).
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCompensated:
		return true
	}
	return false
}

// JobStatus is the lifecycle status of a dispatched job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job reached a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut, JobCancelled:
		return true
	}
	return false
}

// AgentState is the session state of a registered agent.
type AgentState string

const (
	AgentOffline    AgentState = "offline"
	AgentConnecting AgentState = "connecting"
	AgentOnline     AgentState = "online"
	AgentDraining   AgentState = "draining"
)

// Definition is an immutable workflow definition. Identity is (ID, Version);
// a new version is a new record.
type Definition struct {
	ID          string         `json:"id"`
	Version     int            `json:"version"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []Step         `json:"steps"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Triggers    []Trigger      `json:"triggers,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Trigger starts instances without an explicit API call.
type Trigger struct {
	Schedule string         `json:"schedule,omitempty"` // cron expression
	Input    map[string]any `json:"input,omitempty"`
}

// Step is one declarative unit inside a definition.
type Step struct {
	ID              string        `json:"id"`
	Name            string        `json:"name,omitempty"`
	Type            StepType      `json:"type"`
	Config          StepConfig    `json:"config"`
	DependsOn       []string      `json:"depends_on,omitempty"`
	Condition       string        `json:"condition,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	MaxRetries      int           `json:"max_retries,omitempty"`
	RetryDelay      time.Duration `json:"retry_delay,omitempty"`
	ContinueOnError bool          `json:"continue_on_error,omitempty"`
	Compensation    *Compensation `json:"compensation,omitempty"`
	OutputVariable  string        `json:"output_variable,omitempty"`
}

// Compensation is the saga undo action attached to a step.
type Compensation struct {
	Config     StepConfig    `json:"config"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"` // 0 means the default of 3
}

// DefaultCompensationRetries applies when Compensation.MaxRetries is unset.
const DefaultCompensationRetries = 3

// StepConfig carries the type-specific fields of a step. Only the fields
// relevant to the step type are consulted.
type StepConfig struct {
	// Job / Notify payloads. String values are ${…}-interpolated.
	Payload  map[string]any `json:"payload,omitempty"`
	Selector AgentSelector  `json:"selector,omitempty"`

	// Conditional
	Expression string `json:"expression,omitempty"`
	Then       []Step `json:"then,omitempty"`
	Else       []Step `json:"else,omitempty"`

	// Parallel
	Branches []NamedBranch `json:"branches,omitempty"`

	// Delay
	Duration time.Duration `json:"duration,omitempty"`

	// WaitForEvent
	EventName string `json:"event_name,omitempty"`

	// SubWorkflow
	WorkflowID      string         `json:"workflow_id,omitempty"`
	WorkflowVersion int            `json:"workflow_version,omitempty"`
	Input           map[string]any `json:"input,omitempty"`

	// ForEach
	Source  string `json:"source,omitempty"`
	ItemVar string `json:"item_var,omitempty"`
	Body    []Step `json:"body,omitempty"`

	// Notify
	Target  string `json:"target,omitempty"`
	Message string `json:"message,omitempty"`

	// Approval
	Approvers []string `json:"approvers,omitempty"`
}

// NamedBranch is one sub-step list of a Parallel step.
type NamedBranch struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// AgentSelector picks candidate agents for a job. An explicit AgentID
// targets one agent directly; otherwise all capabilities and tags listed
// must be present on the agent.
type AgentSelector struct {
	AgentID      string   `json:"agent_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Instance is a live execution of a definition.
type Instance struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	Version      int             `json:"version"`
	Status       InstanceStatus  `json:"status"`
	Variables    map[string]any  `json:"variables"`
	Steps        []*StepInstance `json:"steps"`
	ParentID     string          `json:"parent_id,omitempty"`
	ParentStepID string          `json:"parent_step_id,omitempty"`
	Error        string          `json:"error,omitempty"`
	FailedStepID string          `json:"failed_step_id,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`

	// CompletionSeq is the monotonic counter behind per-step completion
	// indexes; compensation replays completed steps in its reverse order.
	CompletionSeq int `json:"completion_seq"`
}

// StepInstance is the runtime state of one step within an instance.
type StepInstance struct {
	StepID          string            `json:"step_id"`
	Status          StepStatus        `json:"status"`
	Attempt         int               `json:"attempt"`
	LastError       string            `json:"last_error,omitempty"`
	Output          any               `json:"output,omitempty"`
	JobID           string            `json:"job_id,omitempty"`
	SubWorkflowID   string            `json:"sub_workflow_id,omitempty"`
	Branches        []*BranchInstance `json:"branches,omitempty"`
	CompletionIndex int               `json:"completion_index,omitempty"`
	ScheduledAt     *time.Time        `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`

	// WakeAt is set for Delay steps waiting on a timer.
	WakeAt *time.Time `json:"wake_at,omitempty"`

	// Compensation bookkeeping.
	CompAttempt       int        `json:"comp_attempt,omitempty"`
	CompStatus        StepStatus `json:"comp_status,omitempty"`
	CompJobID         string     `json:"comp_job_id,omitempty"`
	CompSubWorkflowID string     `json:"comp_sub_workflow_id,omitempty"`
}

// BranchInstance is a nested mini-plan under a Parallel, Conditional or
// ForEach step. Key is the branch name ("then"/"else", a Parallel branch
// name, or the ForEach element index).
type BranchInstance struct {
	Key   string          `json:"key"`
	Steps []*StepInstance `json:"steps"`

	// Vars overlays the instance variable bag while evaluating
	// expressions inside this branch (loop variables, branch outputs).
	Vars map[string]any `json:"vars,omitempty"`
}

// Job is the unit of work dispatched to an agent.
type Job struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	StepID     string         `json:"step_id"`
	Selector   AgentSelector  `json:"selector"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	Status     JobStatus      `json:"status"`
	AgentID    string         `json:"agent_id,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	AssignedAt *time.Time     `json:"assigned_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
}

// Agent is a registered remote executor.
type Agent struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Tags             []string   `json:"tags,omitempty"`
	Capabilities     []string   `json:"capabilities,omitempty"`
	State            AgentState `json:"state"`
	LastSeen         time.Time  `json:"last_seen"`
	TokenFingerprint string     `json:"token_fingerprint,omitempty"`
	RunningJobs      int        `json:"running_jobs"`
	EnrolledAt       time.Time  `json:"enrolled_at"`
}

// Event is a recorded external signal delivered to a waiting instance.
type Event struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Matches reports whether the agent satisfies the selector.
func (s AgentSelector) Matches(a *Agent) bool {
	if s.AgentID != "" {
		return a.ID == s.AgentID
	}
	for _, c := range s.Capabilities {
		if !containsString(a.Capabilities, c) {
			return false
		}
	}
	for _, t := range s.Tags {
		if !containsString(a.Tags, t) {
			return false
		}
	}
	return true
}

// Targeted reports whether the selector names a single agent.
func (s AgentSelector) Targeted() bool { return s.AgentID != "" }

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// FindStep returns the step with the given id, searching nested branch
// definitions as well.
func (d *Definition) FindStep(id string) *Step {
	return findStepIn(d.Steps, id)
}

func findStepIn(steps []Step, id string) *Step {
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i]
		}
		cfg := &steps[i].Config
		for _, nested := range [][]Step{cfg.Then, cfg.Else, cfg.Body} {
			if s := findStepIn(nested, id); s != nil {
				return s
			}
		}
		for _, b := range cfg.Branches {
			if s := findStepIn(b.Steps, id); s != nil {
				return s
			}
		}
	}
	return nil
}

// StepInstanceFor returns the top-level step instance for a step id.
func (in *Instance) StepInstanceFor(id string) *StepInstance {
	for _, si := range in.Steps {
		if si.StepID == id {
			return si
		}
	}
	return nil
}
