package workflow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
	"github.com/orbitmesh/orbitmesh/pkg/expr"
	"github.com/orbitmesh/orbitmesh/pkg/notify"
)

// JobDispatcher is the engine's view of the agent session layer.
type JobDispatcher interface {
	// Dispatch selects an agent and sends the job. The terminal result is
	// delivered asynchronously through Engine.HandleJobResult.
	Dispatch(ctx context.Context, job *Job) error
	// Cancel asks the assigned agent to stop the job. Best effort.
	Cancel(ctx context.Context, jobID, reason string) error
}

// ExecContext is what a step executor gets to work with.
type ExecContext struct {
	Instance *Instance
	Step     *Step
	State    *StepInstance
	// Vars is the merged expression scope: instance variables overlaid
	// with the enclosing branch chain.
	Vars expr.Scope
	// Config is the step config to execute: the step's own, or its
	// compensation config during a compensation run.
	Config *StepConfig
	// Compensation marks a compensation run; job linkage lands on the
	// step's compensation fields instead of the forward ones.
	Compensation bool
	// Timeout is the effective deadline for this attempt, zero for none.
	Timeout time.Duration
}

// ExecResult is what an executor hands back to the engine.
type ExecResult struct {
	Status        StepStatus
	Output        any
	JobID         string
	SubWorkflowID string
	Branches      []*BranchInstance
	WakeAt        *time.Time
	EventName     string
}

// Executor turns one step's declarative intent into effects and a result.
// Executors must honour ctx cancellation on every blocking call.
type Executor interface {
	Execute(ctx context.Context, ec *ExecContext) (*ExecResult, error)
}

// newExecutorSet wires one executor per step type. The set is closed; new
// kinds are added here, not discovered at runtime.
func newExecutorSet(e *Engine) map[StepType]Executor {
	return map[StepType]Executor{
		StepTypeJob:         &jobExecutor{engine: e},
		StepTypeParallel:    &parallelExecutor{},
		StepTypeConditional: &conditionalExecutor{},
		StepTypeDelay:       &delayExecutor{},
		StepTypeWaitEvent:   &waitEventExecutor{},
		StepTypeSubWorkflow: &subWorkflowExecutor{engine: e},
		StepTypeForEach:     &forEachExecutor{},
		StepTypeTransform:   &transformExecutor{},
		StepTypeNotify:      &notifyExecutor{engine: e},
		StepTypeApproval:    &approvalExecutor{},
	}
}

// jobExecutor enqueues a Job through the session layer and leaves the step
// Running; the terminal transition arrives with the job result.
type jobExecutor struct {
	engine *Engine
}

func (x *jobExecutor) Execute(ctx context.Context, ec *ExecContext) (*ExecResult, error) {
	payload, err := interpolateMap(ec.Config.Payload, ec.Vars)
	if err != nil {
		return nil, err
	}
	timeout := ec.Timeout
	if timeout <= 0 {
		timeout = x.engine.cfg.DefaultJobTimeout
	}
	job := &Job{
		ID:         uuid.New().String(),
		InstanceID: ec.Instance.ID,
		StepID:     ec.State.StepID,
		Selector:   ec.Config.Selector,
		Payload:    payload,
		Timeout:    timeout,
		Status:     JobQueued,
		CreatedAt:  time.Now(),
	}
	// The job row and the step linkage are committed before the dispatch
	// side effect, so a result can never outrun the bookkeeping.
	if err := x.engine.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	if x.engine.dispatcher == nil {
		return nil, fmt.Errorf("%w: no job dispatcher configured", domain.ErrInternal)
	}
	if err := x.engine.commitJobLink(ctx, ec.Instance.ID, ec.State.StepID, job.ID, ec.Compensation); err != nil {
		return nil, err
	}
	if err := x.engine.dispatcher.Dispatch(ctx, job); err != nil {
		return nil, err
	}
	return &ExecResult{Status: StepRunning, JobID: job.ID}, nil
}

// parallelExecutor materializes one BranchInstance per configured branch;
// the engine drives the branches concurrently.
type parallelExecutor struct{}

func (x *parallelExecutor) Execute(_ context.Context, ec *ExecContext) (*ExecResult, error) {
	branches := make([]*BranchInstance, 0, len(ec.Config.Branches))
	for _, b := range ec.Config.Branches {
		branches = append(branches, newBranchInstance(b.Name, b.Steps, nil))
	}
	return &ExecResult{Status: StepRunning, Branches: branches}, nil
}

// conditionalExecutor evaluates the configured expression and selects the
// then or else sub-step list.
type conditionalExecutor struct{}

func (x *conditionalExecutor) Execute(_ context.Context, ec *ExecContext) (*ExecResult, error) {
	ok, err := expr.EvalBool(ec.Config.Expression, ec.Vars)
	if err != nil {
		return nil, err
	}
	var key string
	var steps []Step
	if ok {
		key, steps = "then", ec.Config.Then
	} else {
		key, steps = "else", ec.Config.Else
	}
	if len(steps) == 0 {
		// The selected arm is absent; the step completes with no effect.
		return &ExecResult{Status: StepCompleted}, nil
	}
	return &ExecResult{Status: StepRunning, Branches: []*BranchInstance{newBranchInstance(key, steps, nil)}}, nil
}

// delayExecutor parks the step on a timer wake-up.
type delayExecutor struct{}

func (x *delayExecutor) Execute(_ context.Context, ec *ExecContext) (*ExecResult, error) {
	wake := time.Now().Add(ec.Config.Duration)
	return &ExecResult{Status: StepWaitingForEvent, WakeAt: &wake}, nil
}

// waitEventExecutor parks the step until SignalEvent delivers its event.
type waitEventExecutor struct{}

func (x *waitEventExecutor) Execute(_ context.Context, ec *ExecContext) (*ExecResult, error) {
	return &ExecResult{Status: StepWaitingForEvent, EventName: ec.Config.EventName}, nil
}

// subWorkflowExecutor creates a linked child instance.
type subWorkflowExecutor struct {
	engine *Engine
}

func (x *subWorkflowExecutor) Execute(ctx context.Context, ec *ExecContext) (*ExecResult, error) {
	input, err := interpolateMap(ec.Config.Input, ec.Vars)
	if err != nil {
		return nil, err
	}
	childID, err := x.engine.StartChild(ctx, ec.Config.WorkflowID, ec.Config.WorkflowVersion, input, ec.Instance.ID, ec.State.StepID, ec.Compensation)
	if err != nil {
		return nil, err
	}
	return &ExecResult{Status: StepRunning, SubWorkflowID: childID}, nil
}

// forEachExecutor fans the source sequence out into one branch per element,
// binding the loop variable in each branch scope.
type forEachExecutor struct{}

func (x *forEachExecutor) Execute(_ context.Context, ec *ExecContext) (*ExecResult, error) {
	src, err := expr.Eval(ec.Config.Source, ec.Vars)
	if err != nil {
		return nil, err
	}
	items, ok := src.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: for_each source is %T, want array", domain.ErrExpressionType, src)
	}
	if len(items) == 0 {
		return &ExecResult{Status: StepCompleted, Output: []any{}}, nil
	}
	itemVar := ec.Config.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}
	branches := make([]*BranchInstance, 0, len(items))
	for i, item := range items {
		vars := map[string]any{itemVar: item, itemVar + "_index": float64(i)}
		branches = append(branches, newBranchInstance(strconv.Itoa(i), ec.Config.Body, vars))
	}
	return &ExecResult{Status: StepRunning, Branches: branches}, nil
}

// transformExecutor evaluates an expression into the output variable.
type transformExecutor struct{}

func (x *transformExecutor) Execute(_ context.Context, ec *ExecContext) (*ExecResult, error) {
	out, err := expr.Eval(ec.Config.Expression, ec.Vars)
	if err != nil {
		return nil, err
	}
	return &ExecResult{Status: StepCompleted, Output: out}, nil
}

// notifyExecutor delivers a message through the notifier contract.
type notifyExecutor struct {
	engine *Engine
}

func (x *notifyExecutor) Execute(ctx context.Context, ec *ExecContext) (*ExecResult, error) {
	if x.engine.notifier == nil {
		return nil, fmt.Errorf("%w: no notifier configured", domain.ErrInternal)
	}
	msg, err := expr.Interpolate(ec.Config.Message, ec.Vars)
	if err != nil {
		return nil, err
	}
	data, err := interpolateMap(ec.Config.Payload, ec.Vars)
	if err != nil {
		return nil, err
	}
	n := notify.Notification{
		Target:     ec.Config.Target,
		Message:    fmt.Sprintf("%v", msg),
		InstanceID: ec.Instance.ID,
		StepID:     ec.State.StepID,
		Data:       data,
	}
	if err := x.engine.notifier.Send(ctx, n); err != nil {
		return nil, err
	}
	return &ExecResult{Status: StepCompleted}, nil
}

// approvalExecutor parks the step until ApproveStep records a decision.
type approvalExecutor struct{}

func (x *approvalExecutor) Execute(_ context.Context, ec *ExecContext) (*ExecResult, error) {
	return &ExecResult{Status: StepWaitingForApproval}, nil
}

// newBranchInstance builds the pending step states for one branch.
func newBranchInstance(key string, steps []Step, vars map[string]any) *BranchInstance {
	states := make([]*StepInstance, 0, len(steps))
	for i := range steps {
		states = append(states, &StepInstance{StepID: steps[i].ID, Status: StepPending})
	}
	if vars == nil {
		vars = make(map[string]any)
	}
	return &BranchInstance{Key: key, Steps: states, Vars: vars}
}

// interpolateMap applies ${…} templates to every string value in m,
// recursively.
func interpolateMap(m map[string]any, scope expr.Scope) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		iv, err := interpolateValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = iv
	}
	return out, nil
}

func interpolateValue(v any, scope expr.Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return expr.Interpolate(t, scope)
	case map[string]any:
		return interpolateMap(t, scope)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			iv, err := interpolateValue(e, scope)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	}
	return v, nil
}
