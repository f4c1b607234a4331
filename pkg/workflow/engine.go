package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
	"github.com/orbitmesh/orbitmesh/pkg/expr"
	"github.com/orbitmesh/orbitmesh/pkg/log"
	"github.com/orbitmesh/orbitmesh/pkg/notify"
)

// EngineConfig tunes the engine's worker pool and timing defaults.
type EngineConfig struct {
	Workers           int
	DefaultJobTimeout time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
}

func (c *EngineConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.DefaultJobTimeout <= 0 {
		c.DefaultJobTimeout = time.Hour
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
}

// Engine drives workflow instances from start to a terminal status. All
// mutations of one instance happen under its per-instance lock; step
// executors run outside any lock on a bounded worker pool.
type Engine struct {
	store      Store
	registry   *Registry
	notifier   notify.Notifier
	dispatcher JobDispatcher
	cfg        EngineConfig
	logger     *slog.Logger

	executors map[StepType]Executor
	sem       *semaphore.Weighted

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires an engine over the given store and registry. The job
// dispatcher is attached later with SetDispatcher since the session layer
// is constructed after the engine.
func NewEngine(store Store, registry *Registry, notifier notify.Notifier, cfg EngineConfig) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		store:    store,
		registry: registry,
		notifier: notifier,
		cfg:      cfg,
		logger:   log.WithComponent("engine"),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		locks:    make(map[string]*sync.Mutex),
		timers:   make(map[string]*time.Timer),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.executors = newExecutorSet(e)
	return e
}

// SetDispatcher attaches the job dispatcher. Must be called before any job
// step runs.
func (e *Engine) SetDispatcher(d JobDispatcher) { e.dispatcher = d }

// Start rehydrates every non-terminal instance from the store and resumes
// driving it.
func (e *Engine) Start(ctx context.Context) error {
	resumable := []InstanceStatus{
		InstancePending, InstanceRunning, InstanceWaitingForEvent,
		InstanceWaitingForApproval, InstanceCompensating,
	}
	for _, status := range resumable {
		list, err := e.store.ListInstances(ctx, InstanceFilter{Status: status})
		if err != nil {
			return fmt.Errorf("rehydrate: %w", err)
		}
		for _, in := range list {
			e.logger.Info("rehydrating instance", "instance", in.ID, "status", in.Status)
			if err := e.rehydrate(ctx, in.ID); err != nil {
				e.logger.Error("rehydrate failed", "instance", in.ID, "error", err)
			}
		}
	}
	return nil
}

// Stop cancels all in-flight work and waits for it to drain.
func (e *Engine) Stop() {
	e.cancel()
	e.timersMu.Lock()
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
	e.timersMu.Unlock()
	e.wg.Wait()
}

// StartWorkflow creates and launches an instance of the given definition.
// Version 0 selects the latest registered version.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string, version int, input map[string]any) (*Instance, error) {
	def, err := e.registry.Get(ctx, workflowID, version)
	if err != nil {
		return nil, err
	}
	if err := checkRequiredInput(def, input); err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(input))
	for k, v := range input {
		vars[k] = v
	}
	states := make([]*StepInstance, 0, len(def.Steps))
	for i := range def.Steps {
		states = append(states, &StepInstance{StepID: def.Steps[i].ID, Status: StepPending})
	}
	in := &Instance{
		ID:         uuid.New().String(),
		WorkflowID: def.ID,
		Version:    def.Version,
		Status:     InstanceRunning,
		Variables:  vars,
		Steps:      states,
		StartedAt:  time.Now(),
	}
	if err := e.store.SaveInstance(ctx, in); err != nil {
		return nil, err
	}
	e.logger.Info("instance started", "instance", in.ID, "workflow", def.ID, "version", def.Version)
	e.kick(in.ID)
	return in, nil
}

// StartChild creates a sub-workflow instance linked back to its parent step.
func (e *Engine) StartChild(ctx context.Context, workflowID string, version int, input map[string]any, parentID, parentStepID string, comp bool) (string, error) {
	def, err := e.registry.Get(ctx, workflowID, version)
	if err != nil {
		return "", err
	}
	vars := make(map[string]any, len(input))
	for k, v := range input {
		vars[k] = v
	}
	states := make([]*StepInstance, 0, len(def.Steps))
	for i := range def.Steps {
		states = append(states, &StepInstance{StepID: def.Steps[i].ID, Status: StepPending})
	}
	in := &Instance{
		ID:           uuid.New().String(),
		WorkflowID:   def.ID,
		Version:      def.Version,
		Status:       InstanceRunning,
		Variables:    vars,
		Steps:        states,
		ParentID:     parentID,
		ParentStepID: parentStepID,
		StartedAt:    time.Now(),
	}
	if err := e.store.SaveInstance(ctx, in); err != nil {
		return "", err
	}
	// Link the parent step before the child runs, so the child finishing
	// always finds the parent waiting on it.
	if err := e.commitChildLink(ctx, parentID, parentStepID, in.ID, comp); err != nil {
		now := time.Now()
		in.Status = InstanceCancelled
		in.Error = "parent stopped before start"
		in.EndedAt = &now
		_ = e.store.SaveInstance(ctx, in)
		return "", err
	}
	e.kick(in.ID)
	return in.ID, nil
}

// GetInstance returns the current state of an instance.
func (e *Engine) GetInstance(ctx context.Context, id string) (*Instance, error) {
	return e.store.GetInstance(ctx, id)
}

// ListInstances returns instances matching the filter.
func (e *Engine) ListInstances(ctx context.Context, f InstanceFilter) ([]*Instance, error) {
	return e.store.ListInstances(ctx, f)
}

// CancelInstance stops a non-terminal instance. Running jobs are asked to
// stop; no compensation runs.
func (e *Engine) CancelInstance(ctx context.Context, id, reason string) error {
	mu := e.lockFor(id)
	mu.Lock()
	in, def, err := e.load(ctx, id)
	if err != nil {
		mu.Unlock()
		return err
	}
	if in.Status.IsTerminal() {
		mu.Unlock()
		return fmt.Errorf("%w: instance %s is already %s", domain.ErrStoreConflict, id, in.Status)
	}
	funcs := e.skipOutstandingLocked(ctx, in, def)
	if reason == "" {
		reason = "cancelled"
	}
	funcs = append(funcs, e.finalizeLocked(in, InstanceCancelled, reason)...)
	err = e.store.SaveInstance(ctx, in)
	mu.Unlock()
	e.run(funcs)
	return err
}

// SignalEvent delivers an external event to the first step of the instance
// waiting for it, in declaration order.
func (e *Engine) SignalEvent(ctx context.Context, instanceID, name string, payload map[string]any) error {
	mu := e.lockFor(instanceID)
	mu.Lock()
	in, def, err := e.load(ctx, instanceID)
	if err != nil {
		mu.Unlock()
		return err
	}
	if in.Status.IsTerminal() {
		mu.Unlock()
		return fmt.Errorf("%w: instance %s is already %s", domain.ErrStoreConflict, instanceID, in.Status)
	}

	var target *located
	walkSteps(def, def.Steps, in.Steps, []map[string]any{in.Variables}, func(loc *located) bool {
		if loc.def.Type == StepTypeWaitEvent &&
			loc.state.Status == StepWaitingForEvent &&
			loc.def.Config.EventName == name {
			target = loc
			return false
		}
		return true
	})
	if target == nil {
		mu.Unlock()
		return fmt.Errorf("%w: instance %s has no step waiting for event %q", domain.ErrStoreConflict, instanceID, name)
	}

	e.completeStepLocked(in, target, anyMap(payload))
	ev := &Event{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Name:       name,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
	if err := e.store.SaveEvent(ctx, ev); err != nil {
		e.logger.Error("save event failed", "instance", instanceID, "event", name, "error", err)
	}
	funcs := e.advanceLocked(ctx, in, def)
	err = e.store.SaveInstance(ctx, in)
	mu.Unlock()
	e.run(funcs)
	return err
}

// ApproveStep records an approval decision for a waiting approval step.
// A rejection fails the step without retries.
func (e *Engine) ApproveStep(ctx context.Context, instanceID, stepID, approver string, approve bool) error {
	mu := e.lockFor(instanceID)
	mu.Lock()
	in, def, err := e.load(ctx, instanceID)
	if err != nil {
		mu.Unlock()
		return err
	}
	loc := locate(in, def, stepID)
	if loc == nil {
		mu.Unlock()
		return fmt.Errorf("%w: step %s", domain.ErrInstanceNotFound, stepID)
	}
	if loc.state.Status != StepWaitingForApproval {
		mu.Unlock()
		return fmt.Errorf("%w: step %s is not waiting for approval", domain.ErrStoreConflict, stepID)
	}
	if len(loc.def.Config.Approvers) > 0 && !containsString(loc.def.Config.Approvers, approver) {
		mu.Unlock()
		return fmt.Errorf("%w: %s may not decide step %s", domain.ErrAuthFailed, approver, stepID)
	}

	var funcs []func()
	if approve {
		e.completeStepLocked(in, loc, map[string]any{"approved": true, "approver": approver})
	} else {
		now := time.Now()
		loc.state.Status = StepFailed
		loc.state.EndedAt = &now
		loc.state.LastError = "rejected by " + approver
		if !loc.def.ContinueOnError {
			funcs = e.beginCompensationLocked(ctx, in, def, loc.state.StepID, loc.state.LastError)
		}
	}
	funcs = append(funcs, e.advanceLocked(ctx, in, def)...)
	err = e.store.SaveInstance(ctx, in)
	mu.Unlock()
	e.run(funcs)
	return err
}

// HandleJobResult folds a terminal job outcome into its step. The session
// layer has already CAS'd the job row, so a duplicate delivery finds the
// step no longer waiting on this job and is dropped.
func (e *Engine) HandleJobResult(ctx context.Context, jobID string, status JobStatus, result map[string]any, errMsg string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	mu := e.lockFor(job.InstanceID)
	mu.Lock()
	in, def, err := e.load(ctx, job.InstanceID)
	if err != nil {
		mu.Unlock()
		return err
	}
	loc := locate(in, def, job.StepID)
	if loc == nil || in.Status.IsTerminal() {
		mu.Unlock()
		return nil
	}
	e.stopTimer("jobtimeout/" + jobID)

	var funcs []func()
	switch {
	case loc.state.JobID == jobID && loc.state.Status == StepRunning:
		if status == JobSucceeded {
			e.completeStepLocked(in, loc, anyMap(result))
		} else {
			if errMsg == "" {
				errMsg = string(status)
			}
			funcs = e.failStepLocked(ctx, in, def, loc, errMsg)
		}
		funcs = append(funcs, e.advanceLocked(ctx, in, def)...)
	case loc.state.CompJobID == jobID && loc.state.CompStatus == StepCompensating:
		funcs = e.applyCompOutcomeLocked(ctx, in, def, loc, status == JobSucceeded, errMsg)
	default:
		mu.Unlock()
		return nil
	}
	err = e.store.SaveInstance(ctx, in)
	mu.Unlock()
	e.run(funcs)
	return err
}

// commitJobLink persists the step-to-job linkage and arms the job timeout
// before the job is handed to the dispatcher. A result racing the dispatch
// then always finds the step waiting on its job id.
func (e *Engine) commitJobLink(ctx context.Context, instanceID, stepID, jobID string, comp bool) error {
	mu := e.lockFor(instanceID)
	mu.Lock()
	defer mu.Unlock()
	in, def, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}
	loc := locate(in, def, stepID)
	if loc == nil || in.Status.IsTerminal() {
		return fmt.Errorf("%w: instance %s no longer runs step %s", domain.ErrStoreConflict, instanceID, stepID)
	}
	if comp {
		if loc.state.CompStatus != StepCompensating {
			return fmt.Errorf("%w: step %s is not compensating", domain.ErrStoreConflict, stepID)
		}
		loc.state.CompJobID = jobID
		e.armJobTimeout(jobID, e.compTimeout(loc.def))
	} else {
		if loc.state.Status != StepRunning {
			return fmt.Errorf("%w: step %s is not running", domain.ErrStoreConflict, stepID)
		}
		loc.state.JobID = jobID
		e.armJobTimeout(jobID, e.effectiveTimeout(loc.def))
	}
	return e.store.SaveInstance(ctx, in)
}

// commitChildLink is the sub-workflow counterpart of commitJobLink.
func (e *Engine) commitChildLink(ctx context.Context, instanceID, stepID, childID string, comp bool) error {
	mu := e.lockFor(instanceID)
	mu.Lock()
	defer mu.Unlock()
	in, def, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}
	loc := locate(in, def, stepID)
	if loc == nil || in.Status.IsTerminal() {
		return fmt.Errorf("%w: instance %s no longer runs step %s", domain.ErrStoreConflict, instanceID, stepID)
	}
	if comp {
		if loc.state.CompStatus != StepCompensating {
			return fmt.Errorf("%w: step %s is not compensating", domain.ErrStoreConflict, stepID)
		}
		loc.state.CompSubWorkflowID = childID
	} else {
		if loc.state.Status != StepRunning {
			return fmt.Errorf("%w: step %s is not running", domain.ErrStoreConflict, stepID)
		}
		loc.state.SubWorkflowID = childID
	}
	return e.store.SaveInstance(ctx, in)
}

// --- internal machinery ---

// execTask is one step execution scheduled on the worker pool.
type execTask struct {
	instanceID string
	stepID     string
	exec       Executor
	ec         *ExecContext
	comp       bool
	// bounded tasks get a deadline context derived from ec.Timeout.
	bounded bool
}

func (e *Engine) kick(instanceID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pump(instanceID)
	}()
}

// pump runs one advance cycle over an instance.
func (e *Engine) pump(instanceID string) {
	ctx := e.ctx
	mu := e.lockFor(instanceID)
	mu.Lock()
	in, def, err := e.load(ctx, instanceID)
	if err != nil {
		mu.Unlock()
		e.logger.Error("load instance failed", "instance", instanceID, "error", err)
		return
	}
	funcs := e.advanceLocked(ctx, in, def)
	if err := e.store.SaveInstance(ctx, in); err != nil {
		e.logger.Error("save instance failed", "instance", instanceID, "error", err)
	}
	mu.Unlock()
	e.run(funcs)
}

func (e *Engine) lockFor(instanceID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[instanceID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[instanceID] = mu
	}
	return mu
}

func (e *Engine) load(ctx context.Context, instanceID string) (*Instance, *Definition, error) {
	in, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	def, err := e.registry.Get(ctx, in.WorkflowID, in.Version)
	if err != nil {
		return nil, nil, err
	}
	return in, def, nil
}

func (e *Engine) run(funcs []func()) {
	for _, f := range funcs {
		f()
	}
}

func (e *Engine) spawn(t execTask) func() {
	return func() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runTask(t)
		}()
	}
}

func (e *Engine) runTask(t execTask) {
	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)

	ctx := e.ctx
	if t.bounded && t.ec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.ec.Timeout)
		defer cancel()
	}
	res, err := t.exec.Execute(ctx, t.ec)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s", domain.ErrStepTimeout, t.stepID)
	}
	e.applyResult(t, res, err)
}

func (e *Engine) applyResult(t execTask, res *ExecResult, execErr error) {
	ctx := e.ctx
	mu := e.lockFor(t.instanceID)
	mu.Lock()
	in, def, err := e.load(ctx, t.instanceID)
	if err != nil {
		mu.Unlock()
		e.logger.Error("load instance failed", "instance", t.instanceID, "error", err)
		return
	}
	loc := locate(in, def, t.stepID)
	if loc == nil || in.Status.IsTerminal() {
		mu.Unlock()
		return
	}

	var funcs []func()
	if t.comp {
		funcs = e.applyCompResultLocked(ctx, in, def, loc, res, execErr)
	} else {
		funcs = e.applyForwardResultLocked(ctx, in, def, loc, res, execErr)
		funcs = append(funcs, e.advanceLocked(ctx, in, def)...)
	}
	if err := e.store.SaveInstance(ctx, in); err != nil {
		e.logger.Error("save instance failed", "instance", t.instanceID, "error", err)
	}
	mu.Unlock()
	e.run(funcs)
}

func (e *Engine) applyForwardResultLocked(ctx context.Context, in *Instance, def *Definition, loc *located, res *ExecResult, execErr error) []func() {
	st := loc.state
	if st.Status != StepRunning {
		return nil // stale result
	}
	if execErr != nil {
		return e.failStepLocked(ctx, in, def, loc, execErr.Error())
	}
	switch {
	case res.JobID != "":
		// The linkage and the timeout were already committed by
		// commitJobLink before the job left the process.
		st.JobID = res.JobID
	case res.SubWorkflowID != "":
		st.SubWorkflowID = res.SubWorkflowID
	case len(res.Branches) > 0:
		st.Branches = res.Branches
	case res.WakeAt != nil:
		st.Status = StepWaitingForEvent
		st.WakeAt = res.WakeAt
		e.armWake(in.ID, st.StepID, time.Until(*res.WakeAt))
	case res.Status == StepWaitingForEvent:
		st.Status = StepWaitingForEvent
	case res.Status == StepWaitingForApproval:
		st.Status = StepWaitingForApproval
	case res.Status == StepCompleted:
		e.completeStepLocked(in, loc, res.Output)
	}
	return nil
}

// completeStepLocked marks a step completed, assigns its completion index
// and publishes its output variable into the enclosing scope.
func (e *Engine) completeStepLocked(in *Instance, loc *located, output any) {
	now := time.Now()
	st := loc.state
	st.Status = StepCompleted
	st.EndedAt = &now
	st.Output = output
	st.WakeAt = nil
	in.CompletionSeq++
	st.CompletionIndex = in.CompletionSeq
	if loc.def.OutputVariable != "" && loc.vars != nil {
		loc.vars[loc.def.OutputVariable] = output
	}
}

// failStepLocked handles one failed attempt: schedule a retry while the
// budget lasts, otherwise fail the step and, unless it continues on error,
// switch the instance to compensation.
func (e *Engine) failStepLocked(ctx context.Context, in *Instance, def *Definition, loc *located, errMsg string) []func() {
	st := loc.state
	sd := loc.def
	st.LastError = errMsg
	if st.Attempt <= sd.MaxRetries {
		// A job that never made it out (dispatch failure) may have left a
		// linkage and a timer behind; the next attempt mints a fresh job.
		if st.JobID != "" {
			e.stopTimer("jobtimeout/" + st.JobID)
			st.JobID = ""
		}
		delay := e.backoff(st.Attempt, sd.RetryDelay)
		wake := time.Now().Add(delay)
		st.Status = StepPending
		st.WakeAt = &wake
		e.armRetry(in.ID, st.StepID, delay)
		e.logger.Info("step retry scheduled", "instance", in.ID, "step", st.StepID,
			"attempt", st.Attempt, "delay", delay, "error", errMsg)
		return nil
	}
	now := time.Now()
	st.Status = StepFailed
	st.EndedAt = &now
	e.logger.Warn("step failed", "instance", in.ID, "step", st.StepID, "error", errMsg)
	if sd.ContinueOnError {
		return nil
	}
	return e.beginCompensationLocked(ctx, in, def, st.StepID, errMsg)
}

// beginCompensationLocked flips the instance into the compensating state,
// stops outstanding work and starts the first compensation.
func (e *Engine) beginCompensationLocked(ctx context.Context, in *Instance, def *Definition, failedStepID, errMsg string) []func() {
	in.Status = InstanceCompensating
	in.FailedStepID = failedStepID
	in.Error = errMsg
	e.logger.Info("compensation started", "instance", in.ID, "failed_step", failedStepID)
	funcs := e.skipOutstandingLocked(ctx, in, def)
	return append(funcs, e.pumpCompensationLocked(ctx, in, def)...)
}

// skipOutstandingLocked marks every unfinished step skipped and asks agents
// to stop in-flight jobs and child instances.
func (e *Engine) skipOutstandingLocked(ctx context.Context, in *Instance, def *Definition) []func() {
	var funcs []func()
	now := time.Now()
	walkSteps(def, def.Steps, in.Steps, []map[string]any{in.Variables}, func(loc *located) bool {
		st := loc.state
		if st.Status.IsTerminal() {
			return true
		}
		if st.Status == StepRunning {
			if st.JobID != "" {
				funcs = append(funcs, e.cancelJobFunc(st.JobID, "instance stopped"))
			}
			if st.SubWorkflowID != "" {
				childID := st.SubWorkflowID
				funcs = append(funcs, func() {
					if err := e.CancelInstance(e.ctx, childID, "parent stopped"); err != nil {
						e.logger.Debug("child cancel", "child", childID, "error", err)
					}
				})
			}
		}
		st.Status = StepSkipped
		st.WakeAt = nil
		st.EndedAt = &now
		return true
	})
	return funcs
}

func (e *Engine) cancelJobFunc(jobID, reason string) func() {
	return func() {
		ok, err := e.store.CASJobStatus(e.ctx, jobID,
			[]JobStatus{JobQueued, JobAssigned, JobRunning}, JobCancelled,
			func(j *Job) {
				now := time.Now()
				j.EndedAt = &now
				j.Error = reason
			})
		if err != nil {
			e.logger.Error("cancel job", "job", jobID, "error", err)
			return
		}
		if ok && e.dispatcher != nil {
			if err := e.dispatcher.Cancel(e.ctx, jobID, reason); err != nil {
				e.logger.Debug("job cancel notify", "job", jobID, "error", err)
			}
		}
	}
}

// pumpCompensationLocked runs compensations strictly one at a time: first
// the step that brought the instance down (a failed or timed-out job may
// have applied partial effects), then completed steps in reverse completion
// order. When none remain the instance finalizes.
func (e *Engine) pumpCompensationLocked(ctx context.Context, in *Instance, def *Definition) []func() {
	var inflight bool
	var failed, next *located
	var anyCompFailed, anyCompensated bool
	walkSteps(def, def.Steps, in.Steps, []map[string]any{in.Variables}, func(loc *located) bool {
		switch loc.state.CompStatus {
		case StepCompensating:
			inflight = true
			return false
		case StepFailed:
			anyCompFailed = true
		case StepCompensated:
			anyCompensated = true
		}
		if loc.def.Compensation == nil || loc.state.CompStatus != "" {
			return true
		}
		switch {
		case loc.state.Status == StepFailed && loc.state.StepID == in.FailedStepID:
			failed = loc
		case loc.state.Status == StepCompleted:
			if next == nil || loc.state.CompletionIndex > next.state.CompletionIndex {
				next = loc
			}
		}
		return true
	})
	if inflight {
		return nil
	}
	if failed != nil {
		next = failed
	}
	if next == nil {
		switch {
		case anyCompFailed:
			return e.finalizeLocked(in, InstanceFailed, in.Error+" (compensation incomplete)")
		case anyCompensated:
			return e.finalizeLocked(in, InstanceCompensated, in.Error)
		default:
			// Nothing ran that needed undoing; this is a plain failure.
			return e.finalizeLocked(in, InstanceFailed, in.Error)
		}
	}
	return e.startCompensationLocked(in, next)
}

func (e *Engine) startCompensationLocked(in *Instance, loc *located) []func() {
	st := loc.state
	sd := loc.def
	st.CompStatus = StepCompensating
	st.CompAttempt++
	e.logger.Info("compensating step", "instance", in.ID, "step", st.StepID, "attempt", st.CompAttempt)
	t := execTask{
		instanceID: in.ID,
		stepID:     st.StepID,
		exec:       e.executors[sd.Type],
		comp:       true,
		bounded:    sd.Type == StepTypeNotify,
		ec: &ExecContext{
			Instance:     in,
			Step:         sd,
			State:        st,
			Vars:         loc.scope,
			Config:       &sd.Compensation.Config,
			Timeout:      sd.Compensation.Timeout,
			Compensation: true,
		},
	}
	return []func(){e.spawn(t)}
}

func (e *Engine) applyCompResultLocked(ctx context.Context, in *Instance, def *Definition, loc *located, res *ExecResult, execErr error) []func() {
	st := loc.state
	if st.CompStatus != StepCompensating {
		return nil
	}
	if execErr != nil {
		return e.compFailLocked(ctx, in, def, loc, execErr.Error())
	}
	switch {
	case res.JobID != "":
		st.CompJobID = res.JobID
		return nil
	case res.SubWorkflowID != "":
		st.CompSubWorkflowID = res.SubWorkflowID
		return nil
	case res.Status == StepCompleted:
		return e.applyCompOutcomeLocked(ctx, in, def, loc, true, "")
	}
	return e.compFailLocked(ctx, in, def, loc, "unexpected compensation result")
}

// applyCompOutcomeLocked folds a terminal compensation outcome (job result,
// child instance result or inline completion).
func (e *Engine) applyCompOutcomeLocked(ctx context.Context, in *Instance, def *Definition, loc *located, succeeded bool, errMsg string) []func() {
	if !succeeded {
		return e.compFailLocked(ctx, in, def, loc, errMsg)
	}
	loc.state.CompStatus = StepCompensated
	e.logger.Info("step compensated", "instance", in.ID, "step", loc.state.StepID)
	return e.pumpCompensationLocked(ctx, in, def)
}

func (e *Engine) compFailLocked(ctx context.Context, in *Instance, def *Definition, loc *located, errMsg string) []func() {
	st := loc.state
	sd := loc.def
	st.LastError = errMsg
	maxRetries := DefaultCompensationRetries
	if sd.Compensation != nil && sd.Compensation.MaxRetries > 0 {
		maxRetries = sd.Compensation.MaxRetries
	}
	if st.CompAttempt <= maxRetries {
		delay := e.backoff(st.CompAttempt, 0)
		e.armTimer("compretry/"+in.ID+"/"+st.StepID, delay, func() {
			e.retryCompensation(in.ID, st.StepID)
		})
		return nil
	}
	st.CompStatus = StepFailed
	e.logger.Error("compensation failed", "instance", in.ID, "step", st.StepID, "error", errMsg)
	return e.pumpCompensationLocked(ctx, in, def)
}

func (e *Engine) retryCompensation(instanceID, stepID string) {
	ctx := e.ctx
	mu := e.lockFor(instanceID)
	mu.Lock()
	in, def, err := e.load(ctx, instanceID)
	if err != nil {
		mu.Unlock()
		return
	}
	loc := locate(in, def, stepID)
	var funcs []func()
	if loc != nil && in.Status == InstanceCompensating && loc.state.CompStatus == StepCompensating {
		funcs = e.startCompensationLocked(in, loc)
		if err := e.store.SaveInstance(ctx, in); err != nil {
			e.logger.Error("save instance failed", "instance", instanceID, "error", err)
		}
	}
	mu.Unlock()
	e.run(funcs)
}

// finalizeLocked sets the terminal status and notifies the parent instance
// when this was a sub-workflow.
func (e *Engine) finalizeLocked(in *Instance, status InstanceStatus, errMsg string) []func() {
	now := time.Now()
	in.Status = status
	in.EndedAt = &now
	if errMsg != "" {
		in.Error = errMsg
	}
	e.logger.Info("instance finished", "instance", in.ID, "status", status)
	if in.ParentID == "" {
		return nil
	}
	parentID, parentStepID, childID := in.ParentID, in.ParentStepID, in.ID
	childVars := anyMapCopy(in.Variables)
	childErr := in.Error
	return []func(){func() {
		e.childFinished(parentID, parentStepID, childID, status, childVars, childErr)
	}}
}

// childFinished folds a finished sub-workflow into the parent step that
// launched it.
func (e *Engine) childFinished(parentID, parentStepID, childID string, childStatus InstanceStatus, childVars map[string]any, childErr string) {
	ctx := e.ctx
	mu := e.lockFor(parentID)
	mu.Lock()
	in, def, err := e.load(ctx, parentID)
	if err != nil {
		mu.Unlock()
		e.logger.Error("load parent failed", "instance", parentID, "error", err)
		return
	}
	loc := locate(in, def, parentStepID)
	if loc == nil || in.Status.IsTerminal() {
		mu.Unlock()
		return
	}

	var funcs []func()
	switch {
	case loc.state.SubWorkflowID == childID && loc.state.Status == StepRunning:
		if childStatus == InstanceCompleted {
			e.completeStepLocked(in, loc, any(childVars))
		} else {
			msg := fmt.Sprintf("sub-workflow %s %s", childID, childStatus)
			if childErr != "" {
				msg += ": " + childErr
			}
			funcs = e.failStepLocked(ctx, in, def, loc, msg)
		}
		funcs = append(funcs, e.advanceLocked(ctx, in, def)...)
	case loc.state.CompSubWorkflowID == childID && loc.state.CompStatus == StepCompensating:
		funcs = e.applyCompOutcomeLocked(ctx, in, def, loc, childStatus == InstanceCompleted, childErr)
	default:
		mu.Unlock()
		return
	}
	if err := e.store.SaveInstance(ctx, in); err != nil {
		e.logger.Error("save instance failed", "instance", parentID, "error", err)
	}
	mu.Unlock()
	e.run(funcs)
}

// advanceLocked is the scheduling pump: fold settled branch groups, launch
// every ready step and recompute the instance status. Runs to a fixpoint
// since a fold or skip can make further steps ready.
func (e *Engine) advanceLocked(ctx context.Context, in *Instance, def *Definition) []func() {
	if in.Status.IsTerminal() {
		return nil
	}
	if in.Status == InstanceCompensating {
		return e.pumpCompensationLocked(ctx, in, def)
	}

	var funcs []func()
	for {
		out := &passOut{}
		e.passFrame(ctx, in, def, def.Steps, in.Steps, []map[string]any{in.Variables}, out)
		funcs = append(funcs, out.funcs...)
		if out.aborted || in.Status.IsTerminal() || in.Status == InstanceCompensating {
			return funcs
		}
		if !out.changed {
			break
		}
	}

	// Recompute the instance status from the step census.
	var anyRunning, anyWaitEvent, anyWaitApproval bool
	allTopSettled := true
	walkSteps(def, def.Steps, in.Steps, []map[string]any{in.Variables}, func(loc *located) bool {
		switch loc.state.Status {
		case StepRunning:
			anyRunning = true
		case StepWaitingForEvent:
			anyWaitEvent = true
		case StepWaitingForApproval:
			anyWaitApproval = true
		}
		return true
	})
	for _, st := range in.Steps {
		if !st.Status.IsTerminal() {
			allTopSettled = false
			break
		}
	}
	switch {
	case allTopSettled:
		funcs = append(funcs, e.finalizeLocked(in, InstanceCompleted, "")...)
	case anyRunning:
		in.Status = InstanceRunning
	case anyWaitApproval:
		in.Status = InstanceWaitingForApproval
	case anyWaitEvent:
		in.Status = InstanceWaitingForEvent
	default:
		// Steps pending on retry or wake timers.
		in.Status = InstanceRunning
	}
	return funcs
}

type passOut struct {
	funcs   []func()
	changed bool
	aborted bool
}

// passFrame walks one step list: recurse into open branch groups, fold the
// settled ones and launch steps whose dependencies are satisfied.
func (e *Engine) passFrame(ctx context.Context, in *Instance, def *Definition, defs []Step, states []*StepInstance, chain []map[string]any, out *passOut) {
	now := time.Now()
	for _, st := range states {
		sd := stepDefFor(defs, st.StepID)
		if sd == nil {
			continue
		}

		if st.Status == StepRunning && len(st.Branches) > 0 {
			allSettled := true
			for _, br := range st.Branches {
				bdefs := branchDefs(sd, br.Key)
				e.passFrame(ctx, in, def, bdefs, br.Steps, append(chain, br.Vars), out)
				if out.aborted {
					return
				}
				for _, bs := range br.Steps {
					if !bs.Status.IsTerminal() {
						allSettled = false
					}
				}
			}
			if allSettled {
				e.foldBranchesLocked(in, sd, st, chain)
				out.changed = true
			}
			continue
		}

		if st.Status != StepPending {
			continue
		}
		if st.WakeAt != nil && st.WakeAt.After(now) {
			continue
		}
		if !depsSatisfied(defs, states, sd) {
			continue
		}

		scope := mergeScope(chain)
		if sd.Condition != "" {
			ok, err := expr.EvalBool(sd.Condition, scope)
			if err != nil {
				st.Status = StepFailed
				st.EndedAt = &now
				st.LastError = fmt.Sprintf("condition: %v", err)
				out.changed = true
				if !sd.ContinueOnError {
					out.funcs = append(out.funcs, e.beginCompensationLocked(ctx, in, def, st.StepID, st.LastError)...)
					out.aborted = true
					return
				}
				continue
			}
			if !ok {
				st.Status = StepSkipped
				st.EndedAt = &now
				out.changed = true
				continue
			}
		}

		st.Status = StepRunning
		st.Attempt++
		st.WakeAt = nil
		st.ScheduledAt = &now
		st.StartedAt = &now
		t := execTask{
			instanceID: in.ID,
			stepID:     st.StepID,
			exec:       e.executors[sd.Type],
			bounded:    sd.Type == StepTypeTransform || sd.Type == StepTypeNotify,
			ec: &ExecContext{
				Instance: in,
				Step:     sd,
				State:    st,
				Vars:     scope,
				Config:   &sd.Config,
				Timeout:  sd.Timeout,
			},
		}
		out.funcs = append(out.funcs, e.spawn(t))
		out.changed = true
	}
}

// foldBranchesLocked completes a parallel, conditional or for_each step
// whose branches have all settled, shaping the group output by step type.
func (e *Engine) foldBranchesLocked(in *Instance, sd *Step, st *StepInstance, chain []map[string]any) {
	var output any
	switch sd.Type {
	case StepTypeConditional:
		if len(st.Branches) == 1 {
			output = branchOutput(st.Branches[0])
		}
	case StepTypeParallel:
		m := make(map[string]any, len(st.Branches))
		for _, br := range st.Branches {
			m[br.Key] = branchOutput(br)
		}
		output = m
	case StepTypeForEach:
		arr := make([]any, len(st.Branches))
		for i, br := range st.Branches {
			arr[i] = branchOutput(br)
		}
		output = arr
	}
	loc := &located{state: st, def: sd, vars: chain[len(chain)-1], scope: mergeScope(chain)}
	e.completeStepLocked(in, loc, output)
}

// branchOutput is the output of the last declared step in the branch.
func branchOutput(br *BranchInstance) any {
	if len(br.Steps) == 0 {
		return nil
	}
	return br.Steps[len(br.Steps)-1].Output
}

// depsSatisfied reports whether every dependency within the same step list
// has finished in a way that unblocks dependents.
func depsSatisfied(defs []Step, states []*StepInstance, sd *Step) bool {
	for _, dep := range sd.DependsOn {
		var depState *StepInstance
		for _, st := range states {
			if st.StepID == dep {
				depState = st
				break
			}
		}
		if depState == nil {
			return false
		}
		switch depState.Status {
		case StepCompleted, StepSkipped:
		case StepFailed:
			depDef := stepDefFor(defs, dep)
			if depDef == nil || !depDef.ContinueOnError {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// located pairs a step's definition with its runtime state and the variable
// scope it lives in. vars is the map OutputVariable writes land in.
type located struct {
	state *StepInstance
	def   *Step
	vars  map[string]any
	scope expr.Scope
}

// locate finds the step instance for stepID anywhere in the tree.
func locate(in *Instance, def *Definition, stepID string) *located {
	var found *located
	walkSteps(def, def.Steps, in.Steps, []map[string]any{in.Variables}, func(loc *located) bool {
		if loc.state.StepID == stepID {
			found = loc
			return false
		}
		return true
	})
	return found
}

// walkSteps visits every step instance depth-first in declaration order.
// Returning false from fn stops the walk.
func walkSteps(def *Definition, defs []Step, states []*StepInstance, chain []map[string]any, fn func(*located) bool) bool {
	for _, st := range states {
		sd := stepDefFor(defs, st.StepID)
		if sd == nil {
			continue
		}
		loc := &located{state: st, def: sd, vars: chain[len(chain)-1], scope: mergeScope(chain)}
		if !fn(loc) {
			return false
		}
		for _, br := range st.Branches {
			bdefs := branchDefs(sd, br.Key)
			if len(bdefs) == 0 {
				continue
			}
			if !walkSteps(def, bdefs, br.Steps, append(chain, br.Vars), fn) {
				return false
			}
		}
	}
	return true
}

func stepDefFor(defs []Step, id string) *Step {
	for i := range defs {
		if defs[i].ID == id {
			return &defs[i]
		}
	}
	return nil
}

// branchDefs resolves the step list a branch instance was built from.
func branchDefs(sd *Step, key string) []Step {
	switch sd.Type {
	case StepTypeConditional:
		if key == "then" {
			return sd.Config.Then
		}
		return sd.Config.Else
	case StepTypeParallel:
		for _, b := range sd.Config.Branches {
			if b.Name == key {
				return b.Steps
			}
		}
	case StepTypeForEach:
		return sd.Config.Body
	}
	return nil
}

// mergeScope flattens the variable chain, innermost maps winning.
func mergeScope(chain []map[string]any) expr.Scope {
	scope := make(expr.Scope)
	for _, m := range chain {
		for k, v := range m {
			scope[k] = v
		}
	}
	return scope
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func anyMapCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- timers ---

func (e *Engine) armTimer(key string, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if old, ok := e.timers[key]; ok {
		old.Stop()
	}
	e.timers[key] = time.AfterFunc(d, func() {
		e.timersMu.Lock()
		delete(e.timers, key)
		e.timersMu.Unlock()
		if e.ctx.Err() != nil {
			return
		}
		fn()
	})
}

func (e *Engine) stopTimer(key string) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}

func (e *Engine) armRetry(instanceID, stepID string, d time.Duration) {
	e.armTimer("retry/"+instanceID+"/"+stepID, d, func() {
		e.pump(instanceID)
	})
}

// armWake fires a delay step's timer: the step completes when it elapses.
func (e *Engine) armWake(instanceID, stepID string, d time.Duration) {
	e.armTimer("wake/"+instanceID+"/"+stepID, d, func() {
		e.wakeStep(instanceID, stepID)
	})
}

func (e *Engine) wakeStep(instanceID, stepID string) {
	ctx := e.ctx
	mu := e.lockFor(instanceID)
	mu.Lock()
	in, def, err := e.load(ctx, instanceID)
	if err != nil {
		mu.Unlock()
		return
	}
	loc := locate(in, def, stepID)
	var funcs []func()
	if loc != nil && !in.Status.IsTerminal() &&
		loc.state.Status == StepWaitingForEvent && loc.state.WakeAt != nil {
		e.completeStepLocked(in, loc, nil)
		funcs = e.advanceLocked(ctx, in, def)
		if err := e.store.SaveInstance(ctx, in); err != nil {
			e.logger.Error("save instance failed", "instance", instanceID, "error", err)
		}
	}
	mu.Unlock()
	e.run(funcs)
}

// armJobTimeout times out a job that never reports back. Whoever wins the
// CAS owns the terminal transition.
func (e *Engine) armJobTimeout(jobID string, d time.Duration) {
	e.armTimer("jobtimeout/"+jobID, d, func() {
		e.jobTimedOut(jobID)
	})
}

func (e *Engine) jobTimedOut(jobID string) {
	ok, err := e.store.CASJobStatus(e.ctx, jobID,
		[]JobStatus{JobQueued, JobAssigned, JobRunning}, JobTimedOut,
		func(j *Job) {
			now := time.Now()
			j.EndedAt = &now
			j.Error = "job timed out"
		})
	if err != nil {
		e.logger.Error("job timeout", "job", jobID, "error", err)
		return
	}
	if !ok {
		return
	}
	if e.dispatcher != nil {
		if err := e.dispatcher.Cancel(e.ctx, jobID, "timeout"); err != nil {
			e.logger.Debug("job cancel notify", "job", jobID, "error", err)
		}
	}
	if err := e.HandleJobResult(e.ctx, jobID, JobTimedOut, nil, domain.ErrStepTimeout.Error()); err != nil {
		e.logger.Error("fold job timeout", "job", jobID, "error", err)
	}
}

func (e *Engine) effectiveTimeout(sd *Step) time.Duration {
	if sd.Timeout > 0 {
		return sd.Timeout
	}
	return e.cfg.DefaultJobTimeout
}

func (e *Engine) compTimeout(sd *Step) time.Duration {
	if sd.Compensation != nil && sd.Compensation.Timeout > 0 {
		return sd.Compensation.Timeout
	}
	return e.cfg.DefaultJobTimeout
}

// backoff computes the retry delay: the step override if set, otherwise
// exponential from the base, capped.
func (e *Engine) backoff(attempt int, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	d := e.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.RetryMaxDelay {
			return e.cfg.RetryMaxDelay
		}
	}
	if d > e.cfg.RetryMaxDelay {
		return e.cfg.RetryMaxDelay
	}
	return d
}

// --- rehydration ---

// rehydrate restores one instance after a restart: re-arm timers, fold job
// and child results that landed while we were down, and reset pure steps
// that were mid-flight.
func (e *Engine) rehydrate(ctx context.Context, instanceID string) error {
	mu := e.lockFor(instanceID)
	mu.Lock()
	in, def, err := e.load(ctx, instanceID)
	if err != nil {
		mu.Unlock()
		return err
	}
	if in.Status.IsTerminal() {
		mu.Unlock()
		return nil
	}

	var funcs []func()
	now := time.Now()
	walkSteps(def, def.Steps, in.Steps, []map[string]any{in.Variables}, func(loc *located) bool {
		st := loc.state
		switch {
		case st.CompStatus == StepCompensating:
			funcs = append(funcs, e.rehydrateCompLocked(ctx, in, def, loc)...)
		case st.Status == StepRunning && st.JobID != "":
			funcs = append(funcs, e.rehydrateJobLocked(ctx, in, def, loc, st.JobID)...)
		case st.Status == StepRunning && st.SubWorkflowID != "":
			funcs = append(funcs, e.rehydrateChildLocked(ctx, in, def, loc)...)
		case st.Status == StepRunning && len(st.Branches) > 0:
			// Branch children are visited by the walk.
		case st.Status == StepRunning:
			// A pure executor died with the process; run it again.
			st.Status = StepPending
			st.StartedAt = nil
		case st.Status == StepWaitingForEvent && st.WakeAt != nil:
			e.armWake(in.ID, st.StepID, st.WakeAt.Sub(now))
		}
		return true
	})

	funcs = append(funcs, e.advanceLocked(ctx, in, def)...)
	err = e.store.SaveInstance(ctx, in)
	mu.Unlock()
	e.run(funcs)
	return err
}

func (e *Engine) rehydrateJobLocked(ctx context.Context, in *Instance, def *Definition, loc *located, jobID string) []func() {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return e.failStepLocked(ctx, in, def, loc, fmt.Sprintf("job %s lost: %v", jobID, err))
	}
	if job.Status.IsTerminal() {
		if job.Status == JobSucceeded {
			e.completeStepLocked(in, loc, anyMap(job.Result))
			return nil
		}
		msg := job.Error
		if msg == "" {
			msg = string(job.Status)
		}
		return e.failStepLocked(ctx, in, def, loc, msg)
	}
	remaining := time.Until(job.CreatedAt.Add(job.Timeout))
	e.armJobTimeout(jobID, remaining)
	return nil
}

func (e *Engine) rehydrateChildLocked(ctx context.Context, in *Instance, def *Definition, loc *located) []func() {
	child, err := e.store.GetInstance(ctx, loc.state.SubWorkflowID)
	if err != nil {
		return e.failStepLocked(ctx, in, def, loc, fmt.Sprintf("sub-workflow lost: %v", err))
	}
	if !child.Status.IsTerminal() {
		// The child rehydrates on its own and reports back on finish.
		return nil
	}
	if child.Status == InstanceCompleted {
		e.completeStepLocked(in, loc, any(anyMapCopy(child.Variables)))
		return nil
	}
	return e.failStepLocked(ctx, in, def, loc, fmt.Sprintf("sub-workflow %s %s", child.ID, child.Status))
}

func (e *Engine) rehydrateCompLocked(ctx context.Context, in *Instance, def *Definition, loc *located) []func() {
	st := loc.state
	if st.CompJobID != "" {
		job, err := e.store.GetJob(ctx, st.CompJobID)
		if err == nil && job.Status.IsTerminal() {
			return e.applyCompOutcomeLocked(ctx, in, def, loc, job.Status == JobSucceeded, job.Error)
		}
		if err == nil {
			e.armJobTimeout(st.CompJobID, time.Until(job.CreatedAt.Add(job.Timeout)))
			return nil
		}
	}
	if st.CompSubWorkflowID != "" {
		child, err := e.store.GetInstance(ctx, st.CompSubWorkflowID)
		if err == nil && child.Status.IsTerminal() {
			return e.applyCompOutcomeLocked(ctx, in, def, loc, child.Status == InstanceCompleted, child.Error)
		}
		if err == nil {
			return nil
		}
	}
	// The compensation attempt died with the process; run it again.
	return e.startCompensationLocked(in, loc)
}

func checkRequiredInput(def *Definition, input map[string]any) error {
	req, ok := def.InputSchema["required"].([]any)
	if !ok {
		return nil
	}
	for _, r := range req {
		key, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := input[key]; !present {
			return fmt.Errorf("%w: missing required input %q", domain.ErrInvalidDefinition, key)
		}
	}
	return nil
}
