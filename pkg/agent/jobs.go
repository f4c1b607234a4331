package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/orbitmesh/orbitmesh/pkg/protocol"
)

// JobRequest is the handler's view of one dispatched job.
type JobRequest struct {
	ID         string
	InstanceID string
	StepID     string
	Payload    map[string]any
	Timeout    time.Duration
}

// ProgressFunc reports intermediate progress back to the server.
type ProgressFunc func(percent float64, message string)

// HandlerFunc executes one job. The returned map becomes the step output;
// a non-nil error fails the job.
type HandlerFunc func(ctx context.Context, job *JobRequest, report ProgressFunc) (map[string]any, error)

type runningJob struct {
	req    *JobRequest
	cancel context.CancelFunc
}

// Handle registers a handler for the given action. The action is taken from
// the job payload's "action" field.
func (c *Client) Handle(action string, fn HandlerFunc) {
	c.handlers[action] = fn
}

// HandleDefault registers the fallback handler for payloads without a
// matching action.
func (c *Client) HandleDefault(fn HandlerFunc) {
	c.defaultHandler = fn
}

// acceptJob deduplicates, acknowledges and launches an assignment. A replay
// of a job already running or already finished is only re-acknowledged.
func (c *Client) acceptJob(assigned *protocol.JobAssigned) {
	c.mu.Lock()
	_, active := c.running[assigned.JobID]
	_, finished := c.pending[assigned.JobID]
	if active || finished {
		c.mu.Unlock()
		_ = c.send(protocol.FrameJobAck, &protocol.JobAck{JobID: assigned.JobID})
		return
	}
	req := &JobRequest{
		ID:         assigned.JobID,
		InstanceID: assigned.InstanceID,
		StepID:     assigned.StepID,
		Payload:    assigned.Payload,
		Timeout:    time.Duration(assigned.TimeoutMS) * time.Millisecond,
	}
	ctx := c.ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	c.running[assigned.JobID] = &runningJob{req: req, cancel: cancel}
	c.mu.Unlock()

	_ = c.send(protocol.FrameJobAck, &protocol.JobAck{JobID: assigned.JobID})
	c.logger.Info("job accepted", "job", req.ID, "step", req.StepID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.executeJob(ctx, req)
	}()
}

func (c *Client) cancelJob(jobID, reason string) {
	c.mu.Lock()
	rj, ok := c.running[jobID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Info("job cancelled by server", "job", jobID, "reason", reason)
	rj.cancel()
}

func (c *Client) executeJob(ctx context.Context, req *JobRequest) {
	handler := c.resolveHandler(req)
	report := func(percent float64, message string) {
		_ = c.send(protocol.FrameJobProgress, &protocol.JobProgress{
			JobID:   req.ID,
			Percent: percent,
			Message: message,
		})
	}

	var result map[string]any
	var err error
	if handler == nil {
		err = fmt.Errorf("no handler for action %q", actionOf(req.Payload))
	} else {
		result, err = handler(ctx, req, report)
	}

	kind := protocol.FrameJobSucceeded
	payload := &protocol.JobResult{JobID: req.ID, Result: result}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		kind = protocol.FrameJobTimedOut
		payload.Error = "job timed out on agent"
	case errors.Is(err, context.Canceled):
		kind = protocol.FrameJobCancelled
		payload.Error = "job cancelled"
	default:
		kind = protocol.FrameJobFailed
		payload.Error = err.Error()
	}

	c.mu.Lock()
	delete(c.running, req.ID)
	// Remember the result until the server acknowledges it.
	c.pending[req.ID] = pendingResult{kind: kind, payload: payload}
	c.mu.Unlock()

	c.logger.Info("job finished", "job", req.ID, "outcome", kind.String())
	_ = c.send(kind, payload)
}

func (c *Client) resolveHandler(req *JobRequest) HandlerFunc {
	if fn, ok := c.handlers[actionOf(req.Payload)]; ok {
		return fn
	}
	return c.defaultHandler
}

func actionOf(payload map[string]any) string {
	action, _ := payload["action"].(string)
	return action
}

// shellHandler runs payload["command"] through the system shell. Only
// registered when shell execution is enabled in the agent config.
func shellHandler(ctx context.Context, job *JobRequest, report ProgressFunc) (map[string]any, error) {
	command, _ := job.Payload["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("shell job without command")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	result := map[string]any{"output": string(out)}
	if cmd.ProcessState != nil {
		result["exit_code"] = float64(cmd.ProcessState.ExitCode())
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if err != nil {
		return result, fmt.Errorf("command failed: %w", err)
	}
	return result, nil
}
