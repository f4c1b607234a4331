package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
	"github.com/orbitmesh/orbitmesh/pkg/protocol"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
)

// Dispatch selects an agent for the job, records the assignment and sends
// the JobAssigned frame. Satisfies workflow.JobDispatcher.
func (h *Hub) Dispatch(ctx context.Context, job *workflow.Job) error {
	s, err := h.selectAgent(ctx, job.Selector)
	if err != nil {
		return err
	}

	won, err := h.store.CASJobStatus(ctx, job.ID,
		[]workflow.JobStatus{workflow.JobQueued}, workflow.JobAssigned,
		func(j *workflow.Job) {
			now := time.Now()
			j.AgentID = s.agentID
			j.AssignedAt = &now
		})
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: job %s is not queued", domain.ErrStoreConflict, job.ID)
	}

	h.mu.Lock()
	if l, ok := h.loads[s.agentID]; ok {
		l.runningJobs++
		h.loads[s.agentID] = l
	}
	h.mu.Unlock()

	assigned := &protocol.JobAssigned{
		JobID:      job.ID,
		InstanceID: job.InstanceID,
		StepID:     job.StepID,
		Payload:    job.Payload,
		TimeoutMS:  job.Timeout.Milliseconds(),
	}
	if err := s.Send(protocol.FrameJobAssigned, assigned); err != nil {
		// The frame never left the hub. Fold the row so nothing resurrects
		// it; the engine hears about the failure through the return value.
		_, _ = h.store.CASJobStatus(ctx, job.ID,
			[]workflow.JobStatus{workflow.JobAssigned}, workflow.JobFailed,
			func(j *workflow.Job) {
				now := time.Now()
				j.EndedAt = &now
				j.Error = "assignment not delivered: " + err.Error()
			})
		if errors.Is(err, domain.ErrAgentBusy) {
			return err
		}
		return fmt.Errorf("%w: agent %s dropped during dispatch", domain.ErrAgentUnavailable, s.agentID)
	}
	h.logger.Info("job dispatched", "job", job.ID, "agent", s.agentID)
	return nil
}

// Cancel forwards a cancel request to the agent holding the job. Best
// effort: an offline agent learns about it during resume reconciliation.
func (h *Hub) Cancel(ctx context.Context, jobID, reason string) error {
	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AgentID == "" {
		return nil
	}
	h.mu.RLock()
	s, ok := h.sessions[job.AgentID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.Send(protocol.FrameCancelJob, &protocol.CancelJob{JobID: jobID, Reason: reason})
}

// selectAgent picks the connected agent for a selector. A targeted selector
// fails fast when its agent is offline or saturated; an open selector picks
// the least-loaded match, breaking ties on the earliest last-seen.
func (h *Hub) selectAgent(ctx context.Context, sel workflow.AgentSelector) (*Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if sel.Targeted() {
		s, ok := h.sessions[sel.AgentID]
		if !ok {
			return nil, fmt.Errorf("%w: agent %s is not connected", domain.ErrAgentUnavailable, sel.AgentID)
		}
		if h.cfg.MaxJobsPerAgent > 0 && h.loads[sel.AgentID].runningJobs >= h.cfg.MaxJobsPerAgent {
			return nil, fmt.Errorf("%w: agent %s is saturated", domain.ErrAgentBusy, sel.AgentID)
		}
		if s.saturated() {
			return nil, fmt.Errorf("%w: agent %s cannot drain its send queue", domain.ErrAgentBusy, sel.AgentID)
		}
		return s, nil
	}

	var best *Session
	var bestLoad agentLoad
	for id, s := range h.sessions {
		agent, err := h.store.GetAgent(ctx, id)
		if err != nil || agent.State != workflow.AgentOnline || !sel.Matches(agent) {
			continue
		}
		l := h.loads[id]
		if h.cfg.MaxJobsPerAgent > 0 && l.runningJobs >= h.cfg.MaxJobsPerAgent {
			continue
		}
		if s.saturated() {
			continue
		}
		if best == nil || lessLoaded(l, bestLoad) {
			best, bestLoad = s, l
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no connected agent matches selector", domain.ErrAgentUnavailable)
	}
	return best, nil
}

// lessLoaded orders candidates by running jobs, then reported load, then
// the longest-idle agent.
func lessLoaded(a, b agentLoad) bool {
	if a.runningJobs != b.runningJobs {
		return a.runningJobs < b.runningJobs
	}
	if a.load != b.load {
		return a.load < b.load
	}
	return a.lastSeen.Before(b.lastSeen)
}
