// Package session implements the server side of the agent protocol: the
// websocket hub, authentication, job dispatch and resume reconciliation.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
	"github.com/orbitmesh/orbitmesh/pkg/log"
	"github.com/orbitmesh/orbitmesh/pkg/protocol"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
)

// ResultSink receives terminal job outcomes after the hub has folded them
// into the job row. Implemented by the workflow engine.
type ResultSink interface {
	HandleJobResult(ctx context.Context, jobID string, status workflow.JobStatus, result map[string]any, errMsg string) error
}

// Config tunes the hub.
type Config struct {
	// HeartbeatInterval is advertised to agents in HelloAck.
	HeartbeatInterval time.Duration
	// LivenessGrace is how many heartbeat intervals may pass silently
	// before the agent is considered offline.
	LivenessGrace int
	// HandshakeTimeout bounds the wait for the Hello frame after upgrade.
	HandshakeTimeout time.Duration
	// BootstrapToken enables one-step enrollment when non-empty.
	BootstrapToken string
	// MaxJobsPerAgent rejects dispatch to an agent already carrying this
	// many jobs. Zero means unlimited.
	MaxJobsPerAgent int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.LivenessGrace <= 0 {
		c.LivenessGrace = 3
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers; origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub owns every live agent session and implements the engine's
// JobDispatcher contract.
type Hub struct {
	store  workflow.Store
	sink   ResultSink
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // agent id -> session
	// loads caches the last heartbeat per agent for the dispatch selector.
	loads map[string]agentLoad

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type agentLoad struct {
	runningJobs int
	load        float64
	lastSeen    time.Time
}

// NewHub creates the session hub. The result sink is attached separately
// because the engine is constructed first.
func NewHub(store workflow.Store, cfg Config) *Hub {
	cfg.applyDefaults()
	h := &Hub{
		store:    store,
		cfg:      cfg,
		logger:   log.WithComponent("session"),
		sessions: make(map[string]*Session),
		loads:    make(map[string]agentLoad),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// SetResultSink attaches the terminal result consumer.
func (h *Hub) SetResultSink(sink ResultSink) { h.sink = sink }

// Start launches the liveness sweeper.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.livenessLoop()
	}()
}

// Stop closes every session and waits for the pumps to drain.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	for _, s := range h.sessions {
		s.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// OnlineCount returns the number of connected agents.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HandleAgent upgrades an HTTP request into an agent session. The first
// frame must be a Hello carrying either a durable access token or the
// bootstrap token.
func (h *Hub) HandleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	agent, ack, err := h.handshake(conn)
	if err != nil {
		h.logger.Warn("handshake rejected", "remote", r.RemoteAddr, "error", err)
		h.sendGoodbye(conn, err.Error())
		conn.Close()
		return
	}

	s := newSession(h, conn, agent)
	h.register(s)

	ackFrame, err := protocol.NewFrame(protocol.FrameHelloAck, s.seq.Add(1), ack)
	if err == nil {
		if buf, merr := protocol.Marshal(ackFrame); merr == nil {
			s.send <- buf
		}
	}

	h.wg.Add(2)
	go func() { defer h.wg.Done(); s.writePump() }()
	go func() { defer h.wg.Done(); s.readPump() }()
}

// handshake reads and authenticates the Hello frame.
func (h *Hub) handshake(conn *websocket.Conn) (*workflow.Agent, *protocol.HelloAck, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: no hello: %v", domain.ErrProtocolViolation, err)
	}
	f, err := protocol.Unmarshal(data)
	if err != nil {
		return nil, nil, err
	}
	if f.Kind != protocol.FrameHello {
		return nil, nil, fmt.Errorf("%w: expected Hello, got %s", domain.ErrProtocolViolation, f.Kind)
	}
	var hello protocol.Hello
	if err := f.Decode(&hello); err != nil {
		return nil, nil, err
	}

	ack := &protocol.HelloAck{HeartbeatInterval: h.cfg.HeartbeatInterval.Milliseconds()}
	now := time.Now()

	switch {
	case hello.AccessToken != "":
		agent, err := h.store.GetAgentByFingerprint(h.ctx, Fingerprint(hello.AccessToken))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: unknown access token", domain.ErrAuthFailed)
		}
		agent.State = workflow.AgentOnline
		agent.LastSeen = now
		if hello.Name != "" {
			agent.Name = hello.Name
		}
		if hello.Tags != nil {
			agent.Tags = hello.Tags
		}
		if hello.Capabilities != nil {
			agent.Capabilities = hello.Capabilities
		}
		if err := h.store.SaveAgent(h.ctx, agent); err != nil {
			return nil, nil, err
		}
		ack.AgentID = agent.ID
		return agent, ack, nil

	case hello.BootstrapToken != "":
		if err := checkBootstrapToken(hello.BootstrapToken, h.cfg.BootstrapToken); err != nil {
			return nil, nil, err
		}
		token, err := NewAccessToken()
		if err != nil {
			return nil, nil, err
		}
		agent := &workflow.Agent{
			ID:               uuid.New().String(),
			Name:             hello.Name,
			Tags:             hello.Tags,
			Capabilities:     hello.Capabilities,
			State:            workflow.AgentOnline,
			LastSeen:         now,
			TokenFingerprint: Fingerprint(token),
			EnrolledAt:       now,
		}
		if err := h.store.SaveAgent(h.ctx, agent); err != nil {
			return nil, nil, err
		}
		h.logger.Info("agent enrolled", "agent", agent.ID, "name", agent.Name)
		ack.AgentID = agent.ID
		ack.AccessToken = token
		return agent, ack, nil
	}
	return nil, nil, fmt.Errorf("%w: hello carries no credential", domain.ErrAuthFailed)
}

func (h *Hub) sendGoodbye(conn *websocket.Conn, reason string) {
	f, err := protocol.NewFrame(protocol.FrameGoodbye, 1, &protocol.Goodbye{Reason: reason})
	if err != nil {
		return
	}
	if buf, err := protocol.Marshal(f); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = conn.WriteMessage(websocket.BinaryMessage, buf)
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	if old, ok := h.sessions[s.agentID]; ok {
		// One session per agent; the newer connection wins.
		old.close()
	}
	h.sessions[s.agentID] = s
	h.loads[s.agentID] = agentLoad{lastSeen: time.Now()}
	h.mu.Unlock()
	h.logger.Info("agent connected", "agent", s.agentID)
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.agentID]; ok && cur == s {
		delete(h.sessions, s.agentID)
		delete(h.loads, s.agentID)
	}
	h.mu.Unlock()
	h.markAgentState(s.agentID, workflow.AgentOffline)
	h.logger.Info("agent disconnected", "agent", s.agentID)
}

func (h *Hub) markAgentState(agentID string, state workflow.AgentState) {
	agent, err := h.store.GetAgent(h.ctx, agentID)
	if err != nil {
		return
	}
	agent.State = state
	if err := h.store.SaveAgent(h.ctx, agent); err != nil {
		h.logger.Error("save agent failed", "agent", agentID, "error", err)
	}
}

// handleFrame routes one inbound frame from an authenticated session.
func (h *Hub) handleFrame(s *Session, f *protocol.Frame) {
	switch {
	case f.Kind == protocol.FrameHeartbeat:
		h.onHeartbeat(s, f)
	case f.Kind == protocol.FrameResume:
		h.onResume(s, f)
	case f.Kind == protocol.FrameJobAck:
		h.onJobAck(s, f)
	case f.Kind == protocol.FrameJobProgress:
		h.onJobProgress(s, f)
	case f.Kind.IsJobTerminal():
		h.onJobTerminal(s, f)
	case f.Kind == protocol.FrameGoodbye:
		h.markAgentState(s.agentID, workflow.AgentDraining)
		s.close()
	default:
		s.logger.Warn("unexpected frame", "kind", f.Kind.String())
	}
}

func (h *Hub) onHeartbeat(s *Session, f *protocol.Frame) {
	var hb protocol.Heartbeat
	if err := f.Decode(&hb); err != nil {
		s.logger.Warn("bad heartbeat", "error", err)
		return
	}
	now := time.Now()
	h.mu.Lock()
	h.loads[s.agentID] = agentLoad{runningJobs: hb.RunningJobs, load: hb.Load, lastSeen: now}
	h.mu.Unlock()

	agent, err := h.store.GetAgent(h.ctx, s.agentID)
	if err != nil {
		return
	}
	agent.LastSeen = now
	agent.State = workflow.AgentOnline
	agent.RunningJobs = hb.RunningJobs
	if err := h.store.SaveAgent(h.ctx, agent); err != nil {
		s.logger.Error("save agent failed", "error", err)
	}
}

// onResume reconciles the agent's view of its assignments with the server's
// after a reconnect: jobs both sides remember are acknowledged, jobs the
// server no longer wants are cancelled and jobs the agent forgot are handed
// out again.
func (h *Hub) onResume(s *Session, f *protocol.Frame) {
	var resume protocol.Resume
	if err := f.Decode(&resume); err != nil {
		s.logger.Warn("bad resume", "error", err)
		return
	}
	remembered := make(map[string]bool, len(resume.JobIDs))
	for _, id := range resume.JobIDs {
		remembered[id] = true
	}

	assigned, err := h.store.ListJobsByAgent(h.ctx, s.agentID)
	if err != nil {
		s.logger.Error("list jobs failed", "error", err)
		return
	}
	for _, job := range assigned {
		if job.Status.IsTerminal() || remembered[job.ID] {
			continue
		}
		h.reassign(s, job)
	}

	for _, id := range resume.JobIDs {
		job, err := h.store.GetJob(h.ctx, id)
		if err != nil || job.AgentID != s.agentID || job.Status.IsTerminal() {
			reason := "job is no longer active"
			if err := s.Send(protocol.FrameCancelJob, &protocol.CancelJob{JobID: id, Reason: reason}); err != nil {
				return
			}
			continue
		}
		// Still wanted here, still running there.
		if err := s.Send(protocol.FrameJobAck, &protocol.JobAck{JobID: id}); err != nil {
			return
		}
	}
	s.logger.Info("resume reconciled", "remembered", len(resume.JobIDs), "assigned", len(assigned))
}

// reassign requeues a job its agent forgot and hands it out again under the
// same id, so the step linkage and the running job timeout still apply. A
// late terminal or a timeout wins the status CAS and the requeue backs off.
func (h *Hub) reassign(s *Session, job *workflow.Job) {
	won, err := h.store.CASJobStatus(h.ctx, job.ID,
		[]workflow.JobStatus{workflow.JobAssigned, workflow.JobRunning}, workflow.JobQueued,
		func(j *workflow.Job) {
			j.AgentID = ""
			j.AssignedAt = nil
		})
	if err != nil || !won {
		return
	}
	if err := h.Dispatch(h.ctx, job); err != nil {
		// Stays queued; the job timeout owns recovery from here.
		s.logger.Warn("reassign failed", "job", job.ID, "error", err)
		return
	}
	s.logger.Info("job reassigned", "job", job.ID)
}

func (h *Hub) onJobAck(s *Session, f *protocol.Frame) {
	var ack protocol.JobAck
	if err := f.Decode(&ack); err != nil {
		return
	}
	_, err := h.store.CASJobStatus(h.ctx, ack.JobID,
		[]workflow.JobStatus{workflow.JobAssigned}, workflow.JobRunning, nil)
	if err != nil {
		s.logger.Error("job ack", "job", ack.JobID, "error", err)
	}
}

func (h *Hub) onJobProgress(s *Session, f *protocol.Frame) {
	var p protocol.JobProgress
	if err := f.Decode(&p); err != nil {
		return
	}
	s.logger.Debug("job progress", "job", p.JobID, "percent", p.Percent, "message", p.Message)
}

// onJobTerminal folds a terminal job frame exactly once. The CAS on the job
// row is the idempotency point: a redelivered result loses the CAS and is
// only re-acknowledged.
func (h *Hub) onJobTerminal(s *Session, f *protocol.Frame) {
	var res protocol.JobResult
	if err := f.Decode(&res); err != nil {
		s.logger.Warn("bad job result", "error", err)
		return
	}
	status := terminalStatus(f.Kind)
	h.foldTerminal(s, res.JobID, status, res.Result, res.Error)
	// Acknowledge so the agent can forget the job either way.
	_ = s.Send(protocol.FrameJobAck, &protocol.JobAck{JobID: res.JobID})
}

func (h *Hub) foldTerminal(s *Session, jobID string, status workflow.JobStatus, result map[string]any, errMsg string) {
	won, err := h.store.CASJobStatus(h.ctx, jobID,
		[]workflow.JobStatus{workflow.JobQueued, workflow.JobAssigned, workflow.JobRunning}, status,
		func(j *workflow.Job) {
			now := time.Now()
			j.EndedAt = &now
			j.Result = result
			j.Error = errMsg
		})
	if err != nil {
		s.logger.Error("fold job result", "job", jobID, "error", err)
		return
	}
	if !won {
		s.logger.Debug("duplicate job result dropped", "job", jobID, "status", status)
		return
	}
	if h.sink == nil {
		return
	}
	if err := h.sink.HandleJobResult(h.ctx, jobID, status, result, errMsg); err != nil {
		s.logger.Error("handle job result", "job", jobID, "error", err)
	}
}

func terminalStatus(kind protocol.FrameKind) workflow.JobStatus {
	switch kind {
	case protocol.FrameJobSucceeded:
		return workflow.JobSucceeded
	case protocol.FrameJobTimedOut:
		return workflow.JobTimedOut
	case protocol.FrameJobCancelled:
		return workflow.JobCancelled
	}
	return workflow.JobFailed
}

// livenessLoop sweeps agent rows whose heartbeats stopped without the
// connection dropping cleanly.
func (h *Hub) livenessLoop() {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.sweepStale()
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) sweepStale() {
	cutoff := time.Now().Add(-h.cfg.HeartbeatInterval * time.Duration(h.cfg.LivenessGrace))
	agents, err := h.store.ListAgents(h.ctx)
	if err != nil {
		return
	}
	for _, a := range agents {
		if a.State != workflow.AgentOnline || !a.LastSeen.Before(cutoff) {
			continue
		}
		h.mu.RLock()
		s, connected := h.sessions[a.ID]
		h.mu.RUnlock()
		if connected {
			s.close()
		}
		h.markAgentState(a.ID, workflow.AgentOffline)
		h.logger.Warn("agent went silent", "agent", a.ID, "last_seen", a.LastSeen)
	}
}
