package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
	"github.com/orbitmesh/orbitmesh/pkg/protocol"
	"github.com/orbitmesh/orbitmesh/pkg/store"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
)

type sinkCall struct {
	jobID  string
	status workflow.JobStatus
	result map[string]any
	errMsg string
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (f *fakeSink) HandleJobResult(_ context.Context, jobID string, status workflow.JobStatus, result map[string]any, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sinkCall{jobID, status, result, errMsg})
	return nil
}

func (f *fakeSink) snapshot() []sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sinkCall(nil), f.calls...)
}

type hubEnv struct {
	hub    *Hub
	store  *store.MemoryStore
	sink   *fakeSink
	server *httptest.Server
}

func newHubEnv(t *testing.T, cfg Config) *hubEnv {
	st := store.NewMemoryStore()
	hub := NewHub(st, cfg)
	sink := &fakeSink{}
	hub.SetResultSink(sink)
	hub.Start()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleAgent))
	t.Cleanup(func() {
		server.Close()
		hub.Stop()
	})
	return &hubEnv{hub: hub, store: st, sink: sink, server: server}
}

func (e *hubEnv) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, kind protocol.FrameKind, seq uint64, payload any) {
	f, err := protocol.NewFrame(kind, seq, payload)
	require.NoError(t, err)
	buf, err := protocol.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buf))
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Unmarshal(data)
	require.NoError(t, err)
	return f
}

// enroll performs the bootstrap handshake and returns the connection plus
// the minted identity.
func enroll(t *testing.T, env *hubEnv, token, name string, caps []string) (*websocket.Conn, *protocol.HelloAck) {
	conn := env.dial(t)
	writeFrame(t, conn, protocol.FrameHello, 1, &protocol.Hello{
		Name:           name,
		BootstrapToken: token,
		Capabilities:   caps,
	})
	ack := readFrame(t, conn)
	require.Equal(t, protocol.FrameHelloAck, ack.Kind)
	var hello protocol.HelloAck
	require.NoError(t, ack.Decode(&hello))
	require.NotEmpty(t, hello.AgentID)
	return conn, &hello
}

func TestBootstrapEnrollmentMintsAccessToken(t *testing.T) {
	env := newHubEnv(t, Config{BootstrapToken: "join-us"})

	conn, ack := enroll(t, env, "join-us", "builder-1", []string{"docker"})
	assert.NotEmpty(t, ack.AccessToken, "bootstrap enrollment returns the durable token once")
	assert.Equal(t, int64(15000), ack.HeartbeatInterval)

	agent, err := env.store.GetAgent(context.Background(), ack.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "builder-1", agent.Name)
	assert.Equal(t, workflow.AgentOnline, agent.State)
	assert.Equal(t, Fingerprint(ack.AccessToken), agent.TokenFingerprint)
	conn.Close()

	// Reconnecting with the minted token resumes the same identity and
	// never repeats the token.
	conn2 := env.dial(t)
	writeFrame(t, conn2, protocol.FrameHello, 1, &protocol.Hello{
		Name:        "builder-1",
		AccessToken: ack.AccessToken,
	})
	ackFrame := readFrame(t, conn2)
	require.Equal(t, protocol.FrameHelloAck, ackFrame.Kind)
	var again protocol.HelloAck
	require.NoError(t, ackFrame.Decode(&again))
	assert.Equal(t, ack.AgentID, again.AgentID)
	assert.Empty(t, again.AccessToken)
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	env := newHubEnv(t, Config{BootstrapToken: "join-us"})

	expectGoodbye := func(hello *protocol.Hello) {
		conn := env.dial(t)
		writeFrame(t, conn, protocol.FrameHello, 1, hello)
		f := readFrame(t, conn)
		assert.Equal(t, protocol.FrameGoodbye, f.Kind)
	}

	expectGoodbye(&protocol.Hello{Name: "x", BootstrapToken: "wrong"})
	expectGoodbye(&protocol.Hello{Name: "x", AccessToken: "never-issued"})
	expectGoodbye(&protocol.Hello{Name: "x"})
}

func TestHandshakeWithDisabledBootstrap(t *testing.T) {
	env := newHubEnv(t, Config{})
	conn := env.dial(t)
	writeFrame(t, conn, protocol.FrameHello, 1, &protocol.Hello{Name: "x", BootstrapToken: "anything"})
	f := readFrame(t, conn)
	assert.Equal(t, protocol.FrameGoodbye, f.Kind)
}

func TestDispatchDeliversJobAndFoldsResult(t *testing.T) {
	env := newHubEnv(t, Config{BootstrapToken: "join-us"})
	ctx := context.Background()

	conn, ack := enroll(t, env, "join-us", "runner", []string{"shell"})

	job := &workflow.Job{
		ID:         "job-1",
		InstanceID: "in-1",
		StepID:     "build",
		Payload:    map[string]any{"action": "build"},
		Timeout:    time.Minute,
		Status:     workflow.JobQueued,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, env.store.SaveJob(ctx, job))
	require.NoError(t, env.hub.Dispatch(ctx, job))

	assigned := readFrame(t, conn)
	require.Equal(t, protocol.FrameJobAssigned, assigned.Kind)
	var ja protocol.JobAssigned
	require.NoError(t, assigned.Decode(&ja))
	assert.Equal(t, "job-1", ja.JobID)
	assert.Equal(t, "build", ja.Payload["action"])
	assert.Equal(t, int64(60_000), ja.TimeoutMS)

	row, err := env.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.JobAssigned, row.Status)
	assert.Equal(t, ack.AgentID, row.AgentID)

	// Ack moves the job to running.
	writeFrame(t, conn, protocol.FrameJobAck, 1, &protocol.JobAck{JobID: "job-1"})
	require.Eventually(t, func() bool {
		row, err := env.store.GetJob(ctx, "job-1")
		return err == nil && row.Status == workflow.JobRunning
	}, 3*time.Second, 10*time.Millisecond)

	// The terminal frame folds once and is acknowledged back.
	writeFrame(t, conn, protocol.FrameJobSucceeded, 2, &protocol.JobResult{
		JobID:  "job-1",
		Result: map[string]any{"artifact": "api.tar"},
	})
	reply := readFrame(t, conn)
	require.Equal(t, protocol.FrameJobAck, reply.Kind)

	require.Eventually(t, func() bool {
		return len(env.sink.snapshot()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	call := env.sink.snapshot()[0]
	assert.Equal(t, "job-1", call.jobID)
	assert.Equal(t, workflow.JobSucceeded, call.status)
	assert.Equal(t, "api.tar", call.result["artifact"])

	row, err = env.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.JobSucceeded, row.Status)
}

func TestDuplicateTerminalResultIsDropped(t *testing.T) {
	env := newHubEnv(t, Config{BootstrapToken: "join-us"})
	ctx := context.Background()

	conn, ack := enroll(t, env, "join-us", "runner", nil)

	job := &workflow.Job{
		ID: "job-dup", InstanceID: "in-1", StepID: "s",
		Status: workflow.JobRunning, AgentID: ack.AgentID, CreatedAt: time.Now(),
	}
	require.NoError(t, env.store.SaveJob(ctx, job))

	writeFrame(t, conn, protocol.FrameJobSucceeded, 1, &protocol.JobResult{JobID: "job-dup"})
	require.Equal(t, protocol.FrameJobAck, readFrame(t, conn).Kind)

	// A resend after a missed ack must only be re-acknowledged.
	writeFrame(t, conn, protocol.FrameJobFailed, 2, &protocol.JobResult{JobID: "job-dup", Error: "replay"})
	require.Equal(t, protocol.FrameJobAck, readFrame(t, conn).Kind)

	require.Eventually(t, func() bool {
		return len(env.sink.snapshot()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	calls := env.sink.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, workflow.JobSucceeded, calls[0].status)

	row, err := env.store.GetJob(ctx, "job-dup")
	require.NoError(t, err)
	assert.Equal(t, workflow.JobSucceeded, row.Status)
	assert.Empty(t, row.Error)
}

// A replayed sequence number is dropped before it reaches the frame router.
func TestReplayedSequenceIsIgnored(t *testing.T) {
	env := newHubEnv(t, Config{BootstrapToken: "join-us"})
	ctx := context.Background()

	conn, ack := enroll(t, env, "join-us", "runner", nil)
	job := &workflow.Job{
		ID: "job-seq", InstanceID: "in-1", StepID: "s",
		Status: workflow.JobRunning, AgentID: ack.AgentID, CreatedAt: time.Now(),
	}
	require.NoError(t, env.store.SaveJob(ctx, job))

	writeFrame(t, conn, protocol.FrameHeartbeat, 5, &protocol.Heartbeat{RunningJobs: 1})
	// Same sequence again: must not be routed.
	writeFrame(t, conn, protocol.FrameJobSucceeded, 5, &protocol.JobResult{JobID: "job-seq"})
	writeFrame(t, conn, protocol.FrameHeartbeat, 6, &protocol.Heartbeat{RunningJobs: 1})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, env.sink.snapshot())
	row, err := env.store.GetJob(ctx, "job-seq")
	require.NoError(t, err)
	assert.Equal(t, workflow.JobRunning, row.Status)
}

func TestResumeReconciliation(t *testing.T) {
	env := newHubEnv(t, Config{BootstrapToken: "join-us"})
	ctx := context.Background()

	conn, ack := enroll(t, env, "join-us", "runner", nil)

	// The server believes the agent holds three jobs; the agent only
	// remembers one of them, plus one the server has already timed out.
	keep := &workflow.Job{ID: "job-keep", InstanceID: "in-1", StepID: "a",
		Status: workflow.JobRunning, AgentID: ack.AgentID, CreatedAt: time.Now()}
	lost := &workflow.Job{ID: "job-lost", InstanceID: "in-1", StepID: "b",
		Payload: map[string]any{"action": "build"},
		Status:  workflow.JobRunning, AgentID: ack.AgentID, CreatedAt: time.Now()}
	stale := &workflow.Job{ID: "job-stale", InstanceID: "in-1", StepID: "c",
		Status: workflow.JobTimedOut, AgentID: ack.AgentID, CreatedAt: time.Now()}
	for _, j := range []*workflow.Job{keep, lost, stale} {
		require.NoError(t, env.store.SaveJob(ctx, j))
	}

	writeFrame(t, conn, protocol.FrameResume, 1, &protocol.Resume{
		JobIDs: []string{"job-keep", "job-stale", "job-unknown"},
	})

	var reassigned protocol.JobAssigned
	var acked []string
	cancelled := map[string]bool{}
	for i := 0; i < 4; i++ {
		f := readFrame(t, conn)
		switch f.Kind {
		case protocol.FrameJobAssigned:
			require.NoError(t, f.Decode(&reassigned))
		case protocol.FrameJobAck:
			var ja protocol.JobAck
			require.NoError(t, f.Decode(&ja))
			acked = append(acked, ja.JobID)
		case protocol.FrameCancelJob:
			var cj protocol.CancelJob
			require.NoError(t, f.Decode(&cj))
			cancelled[cj.JobID] = true
		default:
			t.Fatalf("unexpected frame %s", f.Kind)
		}
	}

	// Forgotten on the agent: handed out again under the same id.
	assert.Equal(t, "job-lost", reassigned.JobID)
	assert.Equal(t, "build", reassigned.Payload["action"])
	row, err := env.store.GetJob(ctx, "job-lost")
	require.NoError(t, err)
	assert.Equal(t, workflow.JobAssigned, row.Status)
	assert.Equal(t, ack.AgentID, row.AgentID)
	assert.Empty(t, env.sink.snapshot(), "a reassignment must not fold a result")

	// Remembered and still wanted: acknowledged.
	assert.Equal(t, []string{"job-keep"}, acked)

	// Remembered but dead on the server: cancelled on the agent.
	assert.True(t, cancelled["job-stale"])
	assert.True(t, cancelled["job-unknown"])

	// The job both sides agree on keeps running.
	row, err = env.store.GetJob(ctx, "job-keep")
	require.NoError(t, err)
	assert.Equal(t, workflow.JobRunning, row.Status)
}

func TestDispatchWithoutAgents(t *testing.T) {
	env := newHubEnv(t, Config{})
	job := &workflow.Job{ID: "job-none", InstanceID: "in-1", StepID: "s",
		Status: workflow.JobQueued, CreatedAt: time.Now()}
	require.NoError(t, env.store.SaveJob(context.Background(), job))

	err := env.hub.Dispatch(context.Background(), job)
	assert.ErrorIs(t, err, domain.ErrAgentUnavailable)
}

func TestSelectAgentOrdering(t *testing.T) {
	st := store.NewMemoryStore()
	hub := NewHub(st, Config{MaxJobsPerAgent: 4})
	ctx := context.Background()

	add := func(id string, caps []string, jobs int, load float64, lastSeen time.Time) {
		require.NoError(t, st.SaveAgent(ctx, &workflow.Agent{
			ID: id, Name: id, Capabilities: caps,
			State: workflow.AgentOnline, LastSeen: lastSeen,
		}))
		hub.sessions[id] = &Session{agentID: id, send: make(chan []byte, sendQueueSize)}
		hub.loads[id] = agentLoad{runningJobs: jobs, load: load, lastSeen: lastSeen}
	}
	now := time.Now()
	add("busy", []string{"docker"}, 3, 0.9, now)
	add("idle", []string{"docker"}, 0, 0.1, now)
	add("other", []string{"gpu"}, 0, 0.0, now)

	s, err := hub.selectAgent(ctx, workflow.AgentSelector{Capabilities: []string{"docker"}})
	require.NoError(t, err)
	assert.Equal(t, "idle", s.agentID)

	// Targeted selection ignores ordering and fails fast.
	s, err = hub.selectAgent(ctx, workflow.AgentSelector{AgentID: "busy"})
	require.NoError(t, err)
	assert.Equal(t, "busy", s.agentID)

	_, err = hub.selectAgent(ctx, workflow.AgentSelector{AgentID: "offline"})
	assert.ErrorIs(t, err, domain.ErrAgentUnavailable)

	hub.loads["busy"] = agentLoad{runningJobs: 4}
	_, err = hub.selectAgent(ctx, workflow.AgentSelector{AgentID: "busy"})
	assert.ErrorIs(t, err, domain.ErrAgentBusy)

	// A saturated open selector skips the full agent.
	hub.loads["idle"] = agentLoad{runningJobs: 4}
	_, err = hub.selectAgent(ctx, workflow.AgentSelector{Capabilities: []string{"docker"}})
	assert.ErrorIs(t, err, domain.ErrAgentUnavailable)

	_, err = hub.selectAgent(ctx, workflow.AgentSelector{Capabilities: []string{"quantum"}})
	assert.ErrorIs(t, err, domain.ErrAgentUnavailable)
}

func TestSelectAgentRoutesAroundFullSendQueue(t *testing.T) {
	st := store.NewMemoryStore()
	hub := NewHub(st, Config{})
	ctx := context.Background()

	for _, id := range []string{"full", "free"} {
		require.NoError(t, st.SaveAgent(ctx, &workflow.Agent{
			ID: id, Name: id, State: workflow.AgentOnline, LastSeen: time.Now(),
		}))
		hub.sessions[id] = &Session{agentID: id, send: make(chan []byte, 1), done: make(chan struct{})}
	}
	// "full" would win on load, but its queue has no room left.
	hub.loads["full"] = agentLoad{runningJobs: 0}
	hub.loads["free"] = agentLoad{runningJobs: 3}
	hub.sessions["full"].send <- []byte{}

	s, err := hub.selectAgent(ctx, workflow.AgentSelector{})
	require.NoError(t, err)
	assert.Equal(t, "free", s.agentID)

	// Targeting the saturated agent fails fast instead of blocking.
	_, err = hub.selectAgent(ctx, workflow.AgentSelector{AgentID: "full"})
	assert.ErrorIs(t, err, domain.ErrAgentBusy)
}

func TestSendQueueSaturationReportsBusy(t *testing.T) {
	s := &Session{agentID: "a1", send: make(chan []byte, 1), done: make(chan struct{})}

	require.NoError(t, s.Send(protocol.FrameHeartbeat, &protocol.Heartbeat{}))
	require.True(t, s.saturated())
	err := s.Send(protocol.FrameHeartbeat, &protocol.Heartbeat{RunningJobs: 1})
	assert.ErrorIs(t, err, domain.ErrAgentBusy)

	// The session stays up; it works again once the queue drains.
	<-s.send
	assert.NoError(t, s.Send(protocol.FrameHeartbeat, &protocol.Heartbeat{RunningJobs: 2}))
}

func TestLessLoaded(t *testing.T) {
	early := time.Now().Add(-time.Minute)
	late := time.Now()

	assert.True(t, lessLoaded(agentLoad{runningJobs: 1}, agentLoad{runningJobs: 2}))
	assert.False(t, lessLoaded(agentLoad{runningJobs: 2}, agentLoad{runningJobs: 1}))
	assert.True(t, lessLoaded(
		agentLoad{runningJobs: 1, load: 0.2},
		agentLoad{runningJobs: 1, load: 0.8}))
	assert.True(t, lessLoaded(
		agentLoad{runningJobs: 1, load: 0.5, lastSeen: early},
		agentLoad{runningJobs: 1, load: 0.5, lastSeen: late}))
}

func TestFingerprintAndTokens(t *testing.T) {
	tok1, err := NewAccessToken()
	require.NoError(t, err)
	tok2, err := NewAccessToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok2)
	assert.Len(t, tok1, 64)

	assert.Equal(t, Fingerprint(tok1), Fingerprint(tok1))
	assert.NotEqual(t, Fingerprint(tok1), Fingerprint(tok2))

	assert.NoError(t, checkBootstrapToken("s3cret", "s3cret"))
	assert.ErrorIs(t, checkBootstrapToken("wrong", "s3cret"), domain.ErrAuthFailed)
	assert.ErrorIs(t, checkBootstrapToken("anything", ""), domain.ErrAuthFailed)
}
