package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/pkg/scheduler"
	"github.com/orbitmesh/orbitmesh/pkg/session"
	"github.com/orbitmesh/orbitmesh/pkg/store"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
)

type apiEnv struct {
	t      *testing.T
	server *httptest.Server
	store  *store.MemoryStore
	engine *workflow.Engine
}

func newAPIEnv(t *testing.T) *apiEnv {
	st := store.NewMemoryStore()
	registry := workflow.NewRegistry(st)
	engine := workflow.NewEngine(st, registry, nil, workflow.EngineConfig{})
	hub := session.NewHub(st, session.Config{})
	hub.SetResultSink(engine)
	engine.SetDispatcher(hub)
	sched := scheduler.New(registry, engine)

	s := NewServer(":0", engine, registry, st, hub, sched)
	server := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(func() {
		server.Close()
		sched.Stop()
		engine.Stop()
		hub.Stop()
	})
	return &apiEnv{t: t, server: server, store: st, engine: engine}
}

func (e *apiEnv) do(method, path string, body any) (*http.Response, []byte) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(e.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(e.t, err)
	return resp, buf.Bytes()
}

func (e *apiEnv) decode(data []byte, v any) {
	require.NoError(e.t, json.Unmarshal(data, v))
}

func gatedDefinition() map[string]any {
	return map[string]any{
		"id":   "gated",
		"name": "Gated",
		"steps": []map[string]any{{
			"id":     "gate",
			"type":   "wait_for_event",
			"config": map[string]any{"event_name": "release"},
		}},
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	env.decode(body, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(0), health["agents_online"])
}

func TestRegisterAndFetchWorkflow(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do(http.MethodPost, "/api/workflows", gatedDefinition())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created workflow.Definition
	env.decode(body, &created)
	assert.Equal(t, 1, created.Version)

	resp, body = env.do(http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []workflow.Definition
	env.decode(body, &list)
	require.Len(t, list, 1)

	resp, body = env.do(http.MethodGet, "/api/workflows/gated", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got workflow.Definition
	env.decode(body, &got)
	assert.Equal(t, "Gated", got.Name)

	resp, _ = env.do(http.MethodGet, "/api/workflows/gated?version=9", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(http.MethodGet, "/api/workflows/gated?version=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(http.MethodGet, "/api/workflows/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterRejectsInvalidDefinitions(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.do(http.MethodPost, "/api/workflows", map[string]any{"id": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/workflows", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestListWorkflowsEmptyIsArray(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", string(bytes.TrimSpace(body)))
}

func TestStartSignalAndLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	env.do(http.MethodPost, "/api/workflows", gatedDefinition())

	resp, body := env.do(http.MethodPost, "/api/workflows/gated/start", map[string]any{
		"input": map[string]any{"region": "eu-1"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var in workflow.Instance
	env.decode(body, &in)
	require.NotEmpty(t, in.ID)

	waitInstanceStatus(t, env, in.ID, workflow.InstanceWaitingForEvent)

	// A signal without a name is rejected before it reaches the engine.
	resp, _ = env.do(http.MethodPost, "/api/instances/"+in.ID+"/signal", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Nothing waits for this event name.
	resp, _ = env.do(http.MethodPost, "/api/instances/"+in.ID+"/signal", map[string]any{"name": "wrong"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(http.MethodPost, "/api/instances/"+in.ID+"/signal", map[string]any{
		"name":    "release",
		"payload": map[string]any{"version": "1.2.3"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	waitInstanceStatus(t, env, in.ID, workflow.InstanceCompleted)

	resp, _ = env.do(http.MethodPost, "/api/workflows/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListInstancesFilters(t *testing.T) {
	env := newAPIEnv(t)
	env.do(http.MethodPost, "/api/workflows", gatedDefinition())
	env.do(http.MethodPost, "/api/workflows/gated/start", nil)
	env.do(http.MethodPost, "/api/workflows/gated/start", nil)

	resp, body := env.do(http.MethodGet, "/api/workflows/instances?workflowId=gated", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []workflow.Instance
	env.decode(body, &list)
	assert.Len(t, list, 2)

	// The snake_case alias filters the same way.
	resp, body = env.do(http.MethodGet, "/api/workflows/instances?workflow_id=ghost", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.decode(body, &list)
	assert.Empty(t, list)

	resp, body = env.do(http.MethodGet, "/api/workflows/instances?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.decode(body, &list)
	assert.Len(t, list, 1)

	resp, _ = env.do(http.MethodGet, "/api/workflows/instances?limit=bad", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(http.MethodGet, "/api/workflows/instances?since=bad", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp, body = env.do(http.MethodGet, "/api/workflows/instances?since="+future, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", string(bytes.TrimSpace(body)))
}

func TestCancelInstance(t *testing.T) {
	env := newAPIEnv(t)
	env.do(http.MethodPost, "/api/workflows", gatedDefinition())
	_, body := env.do(http.MethodPost, "/api/workflows/gated/start", nil)
	var in workflow.Instance
	env.decode(body, &in)

	waitInstanceStatus(t, env, in.ID, workflow.InstanceWaitingForEvent)

	resp, _ := env.do(http.MethodPost, "/api/instances/"+in.ID+"/cancel", map[string]any{"reason": "superseded"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got := waitInstanceStatus(t, env, in.ID, workflow.InstanceCancelled)
	assert.Equal(t, "superseded", got.Error)

	// Terminal instances cannot be cancelled again.
	resp, _ = env.do(http.MethodPost, "/api/instances/"+in.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(http.MethodGet, "/api/instances/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApproveStepEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.do(http.MethodPost, "/api/workflows", map[string]any{
		"id":   "reviewed",
		"name": "Reviewed",
		"steps": []map[string]any{{
			"id":     "review",
			"type":   "approval",
			"config": map[string]any{"approvers": []string{"alice"}},
		}},
	})
	_, body := env.do(http.MethodPost, "/api/workflows/reviewed/start", nil)
	var in workflow.Instance
	env.decode(body, &in)

	waitInstanceStatus(t, env, in.ID, workflow.InstanceWaitingForApproval)

	approve := "/api/instances/" + in.ID + "/steps/review/approve"

	resp, _ := env.do(http.MethodPost, approve, map[string]any{"approve": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "approver is required")

	resp, _ = env.do(http.MethodPost, approve, map[string]any{"approver": "mallory", "approve": true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(http.MethodPost, approve, map[string]any{"approver": "alice", "approve": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	waitInstanceStatus(t, env, in.ID, workflow.InstanceCompleted)
}

func TestListAgentsScrubsFingerprints(t *testing.T) {
	env := newAPIEnv(t)
	require.NoError(t, env.store.SaveAgent(context.Background(), &workflow.Agent{
		ID:               "agent-1",
		Name:             "builder",
		State:            workflow.AgentOffline,
		TokenFingerprint: "super-secret-fp",
	}))

	resp, body := env.do(http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "super-secret-fp")
	var agents []workflow.Agent
	env.decode(body, &agents)
	require.Len(t, agents, 1)
	assert.Equal(t, "builder", agents[0].Name)
	assert.Empty(t, agents[0].TokenFingerprint)
}

func waitInstanceStatus(t *testing.T, env *apiEnv, id string, status workflow.InstanceStatus) *workflow.Instance {
	t.Helper()
	var in workflow.Instance
	require.Eventually(t, func() bool {
		resp, body := env.do(http.MethodGet, "/api/instances/"+id, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		env.decode(body, &in)
		return in.Status == status
	}, 3*time.Second, 10*time.Millisecond, fmt.Sprintf("instance %s never reached %s", id, status))
	return &in
}
