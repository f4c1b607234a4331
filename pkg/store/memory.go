package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
)

// MemoryStore is an in-memory Store used by tests and single-process
// deployments without durability requirements. Rows are deep-copied through
// JSON on every read and write, so callers observe the same value typing as
// with the SQLite store.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]map[int]*workflow.Definition
	instances   map[string]*workflow.Instance
	jobs        map[string]*workflow.Job
	agents      map[string]*workflow.Agent
	events      []*workflow.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]map[int]*workflow.Definition),
		instances:   make(map[string]*workflow.Instance),
		jobs:        make(map[string]*workflow.Job),
		agents:      make(map[string]*workflow.Agent),
	}
}

func deepCopy[T any](src *T) (*T, error) {
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("%w: copy: %v", domain.ErrInternal, err)
	}
	dst := new(T)
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, fmt.Errorf("%w: copy: %v", domain.ErrInternal, err)
	}
	return dst, nil
}

func (m *MemoryStore) SaveDefinition(_ context.Context, def *workflow.Definition) error {
	cp, err := deepCopy(def)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.definitions[def.ID]
	if versions == nil {
		versions = make(map[int]*workflow.Definition)
		m.definitions[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("%w: definition %s v%d exists", domain.ErrStoreConflict, def.ID, def.Version)
	}
	versions[def.Version] = cp
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string, version int) (*workflow.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.definitions[id]
	if len(versions) == 0 {
		return nil, domain.ErrDefinitionNotFound
	}
	if version == 0 {
		for v := range versions {
			if v > version {
				version = v
			}
		}
	}
	def, ok := versions[version]
	if !ok {
		return nil, domain.ErrDefinitionNotFound
	}
	return deepCopy(def)
}

func (m *MemoryStore) ListDefinitions(_ context.Context) ([]*workflow.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.Definition
	for _, versions := range m.definitions {
		for _, def := range versions {
			cp, err := deepCopy(def)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *MemoryStore) SaveInstance(_ context.Context, in *workflow.Instance) error {
	cp, err := deepCopy(in)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[in.ID] = cp
	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.instances[id]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	return deepCopy(in)
}

func (m *MemoryStore) ListInstances(_ context.Context, f workflow.InstanceFilter) ([]*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.Instance
	for _, in := range m.instances {
		if f.WorkflowID != "" && in.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && in.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && in.StartedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && in.StartedAt.After(f.Until) {
			continue
		}
		cp, err := deepCopy(in)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveJob(_ context.Context, job *workflow.Job) error {
	cp, err := deepCopy(job)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = cp
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*workflow.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return deepCopy(job)
}

func (m *MemoryStore) ListJobsByStatus(_ context.Context, statuses ...workflow.JobStatus) ([]*workflow.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[workflow.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*workflow.Job
	for _, job := range m.jobs {
		if len(want) > 0 && !want[job.Status] {
			continue
		}
		cp, err := deepCopy(job)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListJobsByAgent(_ context.Context, agentID string) ([]*workflow.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.Job
	for _, job := range m.jobs {
		if job.AgentID != agentID {
			continue
		}
		cp, err := deepCopy(job)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CASJobStatus(_ context.Context, id string, from []workflow.JobStatus, to workflow.JobStatus, mutate func(*workflow.Job)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	matched := len(from) == 0
	for _, s := range from {
		if job.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	cp, err := deepCopy(job)
	if err != nil {
		return false, err
	}
	cp.Status = to
	if mutate != nil {
		mutate(cp)
	}
	m.jobs[id] = cp
	return true, nil
}

func (m *MemoryStore) SaveAgent(_ context.Context, agent *workflow.Agent) error {
	cp, err := deepCopy(agent)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = cp
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*workflow.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrAgentUnavailable, id)
	}
	return deepCopy(agent)
}

func (m *MemoryStore) GetAgentByFingerprint(_ context.Context, fp string) (*workflow.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, agent := range m.agents {
		if agent.TokenFingerprint == fp {
			return deepCopy(agent)
		}
	}
	return nil, domain.ErrAuthFailed
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]*workflow.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.Agent
	for _, agent := range m.agents {
		cp, err := deepCopy(agent)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveEvent(_ context.Context, ev *workflow.Event) error {
	cp, err := deepCopy(ev)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, cp)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
