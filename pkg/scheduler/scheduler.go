// Package scheduler starts workflow instances from cron triggers declared
// on their definitions.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/orbitmesh/orbitmesh/pkg/log"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
)

// Starter launches workflow instances. Implemented by the engine.
type Starter interface {
	StartWorkflow(ctx context.Context, workflowID string, version int, input map[string]any) (*workflow.Instance, error)
}

// Scheduler keeps one cron entry per trigger of the latest version of each
// registered workflow. Refresh rebuilds the table after registrations.
type Scheduler struct {
	registry *workflow.Registry
	starter  Starter
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a stopped scheduler.
func New(registry *workflow.Registry, starter Starter) *Scheduler {
	return &Scheduler{
		registry: registry,
		starter:  starter,
		logger:   log.WithComponent("scheduler"),
	}
}

// Start builds the cron table and begins firing triggers.
func (s *Scheduler) Start(ctx context.Context) error {
	return s.Refresh(ctx)
}

// Stop halts the cron loop, waiting for in-flight trigger starts.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
}

// Refresh rebuilds the trigger table from the registry. Only the latest
// version of each workflow contributes triggers.
func (s *Scheduler) Refresh(ctx context.Context) error {
	defs, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	latest := make(map[string]*workflow.Definition)
	for _, def := range defs {
		if cur, ok := latest[def.ID]; !ok || def.Version > cur.Version {
			latest[def.ID] = def
		}
	}

	c := cron.New()
	for _, def := range latest {
		for _, tr := range def.Triggers {
			def, tr := def, tr
			_, err := c.AddFunc(tr.Schedule, func() {
				s.fire(def.ID, tr.Input)
			})
			if err != nil {
				s.logger.Error("bad trigger schedule", "workflow", def.ID, "schedule", tr.Schedule, "error", err)
			}
		}
	}

	s.mu.Lock()
	if s.cron != nil {
		s.cron.Stop()
	}
	s.cron = c
	s.cron.Start()
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) fire(workflowID string, input map[string]any) {
	in, err := s.starter.StartWorkflow(context.Background(), workflowID, 0, input)
	if err != nil {
		s.logger.Error("trigger start failed", "workflow", workflowID, "error", err)
		return
	}
	s.logger.Info("trigger fired", "workflow", workflowID, "instance", in.ID)
}
