package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
	"github.com/orbitmesh/orbitmesh/pkg/expr"
)

// DefinitionStore is the persistence contract the registry needs.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string, version int) (*Definition, error)
	ListDefinitions(ctx context.Context) ([]*Definition, error)
}

// Registry stores immutable workflow definitions, validated on admission.
type Registry struct {
	store DefinitionStore
}

// NewRegistry creates a definition registry over the given store.
func NewRegistry(store DefinitionStore) *Registry {
	return &Registry{store: store}
}

// Register validates and persists a definition. A zero Version is assigned
// the next version for the workflow id; an explicit existing version is
// rejected. Definitions are never mutated after registration.
func (r *Registry) Register(ctx context.Context, def *Definition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}

	if def.Version == 0 {
		latest, err := r.store.GetDefinition(ctx, def.ID, 0)
		if err == nil {
			def.Version = latest.Version + 1
		} else {
			def.Version = 1
		}
	} else {
		if _, err := r.store.GetDefinition(ctx, def.ID, def.Version); err == nil {
			return fmt.Errorf("%w: version %d of %s already registered", domain.ErrInvalidDefinition, def.Version, def.ID)
		}
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}

	return r.store.SaveDefinition(ctx, def)
}

// Get returns the definition for (id, version). Version 0 selects the
// highest registered version.
func (r *Registry) Get(ctx context.Context, id string, version int) (*Definition, error) {
	return r.store.GetDefinition(ctx, id, version)
}

// List returns all registered definitions.
func (r *Registry) List(ctx context.Context) ([]*Definition, error) {
	return r.store.ListDefinitions(ctx)
}

// ValidateDefinition runs every admission check. All must pass or the
// definition is rejected with ErrInvalidDefinition.
func ValidateDefinition(def *Definition) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", domain.ErrInvalidDefinition, fmt.Sprintf(format, args...))
	}

	if def.ID == "" {
		return fail("workflow id is required")
	}
	if def.Name == "" {
		return fail("workflow name is required")
	}
	if len(def.Steps) == 0 {
		return fail("workflow must have at least one step")
	}

	// Step ids must be unique across the whole definition, nested branch
	// bodies included.
	seen := make(map[string]bool)
	outputs := make(map[string]string)
	var walk func(steps []Step, nested bool) error
	walk = func(steps []Step, nested bool) error {
		for i := range steps {
			s := &steps[i]
			if s.ID == "" {
				return fail("step id is required")
			}
			if seen[s.ID] {
				return fail("duplicate step id: %s", s.ID)
			}
			seen[s.ID] = true

			if s.OutputVariable != "" {
				if prev, dup := outputs[s.OutputVariable]; dup {
					return fail("output variable %q used by both %s and %s", s.OutputVariable, prev, s.ID)
				}
				outputs[s.OutputVariable] = s.ID
			}

			if err := validateStep(s, fail); err != nil {
				return err
			}

			cfg := &s.Config
			for _, sub := range [][]Step{cfg.Then, cfg.Else, cfg.Body} {
				if len(sub) == 0 {
					continue
				}
				if err := walk(sub, true); err != nil {
					return err
				}
				if err := validateGraph(sub, fail); err != nil {
					return err
				}
			}
			for _, b := range cfg.Branches {
				if err := walk(b.Steps, true); err != nil {
					return err
				}
				if err := validateGraph(b.Steps, fail); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(def.Steps, false); err != nil {
		return err
	}
	if err := validateGraph(def.Steps, fail); err != nil {
		return err
	}

	for _, tr := range def.Triggers {
		if tr.Schedule == "" {
			return fail("trigger without schedule")
		}
	}

	return nil
}

// validateGraph resolves DependsOn within one step list and rejects cycles
// with a Kahn's-algorithm pass.
func validateGraph(steps []Step, fail func(string, ...any) error) error {
	local := make(map[string]bool, len(steps))
	declared := make([]string, 0, len(steps))
	for i := range steps {
		local[steps[i].ID] = true
		declared = append(declared, steps[i].ID)
	}
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			if !local[dep] {
				return fail("step %s depends on unknown step %s", steps[i].ID, dep)
			}
		}
	}
	d, err := buildStepDAG(steps)
	if err != nil {
		return fail("%v", err)
	}
	if _, err := d.topoSort(declared); err != nil {
		return fail("%v", err)
	}
	return nil
}

func validateStep(s *Step, fail func(string, ...any) error) error {
	if s.Condition != "" {
		if _, err := expr.Parse(s.Condition); err != nil {
			return fail("step %s condition: %v", s.ID, err)
		}
	}
	if s.MaxRetries < 0 {
		return fail("step %s: max_retries must not be negative", s.ID)
	}

	switch s.Type {
	case StepTypeJob:
		// Payload may be empty; selector may match any agent.
	case StepTypeParallel:
		if len(s.Config.Branches) == 0 {
			return fail("parallel step %s has no branches", s.ID)
		}
		names := make(map[string]bool)
		for _, b := range s.Config.Branches {
			if b.Name == "" {
				return fail("parallel step %s has an unnamed branch", s.ID)
			}
			if names[b.Name] {
				return fail("parallel step %s has duplicate branch %q", s.ID, b.Name)
			}
			names[b.Name] = true
			if len(b.Steps) == 0 {
				return fail("parallel step %s branch %q is empty", s.ID, b.Name)
			}
		}
	case StepTypeConditional:
		if s.Config.Expression == "" {
			return fail("conditional step %s has no expression", s.ID)
		}
		if _, err := expr.Parse(s.Config.Expression); err != nil {
			return fail("conditional step %s: %v", s.ID, err)
		}
		if len(s.Config.Then) == 0 && len(s.Config.Else) == 0 {
			return fail("conditional step %s has neither then nor else", s.ID)
		}
	case StepTypeDelay:
		if s.Config.Duration <= 0 {
			return fail("delay step %s needs a positive duration", s.ID)
		}
	case StepTypeWaitEvent:
		if s.Config.EventName == "" {
			return fail("wait_for_event step %s has no event name", s.ID)
		}
	case StepTypeSubWorkflow:
		if s.Config.WorkflowID == "" {
			return fail("sub_workflow step %s has no workflow id", s.ID)
		}
	case StepTypeForEach:
		if s.Config.Source == "" {
			return fail("for_each step %s has no source expression", s.ID)
		}
		if _, err := expr.Parse(s.Config.Source); err != nil {
			return fail("for_each step %s source: %v", s.ID, err)
		}
		if len(s.Config.Body) == 0 {
			return fail("for_each step %s has an empty body", s.ID)
		}
	case StepTypeTransform:
		if s.Config.Expression == "" {
			return fail("transform step %s has no expression", s.ID)
		}
		if _, err := expr.Parse(s.Config.Expression); err != nil {
			return fail("transform step %s: %v", s.ID, err)
		}
		if s.OutputVariable == "" {
			return fail("transform step %s has no output variable", s.ID)
		}
	case StepTypeNotify:
		if s.Config.Target == "" {
			return fail("notify step %s has no target", s.ID)
		}
	case StepTypeApproval:
		// Approvers may be empty, meaning anyone may decide.
	default:
		return fail("step %s has unknown type %q", s.ID, s.Type)
	}

	if s.Compensation != nil {
		switch s.Type {
		case StepTypeJob, StepTypeSubWorkflow, StepTypeNotify:
		default:
			return fail("step %s: compensation is only allowed on job, sub_workflow and notify steps", s.ID)
		}
		if s.Compensation.MaxRetries < 0 {
			return fail("step %s: compensation max_retries must not be negative", s.ID)
		}
	}

	return nil
}
