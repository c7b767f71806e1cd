// Package plan loads YAML batch plans: a batch declaration plus the work
// orders it contains, with dependency edges. Plans are validated (duplicate
// IDs, unknown dependency references, cycles) before anything is written to
// the store.
package plan

import (
	"context"
	"fmt"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"foreman/pkg/workorder"
)

// Plan is a parsed batch plan.
type Plan struct {
	Batch BatchSpec  `yaml:"batch"`
	Tasks []TaskSpec `yaml:"tasks"`
}

// BatchSpec declares the batch a plan creates.
type BatchSpec struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	Mode             string `yaml:"mode"`
	ParallelSlots    int    `yaml:"parallel_slots"`
	ApprovalRequired bool   `yaml:"approval_required"`
}

// TaskSpec declares one work order in a plan.
type TaskSpec struct {
	ID            string   `yaml:"id"`
	Slug          string   `yaml:"slug"`
	Priority      int      `yaml:"priority"`
	ExecutionRank int      `yaml:"execution_rank"`
	DependsOn     []string `yaml:"depends_on"`
}

// Store is the slice of the datastore Apply needs.
type Store interface {
	CreateBatch(ctx context.Context, b workorder.Batch) error
	CreateTask(ctx context.Context, t workorder.Task) error
	TransitionTask(ctx context.Context, taskID, event, payload, actor string, depth int) (workorder.TaskStatus, error)
}

// Load parses and validates a YAML plan.
func Load(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// validate checks structural invariants and rejects dependency cycles via
// topological sort.
func (p *Plan) validate() error {
	if p.Batch.ID == "" {
		return fmt.Errorf("plan: batch id is required")
	}
	mode := workorder.ExecutionMode(p.Batch.Mode)
	if p.Batch.Mode != "" && !mode.Valid() {
		return fmt.Errorf("plan: invalid execution mode %q", p.Batch.Mode)
	}
	if len(p.Tasks) == 0 {
		return fmt.Errorf("plan: batch %s declares no tasks", p.Batch.ID)
	}

	seen := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.Slug == "" {
			return fmt.Errorf("plan: task %s has no slug", t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("plan: duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}

	var edges []toposort.Edge
	for _, t := range p.Tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("plan: task %s depends on unknown task %q", t.ID, dep)
			}
			if dep == t.ID {
				return fmt.Errorf("plan: task %s depends on itself", t.ID)
			}
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("plan: dependency cycle: %w", err)
	}
	return nil
}

// Apply writes the batch and its tasks to the store. Tasks are created as
// drafts and submitted into the ready pool through the state machine, so
// the transitions audit log records the plan application.
func (p *Plan) Apply(ctx context.Context, store Store, actor string) ([]string, error) {
	mode := workorder.ExecutionMode(p.Batch.Mode)
	if p.Batch.Mode == "" {
		mode = workorder.ModeStep
	}
	name := p.Batch.Name
	if name == "" {
		name = p.Batch.ID
	}
	if err := store.CreateBatch(ctx, workorder.Batch{
		ID:               p.Batch.ID,
		Name:             name,
		Mode:             mode,
		ParallelSlots:    p.Batch.ParallelSlots,
		ApprovalRequired: p.Batch.ApprovalRequired,
	}); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		if err := store.CreateTask(ctx, workorder.Task{
			ID:            t.ID,
			Slug:          t.Slug,
			Priority:      t.Priority,
			ExecutionRank: t.ExecutionRank,
			BatchID:       p.Batch.ID,
			DependsOn:     t.DependsOn,
			Status:        workorder.TaskDraft,
		}); err != nil {
			return ids, err
		}
		if _, err := store.TransitionTask(ctx, t.ID, "submit", "", actor, 0); err != nil {
			return ids, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}
