package plan

import (
	"context"
	"strings"
	"testing"

	"foreman/pkg/workorder"
)

const validPlan = `
batch:
  id: release-train
  name: Release train
  mode: concurrent
  parallel_slots: 3
  approval_required: true
tasks:
  - id: build
    slug: build-artifacts
    priority: 5
  - id: test
    slug: run-suite
    depends_on: [build]
  - id: ship
    slug: deploy
    execution_rank: 9
    depends_on: [build, test]
`

func TestLoadValidPlan(t *testing.T) {
	p, err := Load([]byte(validPlan))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Batch.ID != "release-train" || p.Batch.ParallelSlots != 3 || !p.Batch.ApprovalRequired {
		t.Errorf("batch = %+v", p.Batch)
	}
	if len(p.Tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(p.Tasks))
	}
	if got := p.Tasks[2].DependsOn; len(got) != 2 {
		t.Errorf("ship depends_on = %v", got)
	}
}

func TestLoadFillsMissingTaskIDs(t *testing.T) {
	p, err := Load([]byte(`
batch:
  id: b-1
tasks:
  - slug: anonymous
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Tasks[0].ID == "" {
		t.Error("missing task id was not filled")
	}
}

func TestLoadRejections(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing batch id",
			yaml:    "tasks:\n  - slug: x\n",
			wantErr: "batch id is required",
		},
		{
			name:    "invalid mode",
			yaml:    "batch:\n  id: b-1\n  mode: warp\ntasks:\n  - slug: x\n",
			wantErr: "invalid execution mode",
		},
		{
			name:    "no tasks",
			yaml:    "batch:\n  id: b-1\n",
			wantErr: "declares no tasks",
		},
		{
			name:    "missing slug",
			yaml:    "batch:\n  id: b-1\ntasks:\n  - id: t-1\n",
			wantErr: "has no slug",
		},
		{
			name:    "duplicate ids",
			yaml:    "batch:\n  id: b-1\ntasks:\n  - id: t-1\n    slug: a\n  - id: t-1\n    slug: b\n",
			wantErr: "duplicate task id",
		},
		{
			name:    "unknown dependency",
			yaml:    "batch:\n  id: b-1\ntasks:\n  - id: t-1\n    slug: a\n    depends_on: [ghost]\n",
			wantErr: "unknown task",
		},
		{
			name:    "self dependency",
			yaml:    "batch:\n  id: b-1\ntasks:\n  - id: t-1\n    slug: a\n    depends_on: [t-1]\n",
			wantErr: "depends on itself",
		},
		{
			name: "dependency cycle",
			yaml: `
batch:
  id: b-1
tasks:
  - id: a
    slug: a
    depends_on: [b]
  - id: b
    slug: b
    depends_on: [a]
`,
			wantErr: "cycle",
		},
		{
			name:    "malformed yaml",
			yaml:    "batch: [",
			wantErr: "parse plan",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Load accepted an invalid plan")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

// fakePlanStore records what Apply writes.
type fakePlanStore struct {
	batches     []workorder.Batch
	tasks       []workorder.Task
	transitions []string
}

func (f *fakePlanStore) CreateBatch(_ context.Context, b workorder.Batch) error {
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakePlanStore) CreateTask(_ context.Context, t workorder.Task) error {
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakePlanStore) TransitionTask(_ context.Context, taskID, event, _, _ string, _ int) (workorder.TaskStatus, error) {
	f.transitions = append(f.transitions, taskID+":"+event)
	return workorder.TaskReady, nil
}

func TestApply(t *testing.T) {
	p, err := Load([]byte(validPlan))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	store := &fakePlanStore{}
	ids, err := p.Apply(context.Background(), store, "planner")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("applied %d tasks, want 3", len(ids))
	}

	if len(store.batches) != 1 {
		t.Fatalf("created %d batches, want 1", len(store.batches))
	}
	b := store.batches[0]
	if b.ID != "release-train" || b.Mode != workorder.ModeConcurrent || b.ParallelSlots != 3 {
		t.Errorf("batch = %+v", b)
	}

	for _, task := range store.tasks {
		if task.BatchID != "release-train" {
			t.Errorf("task %s batch = %q", task.ID, task.BatchID)
		}
		if task.Status != workorder.TaskDraft {
			t.Errorf("task %s created as %q, want draft", task.ID, task.Status)
		}
	}
	for _, tr := range store.transitions {
		if !strings.HasSuffix(tr, ":submit") {
			t.Errorf("transition %q, want submit", tr)
		}
	}
	if len(store.transitions) != 3 {
		t.Errorf("got %d submits, want 3", len(store.transitions))
	}
}

func TestApplyDefaults(t *testing.T) {
	p, err := Load([]byte("batch:\n  id: b-1\ntasks:\n  - slug: only\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	store := &fakePlanStore{}
	if _, err := p.Apply(context.Background(), store, "planner"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	b := store.batches[0]
	if b.Mode != workorder.ModeStep {
		t.Errorf("default mode = %q, want step", b.Mode)
	}
	if b.Name != "b-1" {
		t.Errorf("default name = %q, want batch id", b.Name)
	}
}
