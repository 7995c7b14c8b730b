package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/shipwright/storage"
	"github.com/c360studio/shipwright/workflow"
)

type memStore struct {
	runs map[string]*workflow.Run
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*workflow.Run)}
}

func (m *memStore) CreateRun(_ context.Context, r *workflow.Run) error {
	if _, ok := m.runs[r.ID]; ok {
		return storage.ErrConflict
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*workflow.Run, error) {
	r, ok := m.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) UpdateRun(_ context.Context, r *workflow.Run) error {
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *memStore) FindRunsByInputHash(_ context.Context, hash string) ([]*workflow.Run, error) {
	var out []*workflow.Run
	for _, r := range m.runs {
		if r.InputHash == hash && r.Status == workflow.RunCompleted {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListRunsByWorkflow(_ context.Context, workflowID string) ([]*workflow.Run, error) {
	var out []*workflow.Run
	for _, r := range m.runs {
		if r.WorkflowID == workflowID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListRunsSince(_ context.Context, since time.Time) ([]*workflow.Run, error) {
	var out []*workflow.Run
	for _, r := range m.runs {
		if !r.StartedAt.Before(since) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func TestRecorder_StartRunHashesInputs(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, nil)
	ctx := context.Background()

	id1, err := rec.StartRun(ctx, "w1", "feasibility", map[string]any{"goal": "x", "repos": []any{"a", "b"}})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	id2, err := rec.StartRun(ctx, "w1", "feasibility", map[string]any{"repos": []any{"a", "b"}, "goal": "x"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	r1, _ := store.GetRun(ctx, id1)
	r2, _ := store.GetRun(ctx, id2)
	if r1.InputHash != r2.InputHash {
		t.Errorf("reordered inputs hashed differently: %s vs %s", r1.InputHash, r2.InputHash)
	}
	if r1.ID == r2.ID {
		t.Error("distinct runs share an ID")
	}
	if r1.Status != workflow.RunRunning {
		t.Errorf("status = %s, want running", r1.Status)
	}
}

func TestRecorder_CompleteRun(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, nil)
	ctx := context.Background()

	id, err := rec.StartRun(ctx, "w1", "summary", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := rec.CompleteRun(ctx, id, map[string]any{"artifactId": "a1"}); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	run, _ := store.GetRun(ctx, id)
	if run.Status != workflow.RunCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	if run.CompletedAt == nil {
		t.Error("completedAt not set")
	}
	if run.Outputs["artifactId"] != "a1" {
		t.Errorf("outputs = %v", run.Outputs)
	}
	if run.DurationMs < 0 {
		t.Errorf("durationMs = %d", run.DurationMs)
	}
}

func TestRecorder_FailRun(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, nil)
	ctx := context.Background()

	id, _ := rec.StartRun(ctx, "w1", "patches", map[string]any{"k": "v"})
	if err := rec.FailRun(ctx, id, "schema validation failed"); err != nil {
		t.Fatalf("FailRun: %v", err)
	}

	run, _ := store.GetRun(ctx, id)
	if run.Status != workflow.RunFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if run.ErrorMsg != "schema validation failed" {
		t.Errorf("errorMsg = %q", run.ErrorMsg)
	}
}

func TestRecorder_FindRunsByInputHash(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, nil)
	ctx := context.Background()

	inputs := map[string]any{"goal": "add caching"}
	id1, _ := rec.StartRun(ctx, "w1", "feasibility", inputs)
	rec.CompleteRun(ctx, id1, map[string]any{"ok": true})
	id2, _ := rec.StartRun(ctx, "w1", "feasibility", inputs)
	rec.FailRun(ctx, id2, "transient")

	run1, _ := store.GetRun(ctx, id1)
	found, err := rec.FindRunsByInputHash(ctx, run1.InputHash)
	if err != nil {
		t.Fatalf("FindRunsByInputHash: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found %d runs, want only the completed one", len(found))
	}
	if found[0].ID != id1 {
		t.Errorf("found run %s, want %s", found[0].ID, id1)
	}
}

func TestActiveRun_FinishFailsAbandonedRun(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, nil)
	ctx := context.Background()

	active, err := rec.Begin(ctx, "w1", "timeline", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	active.Finish(ctx)

	run, _ := store.GetRun(ctx, active.ID)
	if run.Status != workflow.RunFailed {
		t.Errorf("abandoned run status = %s, want failed", run.Status)
	}
}

func TestActiveRun_FinishAfterCompleteIsNoop(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, nil)
	ctx := context.Background()

	active, _ := rec.Begin(ctx, "w1", "timeline", map[string]any{"k": "v"})
	if err := active.Complete(ctx, map[string]any{"done": true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	active.Finish(ctx)

	run, _ := store.GetRun(ctx, active.ID)
	if run.Status != workflow.RunCompleted {
		t.Errorf("status = %s, want completed to survive Finish", run.Status)
	}
}

func TestCostTracker_Ceilings(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, nil)
	ctx := context.Background()

	id, _ := rec.StartRun(ctx, "w1", "patches", map[string]any{"k": "v"})
	rec.AddUsage(ctx, id, workflow.RunUsage{InputTokens: 800, OutputTokens: 100, CostUSD: 0.5})

	t.Run("run ceiling", func(t *testing.T) {
		tracker := NewCostTracker(store, Budget{MaxRunTokens: 1000})
		if err := tracker.CheckBudget(ctx, "w1", id, 50); err != nil {
			t.Errorf("under ceiling: %v", err)
		}
		err := tracker.CheckBudget(ctx, "w1", id, 500)
		if !errors.Is(err, ErrBudgetExceeded) {
			t.Errorf("over ceiling: err = %v, want ErrBudgetExceeded", err)
		}
	})

	t.Run("workflow token ceiling", func(t *testing.T) {
		tracker := NewCostTracker(store, Budget{MaxWorkflowTokens: 1000})
		err := tracker.CheckBudget(ctx, "w1", "", 500)
		if !errors.Is(err, ErrBudgetExceeded) {
			t.Errorf("err = %v, want ErrBudgetExceeded", err)
		}
	})

	t.Run("workflow cost ceiling", func(t *testing.T) {
		tracker := NewCostTracker(store, Budget{MaxWorkflowCostUSD: 0.25})
		err := tracker.CheckBudget(ctx, "w1", "", 0)
		if !errors.Is(err, ErrBudgetExceeded) {
			t.Errorf("err = %v, want ErrBudgetExceeded", err)
		}
	})

	t.Run("zero budget disables checks", func(t *testing.T) {
		tracker := NewCostTracker(store, Budget{})
		if err := tracker.CheckBudget(ctx, "w1", id, 1_000_000); err != nil {
			t.Errorf("disabled budget rejected call: %v", err)
		}
	})
}
