package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/c360studio/shipwright/storage"
	"github.com/c360studio/shipwright/workflow"
)

type fakeStore struct {
	workflow *workflow.Workflow
	revision uint64

	latestPatchSet  *workflow.PatchSet
	approvalToApply bool
	policyEvaluated bool
	violations      *workflow.ViolationSet

	updates       []workflow.State
	audits        []*workflow.WorkflowEvent
	gets          int
	conflictsLeft int

	locked   bool
	acquires int
	releases int
}

func (f *fakeStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, uint64, error) {
	f.gets++
	if f.workflow == nil || f.workflow.ID != id {
		return nil, 0, storage.ErrNotFound
	}
	cp := *f.workflow
	return &cp, f.revision, nil
}

func (f *fakeStore) UpdateWorkflow(_ context.Context, w *workflow.Workflow, revision uint64) (uint64, error) {
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return 0, storage.ErrConflict
	}
	if revision != f.revision {
		return 0, storage.ErrConflict
	}
	cp := *w
	f.workflow = &cp
	f.revision++
	f.updates = append(f.updates, w.State)
	return f.revision, nil
}

func (f *fakeStore) AcquireLock(_ context.Context, _ string) (func(), error) {
	if f.locked {
		return nil, storage.ErrLocked
	}
	f.locked = true
	f.acquires++
	return func() {
		f.locked = false
		f.releases++
	}, nil
}

func (f *fakeStore) LatestPatchSet(_ context.Context, _ string) (*workflow.PatchSet, error) {
	if f.latestPatchSet == nil {
		return nil, storage.ErrNotFound
	}
	return f.latestPatchSet, nil
}

func (f *fakeStore) HasApprovalToApply(_ context.Context, _ string) (bool, error) {
	return f.approvalToApply, nil
}

func (f *fakeStore) GetViolations(_ context.Context, _ string) (*workflow.ViolationSet, error) {
	if f.violations == nil {
		return nil, storage.ErrNotFound
	}
	return f.violations, nil
}

func (f *fakeStore) PolicyEvaluated(_ context.Context, _ string) (bool, error) {
	return f.policyEvaluated, nil
}

func (f *fakeStore) AppendEvent(_ context.Context, ev *workflow.WorkflowEvent) error {
	f.audits = append(f.audits, ev)
	return nil
}

type fakeJobs struct {
	published []workflow.Job
	err       error
}

func (f *fakeJobs) PublishJob(_ context.Context, job workflow.Job) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, job)
	return nil
}

func ingestedWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:          "w1",
		State:       workflow.StateIngested,
		Stage:       workflow.StageIngest,
		StageStatus: workflow.StageStatusPending,
	}
}

func TestWorkflowCreatedEnqueuesIngest(t *testing.T) {
	store := &fakeStore{workflow: ingestedWorkflow(), revision: 1}
	jobs := &fakeJobs{}
	o := New(store, jobs, nil)

	err := o.HandleEvent(context.Background(), &workflow.Event{
		WorkflowID: "w1",
		Type:       workflow.EventWorkflowCreated,
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(jobs.published) != 1 {
		t.Fatalf("published %d jobs, want 1", len(jobs.published))
	}
	job := jobs.published[0]
	if job.Name != workflow.JobIngestContext {
		t.Errorf("job = %s", job.Name)
	}
	if job.IdempotencyKey != "w1.ingest_context.ingest_context" {
		t.Errorf("idempotency key = %q", job.IdempotencyKey)
	}

	if store.acquires != 1 || store.releases != 1 {
		t.Errorf("lock acquires/releases = %d/%d, want 1/1", store.acquires, store.releases)
	}
}

func TestPatchesProposedTriggersPolicyEvaluation(t *testing.T) {
	store := &fakeStore{
		workflow:       ingestedWorkflow(),
		revision:       1,
		latestPatchSet: &workflow.PatchSet{ID: "ps-1", WorkflowID: "w1"},
	}
	store.workflow.State = workflow.StatePatchesProposed
	jobs := &fakeJobs{}
	o := New(store, jobs, nil)

	err := o.HandleEvent(context.Background(), &workflow.Event{
		WorkflowID: "w1",
		Type:       workflow.EventJobCompleted,
		JobName:    workflow.JobPatches,
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(jobs.published) != 1 || jobs.published[0].Name != workflow.JobEvaluatePolicy {
		t.Fatalf("jobs = %+v", jobs.published)
	}
	if jobs.published[0].Payload["patchSetId"] != "ps-1" {
		t.Errorf("payload = %v", jobs.published[0].Payload)
	}
}

func TestBlockingViolationsBlockWorkflow(t *testing.T) {
	store := &fakeStore{
		workflow:        ingestedWorkflow(),
		revision:        1,
		latestPatchSet:  &workflow.PatchSet{ID: "ps-1", WorkflowID: "w1"},
		policyEvaluated: true,
		violations: &workflow.ViolationSet{
			PatchSetID: "ps-1",
			Verdict:    workflow.VerdictFail,
			Violations: []workflow.Violation{{Rule: "frozen_file", Severity: workflow.SeverityBlock}},
		},
	}
	store.workflow.State = workflow.StatePatchesProposed
	o := New(store, &fakeJobs{}, nil)

	err := o.HandleEvent(context.Background(), &workflow.Event{
		WorkflowID: "w1",
		Type:       workflow.EventPolicyEvaluated,
		PatchSetID: "ps-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if store.workflow.State != workflow.StateBlockedPolicy {
		t.Errorf("state = %s, want %s", store.workflow.State, workflow.StateBlockedPolicy)
	}
	if len(store.audits) != 1 || store.audits[0].Type != "orchestrator.transition" {
		t.Errorf("audits = %+v", store.audits)
	}
}

func TestApprovalRecordedTriggersApply(t *testing.T) {
	store := &fakeStore{
		workflow:        ingestedWorkflow(),
		revision:        1,
		latestPatchSet:  &workflow.PatchSet{ID: "ps-1", WorkflowID: "w1"},
		policyEvaluated: true,
		approvalToApply: true,
		violations:      &workflow.ViolationSet{PatchSetID: "ps-1", Verdict: workflow.VerdictPass},
	}
	store.workflow.State = workflow.StateWaitingUserApproval
	jobs := &fakeJobs{}
	o := New(store, jobs, nil)

	err := o.HandleEvent(context.Background(), &workflow.Event{
		WorkflowID: "w1",
		Type:       workflow.EventApprovalRecorded,
	})
	if err != nil {
		t.Fatal(err)
	}

	if store.workflow.State != workflow.StateApplyingPatches {
		t.Errorf("state = %s", store.workflow.State)
	}
	if len(jobs.published) != 1 || jobs.published[0].Name != workflow.JobApplyPatches {
		t.Fatalf("jobs = %+v", jobs.published)
	}
	if jobs.published[0].IdempotencyKey != "w1.apply_patches.ps-1" {
		t.Errorf("idempotency key = %q", jobs.published[0].IdempotencyKey)
	}
}

func TestWriteBlockedFailureBlocksPolicy(t *testing.T) {
	store := &fakeStore{workflow: ingestedWorkflow(), revision: 1}
	store.workflow.State = workflow.StateApplyingPatches
	o := New(store, &fakeJobs{}, nil)

	err := o.HandleEvent(context.Background(), &workflow.Event{
		WorkflowID: "w1",
		Type:       workflow.EventJobFailed,
		JobName:    workflow.JobApplyPatches,
		Error:      workflow.ErrWriteBlockedMsg,
	})
	if err != nil {
		t.Fatal(err)
	}

	if store.workflow.State != workflow.StateBlockedPolicy {
		t.Errorf("state = %s, want %s", store.workflow.State, workflow.StateBlockedPolicy)
	}
}

func TestUnknownWorkflowSurfacesNotFound(t *testing.T) {
	store := &fakeStore{}
	o := New(store, &fakeJobs{}, nil)

	err := o.HandleEvent(context.Background(), &workflow.Event{
		WorkflowID: "missing",
		Type:       workflow.EventWorkflowCreated,
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
	if store.locked {
		t.Error("lock must be released on error")
	}
}

func TestCASConflictRetries(t *testing.T) {
	store := &fakeStore{
		workflow:      ingestedWorkflow(),
		revision:      1,
		conflictsLeft: 1,
	}
	store.workflow.State = workflow.StateApplyingPatches
	o := New(store, &fakeJobs{}, nil)

	err := o.HandleEvent(context.Background(), &workflow.Event{
		WorkflowID: "w1",
		Type:       workflow.EventJobCompleted,
		JobName:    workflow.JobApplyPatches,
		Result:     map[string]any{"prNumber": 7},
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if store.gets != 2 {
		t.Errorf("gets = %d, want a re-read after the conflict", store.gets)
	}
	if store.workflow.State != workflow.StatePROpen {
		t.Errorf("state = %s, want %s", store.workflow.State, workflow.StatePROpen)
	}
}

func TestTerminalStateIsSticky(t *testing.T) {
	store := &fakeStore{workflow: ingestedWorkflow(), revision: 1}
	store.workflow.State = workflow.StateDone
	jobs := &fakeJobs{}
	o := New(store, jobs, nil)

	err := o.HandleEvent(context.Background(), &workflow.Event{
		WorkflowID: "w1",
		Type:       workflow.EventJobCompleted,
		JobName:    workflow.JobPatches,
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(store.updates) != 0 {
		t.Error("terminal state must not be rewritten")
	}
	if len(jobs.published) != 0 {
		t.Error("terminal state must not enqueue jobs")
	}
}
