package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/shipwright/canonical"
	"github.com/c360studio/shipwright/llm"
	"github.com/c360studio/shipwright/runs"
	"github.com/c360studio/shipwright/workflow"
)

// memStore is an in-memory Store plus runs.Store for worker tests.
type memStore struct {
	workflows map[string]*workflow.Workflow
	revisions map[string]uint64
	artifacts []*workflow.Artifact
	events    []*workflow.WorkflowEvent
	runs      map[string]*workflow.Run
	patchSets map[string]*workflow.PatchSet
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string]*workflow.Workflow),
		revisions: make(map[string]uint64),
		runs:      make(map[string]*workflow.Run),
		patchSets: make(map[string]*workflow.PatchSet),
	}
}

func (m *memStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, uint64, error) {
	w, ok := m.workflows[id]
	if !ok {
		return nil, 0, fmt.Errorf("workflow %s: key not found", id)
	}
	cp := *w
	return &cp, m.revisions[id], nil
}

func (m *memStore) UpdateWorkflow(_ context.Context, w *workflow.Workflow, revision uint64) (uint64, error) {
	if m.revisions[w.ID] != revision {
		return 0, errors.New("revision conflict")
	}
	cp := *w
	m.workflows[w.ID] = &cp
	m.revisions[w.ID] = revision + 1
	return revision + 1, nil
}

func (m *memStore) LatestArtifacts(_ context.Context, workflowID string) (map[workflow.ArtifactKind]*workflow.Artifact, error) {
	out := make(map[workflow.ArtifactKind]*workflow.Artifact)
	for _, a := range m.artifacts {
		if a.WorkflowID == workflowID {
			out[a.Kind] = a
		}
	}
	return out, nil
}

func (m *memStore) CreateArtifact(_ context.Context, a *workflow.Artifact) (*workflow.Artifact, error) {
	for _, existing := range m.artifacts {
		if existing.WorkflowID == a.WorkflowID && existing.Kind == a.Kind && existing.ContentSha == a.ContentSha {
			return existing, nil
		}
	}
	cp := *a
	cp.ArtifactVersion = 1
	m.artifacts = append(m.artifacts, &cp)
	return &cp, nil
}

func (m *memStore) LatestPatchSet(_ context.Context, workflowID string) (*workflow.PatchSet, error) {
	for _, ps := range m.patchSets {
		if ps.WorkflowID == workflowID {
			return ps, nil
		}
	}
	return nil, errors.New("patch set: key not found")
}

func (m *memStore) AppendEvent(_ context.Context, ev *workflow.WorkflowEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) CreateRun(_ context.Context, r *workflow.Run) error {
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*workflow.Run, error) {
	r, ok := m.runs[id]
	if !ok {
		return nil, errors.New("run: key not found")
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
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListRunsByWorkflow(_ context.Context, workflowID string) ([]*workflow.Run, error) {
	var out []*workflow.Run
	for _, r := range m.runs {
		if r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListRunsSince(_ context.Context, since time.Time) ([]*workflow.Run, error) {
	var out []*workflow.Run
	for _, r := range m.runs {
		if !r.StartedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) singleRun(t *testing.T) *workflow.Run {
	t.Helper()
	if len(m.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(m.runs))
	}
	for _, r := range m.runs {
		return r
	}
	return nil
}

func (m *memStore) eventTypes() []string {
	var out []string
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

type memPublisher struct {
	events []*workflow.Event
}

func (p *memPublisher) PublishEvent(_ context.Context, ev *workflow.Event) error {
	p.events = append(p.events, ev)
	return nil
}

// fakeProducer is a scripted stage producer.
type fakeProducer struct {
	stage   workflow.Stage
	jobName string
	out     *Output
	err     error
	lastSC  *StageContext
}

func (f *fakeProducer) Stage() workflow.Stage { return f.stage }
func (f *fakeProducer) JobName() string       { return f.jobName }
func (f *fakeProducer) Produce(_ context.Context, sc *StageContext) (*Output, error) {
	f.lastSC = sc
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func testWorkflow(id string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:          id,
		State:       workflow.StateIngested,
		Stage:       workflow.StageFeasibility,
		StageStatus: workflow.StageStatusPending,
		FeatureGoal: "add endpoint",
	}
}

func newTestWorker(store *memStore, producer Producer, pub Publisher) *Worker {
	rec := runs.NewRecorder(store, nil)
	return New(producer, store, rec, pub, nil)
}

func TestHandleSuccessPersistsArtifactAndReports(t *testing.T) {
	store := newMemStore()
	store.workflows["w1"] = testWorkflow("w1")
	pub := &memPublisher{}
	producer := &fakeProducer{
		stage:   workflow.StageFeasibility,
		jobName: workflow.JobFeasibility,
		out: &Output{
			Kind:    workflow.KindFeasibilityV1,
			Content: map[string]any{"feasible": true, "summary": "ok"},
		},
	}

	w := newTestWorker(store, producer, pub)
	job := workflow.NewJob(workflow.JobFeasibility, "w1", "", nil)

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	// Artifact persisted with canonical content and matching sha.
	if len(store.artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(store.artifacts))
	}
	a := store.artifacts[0]
	if a.Kind != workflow.KindFeasibilityV1 || a.WorkflowID != "w1" {
		t.Errorf("artifact = %+v", a)
	}
	if a.ContentSha != canonical.HashBytes([]byte(a.Content)) {
		t.Error("content sha must match canonical content")
	}

	// Run completed with the artifact reference.
	run := store.singleRun(t)
	if run.Status != workflow.RunCompleted {
		t.Errorf("run status = %s", run.Status)
	}
	if run.Outputs["artifactId"] != a.ID {
		t.Error("run outputs should carry the artifact id")
	}

	// Audit event and orchestrator event.
	types := store.eventTypes()
	if len(types) != 1 || types[0] != "worker.feasibility.completed" {
		t.Errorf("events = %v", types)
	}
	if len(pub.events) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Type != workflow.EventJobCompleted || ev.JobName != workflow.JobFeasibility || ev.Stage != workflow.StageFeasibility {
		t.Errorf("event = %+v", ev)
	}
	if ev.Result["artifactId"] != a.ID {
		t.Error("completion event should carry the artifact id")
	}

	// Stage status left at ready.
	if store.workflows["w1"].StageStatus != workflow.StageStatusReady {
		t.Errorf("stage status = %s", store.workflows["w1"].StageStatus)
	}
}

func TestHandleRedeliveryCollapsesOnContentSha(t *testing.T) {
	store := newMemStore()
	store.workflows["w1"] = testWorkflow("w1")
	pub := &memPublisher{}
	producer := &fakeProducer{
		stage:   workflow.StageFeasibility,
		jobName: workflow.JobFeasibility,
		out: &Output{
			Kind:    workflow.KindFeasibilityV1,
			Content: map[string]any{"feasible": true, "summary": "ok"},
		},
	}

	w := newTestWorker(store, producer, pub)
	job := workflow.NewJob(workflow.JobFeasibility, "w1", "", nil)

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	if len(store.artifacts) != 1 {
		t.Errorf("identical redelivery should not duplicate the artifact, got %d", len(store.artifacts))
	}
}

func TestHandleFailurePath(t *testing.T) {
	store := newMemStore()
	store.workflows["w1"] = testWorkflow("w1")
	pub := &memPublisher{}
	producer := &fakeProducer{
		stage:   workflow.StageFeasibility,
		jobName: workflow.JobFeasibility,
		err:     errors.New("model exploded"),
	}

	w := newTestWorker(store, producer, pub)
	err := w.Handle(context.Background(), workflow.NewJob(workflow.JobFeasibility, "w1", "", nil))
	if err == nil {
		t.Fatal("expected error for queue redelivery")
	}

	run := store.singleRun(t)
	if run.Status != workflow.RunFailed || run.ErrorMsg != "model exploded" {
		t.Errorf("run = %+v", run)
	}

	types := store.eventTypes()
	if len(types) != 1 || types[0] != "worker.feasibility.failed" {
		t.Errorf("events = %v", types)
	}

	if len(pub.events) != 1 || pub.events[0].Type != workflow.EventJobFailed {
		t.Fatalf("published = %+v", pub.events)
	}
	if pub.events[0].Error != "model exploded" {
		t.Errorf("event error = %q", pub.events[0].Error)
	}

	if store.workflows["w1"].StageStatus != workflow.StageStatusBlocked {
		t.Errorf("stage status = %s", store.workflows["w1"].StageStatus)
	}
}

func TestHandleNormalizesWriteBlockError(t *testing.T) {
	store := newMemStore()
	store.workflows["w1"] = testWorkflow("w1")
	pub := &memPublisher{}
	producer := &fakeProducer{
		stage:   workflow.StagePR,
		jobName: workflow.JobApplyPatches,
		err:     fmt.Errorf("open pull request: %s", workflow.ErrWriteBlockedMsg),
	}

	w := newTestWorker(store, producer, pub)
	_ = w.Handle(context.Background(), workflow.NewJob(workflow.JobApplyPatches, "w1", "ps1", nil))

	if len(pub.events) != 1 {
		t.Fatalf("published = %d", len(pub.events))
	}
	if pub.events[0].Error != workflow.ErrWriteBlockedMsg {
		t.Errorf("error = %q, want the exact gate string", pub.events[0].Error)
	}
}

func TestHandleMissingWorkflowIsTerminal(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	producer := &fakeProducer{stage: workflow.StageFeasibility, jobName: workflow.JobFeasibility}

	w := newTestWorker(store, producer, pub)
	err := w.Handle(context.Background(), workflow.NewJob(workflow.JobFeasibility, "missing", "", nil))
	if !isTerminalJobError(err) {
		t.Errorf("expected terminal error, got %v", err)
	}

	err = w.Handle(context.Background(), workflow.Job{Name: workflow.JobFeasibility, Payload: map[string]any{}})
	if !isTerminalJobError(err) {
		t.Errorf("expected terminal error for missing workflowId, got %v", err)
	}
}

func TestHandlePassesPatchSetIDAndFeedback(t *testing.T) {
	store := newMemStore()
	wf := testWorkflow("w1")
	wf.Feedback = "tighten the tests"
	store.workflows["w1"] = wf
	pub := &memPublisher{}
	producer := &fakeProducer{
		stage:   workflow.StagePolicy,
		jobName: workflow.JobEvaluatePolicy,
		out:     &Output{Result: map[string]any{"verdict": "PASS"}},
	}

	w := newTestWorker(store, producer, pub)
	job := workflow.NewJob(workflow.JobEvaluatePolicy, "w1", "ps1", map[string]any{"patchSetId": "ps1"})
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	if producer.lastSC.PatchSetID != "ps1" {
		t.Errorf("patchSetId = %q", producer.lastSC.PatchSetID)
	}
	if producer.lastSC.Feedback != "tighten the tests" {
		t.Errorf("feedback = %q", producer.lastSC.Feedback)
	}
	if len(store.artifacts) != 0 {
		t.Error("artifact-less stage should not persist artifacts")
	}
	if pub.events[0].Result["verdict"] != "PASS" {
		t.Error("producer result should flow into the completion event")
	}
}

// scriptedCaller returns canned responses in order.
type scriptedCaller struct {
	responses []string
	calls     []llm.Request
}

func (s *scriptedCaller) Call(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.calls = append(s.calls, req)
	if len(s.calls) > len(s.responses) {
		return nil, errors.New("no more scripted responses")
	}
	content := s.responses[len(s.calls)-1]
	return &llm.Response{Content: content, Model: "scripted", FinishReason: "stop"}, nil
}

func llmStageContext(t *testing.T, store *memStore) *StageContext {
	t.Helper()
	store.workflows["w1"] = testWorkflow("w1")
	rec := runs.NewRecorder(store, nil)
	run, err := rec.Begin(context.Background(), "w1", workflow.JobFeasibility, map[string]any{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	return &StageContext{
		Workflow: store.workflows["w1"],
		Run:      run,
	}
}

func feasibilityPrompt(_ *StageContext) []llm.Message {
	return []llm.Message{{Role: "user", Content: "assess"}}
}

func TestLLMProducerValidFirstAttempt(t *testing.T) {
	store := newMemStore()
	sc := llmStageContext(t, store)
	caller := &scriptedCaller{responses: []string{`{"feasible": true, "summary": "fine"}`}}

	p := NewLLMProducer(workflow.StageFeasibility, "analysis", caller, feasibilityPrompt)
	out, err := p.Produce(context.Background(), sc)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if out.Kind != workflow.KindFeasibilityV1 {
		t.Errorf("kind = %s", out.Kind)
	}
	if len(caller.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(caller.calls))
	}
	if caller.calls[0].PromptVersion != "feasibility/v1" {
		t.Errorf("prompt version = %q", caller.calls[0].PromptVersion)
	}
}

func TestLLMProducerRepairsOnce(t *testing.T) {
	store := newMemStore()
	sc := llmStageContext(t, store)
	caller := &scriptedCaller{responses: []string{
		`{"feasible": "not a bool"}`,
		"```json\n{\"feasible\": false, \"summary\": \"needs work\"}\n```",
	}}

	p := NewLLMProducer(workflow.StageFeasibility, "analysis", caller, feasibilityPrompt)
	out, err := p.Produce(context.Background(), sc)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if out == nil || out.Kind != workflow.KindFeasibilityV1 {
		t.Fatal("expected repaired artifact")
	}

	if len(caller.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(caller.calls))
	}
	repair := caller.calls[1]
	if repair.MaxTokens != retryMaxTokens {
		t.Errorf("repair budget = %d, want %d", repair.MaxTokens, retryMaxTokens)
	}
	last := repair.Messages[len(repair.Messages)-1]
	if !strings.Contains(last.Content, "failed validation") {
		t.Error("repair prompt should embed the validation error")
	}
}

func TestLLMProducerFallbackAfterFailedRepair(t *testing.T) {
	store := newMemStore()
	sc := llmStageContext(t, store)
	caller := &scriptedCaller{responses: []string{"no json here", "still no json"}}

	p := NewLLMProducer(workflow.StageFeasibility, "analysis", caller, feasibilityPrompt,
		WithFallback(func(_ *StageContext) any {
			return map[string]any{"feasible": false, "summary": "held for human review"}
		}))

	out, err := p.Produce(context.Background(), sc)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if out.Result["fallback"] != true {
		t.Error("fallback output should be marked")
	}
}

func TestLLMProducerFailsWithoutFallback(t *testing.T) {
	store := newMemStore()
	sc := llmStageContext(t, store)
	caller := &scriptedCaller{responses: []string{"no json", "no json"}}

	p := NewLLMProducer(workflow.StageFeasibility, "analysis", caller, feasibilityPrompt)
	if _, err := p.Produce(context.Background(), sc); err == nil {
		t.Error("expected failure when fallback is disabled")
	}
}

func TestLLMProducerBudgetStopsCall(t *testing.T) {
	store := newMemStore()
	sc := llmStageContext(t, store)
	caller := &scriptedCaller{responses: []string{`{"feasible": true, "summary": "ok"}`}}

	tracker := runs.NewCostTracker(store, runs.Budget{MaxRunTokens: 1})
	p := NewLLMProducer(workflow.StageFeasibility, "analysis", caller, feasibilityPrompt,
		WithCostTracker(tracker))

	_, err := p.Produce(context.Background(), sc)
	if err == nil {
		t.Fatal("expected budget error")
	}
	if !errors.Is(err, runs.ErrBudgetExceeded) {
		t.Errorf("error = %v, want budget exceeded", err)
	}
}
