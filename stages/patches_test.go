package stages

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/c360studio/shipwright/agents"
	"github.com/c360studio/shipwright/policy"
	"github.com/c360studio/shipwright/schema"
	"github.com/c360studio/shipwright/worker"
	"github.com/c360studio/shipwright/workflow"
)

// stubAgent is a minimal agents.Agent for coordinator wiring.
type stubAgent struct {
	id       string
	patches  []workflow.Patch
	lastTask agents.Task
}

func (a *stubAgent) ID() string                        { return a.id }
func (a *stubAgent) Type() string                      { return agents.TypeBackend }
func (a *stubAgent) Capabilities() agents.Capabilities { return agents.Capabilities{} }
func (a *stubAgent) Describe() string                  { return "stub backend agent" }

func (a *stubAgent) Validate(_ context.Context, _ agents.Task) (float64, error) {
	return 0.9, nil
}

func (a *stubAgent) Propose(_ context.Context, task agents.Task) (*agents.Proposal, error) {
	a.lastTask = task
	return &agents.Proposal{
		AgentID:    a.id,
		AgentType:  agents.TypeBackend,
		Title:      "Add health endpoint",
		Confidence: 0.9,
		Patches:    a.patches,
	}, nil
}

func healthPatch() workflow.Patch {
	return workflow.Patch{
		TaskID:  "wf-1/patches",
		Title:   "Add health endpoint",
		Summary: "Registers /healthz on the mux",
		Diff: "diff --git a/internal/server.go b/internal/server.go\n" +
			"--- a/internal/server.go\n" +
			"+++ b/internal/server.go\n" +
			"@@ -1,1 +1,2 @@\n" +
			" package internal\n" +
			"+// health handler\n",
		Files: []workflow.FileChange{
			{Path: "internal/server.go", Action: workflow.FileModify, Additions: 1},
		},
		RiskLevel: workflow.RiskLow,
	}
}

func architectureArtifact(changes ...string) *workflow.Artifact {
	doc := map[string]any{
		"overview": "touch the server package",
		"components": []map[string]any{
			{"name": "server", "responsibility": "http", "changes": changes},
		},
	}
	raw, _ := json.Marshal(doc)
	return &workflow.Artifact{Kind: workflow.KindArchitectureV1, Content: string(raw)}
}

func patchesProducer(t *testing.T, agent agents.Agent, store *fakePatchSets, opts ...agents.CoordinatorOption) *PatchesProducer {
	t.Helper()
	registry := agents.NewRegistry()
	if err := registry.Register(agent, 50); err != nil {
		t.Fatal(err)
	}
	return NewPatchesProducer(agents.NewCoordinator(registry, opts...), store, nil)
}

func TestPatchesProduceCreatesPatchSet(t *testing.T) {
	agent := &stubAgent{id: "backend-1", patches: []workflow.Patch{healthPatch()}}
	store := newFakePatchSets()
	p := patchesProducer(t, agent, store)

	wf := stageWorkflow()
	wf.BaseSha = "sha-base"
	sc := stageContext(wf)
	sc.Artifacts[workflow.KindArchitectureV1] = architectureArtifact("internal/server.go", "add logging to startup")

	out, err := p.Produce(context.Background(), sc)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("created %d patch sets, want 1", len(store.created))
	}
	ps := store.created[0]
	if ps.WorkflowID != "wf-1" || ps.BaseSha != "sha-base" || ps.Status != workflow.PatchSetProposed {
		t.Errorf("patch set = %+v", ps)
	}

	if out.Kind != workflow.KindPatchSetV1 {
		t.Errorf("kind = %s", out.Kind)
	}
	if out.Result["patchSetId"] != ps.ID {
		t.Errorf("patchSetId = %v", out.Result["patchSetId"])
	}

	// The artifact document must satisfy the patch set schema.
	raw, err := json.Marshal(out.Content)
	if err != nil {
		t.Fatal(err)
	}
	if err := schema.Validate(workflow.KindPatchSetV1, raw); err != nil {
		t.Errorf("artifact fails schema: %v", err)
	}

	// Planned file paths reach the agent; plan prose does not.
	if !reflect.DeepEqual(agent.lastTask.TargetFiles, []string{"internal/server.go"}) {
		t.Errorf("target files = %v", agent.lastTask.TargetFiles)
	}
	if !reflect.DeepEqual(agent.lastTask.Languages, []string{"go"}) {
		t.Errorf("languages = %v", agent.lastTask.Languages)
	}
}

func TestPatchesProduceFeedsFeedback(t *testing.T) {
	agent := &stubAgent{id: "backend-1", patches: []workflow.Patch{healthPatch()}}
	p := patchesProducer(t, agent, newFakePatchSets())

	wf := stageWorkflow()
	sc := stageContext(wf)
	sc.Feedback = "use the existing router"

	if _, err := p.Produce(context.Background(), sc); err != nil {
		t.Fatal(err)
	}
	if agent.lastTask.Feedback != "use the existing router" {
		t.Errorf("feedback = %q", agent.lastTask.Feedback)
	}
}

func TestPatchesProduceGateRejects(t *testing.T) {
	frozen := healthPatch()
	frozen.Diff = "diff --git a/.github/workflows/ci.yml b/.github/workflows/ci.yml\n" +
		"--- a/.github/workflows/ci.yml\n" +
		"+++ b/.github/workflows/ci.yml\n" +
		"@@ -1,1 +1,2 @@\n" +
		" name: ci\n" +
		"+# tampered\n"
	frozen.Files = []workflow.FileChange{{Path: ".github/workflows/ci.yml", Action: workflow.FileModify}}

	agent := &stubAgent{id: "backend-1", patches: []workflow.Patch{frozen}}
	store := newFakePatchSets()
	p := patchesProducer(t, agent, store, agents.WithGate(policy.DefaultConfig()))

	_, err := p.Produce(context.Background(), stageContext(stageWorkflow()))
	if !errors.Is(err, agents.ErrProposalRejected) {
		t.Fatalf("error = %v, want proposal rejection", err)
	}
	if len(store.created) != 0 {
		t.Error("rejected proposal must not be persisted")
	}
}

func TestLooksLikePath(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"internal/server.go", true},
		{"main.go", true},
		{"docs/guide.md", true},
		{"add logging to startup", false},
		{"refactor the handler", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := looksLikePath(tt.in); got != tt.want {
			t.Errorf("looksLikePath(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLanguagesOf(t *testing.T) {
	got := languagesOf([]string{"a.go", "b.go", "web/app.tsx", "scripts/run.py", "notes.txt"})
	want := []string{"go", "typescript", "python"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("languagesOf = %v, want %v", got, want)
	}
}

var _ worker.Producer = (*PatchesProducer)(nil)
var _ worker.Producer = (*IngestProducer)(nil)
var _ worker.Producer = (*PolicyProducer)(nil)
var _ worker.Producer = (*SandboxProducer)(nil)
var _ worker.Producer = (*ApplyProducer)(nil)
