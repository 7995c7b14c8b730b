package stages

import (
	"context"
	"testing"

	"github.com/c360studio/shipwright/policy"
	"github.com/c360studio/shipwright/workflow"
)

type violationSink struct {
	sets []*workflow.ViolationSet
}

func (v *violationSink) ReplaceViolations(_ context.Context, set *workflow.ViolationSet) error {
	v.sets = append(v.sets, set)
	return nil
}

func cleanPatchSet() *workflow.PatchSet {
	return &workflow.PatchSet{
		ID:         "ps-1",
		WorkflowID: "wf-1",
		Title:      "Add health endpoint",
		BaseSha:    "sha-base",
		Status:     workflow.PatchSetProposed,
		Patches:    []workflow.Patch{healthPatch()},
	}
}

func TestPolicyProduceCleanVerdict(t *testing.T) {
	sink := &violationSink{}
	svc := policy.NewService(sink, policy.DefaultConfig(), nil)
	store := newFakePatchSets(cleanPatchSet())
	pub := &capturedEvents{}
	p := NewPolicyProducer(svc, store, pub, nil)

	sc := stageContext(stageWorkflow())
	sc.PatchSetID = "ps-1"

	out, err := p.Produce(context.Background(), sc)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	if out.Result["hasBlockingViolations"] != false {
		t.Errorf("hasBlockingViolations = %v", out.Result["hasBlockingViolations"])
	}
	if out.Result["patchSetId"] != "ps-1" {
		t.Errorf("patchSetId = %v", out.Result["patchSetId"])
	}

	if len(sink.sets) != 1 || sink.sets[0].PatchSetID != "ps-1" {
		t.Fatalf("violation sets = %+v", sink.sets)
	}

	if len(pub.events) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Type != workflow.EventPolicyEvaluated || ev.HasBlockingViolations {
		t.Errorf("event = %+v", ev)
	}
}

func TestPolicyProduceBlockingVerdict(t *testing.T) {
	ps := cleanPatchSet()
	ps.Patches[0].Diff = "diff --git a/.github/workflows/ci.yml b/.github/workflows/ci.yml\n" +
		"--- a/.github/workflows/ci.yml\n" +
		"+++ b/.github/workflows/ci.yml\n" +
		"@@ -1,1 +1,2 @@\n" +
		" name: ci\n" +
		"+# tampered\n"

	sink := &violationSink{}
	svc := policy.NewService(sink, policy.DefaultConfig(), nil)
	pub := &capturedEvents{}
	p := NewPolicyProducer(svc, newFakePatchSets(ps), pub, nil)

	sc := stageContext(stageWorkflow())
	sc.PatchSetID = "ps-1"

	out, err := p.Produce(context.Background(), sc)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if out.Result["hasBlockingViolations"] != true {
		t.Error("frozen path change must be blocking")
	}
	if !pub.events[0].HasBlockingViolations {
		t.Error("published event must carry the blocking flag")
	}
}

func TestPolicyProduceFallsBackToLatestPatchSet(t *testing.T) {
	sink := &violationSink{}
	svc := policy.NewService(sink, policy.DefaultConfig(), nil)
	p := NewPolicyProducer(svc, newFakePatchSets(cleanPatchSet()), nil, nil)

	out, err := p.Produce(context.Background(), stageContext(stageWorkflow()))
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if out.Result["patchSetId"] != "ps-1" {
		t.Errorf("patchSetId = %v", out.Result["patchSetId"])
	}
}
