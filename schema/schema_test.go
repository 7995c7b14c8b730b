package schema

import (
	"context"
	"testing"

	"github.com/c360studio/shipwright/llm"
	"github.com/c360studio/shipwright/workflow"
)

func TestValidateFeasibility(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "minimal valid",
			doc:  `{"feasible": true, "summary": "Looks doable."}`,
		},
		{
			name: "full document",
			doc: `{
				"feasible": false,
				"summary": "Requires a schema migration.",
				"risks": [{"description": "data loss", "severity": "high"}],
				"assumptions": ["single region"],
				"open_questions": ["rollback plan?"]
			}`,
		},
		{
			name: "string risks accepted",
			doc:  `{"feasible": true, "summary": "ok", "risks": ["minor api churn"]}`,
		},
		{
			name:    "missing summary",
			doc:     `{"feasible": true}`,
			wantErr: true,
		},
		{
			name:    "feasible wrong type",
			doc:     `{"feasible": "yes", "summary": "ok"}`,
			wantErr: true,
		},
		{
			name:    "empty summary",
			doc:     `{"feasible": true, "summary": ""}`,
			wantErr: true,
		},
		{
			name:    "not an object",
			doc:     `[1, 2, 3]`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			doc:     `{"feasible": tru`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(workflow.KindFeasibilityV1, []byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateArchitecture(t *testing.T) {
	valid := `{
		"overview": "Split the handler into two services.",
		"components": [
			{"name": "api", "responsibility": "request routing", "files": ["api/server.go"]}
		],
		"decisions": [{"decision": "keep the KV store", "rationale": "no migration"}]
	}`
	if err := Validate(workflow.KindArchitectureV1, []byte(valid)); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}

	missingResponsibility := `{"overview": "x", "components": [{"name": "api"}]}`
	if err := Validate(workflow.KindArchitectureV1, []byte(missingResponsibility)); err == nil {
		t.Error("component without responsibility should be rejected")
	}
}

func TestValidateTimeline(t *testing.T) {
	valid := `{"phases": [{"name": "impl", "estimate_days": 2.5}], "total_estimate_days": 2.5}`
	if err := Validate(workflow.KindTimelineV1, []byte(valid)); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}

	emptyPhases := `{"phases": []}`
	if err := Validate(workflow.KindTimelineV1, []byte(emptyPhases)); err == nil {
		t.Error("empty phases should be rejected")
	}

	negativeEstimate := `{"phases": [{"name": "impl", "estimate_days": -1}]}`
	if err := Validate(workflow.KindTimelineV1, []byte(negativeEstimate)); err == nil {
		t.Error("negative estimate should be rejected")
	}
}

func TestValidatePatchSet(t *testing.T) {
	valid := `{
		"title": "Add goodbye endpoint",
		"risk_level": "low",
		"patches": [
			{"path": "api/routes.go", "action": "modify", "diff": "--- a/api/routes.go"}
		]
	}`
	if err := Validate(workflow.KindPatchSetV1, []byte(valid)); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}

	emptyPatches := `{"title": "No-op", "patches": []}`
	if err := Validate(workflow.KindPatchSetV1, []byte(emptyPatches)); err != nil {
		t.Errorf("empty patch list should be accepted: %v", err)
	}

	badAction := `{"title": "x", "patches": [{"path": "a.go", "action": "truncate"}]}`
	if err := Validate(workflow.KindPatchSetV1, []byte(badAction)); err == nil {
		t.Error("unknown action should be rejected")
	}
}

func TestValidateUnknownKind(t *testing.T) {
	if err := Validate(workflow.ArtifactKind("NopeV1"), []byte(`{}`)); err == nil {
		t.Error("unknown kind should be rejected")
	}
}

func TestStubArtifactsValidate(t *testing.T) {
	stub := llm.NewStubClient()

	tests := []struct {
		promptVersion string
		kind          workflow.ArtifactKind
	}{
		{"feasibility/v1", workflow.KindFeasibilityV1},
		{"architecture/v1", workflow.KindArchitectureV1},
		{"timeline/v1", workflow.KindTimelineV1},
		{"summary/v1", workflow.KindSummaryV1},
		{"patches/v1", workflow.KindPatchSetV1},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			resp, err := stub.Call(context.Background(), llm.Request{
				PromptVersion: tt.promptVersion,
				Messages:      []llm.Message{{Role: "user", Content: "go"}},
			})
			if err != nil {
				t.Fatalf("stub call: %v", err)
			}
			if err := Validate(tt.kind, []byte(resp.Content)); err != nil {
				t.Errorf("stub %s artifact does not validate: %v", tt.kind, err)
			}
		})
	}
}

func TestKindsCovered(t *testing.T) {
	if got := len(Kinds()); got != 5 {
		t.Errorf("expected 5 registered schemas, got %d", got)
	}
}
