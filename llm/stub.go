package llm

import (
	"context"
	"fmt"
	"strings"
)

// Caller is the calling surface stage workers depend on, satisfied by both
// the real Client and the StubClient.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// StubClient returns deterministic minimal artifacts without any network
// call. It keeps the pipeline runnable end-to-end when no API key is
// configured, and it is what contract tests run against.
type StubClient struct{}

// NewStubClient creates a stub client.
func NewStubClient() *StubClient {
	return &StubClient{}
}

// Call fabricates a minimal valid response for the requesting stage,
// identified by the prompt version prefix ("feasibility/v1" and friends).
func (s *StubClient) Call(_ context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	stage := req.PromptVersion
	if i := strings.Index(stage, "/"); i >= 0 {
		stage = stage[:i]
	}

	content, ok := stubArtifacts[stage]
	if !ok {
		content = `{"note":"stub response"}`
	}

	return &Response{
		Content: content,
		Model:   "stub",
		Usage: Usage{
			InputTokens:  EstimateTokens(joinContents(req.Messages)),
			OutputTokens: EstimateTokens(content),
		},
		FinishReason: "stop",
	}, nil
}

func joinContents(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
	}
	return b.String()
}

// stubArtifacts are the smallest documents that satisfy each stage schema.
var stubArtifacts = map[string]string{
	"feasibility": `{
  "feasible": true,
  "summary": "Stub feasibility assessment.",
  "risks": [],
  "assumptions": ["generated without model access"]
}`,
	"architecture": `{
  "overview": "Stub architecture outline.",
  "components": [
    {"name": "core", "responsibility": "stub component", "changes": "none"}
  ],
  "decisions": []
}`,
	"timeline": `{
  "phases": [
    {"name": "implementation", "description": "stub phase", "estimate_days": 1}
  ],
  "total_estimate_days": 1
}`,
	"summary": `{
  "title": "Stub change summary",
  "description": "Generated without model access.",
  "highlights": []
}`,
	"patches": `{
  "title": "Stub patch set",
  "patches": []
}`,
}
