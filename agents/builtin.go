package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/shipwright/llm"
	"github.com/c360studio/shipwright/workflow"
)

// llmAgent is the shared implementation behind the six builtin specialists.
// Each instance differs only in its type, capabilities, and system prompt.
type llmAgent struct {
	id           string
	agentType    string
	caps         Capabilities
	description  string
	systemPrompt string
	caller       llm.Caller
}

// NewBackendAgent proposes server-side code changes.
func NewBackendAgent(caller llm.Caller) Agent {
	return &llmAgent{
		id:          "backend-1",
		agentType:   TypeBackend,
		description: "Server-side logic, APIs, and data access",
		caps: Capabilities{
			TaskTypes: []string{"feature", "bugfix", "api"},
			Languages: []string{"go", "python", "java", "rust"},
			FileGlobs: []string{"**/*.go", "**/*.py", "**/*.java", "**/*.rs", "**/internal/**", "**/cmd/**"},
		},
		systemPrompt: "You are a backend engineer. Propose minimal, focused patches to server-side code. Never touch CI configuration, lockfiles, or secrets.",
		caller:       caller,
	}
}

// NewFrontendAgent proposes UI code changes.
func NewFrontendAgent(caller llm.Caller) Agent {
	return &llmAgent{
		id:          "frontend-1",
		agentType:   TypeFrontend,
		description: "UI components, styling, and client-side state",
		caps: Capabilities{
			TaskTypes: []string{"feature", "bugfix", "ui"},
			Languages: []string{"typescript", "javascript", "css"},
			FileGlobs: []string{"**/*.tsx", "**/*.ts", "**/*.jsx", "**/*.js", "**/*.css", "**/*.vue"},
		},
		systemPrompt: "You are a frontend engineer. Propose minimal, focused patches to client-side code. Never touch CI configuration, lockfiles, or secrets.",
		caller:       caller,
	}
}

// NewTestAgent proposes test additions and fixes.
func NewTestAgent(caller llm.Caller) Agent {
	return &llmAgent{
		id:          "test-1",
		agentType:   TypeTest,
		description: "Test coverage for new and changed behavior",
		caps: Capabilities{
			TaskTypes: []string{"test", "feature", "bugfix"},
			Languages: []string{"go", "python", "typescript", "javascript"},
			FileGlobs: []string{"**/*_test.go", "**/*.test.ts", "**/*.spec.ts", "**/test/**", "**/tests/**"},
		},
		systemPrompt: "You are a test engineer. Propose tests covering the described behavior. Only create or modify test files.",
		caller:       caller,
	}
}

// NewReviewAgent proposes fixes for issues it finds in existing code.
func NewReviewAgent(caller llm.Caller) Agent {
	return &llmAgent{
		id:          "review-1",
		agentType:   TypeReview,
		description: "Correctness and safety review with targeted fixes",
		caps: Capabilities{
			TaskTypes: []string{"review", "bugfix"},
			Languages: []string{"go", "python", "typescript", "javascript", "java", "rust"},
			FileGlobs: []string{"**/*"},
		},
		systemPrompt: "You are a code reviewer. Propose only small, surgical fixes for defects you can name precisely.",
		caller:       caller,
	}
}

// NewDocsAgent proposes documentation changes.
func NewDocsAgent(caller llm.Caller) Agent {
	return &llmAgent{
		id:          "docs-1",
		agentType:   TypeDocs,
		description: "README, reference docs, and inline documentation",
		caps: Capabilities{
			TaskTypes: []string{"docs", "feature"},
			Languages: []string{"markdown"},
			FileGlobs: []string{"**/*.md", "**/docs/**", "**/README*"},
		},
		systemPrompt: "You are a technical writer. Propose documentation patches matching the described change. Only touch documentation files.",
		caller:       caller,
	}
}

// NewRefactorAgent proposes structure-preserving cleanups.
func NewRefactorAgent(caller llm.Caller) Agent {
	return &llmAgent{
		id:          "refactor-1",
		agentType:   TypeRefactor,
		description: "Behavior-preserving restructuring",
		caps: Capabilities{
			TaskTypes: []string{"refactor"},
			Languages: []string{"go", "python", "typescript", "javascript"},
			FileGlobs: []string{"**/*"},
		},
		systemPrompt: "You are a refactoring specialist. Propose behavior-preserving restructurings only; never change observable behavior.",
		caller:       caller,
	}
}

// RegisterBuiltins registers the six specialist agents. Priority follows the
// order a reviewer would consult them for a typical feature.
func RegisterBuiltins(r *Registry, caller llm.Caller) error {
	builtins := []struct {
		agent    Agent
		priority int
	}{
		{NewBackendAgent(caller), 60},
		{NewFrontendAgent(caller), 50},
		{NewTestAgent(caller), 40},
		{NewReviewAgent(caller), 30},
		{NewDocsAgent(caller), 20},
		{NewRefactorAgent(caller), 10},
	}
	for _, b := range builtins {
		if err := r.Register(b.agent, b.priority); err != nil {
			return err
		}
	}
	return nil
}

func (a *llmAgent) ID() string                 { return a.id }
func (a *llmAgent) Type() string               { return a.agentType }
func (a *llmAgent) Capabilities() Capabilities { return a.caps }
func (a *llmAgent) Describe() string           { return a.description }

// Validate reports confidence from declared scope overlap, without calling
// the model.
func (a *llmAgent) Validate(_ context.Context, task Task) (float64, error) {
	confidence := 0.5
	if matchesTaskType(a, a.caps, task.Type) {
		confidence += 0.2
	}
	if matchesLanguage(a.caps, task.Languages) {
		confidence += 0.15
	}
	if matchesGlob(a.caps, task.TargetFiles) {
		confidence += 0.15
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence, nil
}

// proposalDoc is the JSON shape agents ask the model for.
type proposalDoc struct {
	Title   string `json:"title"`
	Patches []struct {
		Path      string `json:"path"`
		Action    string `json:"action"`
		Diff      string `json:"diff"`
		Rationale string `json:"rationale"`
	} `json:"patches"`
	RiskLevel string `json:"risk_level"`
}

// Propose asks the model for patches and maps the response into a proposal.
func (a *llmAgent) Propose(ctx context.Context, task Task) (*Proposal, error) {
	confidence, err := a.Validate(ctx, task)
	if err != nil {
		return nil, err
	}

	resp, err := a.caller.Call(ctx, llm.Request{
		Role:          "coding",
		PromptVersion: "patches/v1",
		Messages: []llm.Message{
			{Role: "system", Content: a.systemPrompt},
			{Role: "user", Content: a.buildPrompt(task)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.id, err)
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("agent %s: response contains no JSON", a.id)
	}

	var doc proposalDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("agent %s: parse proposal: %w", a.id, err)
	}

	patch := workflow.Patch{
		TaskID:    task.ID,
		Title:     doc.Title,
		Diff:      "",
		RiskLevel: parseRisk(doc.RiskLevel),
	}
	var diffs []string
	var rationales []string
	for _, p := range doc.Patches {
		if !a.allowedPath(p.Path) {
			return nil, fmt.Errorf("agent %s proposed out-of-scope path %s", a.id, p.Path)
		}
		if p.Diff != "" {
			diffs = append(diffs, p.Diff)
		}
		if p.Rationale != "" {
			rationales = append(rationales, p.Rationale)
		}
		patch.Files = append(patch.Files, workflow.FileChange{
			Path:   p.Path,
			Action: parseAction(p.Action),
		})
	}
	patch.Diff = strings.Join(diffs, "\n")
	patch.Summary = strings.Join(rationales, " ")

	return &Proposal{
		AgentID:    a.id,
		AgentType:  a.agentType,
		Title:      doc.Title,
		Confidence: confidence,
		Patches:    []workflow.Patch{patch},
	}, nil
}

func (a *llmAgent) buildPrompt(task Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s (%s): %s\n\n", task.ID, task.Type, task.Description)
	if len(task.TargetFiles) > 0 {
		fmt.Fprintf(&b, "Target files:\n")
		for _, f := range task.TargetFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if task.Context != "" {
		fmt.Fprintf(&b, "Repository context:\n%s\n\n", task.Context)
	}
	if task.Feedback != "" {
		fmt.Fprintf(&b, "Reviewer feedback to address:\n%s\n\n", task.Feedback)
	}
	b.WriteString(`Respond with JSON only: {"title": "...", "risk_level": "low|medium|high", "patches": [{"path": "...", "action": "create|modify|delete", "diff": "unified diff", "rationale": "..."}]}`)
	return b.String()
}

// allowedPath keeps a specialist inside its declared file scope. Agents with
// a catch-all glob accept anything.
func (a *llmAgent) allowedPath(path string) bool {
	for _, glob := range a.caps.FileGlobs {
		if ok, err := doublestar.Match(glob, path); err == nil && ok {
			return true
		}
	}
	return false
}

func parseAction(s string) workflow.FileAction {
	switch s {
	case "create":
		return workflow.FileCreate
	case "delete":
		return workflow.FileDelete
	default:
		return workflow.FileModify
	}
}

func parseRisk(s string) workflow.RiskLevel {
	switch s {
	case "low":
		return workflow.RiskLow
	case "high":
		return workflow.RiskHigh
	default:
		return workflow.RiskMedium
	}
}
