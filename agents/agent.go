// Package agents implements the specialist proposal service behind the
// patches stage: a registry of narrow agents, candidate scoring, four
// coordination strategies, and conflict-resolving merge of their proposals.
package agents

import (
	"context"

	"github.com/c360studio/shipwright/workflow"
)

// Agent types. Each builtin agent claims exactly one.
const (
	TypeBackend  = "backend"
	TypeFrontend = "frontend"
	TypeTest     = "test"
	TypeReview   = "review"
	TypeDocs     = "docs"
	TypeRefactor = "refactor"
)

// Task is one unit of work handed to agents during the patches stage.
type Task struct {
	ID          string
	Type        string
	Description string

	// TargetFiles are the repository paths the task is expected to touch.
	TargetFiles []string

	// Languages detected in the target files ("go", "typescript", ...).
	Languages []string

	// Context carries the repo summary plus, for sequential coordination,
	// the patches proposed so far.
	Context string

	// Feedback is the last change-request comment, if any.
	Feedback string
}

// Capabilities is what an agent claims it can handle.
type Capabilities struct {
	TaskTypes []string
	Languages []string
	FileGlobs []string
}

// Proposal is one agent's output for a task: a patch set candidate before
// merging and policy evaluation.
type Proposal struct {
	AgentID    string
	AgentType  string
	Title      string
	Confidence float64
	Patches    []workflow.Patch
}

// Agent is a specialist proposal source. Implementations are strategies
// behind one flat interface, not a hierarchy.
type Agent interface {
	ID() string
	Type() string
	Capabilities() Capabilities
	Describe() string

	// Validate returns the agent's self-reported confidence in [0, 1] for
	// the task without doing any work.
	Validate(ctx context.Context, task Task) (float64, error)

	// Propose produces the agent's patches for the task.
	Propose(ctx context.Context, task Task) (*Proposal, error)
}
