// Package workflow provides the Shipwright workflow domain: the entities of
// a human-gated change pipeline, the stage sequence, the events that drive
// it, and the pure transition function that maps events to decisions.
package workflow

import (
	"time"
)

// State represents the workflow-level control-flow label.
type State string

const (
	// StateIngested indicates the workflow has been created and repo context
	// ingestion is pending or running.
	StateIngested State = "INGESTED"
	// StatePatchesProposed indicates a patch set exists and is awaiting
	// policy evaluation.
	StatePatchesProposed State = "PATCHES_PROPOSED"
	// StateWaitingUserApproval indicates a clean patch set awaits the human
	// apply decision.
	StateWaitingUserApproval State = "WAITING_USER_APPROVAL"
	// StateApplyingPatches indicates the approved patch set is being written
	// to the code host.
	StateApplyingPatches State = "APPLYING_PATCHES"
	// StatePROpen indicates a pull request has been opened.
	StatePROpen State = "PR_OPEN"
	// StateVerifyingCI indicates CI verification is in progress.
	StateVerifyingCI State = "VERIFYING_CI"
	// StateDone is the terminal success state.
	StateDone State = "DONE"
	// StateNeedsHuman is a terminal-for-now state requiring operator action.
	StateNeedsHuman State = "NEEDS_HUMAN"
	// StateBlockedPolicy means a gate tripped: blocking policy violations or
	// a write attempted without approval.
	StateBlockedPolicy State = "BLOCKED_POLICY"
	// StateFailed is the terminal failure state.
	StateFailed State = "FAILED"
	// StateRejected means a human rejected the proposal.
	StateRejected State = "REJECTED"
)

// IsTerminal reports whether the state is sticky: any event delivered in a
// terminal state yields the same state.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateFailed, StateRejected, StateBlockedPolicy, StateNeedsHuman:
		return true
	}
	return false
}

// StageStatus tracks the advisory progress of the current gated stage.
type StageStatus string

const (
	StageStatusPending      StageStatus = "pending"
	StageStatusProcessing   StageStatus = "processing"
	StageStatusReady        StageStatus = "ready"
	StageStatusApproved     StageStatus = "approved"
	StageStatusRejected     StageStatus = "rejected"
	StageStatusBlocked      StageStatus = "blocked"
	StageStatusNeedsChanges StageStatus = "needs_changes"
)

// RepoRole distinguishes the primary target repo from auxiliary ones.
type RepoRole string

const (
	RepoRolePrimary RepoRole = "primary"
	RepoRoleContext RepoRole = "context"
)

// Repo identifies a target repository on the code host.
type Repo struct {
	Owner      string   `json:"owner"`
	Name       string   `json:"name"`
	BaseBranch string   `json:"base_branch"`
	Role       RepoRole `json:"role"`
}

// Workflow is the top-level aggregate. It is created on an external request
// and never deleted; terminal states preserve the audit trail.
type Workflow struct {
	ID                    string      `json:"id"`
	State                 State       `json:"state"`
	Stage                 Stage       `json:"stage"`
	StageStatus           StageStatus `json:"stage_status"`
	FeatureGoal           string      `json:"feature_goal"`
	BusinessJustification string      `json:"business_justification"`
	Repos                 []Repo      `json:"repos"`

	// Feedback carries the last change-request comment, shown to the worker
	// on re-runs of the same stage.
	Feedback string `json:"feedback,omitempty"`

	// BaseSha snapshots the primary repo's base branch head at ingest time.
	BaseSha string `json:"base_sha,omitempty"`

	// RepoContext is the ingest stage's summary of the target repositories,
	// fed into later LLM stages.
	RepoContext string `json:"repo_context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PrimaryRepo returns the repo with the primary role, or the first repo if
// none is marked primary.
func (w *Workflow) PrimaryRepo() (Repo, bool) {
	for _, r := range w.Repos {
		if r.Role == RepoRolePrimary {
			return r, true
		}
	}
	if len(w.Repos) > 0 {
		return w.Repos[0], true
	}
	return Repo{}, false
}

// ArtifactKind identifies the schema family of a stage output.
type ArtifactKind string

const (
	KindFeasibilityV1  ArtifactKind = "FeasibilityV1"
	KindArchitectureV1 ArtifactKind = "ArchitectureV1"
	KindTimelineV1     ArtifactKind = "TimelineV1"
	KindSummaryV1      ArtifactKind = "SummaryV1"
	KindPatchSetV1     ArtifactKind = "PatchSetV1"
)

// Artifact is an immutable, versioned output of a stage. Content is
// canonical JSON so ContentSha is reproducible; rows are append-only and the
// latest version per (workflow, kind) is the active one.
type Artifact struct {
	ID                   string       `json:"id"`
	WorkflowID           string       `json:"workflow_id"`
	Kind                 ArtifactKind `json:"kind"`
	Content              string       `json:"content"`
	ContentSha           string       `json:"content_sha"`
	ArtifactVersion      int          `json:"artifact_version"`
	SupersedesArtifactID string       `json:"supersedes_artifact_id,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
}

// PatchSetStatus is the human decision recorded on a patch set.
type PatchSetStatus string

const (
	PatchSetProposed PatchSetStatus = "proposed"
	PatchSetApproved PatchSetStatus = "approved"
	PatchSetRejected PatchSetStatus = "rejected"
)

// RiskLevel is a patch's self-assessed blast radius.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// FileAction describes what a patch does to a single path.
type FileAction string

const (
	FileCreate FileAction = "create"
	FileModify FileAction = "modify"
	FileDelete FileAction = "delete"
)

// FileChange is one path touched by a patch.
type FileChange struct {
	Path      string     `json:"path"`
	Action    FileAction `json:"action"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
}

// Patch is one proposed change inside a patch set.
type Patch struct {
	TaskID    string       `json:"task_id"`
	Title     string       `json:"title"`
	Summary   string       `json:"summary"`
	Diff      string       `json:"diff"`
	Files     []FileChange `json:"files"`
	AddsTests bool         `json:"adds_tests"`
	RiskLevel RiskLevel    `json:"risk_level"`
	Commands  []string     `json:"commands,omitempty"`
}

// PatchSet is the artifact of the patches stage: an ordered collection of
// patches sharing a base SHA.
type PatchSet struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Title      string         `json:"title"`
	BaseSha    string         `json:"base_sha"`
	Status     PatchSetStatus `json:"status"`
	Patches    []Patch        `json:"patches"`
	CreatedAt  time.Time      `json:"created_at"`
}

// CombinedDiff concatenates the diffs of all patches in order.
func (ps *PatchSet) CombinedDiff() string {
	var out string
	for _, p := range ps.Patches {
		if p.Diff == "" {
			continue
		}
		out += p.Diff
		if out[len(out)-1] != '\n' {
			out += "\n"
		}
	}
	return out
}

// ApprovalKind distinguishes the apply gate from per-stage approvals.
type ApprovalKind string

const (
	// ApprovalApplyPatches authorizes external writes for a workflow. The
	// write gate requires at least one approval of this kind.
	ApprovalApplyPatches ApprovalKind = "apply_patches"
	// ApprovalStage advances a gated stage.
	ApprovalStage ApprovalKind = "stage_approval"
)

// Approval is a human-recorded decision. Approvals are immutable and each
// one is consumed by exactly one forward transition.
type Approval struct {
	ID         string       `json:"id"`
	WorkflowID string       `json:"workflow_id"`
	Stage      Stage        `json:"stage"`
	Kind       ApprovalKind `json:"kind"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// WorkflowEvent is an append-only audit record of something that happened to
// a workflow. Rows are never mutated.
type WorkflowEvent struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Type       string    `json:"type"`
	Payload    []byte    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunStatus is the lifecycle of a recorded stage execution attempt.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunUsage accumulates LLM consumption for one run.
type RunUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Run records one attempt at executing a stage's job. InputHash is the
// canonical hash of the inputs map and is deliberately independent of the
// run ID and timestamps so identical inputs always collide.
type Run struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	JobName     string         `json:"job_name"`
	Status      RunStatus      `json:"status"`
	InputHash   string         `json:"input_hash"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	ErrorMsg    string         `json:"error_msg,omitempty"`
	Usage       RunUsage       `json:"usage"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
}
