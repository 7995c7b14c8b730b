package workflow

import "fmt"

// EventType enumerates the orchestrator's input vocabulary.
type EventType string

const (
	EventWorkflowCreated       EventType = "E_WORKFLOW_CREATED"
	EventJobCompleted          EventType = "E_JOB_COMPLETED"
	EventJobFailed             EventType = "E_JOB_FAILED"
	EventApprovalRecorded      EventType = "E_APPROVAL_RECORDED"
	EventPolicyEvaluated       EventType = "E_POLICY_EVALUATED"
	EventCICompleted           EventType = "E_CI_COMPLETED"
	EventPRMerged              EventType = "E_PR_MERGED"
	EventPRClosed              EventType = "E_PR_CLOSED"
	EventChangesRequested      EventType = "E_CHANGES_REQUESTED"
	EventPatchSetRejected      EventType = "E_PATCH_SET_REJECTED"
	EventStageApproved         EventType = "E_STAGE_APPROVED"
	EventStageRejected         EventType = "E_STAGE_REJECTED"
	EventStageChangesRequested EventType = "E_STAGE_CHANGES_REQUESTED"
)

// CI conclusions carried by EventCICompleted.
const (
	CISuccess = "success"
	CIFailure = "failure"
)

// ErrWriteBlockedMsg is the error string a blocked write surfaces through
// EventJobFailed. The transition function routes it to BLOCKED_POLICY
// rather than FAILED.
const ErrWriteBlockedMsg = "WRITE_BLOCKED_NO_APPROVAL"

// Event is one orchestrator input. Fields beyond WorkflowID and Type are
// populated per event type; unused fields stay zero.
type Event struct {
	WorkflowID string    `json:"workflow_id"`
	Type       EventType `json:"type"`

	// Stage and JobName identify the worker for job events and the gated
	// stage for stage events.
	Stage   Stage  `json:"stage,omitempty"`
	JobName string `json:"job_name,omitempty"`

	// Result is the worker's completion summary for EventJobCompleted.
	Result map[string]any `json:"result,omitempty"`

	// Error is the failure message for EventJobFailed.
	Error string `json:"error,omitempty"`

	// HasBlockingViolations is set on EventPolicyEvaluated.
	HasBlockingViolations bool `json:"has_blocking_violations,omitempty"`

	// Conclusion is set on EventCICompleted.
	Conclusion string `json:"conclusion,omitempty"`

	// NextStage is set on EventStageApproved.
	NextStage Stage `json:"next_stage,omitempty"`

	// Comment carries change-request feedback; Reason carries rejection
	// reasons.
	Comment string `json:"comment,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// PatchSetID identifies the patch set for policy and patch-set events.
	PatchSetID string `json:"patch_set_id,omitempty"`
}

// TransitionContext is the derived snapshot the orchestrator computes from
// the store before invoking Transition. The transition function relies on
// this snapshot rather than event payload so that the arrival order of job
// completions and approvals does not change the eventual state.
type TransitionContext struct {
	WorkflowID                  string
	Stage                       Stage
	HasPatchSets                bool
	LatestPatchSetID            string
	HasApprovalToApply          bool
	HasBlockingPolicyViolations bool
	HasPolicyBeenEvaluated      bool
}

// Job is a unit of work the orchestrator enqueues for a stage worker.
type Job struct {
	Queue   string         `json:"queue"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`

	// IdempotencyKey deduplicates redundant enqueues of the same logical
	// job under at-least-once event delivery.
	IdempotencyKey string `json:"idempotency_key"`
}

// QueueWorkflow is the queue all stage jobs are enqueued on.
const QueueWorkflow = "workflow"

// NewJob builds a stage job keyed on (workflow, job, trigger). The trigger
// is the patch set ID where one applies, otherwise the job name repeats,
// which collapses duplicate enqueues of the same stage for a workflow.
func NewJob(name, workflowID, trigger string, payload map[string]any) Job {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["workflowId"] = workflowID
	if trigger == "" {
		trigger = name
	}
	return Job{
		Queue:          QueueWorkflow,
		Name:           name,
		Payload:        payload,
		IdempotencyKey: fmt.Sprintf("%s.%s.%s", workflowID, name, trigger),
	}
}

// Decision is the output of the transition function. Stage, StageStatus and
// Feedback are advisory pipeline updates; empty values mean no change.
type Decision struct {
	NextState State  `json:"next_state"`
	Enqueue   []Job  `json:"enqueue,omitempty"`
	Reason    string `json:"reason"`

	Stage       Stage       `json:"stage,omitempty"`
	StageStatus StageStatus `json:"stage_status,omitempty"`
	Feedback    string      `json:"feedback,omitempty"`
}
