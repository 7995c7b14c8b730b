package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Transition is the pure decision core of the orchestrator. It maps the
// current workflow state, an incoming event, and a derived context snapshot
// to the next state, the jobs to enqueue, and a human-readable reason.
//
// The function is total and side-effect free: it never reads storage or the
// clock, and identical inputs always produce identical decisions. Rules are
// evaluated in a fixed order; anything unmatched is identity.
func Transition(state State, event Event, ctx TransitionContext) Decision {
	// Terminal states are sticky. Human overrides go through an admin path,
	// never through this function.
	if state.IsTerminal() {
		return Decision{
			NextState: state,
			Reason:    fmt.Sprintf("terminal state %s ignores %s", state, event.Type),
		}
	}

	// A blocking policy verdict trips the gate from any non-terminal state.
	if event.Type == EventPolicyEvaluated && event.HasBlockingViolations {
		return Decision{
			NextState:   StateBlockedPolicy,
			Reason:      "policy evaluation found blocking violations",
			StageStatus: StageStatusBlocked,
		}
	}

	// Job failures are global. A blocked write is a safety trip, not an
	// error: it routes to BLOCKED_POLICY so a human unblocks it.
	if event.Type == EventJobFailed {
		if event.Error == ErrWriteBlockedMsg {
			return Decision{
				NextState:   StateBlockedPolicy,
				Reason:      "write attempted without a recorded approval",
				StageStatus: StageStatusBlocked,
			}
		}
		return Decision{
			NextState:   StateFailed,
			Reason:      fmt.Sprintf("job %s failed: %s", event.JobName, event.Error),
			StageStatus: StageStatusBlocked,
		}
	}

	if event.Type == EventPatchSetRejected {
		return Decision{
			NextState:   StateRejected,
			Reason:      "patch set rejected: " + event.Reason,
			StageStatus: StageStatusRejected,
		}
	}

	// Stage gate events run orthogonally to the workflow state.
	switch event.Type {
	case EventStageApproved:
		return stageApproved(state, event, ctx)
	case EventStageRejected:
		return Decision{
			NextState:   StateRejected,
			Reason:      fmt.Sprintf("stage %s rejected: %s", event.Stage, event.Reason),
			StageStatus: StageStatusRejected,
		}
	case EventStageChangesRequested:
		return changesRequested(state, event.Stage, event.Reason, ctx)
	case EventChangesRequested:
		return changesRequested(state, ctx.Stage, event.Comment, ctx)
	}

	switch state {
	case StateIngested:
		return fromIngested(event, ctx)
	case StatePatchesProposed:
		return normalizePatchesProposed(ctx)
	case StateWaitingUserApproval:
		return fromWaitingUserApproval(event, ctx)
	case StateApplyingPatches:
		return fromApplyingPatches(event, ctx)
	case StatePROpen, StateVerifyingCI:
		return fromPROpen(state, event)
	}

	return identity(state, event)
}

func identity(state State, event Event) Decision {
	return Decision{
		NextState: state,
		Reason:    fmt.Sprintf("no rule for %s in %s", event.Type, state),
	}
}

func fromIngested(event Event, ctx TransitionContext) Decision {
	switch event.Type {
	case EventWorkflowCreated:
		return Decision{
			NextState: StateIngested,
			Enqueue: []Job{
				NewJob(JobIngestContext, ctx.WorkflowID, "", nil),
			},
			Reason:      "workflow created, ingesting repo context",
			Stage:       StageIngest,
			StageStatus: StageStatusPending,
		}

	case EventJobCompleted:
		if event.JobName == JobIngestContext {
			if ctx.HasPatchSets {
				return Decision{
					NextState:   StatePatchesProposed,
					Reason:      "context ingested with patch sets present",
					StageStatus: StageStatusReady,
				}
			}
			return Decision{
				NextState:   StateNeedsHuman,
				Reason:      "context ingested but no patch sets were produced",
				StageStatus: StageStatusReady,
			}
		}
		// Completion of a gated pipeline stage: hold the state, mark the
		// stage ready and wait for the human gate.
		return Decision{
			NextState:   StateIngested,
			Reason:      fmt.Sprintf("stage job %s completed, awaiting approval", event.JobName),
			StageStatus: StageStatusReady,
		}
	}

	if ctx.HasPatchSets {
		return normalizePatchesProposed(ctx)
	}
	return identity(StateIngested, event)
}

// normalizePatchesProposed converges PATCHES_PROPOSED regardless of which
// event landed: evaluate policy once, then move to the approval gate or the
// blocked state.
func normalizePatchesProposed(ctx TransitionContext) Decision {
	if !ctx.HasPatchSets {
		return Decision{
			NextState: StateNeedsHuman,
			Reason:    "no patch sets to evaluate",
		}
	}
	if !ctx.HasPolicyBeenEvaluated {
		return Decision{
			NextState: StatePatchesProposed,
			Enqueue: []Job{
				NewJob(JobEvaluatePolicy, ctx.WorkflowID, ctx.LatestPatchSetID, map[string]any{
					"patchSetId": ctx.LatestPatchSetID,
				}),
			},
			Reason: "patch set awaiting policy evaluation",
		}
	}
	if ctx.HasBlockingPolicyViolations {
		return Decision{
			NextState:   StateBlockedPolicy,
			Reason:      "latest patch set has blocking policy violations",
			StageStatus: StageStatusBlocked,
		}
	}
	return Decision{
		NextState: StateWaitingUserApproval,
		Reason:    "policy clean, waiting for the apply approval",
	}
}

func fromWaitingUserApproval(event Event, ctx TransitionContext) Decision {
	if event.Type != EventApprovalRecorded {
		return identity(StateWaitingUserApproval, event)
	}
	if ctx.HasBlockingPolicyViolations {
		return Decision{
			NextState:   StateBlockedPolicy,
			Reason:      "approval recorded but blocking violations exist",
			StageStatus: StageStatusBlocked,
		}
	}
	if ctx.HasApprovalToApply && ctx.LatestPatchSetID != "" {
		return Decision{
			NextState: StateApplyingPatches,
			Enqueue: []Job{
				NewJob(JobApplyPatches, ctx.WorkflowID, ctx.LatestPatchSetID, map[string]any{
					"patchSetId": ctx.LatestPatchSetID,
				}),
			},
			Reason:      "apply approval recorded, applying patch set " + ctx.LatestPatchSetID,
			StageStatus: StageStatusApproved,
		}
	}
	return Decision{
		NextState: StateWaitingUserApproval,
		Reason:    "approval recorded but not an applicable apply approval",
	}
}

func fromApplyingPatches(event Event, ctx TransitionContext) Decision {
	if event.Type != EventJobCompleted || event.JobName != JobApplyPatches {
		return identity(StateApplyingPatches, event)
	}
	if prRef(event.Result) {
		return Decision{
			NextState: StatePROpen,
			Reason:    "patches applied, pull request open",
		}
	}
	return Decision{
		NextState: StateNeedsHuman,
		Reason:    "apply completed without a pull request reference",
	}
}

// prRef reports whether a completion result carries a pull request
// reference under either accepted key.
func prRef(result map[string]any) bool {
	if result == nil {
		return false
	}
	if _, ok := result["prNumber"]; ok {
		return true
	}
	_, ok := result["pr"]
	return ok
}

func fromPROpen(state State, event Event) Decision {
	switch event.Type {
	case EventCICompleted:
		if event.Conclusion == CISuccess {
			return Decision{
				NextState: StateDone,
				Reason:    "CI succeeded",
			}
		}
		return Decision{
			NextState: StateNeedsHuman,
			Reason:    "CI concluded " + event.Conclusion,
		}
	case EventPRMerged:
		return Decision{
			NextState: StateDone,
			Reason:    "pull request merged",
		}
	case EventPRClosed:
		return Decision{
			NextState:   StateRejected,
			Reason:      "pull request closed without merge",
			StageStatus: StageStatusRejected,
		}
	}
	return identity(state, event)
}

// stageApproved advances the gated pipeline: the approved stage's successor
// is enqueued and becomes the current stage. The workflow-level state is
// untouched; patch-set and apply gating stay with their own rules.
func stageApproved(state State, event Event, ctx TransitionContext) Decision {
	next := event.NextStage
	if next == "" {
		var ok bool
		next, ok = NextStage(event.Stage)
		if !ok {
			return identity(state, event)
		}
	}
	if !ValidStage(next) {
		return identity(state, event)
	}

	d := Decision{
		NextState:   state,
		Reason:      fmt.Sprintf("stage %s approved, advancing to %s", event.Stage, next),
		Stage:       next,
		StageStatus: StageStatusPending,
	}
	job, ok := JobForStage(next)
	if !ok {
		d.StageStatus = StageStatusApproved
		d.Reason = fmt.Sprintf("stage %s approved, pipeline complete", event.Stage)
		return d
	}

	payload := map[string]any{}
	trigger := ""
	if job == JobEvaluatePolicy || job == JobApplyPatches {
		payload["patchSetId"] = ctx.LatestPatchSetID
		trigger = ctx.LatestPatchSetID
	}
	d.Enqueue = []Job{NewJob(job, ctx.WorkflowID, trigger, payload)}
	return d
}

// changesRequested re-runs the current stage with the reviewer's feedback
// recorded on the workflow.
func changesRequested(state State, stage Stage, feedback string, ctx TransitionContext) Decision {
	if stage == "" {
		stage = ctx.Stage
	}
	d := Decision{
		NextState:   state,
		Reason:      fmt.Sprintf("changes requested on stage %s", stage),
		StageStatus: StageStatusNeedsChanges,
		Feedback:    feedback,
	}
	if job, ok := JobForStage(stage); ok {
		payload := map[string]any{}
		trigger := reworkTrigger(feedback)
		if job == JobEvaluatePolicy || job == JobApplyPatches {
			payload["patchSetId"] = ctx.LatestPatchSetID
			trigger = ctx.LatestPatchSetID
		}
		d.Enqueue = []Job{NewJob(job, ctx.WorkflowID, trigger, payload)}
	}
	return d
}

// reworkTrigger derives the job trigger from the reviewer's feedback, so a
// second change request on the same stage gets its own idempotency key
// instead of deduplicating against the first rework job.
func reworkTrigger(feedback string) string {
	sum := sha256.Sum256([]byte(feedback))
	return "rework." + hex.EncodeToString(sum[:6])
}
