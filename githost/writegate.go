package githost

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/shipwright/metrics"
	"github.com/c360studio/shipwright/workflow"
)

// ErrWriteBlocked is returned for any write attempted without a recorded
// apply approval. Its message is matched verbatim by the orchestrator's
// transition rules, so it must stay stable.
var ErrWriteBlocked = errors.New(workflow.ErrWriteBlockedMsg)

// IsWriteBlocked reports whether err is the write gate refusing a write.
func IsWriteBlocked(err error) bool {
	return errors.Is(err, ErrWriteBlocked)
}

// ApprovalChecker answers whether a workflow holds an approval to apply
// patches. The KV store implements it.
type ApprovalChecker interface {
	HasApprovalToApply(ctx context.Context, workflowID string) (bool, error)
}

// Gated wraps a Writer so that every mutation verifies the apply approval
// first. The underlying writer is never invoked without one.
type Gated struct {
	writer    Writer
	approvals ApprovalChecker
}

// NewGated creates the write gate over a code host writer.
func NewGated(writer Writer, approvals ApprovalChecker) *Gated {
	return &Gated{writer: writer, approvals: approvals}
}

func (g *Gated) check(ctx context.Context, workflowID string) error {
	approved, err := g.approvals.HasApprovalToApply(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("check apply approval: %w", err)
	}
	if !approved {
		metrics.WriteBlocksTotal.Inc()
		return ErrWriteBlocked
	}
	return nil
}

// CreateBranch creates a branch after verifying the approval.
func (g *Gated) CreateBranch(ctx context.Context, workflowID, owner, repo, branch, fromSHA string) error {
	if err := g.check(ctx, workflowID); err != nil {
		return err
	}
	return g.writer.CreateBranch(ctx, owner, repo, branch, fromSHA)
}

// UpdateFile writes a file after verifying the approval.
func (g *Gated) UpdateFile(ctx context.Context, workflowID, owner, repo string, change FileChange) error {
	if err := g.check(ctx, workflowID); err != nil {
		return err
	}
	return g.writer.UpdateFile(ctx, owner, repo, change)
}

// DeleteFile removes a file after verifying the approval.
func (g *Gated) DeleteFile(ctx context.Context, workflowID, owner, repo string, change FileChange) error {
	if err := g.check(ctx, workflowID); err != nil {
		return err
	}
	return g.writer.DeleteFile(ctx, owner, repo, change)
}

// OpenPullRequest opens a pull request after verifying the approval.
func (g *Gated) OpenPullRequest(ctx context.Context, workflowID, owner, repo string, pr NewPullRequest) (*PullRequest, error) {
	if err := g.check(ctx, workflowID); err != nil {
		return nil, err
	}
	return g.writer.OpenPullRequest(ctx, owner, repo, pr)
}

// DispatchWorkflow triggers a CI workflow after verifying the approval.
func (g *Gated) DispatchWorkflow(ctx context.Context, workflowID, owner, repo, workflowFile, ref string) error {
	if err := g.check(ctx, workflowID); err != nil {
		return err
	}
	return g.writer.DispatchWorkflow(ctx, owner, repo, workflowFile, ref)
}
