package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/shipwright/workflow"
)

// approvalKey is unique per (workflow, kind, stage), which is what makes
// approvals immutable: a second approval for the same gate hits the
// existing key.
func approvalKey(workflowID string, kind workflow.ApprovalKind, stage workflow.Stage) string {
	if stage == "" {
		return fmt.Sprintf("%s.%s", workflowID, kind)
	}
	return fmt.Sprintf("%s.%s.%s", workflowID, kind, stage)
}

// CreateApproval records a human decision. Approvals are write-once; a
// duplicate for the same gate returns ErrConflict.
func (s *Store) CreateApproval(ctx context.Context, a *workflow.Approval) (string, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now()

	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal approval: %w", err)
	}

	key := approvalKey(a.WorkflowID, a.Kind, a.Stage)
	if _, err := s.approvals.Create(ctx, key, data); err != nil {
		if isKeyExists(err) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("store approval: %w", err)
	}

	return a.ID, nil
}

// HasApprovalToApply reports whether at least one apply_patches approval
// exists for the workflow. This is the write gate's only question.
func (s *Store) HasApprovalToApply(ctx context.Context, workflowID string) (bool, error) {
	keys, err := allKeys(ctx, s.approvals)
	if err != nil {
		return false, fmt.Errorf("list approval keys: %w", err)
	}

	prefix := fmt.Sprintf("%s.%s", workflowID, workflow.ApprovalApplyPatches)
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// GetStageApproval returns the approval for a gated stage, or ErrNotFound.
func (s *Store) GetStageApproval(ctx context.Context, workflowID string, stage workflow.Stage) (*workflow.Approval, error) {
	entry, err := s.approvals.Get(ctx, approvalKey(workflowID, workflow.ApprovalStage, stage))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get stage approval: %w", err)
	}

	var a workflow.Approval
	if err := json.Unmarshal(entry.Value(), &a); err != nil {
		return nil, fmt.Errorf("unmarshal approval: %w", err)
	}
	return &a, nil
}

// ListApprovals returns all approvals for a workflow.
func (s *Store) ListApprovals(ctx context.Context, workflowID string) ([]*workflow.Approval, error) {
	keys, err := allKeys(ctx, s.approvals)
	if err != nil {
		return nil, fmt.Errorf("list approval keys: %w", err)
	}

	approvals := make([]*workflow.Approval, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, workflowID+".") {
			continue
		}
		entry, err := s.approvals.Get(ctx, key)
		if err != nil {
			continue
		}
		var a workflow.Approval
		if err := json.Unmarshal(entry.Value(), &a); err != nil {
			continue
		}
		approvals = append(approvals, &a)
	}

	return approvals, nil
}
