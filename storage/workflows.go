package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/shipwright/workflow"
)

// CreateWorkflow persists a new workflow and returns its ID. The initial
// state and stage are set here so callers only supply the request fields.
func (s *Store) CreateWorkflow(ctx context.Context, w *workflow.Workflow) (string, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.State == "" {
		w.State = workflow.StateIngested
	}
	if w.Stage == "" {
		w.Stage = workflow.StageIngest
	}
	if w.StageStatus == "" {
		w.StageStatus = workflow.StageStatusPending
	}
	w.CreatedAt = time.Now()
	w.UpdatedAt = w.CreatedAt

	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}

	if _, err := s.workflows.Create(ctx, w.ID, data); err != nil {
		if isKeyExists(err) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("store workflow: %w", err)
	}

	return w.ID, nil
}

// GetWorkflow retrieves a workflow and the KV revision to pass back into
// UpdateWorkflow for compare-and-swap.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, uint64, error) {
	entry, err := s.workflows.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get workflow: %w", err)
	}

	var w workflow.Workflow
	if err := json.Unmarshal(entry.Value(), &w); err != nil {
		return nil, 0, fmt.Errorf("unmarshal workflow: %w", err)
	}

	return &w, entry.Revision(), nil
}

// UpdateWorkflow writes the workflow back only if nobody else has written
// it since the given revision. A lost race returns ErrConflict so the
// caller can re-read and re-decide.
func (s *Store) UpdateWorkflow(ctx context.Context, w *workflow.Workflow, revision uint64) (uint64, error) {
	w.UpdatedAt = time.Now()

	data, err := json.Marshal(w)
	if err != nil {
		return 0, fmt.Errorf("marshal workflow: %w", err)
	}

	rev, err := s.workflows.Update(ctx, w.ID, data, revision)
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("%w: %s", ErrConflict, err)
	}
	return rev, nil
}

// ListWorkflows returns all workflows.
func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	keys, err := allKeys(ctx, s.workflows)
	if err != nil {
		return nil, fmt.Errorf("list workflow keys: %w", err)
	}

	workflows := make([]*workflow.Workflow, 0, len(keys))
	for _, key := range keys {
		entry, err := s.workflows.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var w workflow.Workflow
		if err := json.Unmarshal(entry.Value(), &w); err != nil {
			continue
		}
		workflows = append(workflows, &w)
	}

	return workflows, nil
}

// AcquireLock takes the per-workflow exclusive lock. The returned release
// function must be called on every exit path; a crashed holder expires via
// the lock bucket TTL.
func (s *Store) AcquireLock(ctx context.Context, workflowID string) (func(), error) {
	owner := uuid.New().String()
	rev, err := s.locks.Create(ctx, workflowID, []byte(owner))
	if err != nil {
		if isKeyExists(err) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	release := func() {
		// Best effort: only the revision we created is deleted, so an
		// expired lock re-acquired by someone else is left alone.
		_ = s.locks.Delete(context.Background(), workflowID, jetstream.LastRevision(rev))
	}
	return release, nil
}
