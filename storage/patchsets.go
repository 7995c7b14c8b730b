package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/shipwright/workflow"
)

// CreatePatchSet persists a new patch set in the proposed status and
// returns its ID.
func (s *Store) CreatePatchSet(ctx context.Context, ps *workflow.PatchSet) (string, error) {
	if ps.ID == "" {
		ps.ID = uuid.New().String()
	}
	if ps.Status == "" {
		ps.Status = workflow.PatchSetProposed
	}
	ps.CreatedAt = time.Now()

	data, err := json.Marshal(ps)
	if err != nil {
		return "", fmt.Errorf("marshal patch set: %w", err)
	}

	if _, err := s.patchSets.Create(ctx, ps.ID, data); err != nil {
		if isKeyExists(err) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("store patch set: %w", err)
	}

	return ps.ID, nil
}

// GetPatchSet retrieves a patch set by ID.
func (s *Store) GetPatchSet(ctx context.Context, id string) (*workflow.PatchSet, error) {
	entry, err := s.patchSets.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get patch set: %w", err)
	}

	var ps workflow.PatchSet
	if err := json.Unmarshal(entry.Value(), &ps); err != nil {
		return nil, fmt.Errorf("unmarshal patch set: %w", err)
	}

	return &ps, nil
}

// UpdatePatchSetStatus records the human decision on a patch set.
func (s *Store) UpdatePatchSetStatus(ctx context.Context, id string, status workflow.PatchSetStatus) error {
	ps, err := s.GetPatchSet(ctx, id)
	if err != nil {
		return err
	}

	ps.Status = status

	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("marshal patch set: %w", err)
	}

	if _, err := s.patchSets.Put(ctx, id, data); err != nil {
		return fmt.Errorf("update patch set: %w", err)
	}

	return nil
}

// ListPatchSets returns all patch sets for a workflow, oldest first.
func (s *Store) ListPatchSets(ctx context.Context, workflowID string) ([]*workflow.PatchSet, error) {
	keys, err := allKeys(ctx, s.patchSets)
	if err != nil {
		return nil, fmt.Errorf("list patch set keys: %w", err)
	}

	sets := make([]*workflow.PatchSet, 0)
	for _, key := range keys {
		entry, err := s.patchSets.Get(ctx, key)
		if err != nil {
			continue
		}
		var ps workflow.PatchSet
		if err := json.Unmarshal(entry.Value(), &ps); err != nil {
			continue
		}
		if ps.WorkflowID == workflowID {
			sets = append(sets, &ps)
		}
	}

	sort.Slice(sets, func(i, j int) bool {
		return sets[i].CreatedAt.Before(sets[j].CreatedAt)
	})

	return sets, nil
}

// LatestPatchSet returns the most recently created patch set for a
// workflow, or ErrNotFound.
func (s *Store) LatestPatchSet(ctx context.Context, workflowID string) (*workflow.PatchSet, error) {
	sets, err := s.ListPatchSets(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, ErrNotFound
	}
	return sets[len(sets)-1], nil
}
