package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/shipwright/workflow"
)

// ReplaceViolations overwrites the stored violation set for a patch set.
// The whole set lives under one key, so the replacement is a single write
// and readers never observe a partial set.
func (s *Store) ReplaceViolations(ctx context.Context, set *workflow.ViolationSet) error {
	if set.EvaluatedAt.IsZero() {
		set.EvaluatedAt = time.Now()
	}

	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal violation set: %w", err)
	}

	if _, err := s.violations.Put(ctx, set.PatchSetID, data); err != nil {
		return fmt.Errorf("store violation set: %w", err)
	}

	return nil
}

// GetViolations retrieves the violation set for a patch set, or ErrNotFound
// when the patch set has never been evaluated.
func (s *Store) GetViolations(ctx context.Context, patchSetID string) (*workflow.ViolationSet, error) {
	entry, err := s.violations.Get(ctx, patchSetID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get violation set: %w", err)
	}

	var set workflow.ViolationSet
	if err := json.Unmarshal(entry.Value(), &set); err != nil {
		return nil, fmt.Errorf("unmarshal violation set: %w", err)
	}
	return &set, nil
}

// PolicyEvaluated reports whether a violation set exists for the patch set,
// regardless of its verdict.
func (s *Store) PolicyEvaluated(ctx context.Context, patchSetID string) (bool, error) {
	_, err := s.GetViolations(ctx, patchSetID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
