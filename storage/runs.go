package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/c360studio/shipwright/workflow"
)

// CreateRun persists a new run record. The caller assigns the ID and the
// input hash; the run recorder owns that protocol.
func (s *Store) CreateRun(ctx context.Context, r *workflow.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	if _, err := s.runs.Create(ctx, r.ID, data); err != nil {
		if isKeyExists(err) {
			return ErrConflict
		}
		return fmt.Errorf("store run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	entry, err := s.runs.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	var r workflow.Run
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &r, nil
}

// UpdateRun writes a run back after completion or failure.
func (s *Store) UpdateRun(ctx context.Context, r *workflow.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	if _, err := s.runs.Put(ctx, r.ID, data); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// ListRunsByWorkflow returns all runs for a workflow, oldest first.
func (s *Store) ListRunsByWorkflow(ctx context.Context, workflowID string) ([]*workflow.Run, error) {
	return s.scanRuns(ctx, func(r *workflow.Run) bool {
		return r.WorkflowID == workflowID
	})
}

// FindRunsByInputHash returns all completed runs whose inputs hashed to the
// given value. Callers may use this as a cache key; nothing here
// short-circuits automatically.
func (s *Store) FindRunsByInputHash(ctx context.Context, inputHash string) ([]*workflow.Run, error) {
	return s.scanRuns(ctx, func(r *workflow.Run) bool {
		return r.InputHash == inputHash && r.Status == workflow.RunCompleted
	})
}

// ListRunsSince returns all runs started at or after the given time, used
// for day-level cost ceilings.
func (s *Store) ListRunsSince(ctx context.Context, since time.Time) ([]*workflow.Run, error) {
	return s.scanRuns(ctx, func(r *workflow.Run) bool {
		return !r.StartedAt.Before(since)
	})
}

func (s *Store) scanRuns(ctx context.Context, keep func(*workflow.Run) bool) ([]*workflow.Run, error) {
	keys, err := allKeys(ctx, s.runs)
	if err != nil {
		return nil, fmt.Errorf("list run keys: %w", err)
	}

	runs := make([]*workflow.Run, 0)
	for _, key := range keys {
		entry, err := s.runs.Get(ctx, key)
		if err != nil {
			continue
		}
		var r workflow.Run
		if err := json.Unmarshal(entry.Value(), &r); err != nil {
			continue
		}
		if keep(&r) {
			runs = append(runs, &r)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})

	return runs, nil
}
