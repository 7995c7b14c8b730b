// Package runs records every stage execution attempt as an auditable run:
// opened with a canonical hash of its inputs, closed as exactly one of
// completed or failed.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/shipwright/canonical"
	"github.com/c360studio/shipwright/workflow"
)

// Store is the persistence surface the recorder needs.
type Store interface {
	CreateRun(ctx context.Context, r *workflow.Run) error
	GetRun(ctx context.Context, id string) (*workflow.Run, error)
	UpdateRun(ctx context.Context, r *workflow.Run) error
	FindRunsByInputHash(ctx context.Context, inputHash string) ([]*workflow.Run, error)
	ListRunsByWorkflow(ctx context.Context, workflowID string) ([]*workflow.Run, error)
	ListRunsSince(ctx context.Context, since time.Time) ([]*workflow.Run, error)
}

// Recorder opens, completes, and fails run records.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a run recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// StartRun opens a run with status running and returns its ID. The input
// hash is the SHA-256 of the canonical JSON form of inputs, independent of
// the run ID and all timestamps, so identical inputs always collide.
func (r *Recorder) StartRun(ctx context.Context, workflowID, jobName string, inputs map[string]any) (string, error) {
	inputHash, err := canonical.Hash(inputs)
	if err != nil {
		return "", fmt.Errorf("hash run inputs: %w", err)
	}

	run := &workflow.Run{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		JobName:    jobName,
		Status:     workflow.RunRunning,
		InputHash:  inputHash,
		Inputs:     inputs,
		StartedAt:  time.Now(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	r.logger.Debug("run started",
		"run_id", run.ID,
		"workflow_id", workflowID,
		"job", jobName,
		"input_hash", inputHash)
	return run.ID, nil
}

// CompleteRun closes a run as completed with its outputs.
func (r *Recorder) CompleteRun(ctx context.Context, runID string, outputs map[string]any) error {
	return r.finish(ctx, runID, workflow.RunCompleted, outputs, "")
}

// FailRun closes a run as failed with the error message.
func (r *Recorder) FailRun(ctx context.Context, runID, errorMsg string) error {
	return r.finish(ctx, runID, workflow.RunFailed, nil, errorMsg)
}

func (r *Recorder) finish(ctx context.Context, runID string, status workflow.RunStatus, outputs map[string]any, errorMsg string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	now := time.Now()
	run.Status = status
	run.Outputs = outputs
	run.ErrorMsg = errorMsg
	run.CompletedAt = &now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()

	if err := r.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}

	r.logger.Debug("run finished",
		"run_id", runID,
		"status", status,
		"duration_ms", run.DurationMs)
	return nil
}

// AddUsage accumulates LLM consumption onto a running run.
func (r *Recorder) AddUsage(ctx context.Context, runID string, usage workflow.RunUsage) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	run.Usage.InputTokens += usage.InputTokens
	run.Usage.OutputTokens += usage.OutputTokens
	run.Usage.CostUSD += usage.CostUSD

	if err := r.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return nil
}

// FindRunsByInputHash returns all completed runs with identical inputs.
// Callers may treat this as a cache key; nothing short-circuits here.
func (r *Recorder) FindRunsByInputHash(ctx context.Context, inputHash string) ([]*workflow.Run, error) {
	return r.store.FindRunsByInputHash(ctx, inputHash)
}

// ActiveRun is the scoped form of a run: Finish guarantees the record never
// lingers in the running state, whichever exit path the worker takes.
type ActiveRun struct {
	rec    *Recorder
	ID     string
	closed bool
}

// Begin opens a run and returns a scope. Callers defer Finish and call
// Complete or Fail explicitly; Finish fails the run if neither happened.
func (r *Recorder) Begin(ctx context.Context, workflowID, jobName string, inputs map[string]any) (*ActiveRun, error) {
	id, err := r.StartRun(ctx, workflowID, jobName, inputs)
	if err != nil {
		return nil, err
	}
	return &ActiveRun{rec: r, ID: id}, nil
}

// Complete closes the run as completed.
func (a *ActiveRun) Complete(ctx context.Context, outputs map[string]any) error {
	a.closed = true
	return a.rec.CompleteRun(ctx, a.ID, outputs)
}

// Fail closes the run as failed.
func (a *ActiveRun) Fail(ctx context.Context, errorMsg string) error {
	a.closed = true
	return a.rec.FailRun(ctx, a.ID, errorMsg)
}

// AddUsage accumulates LLM consumption onto the run.
func (a *ActiveRun) AddUsage(ctx context.Context, usage workflow.RunUsage) error {
	return a.rec.AddUsage(ctx, a.ID, usage)
}

// Finish marks the run failed if no explicit close happened.
func (a *ActiveRun) Finish(ctx context.Context) {
	if a.closed {
		return
	}
	if err := a.rec.FailRun(ctx, a.ID, "run abandoned without completion"); err != nil {
		a.rec.logger.Error("failed to close abandoned run", "run_id", a.ID, "error", err)
	}
	a.closed = true
}
