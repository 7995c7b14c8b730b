package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/shipwright/policy"
	"github.com/c360studio/shipwright/worker"
	"github.com/c360studio/shipwright/workflow"
)

// SandboxProducer runs the pre-apply checks that need no code host writes:
// every patch diff must parse, and the paths a diff touches must agree with
// the patch's declared file list. Command execution stays out; declared
// commands are surfaced in the result for the human gate.
type SandboxProducer struct {
	store  PatchSetReader
	logger *slog.Logger
}

// NewSandboxProducer creates the sandbox stage producer.
func NewSandboxProducer(store PatchSetReader, logger *slog.Logger) *SandboxProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SandboxProducer{store: store, logger: logger}
}

func (p *SandboxProducer) Stage() workflow.Stage { return workflow.StageSandbox }
func (p *SandboxProducer) JobName() string       { return workflow.JobSandbox }

// Produce verifies the patch set and reports what would run.
func (p *SandboxProducer) Produce(ctx context.Context, sc *worker.StageContext) (*worker.Output, error) {
	ps, err := loadPatchSet(ctx, p.store, sc)
	if err != nil {
		return nil, err
	}

	var commands []string
	filesTouched := 0
	additions, deletions := 0, 0

	for i, patch := range ps.Patches {
		if patch.Diff == "" {
			return nil, fmt.Errorf("patch %d (%s) has no diff", i, patch.Title)
		}
		files := policy.ParseDiff(patch.Diff)
		if len(files) == 0 {
			return nil, fmt.Errorf("patch %d (%s) diff does not parse", i, patch.Title)
		}

		declared := make(map[string]bool, len(patch.Files))
		for _, f := range patch.Files {
			declared[f.Path] = true
		}
		for _, path := range policy.TouchedPaths(files) {
			if len(declared) > 0 && !declared[path] {
				return nil, fmt.Errorf("patch %d (%s) touches undeclared path %s", i, patch.Title, path)
			}
		}

		for _, f := range files {
			filesTouched++
			additions += f.Additions
			deletions += f.Deletions
		}
		commands = append(commands, patch.Commands...)
	}

	p.logger.Info("sandbox checks passed",
		"workflow_id", sc.Workflow.ID,
		"patch_set_id", ps.ID,
		"files", filesTouched)

	return &worker.Output{
		Result: map[string]any{
			"patchSetId":   ps.ID,
			"verdict":      "passed",
			"filesTouched": filesTouched,
			"additions":    additions,
			"deletions":    deletions,
			"commands":     commands,
		},
	}, nil
}

// loadPatchSet resolves the triggering patch set, falling back to the
// workflow's latest.
func loadPatchSet(ctx context.Context, store PatchSetReader, sc *worker.StageContext) (*workflow.PatchSet, error) {
	if sc.PatchSetID != "" {
		ps, err := store.GetPatchSet(ctx, sc.PatchSetID)
		if err != nil {
			return nil, fmt.Errorf("load patch set %s: %w", sc.PatchSetID, err)
		}
		return ps, nil
	}
	ps, err := store.LatestPatchSet(ctx, sc.Workflow.ID)
	if err != nil {
		return nil, fmt.Errorf("load latest patch set: %w", err)
	}
	return ps, nil
}
