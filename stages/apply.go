package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/shipwright/githost"
	"github.com/c360studio/shipwright/policy"
	"github.com/c360studio/shipwright/worker"
	"github.com/c360studio/shipwright/workflow"
)

// ApplyStore is the patch set surface the apply stage needs.
type ApplyStore interface {
	PatchSetReader
	UpdatePatchSetStatus(ctx context.Context, id string, status workflow.PatchSetStatus) error
}

// ApplyProducer writes the approved patch set to the code host: a branch
// off the recorded base SHA, one commit per file, and a pull request. All
// writes go through the gated writer, so a missing apply approval blocks
// the whole stage.
type ApplyProducer struct {
	gated  *githost.Gated
	reader githost.Reader
	store  ApplyStore
	logger *slog.Logger
}

// NewApplyProducer creates the apply stage producer.
func NewApplyProducer(gated *githost.Gated, reader githost.Reader, store ApplyStore, logger *slog.Logger) *ApplyProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApplyProducer{gated: gated, reader: reader, store: store, logger: logger}
}

func (p *ApplyProducer) Stage() workflow.Stage { return workflow.StagePR }
func (p *ApplyProducer) JobName() string       { return workflow.JobApplyPatches }

// Produce applies every patch and opens the pull request. The result
// carries the pull request number the orchestrator looks for.
func (p *ApplyProducer) Produce(ctx context.Context, sc *worker.StageContext) (*worker.Output, error) {
	wf := sc.Workflow
	repo, ok := wf.PrimaryRepo()
	if !ok {
		return nil, fmt.Errorf("workflow %s has no target repository", wf.ID)
	}

	ps, err := loadPatchSet(ctx, p.store, sc)
	if err != nil {
		return nil, err
	}

	baseSha := ps.BaseSha
	if baseSha == "" {
		baseSha = wf.BaseSha
	}
	if baseSha == "" {
		return nil, fmt.Errorf("patch set %s has no base SHA", ps.ID)
	}

	branch := githost.BranchName(wf.ID, ps.ID)
	if err := p.gated.CreateBranch(ctx, wf.ID, repo.Owner, repo.Name, branch, baseSha); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", branch, err)
	}

	filesWritten := 0
	for _, patch := range ps.Patches {
		n, err := p.applyPatch(ctx, wf.ID, repo, branch, baseSha, patch)
		if err != nil {
			return nil, err
		}
		filesWritten += n
	}

	baseBranch := repo.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	pr, err := p.gated.OpenPullRequest(ctx, wf.ID, repo.Owner, repo.Name, githost.NewPullRequest{
		Title: ps.Title,
		Body:  prBody(wf, ps),
		Head:  branch,
		Base:  baseBranch,
	})
	if err != nil {
		return nil, fmt.Errorf("open pull request: %w", err)
	}

	if err := p.store.UpdatePatchSetStatus(ctx, ps.ID, workflow.PatchSetApproved); err != nil {
		p.logger.Warn("mark patch set applied failed", "patch_set_id", ps.ID, "error", err)
	}

	p.logger.Info("pull request open",
		"workflow_id", wf.ID,
		"patch_set_id", ps.ID,
		"pr", pr.Number,
		"files", filesWritten)

	return &worker.Output{
		Result: map[string]any{
			"patchSetId": ps.ID,
			"branch":     branch,
			"prNumber":   pr.Number,
			"prUrl":      pr.URL,
			"files":      filesWritten,
		},
	}, nil
}

// applyPatch writes one patch's file diffs onto the branch and returns how
// many files it touched.
func (p *ApplyProducer) applyPatch(ctx context.Context, workflowID string, repo workflow.Repo, branch, baseSha string, patch workflow.Patch) (int, error) {
	files := policy.ParseDiff(patch.Diff)
	if len(files) == 0 {
		return 0, fmt.Errorf("patch %s has no applicable diff", patch.Title)
	}

	message := patch.Title
	if message == "" {
		message = "Apply proposed changes"
	}

	written := 0
	for _, fd := range files {
		switch {
		case fd.IsDeleted:
			existing, err := p.reader.GetFileContents(ctx, repo.Owner, repo.Name, fd.Path, baseSha)
			if err != nil {
				return written, fmt.Errorf("load %s for delete: %w", fd.Path, err)
			}
			err = p.gated.DeleteFile(ctx, workflowID, repo.Owner, repo.Name, githost.FileChange{
				Path:    fd.Path,
				Branch:  branch,
				Message: message,
				SHA:     existing.SHA,
			})
			if err != nil {
				return written, fmt.Errorf("delete %s: %w", fd.Path, err)
			}

		case fd.IsNew:
			content, err := applyFileDiff("", fd)
			if err != nil {
				return written, err
			}
			err = p.gated.UpdateFile(ctx, workflowID, repo.Owner, repo.Name, githost.FileChange{
				Path:    fd.Path,
				Branch:  branch,
				Content: []byte(content),
				Message: message,
			})
			if err != nil {
				return written, fmt.Errorf("create %s: %w", fd.Path, err)
			}

		default:
			loadPath := fd.Path
			if fd.IsRename && fd.OldPath != "" {
				loadPath = fd.OldPath
			}
			existing, err := p.reader.GetFileContents(ctx, repo.Owner, repo.Name, loadPath, baseSha)
			if err != nil {
				return written, fmt.Errorf("load %s: %w", loadPath, err)
			}
			content, err := applyFileDiff(string(existing.Content), fd)
			if err != nil {
				return written, err
			}
			change := githost.FileChange{
				Path:    fd.Path,
				Branch:  branch,
				Content: []byte(content),
				Message: message,
				SHA:     existing.SHA,
			}
			if fd.IsRename && fd.OldPath != fd.Path {
				// The new path is a fresh blob; the old one goes away.
				change.SHA = ""
			}
			if err := p.gated.UpdateFile(ctx, workflowID, repo.Owner, repo.Name, change); err != nil {
				return written, fmt.Errorf("update %s: %w", fd.Path, err)
			}
			if fd.IsRename && fd.OldPath != "" && fd.OldPath != fd.Path {
				err := p.gated.DeleteFile(ctx, workflowID, repo.Owner, repo.Name, githost.FileChange{
					Path:    fd.OldPath,
					Branch:  branch,
					Message: message,
					SHA:     existing.SHA,
				})
				if err != nil {
					return written, fmt.Errorf("remove renamed file %s: %w", fd.OldPath, err)
				}
			}
		}
		written++
	}
	return written, nil
}

func prBody(wf *workflow.Workflow, ps *workflow.PatchSet) string {
	body := wf.FeatureGoal
	if wf.BusinessJustification != "" {
		body += "\n\n" + wf.BusinessJustification
	}
	body += "\n\n---\n"
	for _, p := range ps.Patches {
		if p.Summary != "" {
			body += fmt.Sprintf("\n- %s: %s", p.Title, p.Summary)
		} else {
			body += fmt.Sprintf("\n- %s", p.Title)
		}
	}
	return body
}
