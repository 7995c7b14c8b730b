package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/shipwright/githost"
	"github.com/c360studio/shipwright/worker"
	"github.com/c360studio/shipwright/workflow"
)

// fakeHost is an in-memory code host implementing both read and write
// surfaces.
type fakeHost struct {
	branches map[string]string // branch -> head sha
	tree     []githost.TreeEntry
	files    map[string]string // path -> content at the base sha

	createdBranches []string
	updates         []githost.FileChange
	deletes         []githost.FileChange
	openedPRs       []githost.NewPullRequest
	nextPRNumber    int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		branches:     map[string]string{},
		files:        map[string]string{},
		nextPRNumber: 1,
	}
}

func (f *fakeHost) GetBranch(_ context.Context, _, _, branch string) (*githost.Branch, error) {
	sha, ok := f.branches[branch]
	if !ok {
		return nil, fmt.Errorf("branch %s not found", branch)
	}
	return &githost.Branch{Name: branch, SHA: sha}, nil
}

func (f *fakeHost) GetTree(_ context.Context, _, _, _ string) ([]githost.TreeEntry, error) {
	return f.tree, nil
}

func (f *fakeHost) GetFileContents(_ context.Context, _, _, path, _ string) (*githost.FileContents, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("file %s not found", path)
	}
	return &githost.FileContents{Path: path, SHA: "blob-" + path, Content: []byte(content)}, nil
}

func (f *fakeHost) ListWorkflowRuns(_ context.Context, _, _, _ string) ([]githost.WorkflowRun, error) {
	return nil, nil
}

func (f *fakeHost) GetWorkflowRunJobs(_ context.Context, _, _ string, _ int64) ([]githost.WorkflowJob, error) {
	return nil, nil
}

func (f *fakeHost) CreateBranch(_ context.Context, _, _, branch, _ string) error {
	f.createdBranches = append(f.createdBranches, branch)
	return nil
}

func (f *fakeHost) UpdateFile(_ context.Context, _, _ string, change githost.FileChange) error {
	f.updates = append(f.updates, change)
	return nil
}

func (f *fakeHost) DeleteFile(_ context.Context, _, _ string, change githost.FileChange) error {
	f.deletes = append(f.deletes, change)
	return nil
}

func (f *fakeHost) OpenPullRequest(_ context.Context, _, _ string, pr githost.NewPullRequest) (*githost.PullRequest, error) {
	f.openedPRs = append(f.openedPRs, pr)
	n := f.nextPRNumber
	f.nextPRNumber++
	return &githost.PullRequest{Number: n, URL: fmt.Sprintf("https://example.test/pr/%d", n), State: "open", Head: pr.Head}, nil
}

func (f *fakeHost) DispatchWorkflow(_ context.Context, _, _, _, _ string) error {
	return nil
}

// fakeWorkflowStore backs the ingest stage's CAS update.
type fakeWorkflowStore struct {
	workflow *workflow.Workflow
	revision uint64
}

func (s *fakeWorkflowStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, uint64, error) {
	if s.workflow == nil || s.workflow.ID != id {
		return nil, 0, errors.New("workflow not found")
	}
	cp := *s.workflow
	return &cp, s.revision, nil
}

func (s *fakeWorkflowStore) UpdateWorkflow(_ context.Context, w *workflow.Workflow, revision uint64) (uint64, error) {
	if revision != s.revision {
		return 0, errors.New("revision conflict")
	}
	cp := *w
	s.workflow = &cp
	s.revision++
	return s.revision, nil
}

// fakePatchSets holds patch sets for the policy, sandbox, and apply stages.
type fakePatchSets struct {
	sets     map[string]*workflow.PatchSet
	statuses map[string]workflow.PatchSetStatus
	created  []*workflow.PatchSet
}

func newFakePatchSets(sets ...*workflow.PatchSet) *fakePatchSets {
	f := &fakePatchSets{
		sets:     map[string]*workflow.PatchSet{},
		statuses: map[string]workflow.PatchSetStatus{},
	}
	for _, ps := range sets {
		f.sets[ps.ID] = ps
	}
	return f
}

func (f *fakePatchSets) GetPatchSet(_ context.Context, id string) (*workflow.PatchSet, error) {
	ps, ok := f.sets[id]
	if !ok {
		return nil, fmt.Errorf("patch set %s not found", id)
	}
	return ps, nil
}

func (f *fakePatchSets) LatestPatchSet(_ context.Context, workflowID string) (*workflow.PatchSet, error) {
	for _, ps := range f.sets {
		if ps.WorkflowID == workflowID {
			return ps, nil
		}
	}
	return nil, errors.New("no patch sets")
}

func (f *fakePatchSets) CreatePatchSet(_ context.Context, ps *workflow.PatchSet) (string, error) {
	f.sets[ps.ID] = ps
	f.created = append(f.created, ps)
	return ps.ID, nil
}

func (f *fakePatchSets) UpdatePatchSetStatus(_ context.Context, id string, status workflow.PatchSetStatus) error {
	if _, ok := f.sets[id]; !ok {
		return fmt.Errorf("patch set %s not found", id)
	}
	f.statuses[id] = status
	return nil
}

// capturedEvents records published orchestrator events.
type capturedEvents struct {
	events []*workflow.Event
}

func (c *capturedEvents) PublishEvent(_ context.Context, ev *workflow.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func stageWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:          "wf-1",
		State:       workflow.StateIngested,
		Stage:       workflow.StageIngest,
		StageStatus: workflow.StageStatusPending,
		FeatureGoal: "add a health endpoint",
		Repos: []workflow.Repo{
			{Owner: "acme", Name: "api", BaseBranch: "main", Role: workflow.RepoRolePrimary},
		},
	}
}

func stageContext(wf *workflow.Workflow) *worker.StageContext {
	return &worker.StageContext{
		Workflow:  wf,
		Artifacts: map[workflow.ArtifactKind]*workflow.Artifact{},
	}
}
