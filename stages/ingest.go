// Package stages wires the pipeline's stage producers: repo context
// ingestion, the model-backed planning stages, patch proposal through the
// agent coordinator, policy evaluation, sandbox checks, and the gated apply
// that opens the pull request.
package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/c360studio/shipwright/githost"
	"github.com/c360studio/shipwright/worker"
	"github.com/c360studio/shipwright/workflow"
)

// WorkflowStore is the slice of storage the ingest stage writes through.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, uint64, error)
	UpdateWorkflow(ctx context.Context, w *workflow.Workflow, revision uint64) (uint64, error)
}

// Defaults for repo sampling. The context fed to the planning stages stays
// bounded no matter how large the repository is.
const (
	defaultMaxContextFiles = 12
	defaultMaxFileBytes    = 64 * 1024
	updateAttempts         = 3
)

// IngestProducer snapshots the primary repository: base branch head, tree
// layout, and a sample of the files that describe the project. The summary
// lands on the workflow as RepoContext for the planning stages.
type IngestProducer struct {
	reader       githost.Reader
	store        WorkflowStore
	maxFiles     int
	maxFileBytes int64
	logger       *slog.Logger
}

// IngestOption configures an IngestProducer.
type IngestOption func(*IngestProducer)

// WithMaxContextFiles caps how many files are sampled into the context.
func WithMaxContextFiles(n int) IngestOption {
	return func(p *IngestProducer) { p.maxFiles = n }
}

// WithIngestLogger sets the logger.
func WithIngestLogger(logger *slog.Logger) IngestOption {
	return func(p *IngestProducer) { p.logger = logger }
}

// NewIngestProducer creates the ingest stage producer.
func NewIngestProducer(reader githost.Reader, store WorkflowStore, opts ...IngestOption) *IngestProducer {
	p := &IngestProducer{
		reader:       reader,
		store:        store,
		maxFiles:     defaultMaxContextFiles,
		maxFileBytes: defaultMaxFileBytes,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *IngestProducer) Stage() workflow.Stage { return workflow.StageIngest }
func (p *IngestProducer) JobName() string       { return workflow.JobIngestContext }

// Produce reads the repo and persists BaseSha and RepoContext on the
// workflow. No versioned artifact is written; the result summarizes what
// was sampled.
func (p *IngestProducer) Produce(ctx context.Context, sc *worker.StageContext) (*worker.Output, error) {
	repo, ok := sc.Workflow.PrimaryRepo()
	if !ok {
		return nil, fmt.Errorf("workflow %s has no target repository", sc.Workflow.ID)
	}
	baseBranch := repo.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	branch, err := p.reader.GetBranch(ctx, repo.Owner, repo.Name, baseBranch)
	if err != nil {
		return nil, fmt.Errorf("resolve base branch %s: %w", baseBranch, err)
	}

	entries, err := p.reader.GetTree(ctx, repo.Owner, repo.Name, branch.SHA)
	if err != nil {
		return nil, fmt.Errorf("list repository tree: %w", err)
	}

	picked := pickContextFiles(entries, p.maxFiles, p.maxFileBytes)

	var b strings.Builder
	fmt.Fprintf(&b, "Repository %s/%s at %s (%d files)\n\n", repo.Owner, repo.Name, branch.SHA, countBlobs(entries))
	writeLayout(&b, entries)

	sampled := 0
	for _, path := range picked {
		fc, err := p.reader.GetFileContents(ctx, repo.Owner, repo.Name, path, branch.SHA)
		if err != nil {
			p.logger.Warn("context file skipped", "path", path, "error", err)
			continue
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", path, strings.TrimRight(string(fc.Content), "\n"))
		sampled++
	}

	if err := p.persist(ctx, sc.Workflow.ID, branch.SHA, b.String()); err != nil {
		return nil, err
	}
	sc.Workflow.BaseSha = branch.SHA
	sc.Workflow.RepoContext = b.String()

	return &worker.Output{
		Result: map[string]any{
			"baseSha":      branch.SHA,
			"baseBranch":   baseBranch,
			"treeSize":     len(entries),
			"filesSampled": sampled,
		},
	}, nil
}

// persist writes BaseSha and RepoContext with a small CAS retry; the
// orchestrator may touch the workflow concurrently.
func (p *IngestProducer) persist(ctx context.Context, workflowID, baseSha, repoContext string) error {
	var lastErr error
	for range updateAttempts {
		wf, rev, err := p.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("reload workflow: %w", err)
		}
		wf.BaseSha = baseSha
		wf.RepoContext = repoContext
		_, err = p.store.UpdateWorkflow(ctx, wf, rev)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("persist repo context: %w", lastErr)
}

// contextFileNames are sampled when present, in priority order.
var contextFileNames = []string{
	"README.md",
	"README",
	"go.mod",
	"package.json",
	"pyproject.toml",
	"Cargo.toml",
	"pom.xml",
	"Makefile",
	"Dockerfile",
	"docker-compose.yml",
	"CONTRIBUTING.md",
	"ARCHITECTURE.md",
}

// pickContextFiles selects up to max blobs that describe the project:
// well-known manifests first, then top-level documentation.
func pickContextFiles(entries []githost.TreeEntry, max int, maxBytes int64) []string {
	blobs := make(map[string]githost.TreeEntry)
	for _, e := range entries {
		if e.Type == "blob" {
			blobs[e.Path] = e
		}
	}

	var picked []string
	take := func(path string) {
		e, ok := blobs[path]
		if !ok || len(picked) >= max {
			return
		}
		if maxBytes > 0 && e.Size > maxBytes {
			return
		}
		delete(blobs, path)
		picked = append(picked, path)
	}

	for _, name := range contextFileNames {
		take(name)
	}

	// Fill remaining slots with top-level markdown, smallest first.
	var docs []githost.TreeEntry
	for path, e := range blobs {
		if !strings.Contains(path, "/") && strings.HasSuffix(path, ".md") {
			docs = append(docs, e)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Size < docs[j].Size })
	for _, e := range docs {
		take(e.Path)
	}

	return picked
}

func countBlobs(entries []githost.TreeEntry) int {
	n := 0
	for _, e := range entries {
		if e.Type == "blob" {
			n++
		}
	}
	return n
}

// writeLayout renders the top-level directory shape with file counts.
func writeLayout(b *strings.Builder, entries []githost.TreeEntry) {
	counts := make(map[string]int)
	var rootFiles []string
	for _, e := range entries {
		if e.Type != "blob" {
			continue
		}
		if i := strings.Index(e.Path, "/"); i >= 0 {
			counts[e.Path[:i]]++
		} else {
			rootFiles = append(rootFiles, e.Path)
		}
	}

	dirs := make([]string, 0, len(counts))
	for d := range counts {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	sort.Strings(rootFiles)

	b.WriteString("Layout:\n")
	for _, d := range dirs {
		fmt.Fprintf(b, "  %s/ (%d files)\n", d, counts[d])
	}
	for _, f := range rootFiles {
		fmt.Fprintf(b, "  %s\n", f)
	}
}
