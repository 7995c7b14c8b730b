package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/shipwright/policy"
	"github.com/c360studio/shipwright/workflow"
)

// Strategy names a coordination mode for running selected agents.
type Strategy string

const (
	// StrategyParallel runs all candidates concurrently on the full file
	// set and merges with conflict resolution.
	StrategyParallel Strategy = "parallel"
	// StrategySequential runs agents one after another; each sees the
	// patches proposed so far as extra context.
	StrategySequential Strategy = "sequential"
	// StrategyPriority runs agents best-score first; each only sees files
	// not yet handled by a higher-priority agent.
	StrategyPriority Strategy = "priority"
	// StrategySpecialized partitions target files by type and dispatches
	// each partition to the matching agent type.
	StrategySpecialized Strategy = "specialized"
)

// ErrProposalRejected is returned when the merged diff fails the policy
// gate; the patch set is not persisted.
var ErrProposalRejected = errors.New("PROPOSAL_REJECTED")

// defaultThreshold filters out agents with no plausible scope match.
const defaultThreshold = 0.55

// Coordinator runs selected agents under a strategy and merges their
// proposals into a single policy-checked patch set.
type Coordinator struct {
	registry   *Registry
	strategy   Strategy
	resolution Resolution
	threshold  float64
	gate       *policy.Config
	logger     *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithStrategy selects the coordination strategy.
func WithStrategy(s Strategy) CoordinatorOption {
	return func(c *Coordinator) { c.strategy = s }
}

// WithResolution selects the conflict resolution policy.
func WithResolution(r Resolution) CoordinatorOption {
	return func(c *Coordinator) { c.resolution = r }
}

// WithThreshold sets the minimum candidate score.
func WithThreshold(t float64) CoordinatorOption {
	return func(c *Coordinator) { c.threshold = t }
}

// WithGate enables the pre-persistence policy check on the merged diff.
func WithGate(cfg *policy.Config) CoordinatorOption {
	return func(c *Coordinator) { c.gate = cfg }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator creates a coordinator over a registry. Defaults: parallel
// strategy, first-wins resolution, no policy gate.
func NewCoordinator(registry *Registry, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		registry:   registry,
		strategy:   StrategyParallel,
		resolution: ResolutionFirstWins,
		threshold:  defaultThreshold,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result is the coordinator's output for one task.
type Result struct {
	PatchSet  *workflow.PatchSet
	Conflicts []PatchConflict
	Agents    []string
}

// Propose selects candidates, runs them under the configured strategy,
// resolves conflicts, merges, and checks the merged diff against policy.
func (c *Coordinator) Propose(ctx context.Context, workflowID, baseSha string, task Task) (*Result, error) {
	candidates := SelectCandidates(ctx, c.registry, task, c.threshold, c.logger)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no agents qualified for task %s", task.ID)
	}

	var proposals []*Proposal
	var err error
	switch c.strategy {
	case StrategySequential:
		proposals, err = c.runSequential(ctx, candidates, task)
	case StrategyPriority:
		proposals, err = c.runPriority(ctx, candidates, task)
	case StrategySpecialized:
		proposals, err = c.runSpecialized(ctx, candidates, task)
	default:
		proposals, err = c.runParallel(ctx, candidates, task)
	}
	if err != nil {
		return nil, err
	}
	if len(proposals) == 0 {
		return nil, fmt.Errorf("no proposals produced for task %s", task.ID)
	}

	conflicts := DetectConflicts(proposals, c.resolution)
	ResolveConflicts(proposals, conflicts)

	ps := Merge(workflowID, baseSha, proposals)

	if c.gate != nil {
		result := policy.EvaluatePatchSet(ps, c.gate)
		if result.HasBlocking() {
			c.logger.Warn("merged proposal rejected by policy",
				"workflow_id", workflowID,
				"task", task.ID,
				"blocking", result.BlockingCount)
			return nil, fmt.Errorf("%w: %s", ErrProposalRejected, result.Summary)
		}
	}

	agentIDs := make([]string, 0, len(proposals))
	for _, p := range proposals {
		agentIDs = append(agentIDs, p.AgentID)
	}
	sort.Strings(agentIDs)

	return &Result{PatchSet: ps, Conflicts: conflicts, Agents: agentIDs}, nil
}

// runParallel runs every candidate concurrently on the full file set.
// Proposals keep candidate order so first-wins resolution favors the best
// score.
func (c *Coordinator) runParallel(ctx context.Context, candidates []Candidate, task Task) ([]*Proposal, error) {
	results := make([]*Proposal, len(candidates))
	var mu sync.Mutex
	var failures int

	g, gctx := errgroup.WithContext(ctx)
	for i, cand := range candidates {
		g.Go(func() error {
			prop, err := cand.Agent.Propose(gctx, task)
			if err != nil {
				c.logger.Warn("agent proposal failed",
					"agent", cand.Agent.ID(), "task", task.ID, "error", err)
				mu.Lock()
				failures++
				mu.Unlock()
				return nil
			}
			results[i] = prop
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var proposals []*Proposal
	for _, p := range results {
		if p != nil {
			proposals = append(proposals, p)
		}
	}
	if len(proposals) == 0 && failures > 0 {
		return nil, fmt.Errorf("all %d agents failed for task %s", failures, task.ID)
	}
	return proposals, nil
}

// runSequential runs agents in order, feeding each one the patches proposed
// so far as extra context.
func (c *Coordinator) runSequential(ctx context.Context, candidates []Candidate, task Task) ([]*Proposal, error) {
	var proposals []*Proposal
	var priorWork strings.Builder

	for _, cand := range candidates {
		t := task
		if priorWork.Len() > 0 {
			t.Context = task.Context + "\n\nPatches proposed so far:\n" + priorWork.String()
		}

		prop, err := cand.Agent.Propose(ctx, t)
		if err != nil {
			c.logger.Warn("agent proposal failed",
				"agent", cand.Agent.ID(), "task", task.ID, "error", err)
			continue
		}
		proposals = append(proposals, prop)

		for _, patch := range prop.Patches {
			fmt.Fprintf(&priorWork, "- %s (%s)\n", patch.Title, cand.Agent.ID())
			for _, fc := range patch.Files {
				fmt.Fprintf(&priorWork, "  %s %s\n", fc.Action, fc.Path)
			}
		}
	}
	return proposals, nil
}

// runPriority runs agents best-score first; each only sees files no
// higher-priority agent has claimed.
func (c *Coordinator) runPriority(ctx context.Context, candidates []Candidate, task Task) ([]*Proposal, error) {
	claimed := make(map[string]struct{})
	var proposals []*Proposal

	for _, cand := range candidates {
		t := task
		t.TargetFiles = nil
		for _, f := range task.TargetFiles {
			if _, taken := claimed[f]; !taken {
				t.TargetFiles = append(t.TargetFiles, f)
			}
		}
		if len(task.TargetFiles) > 0 && len(t.TargetFiles) == 0 {
			break
		}

		prop, err := cand.Agent.Propose(ctx, t)
		if err != nil {
			c.logger.Warn("agent proposal failed",
				"agent", cand.Agent.ID(), "task", task.ID, "error", err)
			continue
		}
		proposals = append(proposals, prop)

		for _, patch := range prop.Patches {
			for _, fc := range patch.Files {
				claimed[fc.Path] = struct{}{}
			}
		}
	}
	return proposals, nil
}

// runSpecialized partitions target files by type and dispatches each
// partition to the best agent of the matching type.
func (c *Coordinator) runSpecialized(ctx context.Context, candidates []Candidate, task Task) ([]*Proposal, error) {
	partitions := partitionFiles(task.TargetFiles)

	byType := make(map[string]Agent)
	for _, cand := range candidates {
		if _, ok := byType[cand.Agent.Type()]; !ok {
			byType[cand.Agent.Type()] = cand.Agent
		}
	}

	// Stable dispatch order.
	types := make([]string, 0, len(partitions))
	for t := range partitions {
		types = append(types, t)
	}
	sort.Strings(types)

	var proposals []*Proposal
	for _, partType := range types {
		agent, ok := byType[partType]
		if !ok {
			// Unmatched partitions fall to the backend agent when present.
			if agent, ok = byType[TypeBackend]; !ok {
				c.logger.Debug("no agent for partition", "partition", partType)
				continue
			}
		}

		t := task
		t.TargetFiles = partitions[partType]
		prop, err := agent.Propose(ctx, t)
		if err != nil {
			c.logger.Warn("agent proposal failed",
				"agent", agent.ID(), "task", task.ID, "error", err)
			continue
		}
		proposals = append(proposals, prop)
	}
	return proposals, nil
}

// partitionFiles buckets paths into frontend/backend/test/docs/other.
func partitionFiles(files []string) map[string][]string {
	parts := make(map[string][]string)
	for _, f := range files {
		parts[fileType(f)] = append(parts[fileType(f)], f)
	}
	return parts
}

func fileType(file string) string {
	base := path.Base(file)
	ext := path.Ext(file)

	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.Contains(file, "/test/"), strings.Contains(file, "/tests/"),
		strings.HasSuffix(base, ".test.ts"), strings.HasSuffix(base, ".spec.ts"):
		return TypeTest
	case ext == ".md" || strings.Contains(file, "/docs/") || strings.HasPrefix(base, "README"):
		return TypeDocs
	case ext == ".ts" || ext == ".tsx" || ext == ".js" || ext == ".jsx" || ext == ".css" || ext == ".vue":
		return TypeFrontend
	case ext == ".go" || ext == ".py" || ext == ".java" || ext == ".rs":
		return TypeBackend
	default:
		return "other"
	}
}
