package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/c360studio/shipwright/agents"
	"github.com/c360studio/shipwright/worker"
	"github.com/c360studio/shipwright/workflow"
)

// PatchSetStore persists proposed patch sets.
type PatchSetStore interface {
	CreatePatchSet(ctx context.Context, ps *workflow.PatchSet) (string, error)
}

// PatchesProducer runs the patches stage: it turns the approved plan into
// an agent task, lets the coordinator collect and merge specialist
// proposals, and persists the resulting patch set. The coordinator's policy
// pre-check rejects merged proposals with blocking violations before
// anything is stored.
type PatchesProducer struct {
	coordinator *agents.Coordinator
	store       PatchSetStore
	logger      *slog.Logger
}

// NewPatchesProducer creates the patches stage producer.
func NewPatchesProducer(coordinator *agents.Coordinator, store PatchSetStore, logger *slog.Logger) *PatchesProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PatchesProducer{coordinator: coordinator, store: store, logger: logger}
}

func (p *PatchesProducer) Stage() workflow.Stage { return workflow.StagePatches }
func (p *PatchesProducer) JobName() string       { return workflow.JobPatches }

// Produce proposes, merges, and persists a patch set, then emits the
// PatchSetV1 artifact describing it.
func (p *PatchesProducer) Produce(ctx context.Context, sc *worker.StageContext) (*worker.Output, error) {
	task := buildTask(sc)

	res, err := p.coordinator.Propose(ctx, sc.Workflow.ID, sc.Workflow.BaseSha, task)
	if err != nil {
		return nil, err
	}

	id, err := p.store.CreatePatchSet(ctx, res.PatchSet)
	if err != nil {
		return nil, fmt.Errorf("persist patch set: %w", err)
	}

	p.logger.Info("patch set proposed",
		"workflow_id", sc.Workflow.ID,
		"patch_set_id", id,
		"patches", len(res.PatchSet.Patches),
		"agents", res.Agents,
		"conflicts", len(res.Conflicts))

	return &worker.Output{
		Kind:    workflow.KindPatchSetV1,
		Content: patchSetDoc(res.PatchSet),
		Result: map[string]any{
			"patchSetId": id,
			"patches":    len(res.PatchSet.Patches),
			"agents":     res.Agents,
			"conflicts":  len(res.Conflicts),
		},
	}, nil
}

// buildTask derives the agent task from the workflow and the architecture
// plan: target files come from the planned component changes.
func buildTask(sc *worker.StageContext) agents.Task {
	desc := sc.Workflow.FeatureGoal
	if sc.Workflow.BusinessJustification != "" {
		desc += "\n\n" + sc.Workflow.BusinessJustification
	}

	var contextParts []string
	if sc.Workflow.RepoContext != "" {
		rc := sc.Workflow.RepoContext
		if len(rc) > maxRepoContextChars {
			rc = rc[:maxRepoContextChars] + "\n[truncated]"
		}
		contextParts = append(contextParts, rc)
	}

	var targets []string
	if a, ok := sc.Artifacts[workflow.KindArchitectureV1]; ok {
		contextParts = append(contextParts, "Architecture plan:\n"+a.Content)
		targets = plannedFiles(a.Content)
	}
	if a, ok := sc.Artifacts[workflow.KindSummaryV1]; ok {
		contextParts = append(contextParts, "Plan summary:\n"+a.Content)
	}

	return agents.Task{
		ID:          sc.Workflow.ID + "/patches",
		Type:        agents.TypeBackend,
		Description: desc,
		TargetFiles: targets,
		Languages:   languagesOf(targets),
		Context:     strings.Join(contextParts, "\n\n"),
		Feedback:    sc.Feedback,
	}
}

// plannedFiles extracts file paths from the architecture artifact's
// component change lists. Entries that do not look like paths are plan
// prose and are skipped.
func plannedFiles(content string) []string {
	var doc struct {
		Components []struct {
			Changes []string `json:"changes"`
		} `json:"components"`
	}
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var files []string
	for _, c := range doc.Components {
		for _, change := range c.Changes {
			change = strings.TrimSpace(change)
			if !looksLikePath(change) || seen[change] {
				continue
			}
			seen[change] = true
			files = append(files, change)
		}
	}
	return files
}

func looksLikePath(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\n") {
		return false
	}
	return strings.Contains(s, "/") || path.Ext(s) != ""
}

var extLanguages = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".py":   "python",
	".rs":   "rust",
	".java": "java",
}

func languagesOf(files []string) []string {
	seen := make(map[string]bool)
	var langs []string
	for _, f := range files {
		lang, ok := extLanguages[path.Ext(f)]
		if !ok || seen[lang] {
			continue
		}
		seen[lang] = true
		langs = append(langs, lang)
	}
	return langs
}

// patchSetDoc renders the persisted patch set as the PatchSetV1 artifact.
func patchSetDoc(ps *workflow.PatchSet) map[string]any {
	patches := make([]map[string]any, 0, len(ps.Patches))
	risk := workflow.RiskLow
	for _, p := range ps.Patches {
		if riskRank(p.RiskLevel) > riskRank(risk) {
			risk = p.RiskLevel
		}
		for _, f := range p.Files {
			entry := map[string]any{"path": f.Path}
			if f.Action != "" {
				entry["action"] = string(f.Action)
			}
			if p.Summary != "" {
				entry["rationale"] = p.Summary
			}
			patches = append(patches, entry)
		}
	}

	title := ps.Title
	if title == "" {
		title = "Proposed changes"
	}
	return map[string]any{
		"title":      title,
		"risk_level": string(risk),
		"patches":    patches,
	}
}

func riskRank(r workflow.RiskLevel) int {
	switch r {
	case workflow.RiskHigh:
		return 2
	case workflow.RiskMedium:
		return 1
	}
	return 0
}
