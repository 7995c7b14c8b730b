package agents

import (
	"context"
	"log/slog"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Selection boosts. An agent whose declared scope matches the task gets its
// self-reported confidence amplified, capped at 1.
const (
	typeBoost     = 1.2
	languageBoost = 1.1
	globBoost     = 1.1
)

// Candidate is an agent scored against a task.
type Candidate struct {
	Agent Agent
	Score float64
}

// Score computes the selection score for one agent: the self-reported
// confidence amplified by scope matches.
func Score(ctx context.Context, a Agent, task Task) (float64, error) {
	confidence, err := a.Validate(ctx, task)
	if err != nil {
		return 0, err
	}

	caps := a.Capabilities()
	score := confidence

	if matchesTaskType(a, caps, task.Type) {
		score *= typeBoost
	}
	if matchesLanguage(caps, task.Languages) {
		score *= languageBoost
	}
	if matchesGlob(caps, task.TargetFiles) {
		score *= globBoost
	}

	if score > 1 {
		score = 1
	}
	return score, nil
}

// SelectCandidates scores every registered agent against the task and
// returns those above the threshold, best first. Agents whose validation
// fails are skipped.
func SelectCandidates(ctx context.Context, registry *Registry, task Task, threshold float64, logger *slog.Logger) []Candidate {
	if logger == nil {
		logger = slog.Default()
	}

	var candidates []Candidate
	for _, a := range registry.All() {
		score, err := Score(ctx, a, task)
		if err != nil {
			logger.Warn("agent validation failed, skipping",
				"agent", a.ID(), "task", task.ID, "error", err)
			continue
		}
		if score < threshold {
			continue
		}
		candidates = append(candidates, Candidate{Agent: a, Score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}

func matchesTaskType(a Agent, caps Capabilities, taskType string) bool {
	if taskType == "" {
		return false
	}
	if taskType == a.Type() {
		return true
	}
	for _, t := range caps.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

func matchesLanguage(caps Capabilities, languages []string) bool {
	for _, lang := range languages {
		for _, supported := range caps.Languages {
			if lang == supported {
				return true
			}
		}
	}
	return false
}

func matchesGlob(caps Capabilities, files []string) bool {
	for _, file := range files {
		for _, glob := range caps.FileGlobs {
			if ok, err := doublestar.Match(glob, file); err == nil && ok {
				return true
			}
		}
	}
	return false
}
