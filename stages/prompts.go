package stages

import (
	"fmt"
	"strings"

	"github.com/c360studio/shipwright/llm"
	"github.com/c360studio/shipwright/worker"
	"github.com/c360studio/shipwright/workflow"
)

// maxRepoContextChars bounds how much of the ingested repo summary is
// embedded in a prompt.
const maxRepoContextChars = 8000

// NewFeasibilityProducer assesses whether the requested feature is worth
// attempting in this repository.
func NewFeasibilityProducer(caller llm.Caller, opts ...worker.LLMProducerOption) *worker.LLMProducer {
	return worker.NewLLMProducer(workflow.StageFeasibility, "analysis", caller, feasibilityPrompt, opts...)
}

// NewArchitectureProducer plans the components the change will touch.
func NewArchitectureProducer(caller llm.Caller, opts ...worker.LLMProducerOption) *worker.LLMProducer {
	return worker.NewLLMProducer(workflow.StageArchitecture, "planning", caller, architecturePrompt, opts...)
}

// NewTimelineProducer estimates the implementation phases.
func NewTimelineProducer(caller llm.Caller, opts ...worker.LLMProducerOption) *worker.LLMProducer {
	return worker.NewLLMProducer(workflow.StageTimeline, "planning", caller, timelinePrompt, opts...)
}

// NewSummaryProducer writes the human-facing summary of the plan. Pass
// worker.WithFallback(SummaryFallback) to emit a minimal summary instead of
// failing when the model cannot produce a valid one.
func NewSummaryProducer(caller llm.Caller, opts ...worker.LLMProducerOption) *worker.LLMProducer {
	return worker.NewLLMProducer(workflow.StageSummary, "writing", caller, summaryPrompt, opts...)
}

// SummaryFallback builds the hold summary used when the summary stage
// exhausts its repair attempt.
func SummaryFallback(sc *worker.StageContext) any {
	return map[string]any{
		"title":       sc.Workflow.FeatureGoal,
		"description": "Automatic summary generation failed; the plan artifacts are attached for manual review.",
		"highlights":  []string{},
	}
}

func feasibilityPrompt(sc *worker.StageContext) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "You are a staff engineer assessing whether a feature request is feasible in an existing codebase. " +
			"Respond with a single JSON object with keys: feasible (boolean), summary (string), risks (array), assumptions (array of strings). No prose outside the JSON."},
		{Role: "user", Content: requestBrief(sc)},
	}
}

func architecturePrompt(sc *worker.StageContext) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "You are a software architect planning a change to an existing codebase. " +
			"Respond with a single JSON object with keys: overview (string), components (array of objects with name, responsibility, and changes as an array of file paths or change descriptions), decisions (array of strings). No prose outside the JSON."},
		{Role: "user", Content: requestBrief(sc, workflow.KindFeasibilityV1)},
	}
}

func timelinePrompt(sc *worker.StageContext) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "You are an engineering lead estimating a planned change. " +
			"Respond with a single JSON object with keys: phases (array of objects with name, description, estimate_days) and total_estimate_days (number). No prose outside the JSON."},
		{Role: "user", Content: requestBrief(sc, workflow.KindFeasibilityV1, workflow.KindArchitectureV1)},
	}
}

func summaryPrompt(sc *worker.StageContext) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "You summarize an engineering plan for the human who will approve it. " +
			"Respond with a single JSON object with keys: title (string), description (string), highlights (array of strings). No prose outside the JSON."},
		{Role: "user", Content: requestBrief(sc, workflow.KindFeasibilityV1, workflow.KindArchitectureV1, workflow.KindTimelineV1)},
	}
}

// requestBrief assembles the shared user prompt: the request, the repo
// context, the named prior artifacts, and any reviewer feedback.
func requestBrief(sc *worker.StageContext, priors ...workflow.ArtifactKind) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Feature request:\n%s\n", sc.Workflow.FeatureGoal)
	if sc.Workflow.BusinessJustification != "" {
		fmt.Fprintf(&b, "\nBusiness justification:\n%s\n", sc.Workflow.BusinessJustification)
	}

	if rc := sc.Workflow.RepoContext; rc != "" {
		if len(rc) > maxRepoContextChars {
			rc = rc[:maxRepoContextChars] + "\n[truncated]"
		}
		fmt.Fprintf(&b, "\nRepository context:\n%s\n", rc)
	}

	for _, kind := range priors {
		a, ok := sc.Artifacts[kind]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n%s artifact:\n%s\n", kind, a.Content)
	}

	if sc.Feedback != "" {
		fmt.Fprintf(&b, "\nA reviewer requested changes on the previous attempt:\n%s\n", sc.Feedback)
	}

	return b.String()
}
