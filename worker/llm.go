package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/shipwright/llm"
	"github.com/c360studio/shipwright/metrics"
	"github.com/c360studio/shipwright/runs"
	"github.com/c360studio/shipwright/schema"
	"github.com/c360studio/shipwright/workflow"
)

// Token budgets for LLM stage calls. The repair call gets a smaller budget
// than the first attempt.
const (
	defaultMaxTokens = 4096
	retryMaxTokens   = 2048
)

// PromptFunc builds the stage's messages from the gathered inputs.
type PromptFunc func(sc *StageContext) []llm.Message

// FallbackFunc builds the minimal hold artifact emitted when repair fails
// and fallback mode is enabled.
type FallbackFunc func(sc *StageContext) any

// LLMProducer implements the shared artifact production sub-protocol for
// the model-backed stages: prompt, call, extract JSON, validate against the
// stage schema, repair once with a smaller budget, then fall back or fail.
type LLMProducer struct {
	stage         workflow.Stage
	role          string
	caller        llm.Caller
	tracker       *runs.CostTracker
	allowFallback bool
	buildPrompt   PromptFunc
	fallback      FallbackFunc
	logger        *slog.Logger
}

// LLMProducerOption configures an LLMProducer.
type LLMProducerOption func(*LLMProducer)

// WithCostTracker enables the budget check before each call.
func WithCostTracker(t *runs.CostTracker) LLMProducerOption {
	return func(p *LLMProducer) { p.tracker = t }
}

// WithFallback enables the hold-artifact fallback after a failed repair.
func WithFallback(fn FallbackFunc) LLMProducerOption {
	return func(p *LLMProducer) {
		p.allowFallback = true
		p.fallback = fn
	}
}

// WithLLMLogger sets the logger.
func WithLLMLogger(logger *slog.Logger) LLMProducerOption {
	return func(p *LLMProducer) { p.logger = logger }
}

// NewLLMProducer creates a producer for one model-backed stage. The role
// selects the model capability chain ("analysis", "planning", "writing",
// "coding").
func NewLLMProducer(stage workflow.Stage, role string, caller llm.Caller, buildPrompt PromptFunc, opts ...LLMProducerOption) *LLMProducer {
	p := &LLMProducer{
		stage:       stage,
		role:        role,
		caller:      caller,
		buildPrompt: buildPrompt,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stage returns the producer's pipeline stage.
func (p *LLMProducer) Stage() workflow.Stage { return p.stage }

// JobName returns the job this producer consumes.
func (p *LLMProducer) JobName() string {
	job, _ := workflow.JobForStage(p.stage)
	return job
}

// Produce runs the sub-protocol and returns the validated artifact.
func (p *LLMProducer) Produce(ctx context.Context, sc *StageContext) (*Output, error) {
	kind, ok := workflow.ArtifactKindForStage(p.stage)
	if !ok {
		return nil, fmt.Errorf("stage %s has no artifact kind", p.stage)
	}

	messages := p.buildPrompt(sc)

	doc, err := p.callValidated(ctx, sc, kind, messages, defaultMaxTokens)
	if err == nil {
		return p.output(kind, doc), nil
	}

	p.logger.Warn("first attempt invalid, repairing",
		"stage", p.stage, "workflow_id", sc.Workflow.ID, "error", err)

	repairMessages := append(messages, llm.Message{
		Role: "user",
		Content: fmt.Sprintf(
			"Your previous response failed validation: %v\n\nRespond again with only a corrected JSON document.", err),
	})

	doc, repairErr := p.callValidated(ctx, sc, kind, repairMessages, retryMaxTokens)
	if repairErr == nil {
		return p.output(kind, doc), nil
	}

	if p.allowFallback && p.fallback != nil {
		p.logger.Warn("repair failed, emitting hold artifact",
			"stage", p.stage, "workflow_id", sc.Workflow.ID, "error", repairErr)
		out := p.output(kind, p.fallback(sc))
		out.Result["fallback"] = true
		return out, nil
	}

	return nil, fmt.Errorf("stage %s artifact invalid after repair: %w", p.stage, repairErr)
}

// callValidated makes one model call and returns the parsed document if it
// passes the stage schema.
func (p *LLMProducer) callValidated(ctx context.Context, sc *StageContext, kind workflow.ArtifactKind, messages []llm.Message, maxTokens int) (any, error) {
	if p.tracker != nil {
		var prompt string
		for _, m := range messages {
			prompt += m.Content
		}
		estimate := llm.EstimateTokens(prompt) + maxTokens
		if err := p.tracker.CheckBudget(ctx, sc.Workflow.ID, sc.Run.ID, estimate); err != nil {
			return nil, err
		}
	}

	resp, err := p.caller.Call(ctx, llm.Request{
		Role:          p.role,
		PromptVersion: string(p.stage) + "/v1",
		Messages:      messages,
		MaxTokens:     maxTokens,
	})
	if err != nil {
		return nil, err
	}

	if err := sc.Run.AddUsage(ctx, workflow.RunUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      resp.Usage.CostUSD,
	}); err != nil {
		p.logger.Warn("record usage failed", "error", err)
	}
	metrics.LLMTokensTotal.WithLabelValues(resp.Model, "input").Add(float64(resp.Usage.InputTokens))
	metrics.LLMTokensTotal.WithLabelValues(resp.Model, "output").Add(float64(resp.Usage.OutputTokens))

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("response contains no JSON object")
	}

	if err := schema.Validate(kind, []byte(raw)); err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return doc, nil
}

func (p *LLMProducer) output(kind workflow.ArtifactKind, doc any) *Output {
	return &Output{
		Kind:    kind,
		Content: doc,
		Result:  map[string]any{"stage": string(p.stage)},
	}
}
