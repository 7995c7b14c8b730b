package stages

import (
	"context"
	"log/slog"

	"github.com/c360studio/shipwright/policy"
	"github.com/c360studio/shipwright/worker"
	"github.com/c360studio/shipwright/workflow"
)

// PatchSetReader loads patch sets for the deterministic stages.
type PatchSetReader interface {
	GetPatchSet(ctx context.Context, id string) (*workflow.PatchSet, error)
	LatestPatchSet(ctx context.Context, workflowID string) (*workflow.PatchSet, error)
}

// Evaluator is the effectful policy gate, satisfied by *policy.Service.
type Evaluator interface {
	Evaluate(ctx context.Context, ps *workflow.PatchSet) (*policy.Gate2Result, error)
}

// PolicyProducer runs the policy stage on the triggering patch set and
// reports the verdict. Violations are persisted by the evaluator; the
// orchestrator reads them back when deciding the next state.
type PolicyProducer struct {
	evaluator Evaluator
	store     PatchSetReader
	pub       worker.Publisher
	logger    *slog.Logger
}

// NewPolicyProducer creates the policy stage producer. A non-nil publisher
// additionally emits E_POLICY_EVALUATED alongside the job completion.
func NewPolicyProducer(evaluator Evaluator, store PatchSetReader, pub worker.Publisher, logger *slog.Logger) *PolicyProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyProducer{evaluator: evaluator, store: store, pub: pub, logger: logger}
}

func (p *PolicyProducer) Stage() workflow.Stage { return workflow.StagePolicy }
func (p *PolicyProducer) JobName() string       { return workflow.JobEvaluatePolicy }

// Produce evaluates the patch set and returns the verdict summary.
func (p *PolicyProducer) Produce(ctx context.Context, sc *worker.StageContext) (*worker.Output, error) {
	ps, err := loadPatchSet(ctx, p.store, sc)
	if err != nil {
		return nil, err
	}

	result, err := p.evaluator.Evaluate(ctx, ps)
	if err != nil {
		return nil, err
	}

	if p.pub != nil {
		ev := &workflow.Event{
			WorkflowID:            sc.Workflow.ID,
			Type:                  workflow.EventPolicyEvaluated,
			Stage:                 workflow.StagePolicy,
			HasBlockingViolations: result.HasBlocking(),
			Result:                map[string]any{"patchSetId": ps.ID},
		}
		if err := p.pub.PublishEvent(ctx, ev); err != nil {
			p.logger.Warn("publish policy verdict failed", "error", err)
		}
	}

	return &worker.Output{
		Result: map[string]any{
			"patchSetId":            ps.ID,
			"verdict":               string(result.Verdict),
			"hasBlockingViolations": result.HasBlocking(),
			"blocking":              result.BlockingCount,
			"warnings":              result.WarningCount,
		},
	}, nil
}
