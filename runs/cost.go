package runs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBudgetExceeded is returned when a proposed LLM call would cross one of
// the configured ceilings.
var ErrBudgetExceeded = errors.New("llm budget exceeded")

// Budget holds the cost ceilings. Zero values disable the ceiling.
type Budget struct {
	MaxRunTokens       int     `yaml:"max_run_tokens"`
	MaxWorkflowTokens  int     `yaml:"max_workflow_tokens"`
	MaxWorkflowCostUSD float64 `yaml:"max_workflow_cost_usd"`
	MaxDailyCostUSD    float64 `yaml:"max_daily_cost_usd"`
}

// CostTracker answers "may I spend more tokens" against the recorded runs.
// Nothing enforces it globally; callers consult it before each LLM call.
type CostTracker struct {
	store  Store
	budget Budget
}

// NewCostTracker creates a cost tracker over the run store.
func NewCostTracker(store Store, budget Budget) *CostTracker {
	return &CostTracker{store: store, budget: budget}
}

// CheckBudget verifies that spending additionalTokens on the given run
// would not cross the per-run, per-workflow, or per-day ceilings.
func (c *CostTracker) CheckBudget(ctx context.Context, workflowID, runID string, additionalTokens int) error {
	if c.budget.MaxRunTokens > 0 && runID != "" {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("load run for budget check: %w", err)
		}
		total := run.Usage.InputTokens + run.Usage.OutputTokens + additionalTokens
		if total > c.budget.MaxRunTokens {
			return fmt.Errorf("%w: run %s would reach %d tokens (limit %d)",
				ErrBudgetExceeded, runID, total, c.budget.MaxRunTokens)
		}
	}

	if c.budget.MaxWorkflowTokens > 0 || c.budget.MaxWorkflowCostUSD > 0 {
		tokens, cost, err := c.workflowUsage(ctx, workflowID)
		if err != nil {
			return err
		}
		if c.budget.MaxWorkflowTokens > 0 && tokens+additionalTokens > c.budget.MaxWorkflowTokens {
			return fmt.Errorf("%w: workflow %s would reach %d tokens (limit %d)",
				ErrBudgetExceeded, workflowID, tokens+additionalTokens, c.budget.MaxWorkflowTokens)
		}
		if c.budget.MaxWorkflowCostUSD > 0 && cost > c.budget.MaxWorkflowCostUSD {
			return fmt.Errorf("%w: workflow %s already spent %.4f USD (limit %.4f)",
				ErrBudgetExceeded, workflowID, cost, c.budget.MaxWorkflowCostUSD)
		}
	}

	if c.budget.MaxDailyCostUSD > 0 {
		dayStart := time.Now().Truncate(24 * time.Hour)
		runs, err := c.store.ListRunsSince(ctx, dayStart)
		if err != nil {
			return fmt.Errorf("list runs for daily budget: %w", err)
		}
		var cost float64
		for _, r := range runs {
			cost += r.Usage.CostUSD
		}
		if cost > c.budget.MaxDailyCostUSD {
			return fmt.Errorf("%w: %.4f USD spent today (limit %.4f)",
				ErrBudgetExceeded, cost, c.budget.MaxDailyCostUSD)
		}
	}

	return nil
}

func (c *CostTracker) workflowUsage(ctx context.Context, workflowID string) (int, float64, error) {
	runs, err := c.store.ListRunsByWorkflow(ctx, workflowID)
	if err != nil {
		return 0, 0, fmt.Errorf("list runs for workflow budget: %w", err)
	}
	var tokens int
	var cost float64
	for _, r := range runs {
		tokens += r.Usage.InputTokens + r.Usage.OutputTokens
		cost += r.Usage.CostUSD
	}
	return tokens, cost, nil
}
