// Package orchestrator consumes workflow events, derives the decision
// context from storage, runs the pure transition function under the
// per-workflow lock, persists the outcome in one write, and enqueues the
// decided jobs idempotently.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/shipwright/metrics"
	"github.com/c360studio/shipwright/storage"
	"github.com/c360studio/shipwright/workflow"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, uint64, error)
	UpdateWorkflow(ctx context.Context, w *workflow.Workflow, revision uint64) (uint64, error)
	AcquireLock(ctx context.Context, workflowID string) (func(), error)
	LatestPatchSet(ctx context.Context, workflowID string) (*workflow.PatchSet, error)
	HasApprovalToApply(ctx context.Context, workflowID string) (bool, error)
	GetViolations(ctx context.Context, patchSetID string) (*workflow.ViolationSet, error)
	PolicyEvaluated(ctx context.Context, patchSetID string) (bool, error)
	AppendEvent(ctx context.Context, ev *workflow.WorkflowEvent) error
}

// JobPublisher enqueues decided jobs, implemented by bus.Bus.
type JobPublisher interface {
	PublishJob(ctx context.Context, job workflow.Job) error
}

// Lock and consumer tuning.
const (
	lockAttempts = 10
	lockBackoff  = 200 * time.Millisecond
	casAttempts  = 3
	eventAckWait = 30 * time.Second
	maxDeliver   = 5
	consumerName = "orchestrator"
	fetchMaxWait = 5 * time.Second
)

// Orchestrator is the single writer of workflow state.
type Orchestrator struct {
	store  Store
	jobs   JobPublisher
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates an orchestrator.
func New(store Store, jobs JobPublisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:  store,
		jobs:   jobs,
		logger: logger.With("component", "orchestrator"),
	}
}

// Start binds the durable event consumer and begins processing.
func (o *Orchestrator) Start(ctx context.Context, js jetstream.JetStream) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already running")
	}
	subCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.mu.Unlock()

	stream, err := js.Stream(subCtx, workflow.StreamOrch)
	if err != nil {
		o.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", workflow.StreamOrch, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: workflow.SubjectOrchEvent,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       eventAckWait,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		o.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}

	go o.consumeLoop(subCtx, consumer)

	o.logger.Info("orchestrator started", "subject", workflow.SubjectOrchEvent)
	return nil
}

// Stop halts the consume loop.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.running = false
}

func (o *Orchestrator) rollbackStart(cancel context.CancelFunc) {
	o.mu.Lock()
	o.running = false
	o.cancel = nil
	o.mu.Unlock()
	cancel()
}

func (o *Orchestrator) consumeLoop(ctx context.Context, consumer jetstream.Consumer) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Debug("fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			o.handleMessage(ctx, msg)
		}
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			o.logger.Warn("nak during shutdown failed", "error", err)
		}
		return
	}

	var ev workflow.Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		o.logger.Error("malformed event, dropping", "error", err)
		if err := msg.Term(); err != nil {
			o.logger.Warn("term failed", "error", err)
		}
		return
	}

	err := o.HandleEvent(ctx, &ev)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			o.logger.Warn("ack failed", "error", err)
		}
	case errors.Is(err, storage.ErrNotFound):
		o.logger.Error("event for unknown workflow, dropping",
			"workflow_id", ev.WorkflowID, "type", ev.Type)
		if err := msg.Term(); err != nil {
			o.logger.Warn("term failed", "error", err)
		}
	default:
		o.logger.Warn("event handling failed, redelivering",
			"workflow_id", ev.WorkflowID, "type", ev.Type, "error", err)
		if err := msg.Nak(); err != nil {
			o.logger.Warn("nak failed", "error", err)
		}
	}
}

// HandleEvent runs one event through the transition under the workflow
// lock. It is exported so tests and the intake processor can drive it
// without a live stream.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev *workflow.Event) error {
	if ev.WorkflowID == "" {
		o.logger.Warn("event without workflow id ignored", "type", ev.Type)
		return nil
	}

	release, err := o.acquireLock(ctx, ev.WorkflowID)
	if err != nil {
		return err
	}
	defer release()

	for attempt := 0; attempt < casAttempts; attempt++ {
		err = o.transitionOnce(ctx, ev)
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
		// A worker's advisory status write raced us; re-read and re-decide.
	}
	return err
}

func (o *Orchestrator) transitionOnce(ctx context.Context, ev *workflow.Event) error {
	wf, rev, err := o.store.GetWorkflow(ctx, ev.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", ev.WorkflowID, err)
	}

	tctx, err := o.deriveContext(ctx, wf)
	if err != nil {
		return err
	}

	decision := workflow.Transition(wf.State, *ev, tctx)
	metrics.TransitionsTotal.WithLabelValues(string(wf.State), string(decision.NextState)).Inc()

	changed := decision.NextState != wf.State ||
		(decision.Stage != "" && decision.Stage != wf.Stage) ||
		(decision.StageStatus != "" && decision.StageStatus != wf.StageStatus) ||
		(decision.Feedback != "" && decision.Feedback != wf.Feedback)

	if changed {
		from := wf.State
		wf.State = decision.NextState
		if decision.Stage != "" {
			wf.Stage = decision.Stage
		}
		if decision.StageStatus != "" {
			wf.StageStatus = decision.StageStatus
		}
		if decision.Feedback != "" {
			wf.Feedback = decision.Feedback
		}
		if _, err := o.store.UpdateWorkflow(ctx, wf, rev); err != nil {
			return err
		}

		o.appendTransitionEvent(ctx, wf.ID, ev, from, decision)
		o.logger.Info("transition",
			"workflow_id", wf.ID,
			"event", ev.Type,
			"from", from,
			"to", decision.NextState,
			"reason", decision.Reason)
	} else {
		o.logger.Debug("no-op transition",
			"workflow_id", wf.ID,
			"event", ev.Type,
			"state", wf.State,
			"reason", decision.Reason)
	}

	for _, job := range decision.Enqueue {
		if err := o.jobs.PublishJob(ctx, job); err != nil {
			return fmt.Errorf("enqueue job %s: %w", job.Name, err)
		}
		metrics.JobsEnqueuedTotal.WithLabelValues(job.Name).Inc()
	}

	return nil
}

// deriveContext computes the transition context snapshot from storage.
func (o *Orchestrator) deriveContext(ctx context.Context, wf *workflow.Workflow) (workflow.TransitionContext, error) {
	tctx := workflow.TransitionContext{
		WorkflowID: wf.ID,
		Stage:      wf.Stage,
	}

	ps, err := o.store.LatestPatchSet(ctx, wf.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// No patch sets yet.
	case err != nil:
		return tctx, fmt.Errorf("load latest patch set: %w", err)
	default:
		tctx.HasPatchSets = true
		tctx.LatestPatchSetID = ps.ID
	}

	approved, err := o.store.HasApprovalToApply(ctx, wf.ID)
	if err != nil {
		return tctx, fmt.Errorf("check apply approval: %w", err)
	}
	tctx.HasApprovalToApply = approved

	if tctx.LatestPatchSetID != "" {
		evaluated, err := o.store.PolicyEvaluated(ctx, tctx.LatestPatchSetID)
		if err != nil {
			return tctx, fmt.Errorf("check policy evaluation: %w", err)
		}
		tctx.HasPolicyBeenEvaluated = evaluated

		if evaluated {
			vs, err := o.store.GetViolations(ctx, tctx.LatestPatchSetID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return tctx, fmt.Errorf("load violations: %w", err)
			}
			if vs != nil {
				tctx.HasBlockingPolicyViolations = vs.HasBlocking()
			}
		}
	}

	return tctx, nil
}

// acquireLock takes the per-workflow lock with a bounded wait. Another
// holder usually finishes within a few hundred milliseconds.
func (o *Orchestrator) acquireLock(ctx context.Context, workflowID string) (func(), error) {
	var lastErr error
	for attempt := 0; attempt < lockAttempts; attempt++ {
		release, err := o.store.AcquireLock(ctx, workflowID)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, storage.ErrLocked) {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockBackoff):
		}
	}
	return nil, fmt.Errorf("workflow %s: %w", workflowID, lastErr)
}

func (o *Orchestrator) appendTransitionEvent(ctx context.Context, workflowID string, ev *workflow.Event, from workflow.State, decision workflow.Decision) {
	jobs := make([]string, 0, len(decision.Enqueue))
	for _, j := range decision.Enqueue {
		jobs = append(jobs, j.Name)
	}
	payload, err := json.Marshal(map[string]any{
		"event":  ev.Type,
		"from":   from,
		"to":     decision.NextState,
		"reason": decision.Reason,
		"jobs":   jobs,
	})
	if err != nil {
		return
	}
	audit := &workflow.WorkflowEvent{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Type:       "orchestrator.transition",
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.AppendEvent(ctx, audit); err != nil {
		o.logger.Warn("append transition audit failed", "error", err)
	}
}
