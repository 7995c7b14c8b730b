// Package intake turns external requests into workflows and recorded human
// decisions: creation, stage approval, rejection, and change requests. Each
// accepted request becomes an orchestrator event.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/shipwright/canonical"
	"github.com/c360studio/shipwright/storage"
	"github.com/c360studio/shipwright/workflow"
)

// workflowNamespace seeds deterministic workflow IDs: identical create
// requests map to the same workflow, so a redelivered request never starts a
// second pipeline.
var workflowNamespace = uuid.MustParse("5f2b7e1c-9a43-4c8e-8f1d-3e6a2b9c4d70")

// errInvalidRequest marks requests that redelivery cannot fix.
var errInvalidRequest = errors.New("invalid intake request")

// Store is the persistence surface intake needs.
type Store interface {
	CreateWorkflow(ctx context.Context, w *workflow.Workflow) (string, error)
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, uint64, error)
	CreateApproval(ctx context.Context, a *workflow.Approval) (string, error)
	UpdatePatchSetStatus(ctx context.Context, id string, status workflow.PatchSetStatus) error
	AppendEvent(ctx context.Context, ev *workflow.WorkflowEvent) error
}

// EventPublisher delivers orchestrator events, implemented by bus.Bus.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *workflow.Event) error
}

// CreateRequest starts a new workflow.
type CreateRequest struct {
	FeatureGoal           string          `json:"feature_goal"`
	BusinessJustification string          `json:"business_justification,omitempty"`
	Repos                 []workflow.Repo `json:"repos"`
}

// DecisionRequest records a human decision on an existing workflow.
type DecisionRequest struct {
	WorkflowID string                `json:"workflow_id"`
	Stage      workflow.Stage        `json:"stage,omitempty"`
	Kind       workflow.ApprovalKind `json:"kind,omitempty"`
	PatchSetID string                `json:"patch_set_id,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	Comment    string                `json:"comment,omitempty"`
}

// Processor consumes intake requests from the intake stream.
type Processor struct {
	store  Store
	events EventPublisher
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates an intake processor.
func New(store Store, events EventPublisher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:  store,
		events: events,
		logger: logger.With("component", "intake"),
	}
}

// Start binds the durable request consumer.
func (p *Processor) Start(ctx context.Context, js jetstream.JetStream) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("intake already running")
	}
	subCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.mu.Unlock()

	stream, err := js.Stream(subCtx, workflow.StreamIntake)
	if err != nil {
		p.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", workflow.StreamIntake, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       "intake",
		FilterSubject: workflow.SubjectIntakeWildcard,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		p.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}

	go p.consumeLoop(subCtx, consumer)

	p.logger.Info("intake started", "subject", workflow.SubjectIntakeWildcard)
	return nil
}

// Stop halts the consume loop.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.running = false
}

func (p *Processor) rollbackStart(cancel context.CancelFunc) {
	p.mu.Lock()
	p.running = false
	p.cancel = nil
	p.mu.Unlock()
	cancel()
}

func (p *Processor) consumeLoop(ctx context.Context, consumer jetstream.Consumer) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			p.handleMessage(ctx, msg)
		}
	}
}

func (p *Processor) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			p.logger.Warn("nak during shutdown failed", "error", err)
		}
		return
	}

	op := strings.TrimPrefix(msg.Subject(), workflow.SubjectPrefix+".intake.request.")

	err := p.Handle(ctx, op, msg.Data())
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			p.logger.Warn("ack failed", "error", err)
		}
	case errors.Is(err, errInvalidRequest):
		p.logger.Error("invalid request dropped", "op", op, "error", err)
		if err := msg.Term(); err != nil {
			p.logger.Warn("term failed", "error", err)
		}
	default:
		p.logger.Warn("request failed, redelivering", "op", op, "error", err)
		if err := msg.Nak(); err != nil {
			p.logger.Warn("nak failed", "error", err)
		}
	}
}

// Handle processes one request. It is exported so an HTTP or CLI front end
// can submit requests without the stream.
func (p *Processor) Handle(ctx context.Context, op string, data []byte) error {
	switch op {
	case workflow.IntakeOpCreate:
		var req CreateRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("%w: %s", errInvalidRequest, err)
		}
		_, err := p.CreateWorkflow(ctx, req)
		return err

	case workflow.IntakeOpApprove:
		req, err := decodeDecision(data)
		if err != nil {
			return err
		}
		return p.Approve(ctx, req)

	case workflow.IntakeOpReject:
		req, err := decodeDecision(data)
		if err != nil {
			return err
		}
		return p.Reject(ctx, req)

	case workflow.IntakeOpRequestChanges:
		req, err := decodeDecision(data)
		if err != nil {
			return err
		}
		return p.RequestChanges(ctx, req)
	}

	return fmt.Errorf("%w: unknown operation %q", errInvalidRequest, op)
}

func decodeDecision(data []byte) (DecisionRequest, error) {
	var req DecisionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: %s", errInvalidRequest, err)
	}
	if req.WorkflowID == "" {
		return req, fmt.Errorf("%w: workflow_id is required", errInvalidRequest)
	}
	return req, nil
}

// CreateWorkflow persists a new workflow and announces it to the
// orchestrator.
func (p *Processor) CreateWorkflow(ctx context.Context, req CreateRequest) (string, error) {
	if strings.TrimSpace(req.FeatureGoal) == "" {
		return "", fmt.Errorf("%w: feature_goal is required", errInvalidRequest)
	}
	if len(req.Repos) == 0 {
		return "", fmt.Errorf("%w: at least one repository is required", errInvalidRequest)
	}

	canon, err := canonical.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}

	wf := &workflow.Workflow{
		ID:                    uuid.NewSHA1(workflowNamespace, canon).String(),
		FeatureGoal:           req.FeatureGoal,
		BusinessJustification: req.BusinessJustification,
		Repos:                 req.Repos,
	}
	id, err := p.store.CreateWorkflow(ctx, wf)
	switch {
	case err == nil:
		p.audit(ctx, id, "intake.workflow.created", map[string]any{"feature_goal": req.FeatureGoal})
	case errors.Is(err, storage.ErrConflict):
		// Persisted by an earlier delivery; the announcement still has to
		// reach the orchestrator.
		id = wf.ID
		p.logger.Debug("workflow already created", "workflow_id", id)
	default:
		return "", fmt.Errorf("create workflow: %w", err)
	}

	if err := p.events.PublishEvent(ctx, &workflow.Event{
		WorkflowID: id,
		Type:       workflow.EventWorkflowCreated,
	}); err != nil {
		return id, fmt.Errorf("announce workflow %s: %w", id, err)
	}

	p.logger.Info("workflow created", "workflow_id", id)
	return id, nil
}

// Approve records an approval. A stage approval advances the pipeline; an
// apply approval arms the write gate and triggers the apply decision.
func (p *Processor) Approve(ctx context.Context, req DecisionRequest) error {
	stage := req.Stage
	if stage == "" {
		wf, _, err := p.store.GetWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return fmt.Errorf("load workflow: %w", err)
		}
		stage = wf.Stage
	}

	kind := req.Kind
	if kind == "" {
		kind = workflow.ApprovalStage
	}

	approval := &workflow.Approval{
		WorkflowID: req.WorkflowID,
		Stage:      stage,
		Kind:       kind,
		Reason:     req.Reason,
	}
	if _, err := p.store.CreateApproval(ctx, approval); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("record approval: %w", err)
		}
		// Recorded by an earlier delivery; fall through so the event still
		// goes out.
		p.logger.Debug("approval already recorded",
			"workflow_id", req.WorkflowID, "stage", stage, "kind", kind)
	}

	ev := &workflow.Event{
		WorkflowID: req.WorkflowID,
		Stage:      stage,
	}
	if kind == workflow.ApprovalApplyPatches {
		ev.Type = workflow.EventApprovalRecorded
		p.audit(ctx, req.WorkflowID, "intake.apply.approved", map[string]any{"stage": stage})
	} else {
		ev.Type = workflow.EventStageApproved
		p.audit(ctx, req.WorkflowID, "intake.stage.approved", map[string]any{"stage": stage})
	}

	if err := p.events.PublishEvent(ctx, ev); err != nil {
		return fmt.Errorf("publish approval: %w", err)
	}

	p.logger.Info("approval recorded",
		"workflow_id", req.WorkflowID, "stage", stage, "kind", kind)
	return nil
}

// Reject records a rejection: of a specific patch set when one is named,
// otherwise of the current stage.
func (p *Processor) Reject(ctx context.Context, req DecisionRequest) error {
	ev := &workflow.Event{
		WorkflowID: req.WorkflowID,
		Stage:      req.Stage,
		Reason:     req.Reason,
	}

	if req.PatchSetID != "" {
		if err := p.store.UpdatePatchSetStatus(ctx, req.PatchSetID, workflow.PatchSetRejected); err != nil {
			return fmt.Errorf("mark patch set rejected: %w", err)
		}
		ev.Type = workflow.EventPatchSetRejected
		ev.PatchSetID = req.PatchSetID
		p.audit(ctx, req.WorkflowID, "intake.patchset.rejected", map[string]any{
			"patch_set_id": req.PatchSetID, "reason": req.Reason,
		})
	} else {
		ev.Type = workflow.EventStageRejected
		p.audit(ctx, req.WorkflowID, "intake.stage.rejected", map[string]any{
			"stage": req.Stage, "reason": req.Reason,
		})
	}

	if err := p.events.PublishEvent(ctx, ev); err != nil {
		return fmt.Errorf("publish rejection: %w", err)
	}

	p.logger.Info("rejection recorded", "workflow_id", req.WorkflowID)
	return nil
}

// RequestChanges asks the current or named stage to re-run with feedback.
func (p *Processor) RequestChanges(ctx context.Context, req DecisionRequest) error {
	comment := req.Comment
	if comment == "" {
		comment = req.Reason
	}
	if comment == "" {
		return fmt.Errorf("%w: a comment is required to request changes", errInvalidRequest)
	}

	p.audit(ctx, req.WorkflowID, "intake.changes.requested", map[string]any{
		"stage": req.Stage, "comment": comment,
	})

	if err := p.events.PublishEvent(ctx, &workflow.Event{
		WorkflowID: req.WorkflowID,
		Type:       workflow.EventStageChangesRequested,
		Stage:      req.Stage,
		Reason:     comment,
	}); err != nil {
		return fmt.Errorf("publish change request: %w", err)
	}

	p.logger.Info("changes requested", "workflow_id", req.WorkflowID, "stage", req.Stage)
	return nil
}

func (p *Processor) audit(ctx context.Context, workflowID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ev := &workflow.WorkflowEvent{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Type:       eventType,
		Payload:    data,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.store.AppendEvent(ctx, ev); err != nil {
		p.logger.Warn("append audit event failed", "type", eventType, "error", err)
	}
}
