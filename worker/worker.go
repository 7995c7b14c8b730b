// Package worker runs stage jobs: it binds a durable consumer to one job
// subject, executes the stage's producer under a recorded run, persists the
// resulting artifact, and reports completion or failure to the
// orchestrator.
package worker

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
	"github.com/c360studio/shipwright/metrics"
	"github.com/c360studio/shipwright/runs"
	"github.com/c360studio/shipwright/workflow"
)

// Store is the persistence surface a stage worker needs.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, uint64, error)
	UpdateWorkflow(ctx context.Context, w *workflow.Workflow, revision uint64) (uint64, error)
	LatestArtifacts(ctx context.Context, workflowID string) (map[workflow.ArtifactKind]*workflow.Artifact, error)
	CreateArtifact(ctx context.Context, a *workflow.Artifact) (*workflow.Artifact, error)
	LatestPatchSet(ctx context.Context, workflowID string) (*workflow.PatchSet, error)
	AppendEvent(ctx context.Context, ev *workflow.WorkflowEvent) error
}

// Publisher delivers orchestrator events.
type Publisher interface {
	PublishEvent(ctx context.Context, ev *workflow.Event) error
}

// StageContext is everything a producer gets to work with.
type StageContext struct {
	Workflow   *workflow.Workflow
	Job        workflow.Job
	PatchSetID string

	// Artifacts holds the latest artifact of each kind produced so far.
	Artifacts map[workflow.ArtifactKind]*workflow.Artifact

	// Feedback is the last change-request comment, present on re-runs.
	Feedback string

	// Run is the active run record; LLM producers add usage to it.
	Run *runs.ActiveRun
}

// Output is what a producer hands back. Kind is empty for stages that
// persist no versioned artifact; Result becomes the completion event
// payload.
type Output struct {
	Kind    workflow.ArtifactKind
	Content any
	Result  map[string]any
}

// Producer implements one stage's work.
type Producer interface {
	Stage() workflow.Stage
	JobName() string
	Produce(ctx context.Context, sc *StageContext) (*Output, error)
}

// Timeouts per job class. LLM stages wait on models; deterministic stages
// only on the store and the code host.
const (
	llmJobTimeout           = 10 * time.Minute
	deterministicJobTimeout = 2 * time.Minute
	maxDeliver              = 3
)

// Worker drives one Producer from its job subject.
type Worker struct {
	producer Producer
	store    Store
	recorder *runs.Recorder
	pub      Publisher
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates a worker for one stage producer.
func New(producer Producer, store Store, recorder *runs.Recorder, pub Publisher, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		producer: producer,
		store:    store,
		recorder: recorder,
		pub:      pub,
		logger: logger.With(
			"worker", producer.JobName(),
			"stage", producer.Stage()),
	}
}

// Start binds the durable consumer and begins processing jobs.
func (w *Worker) Start(ctx context.Context, js jetstream.JetStream) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already running", w.producer.JobName())
	}
	subCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.mu.Unlock()

	stream, err := js.Stream(subCtx, workflow.StreamJobs)
	if err != nil {
		w.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", workflow.StreamJobs, err)
	}

	ackWait := deterministicJobTimeout
	if workflow.IsLLMStage(w.producer.Stage()) {
		ackWait = llmJobTimeout
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       "worker-" + w.producer.JobName(),
		FilterSubject: workflow.JobSubject(w.producer.JobName()),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		w.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}

	go w.consumeLoop(subCtx, consumer)

	w.logger.Info("stage worker started",
		"subject", workflow.JobSubject(w.producer.JobName()))
	return nil
}

// Stop halts the consume loop.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.running = false
}

func (w *Worker) rollbackStart(cancel context.CancelFunc) {
	w.mu.Lock()
	w.running = false
	w.cancel = nil
	w.mu.Unlock()
	cancel()
}

func (w *Worker) consumeLoop(ctx context.Context, consumer jetstream.Consumer) {
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
			w.logger.Debug("fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			w.logger.Warn("nak during shutdown failed", "error", err)
		}
		return
	}

	var job workflow.Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		w.logger.Error("malformed job payload, dropping", "error", err)
		if err := msg.Term(); err != nil {
			w.logger.Warn("term failed", "error", err)
		}
		return
	}

	timeout := deterministicJobTimeout
	if workflow.IsLLMStage(w.producer.Stage()) {
		timeout = llmJobTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := w.Handle(jobCtx, job)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			w.logger.Warn("ack failed", "error", err)
		}
	case isTerminalJobError(err):
		w.logger.Error("job dropped", "error", err)
		if err := msg.Term(); err != nil {
			w.logger.Warn("term failed", "error", err)
		}
	default:
		// The failure path already reported; Nak hands the job back to the
		// stream for bounded redelivery.
		if err := msg.Nak(); err != nil {
			w.logger.Warn("nak failed", "error", err)
		}
	}
}

// terminalJobError marks errors that redelivery cannot fix.
type terminalJobError struct{ err error }

func (e *terminalJobError) Error() string { return e.err.Error() }
func (e *terminalJobError) Unwrap() error { return e.err }

func isTerminalJobError(err error) bool {
	var t *terminalJobError
	return errors.As(err, &t)
}

// Handle executes one job through the stage protocol. It is exported so
// tests and the CLI can run a job without a live stream.
func (w *Worker) Handle(ctx context.Context, job workflow.Job) error {
	start := time.Now()
	outcome := "failed"
	defer func() {
		metrics.JobDuration.WithLabelValues(job.Name, outcome).Observe(time.Since(start).Seconds())
		metrics.RunsTotal.WithLabelValues(job.Name, outcome).Inc()
	}()

	workflowID, _ := job.Payload["workflowId"].(string)
	if workflowID == "" {
		return &terminalJobError{err: fmt.Errorf("job %s has no workflowId", job.Name)}
	}
	patchSetID, _ := job.Payload["patchSetId"].(string)

	wf, rev, err := w.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return &terminalJobError{err: fmt.Errorf("load workflow %s: %w", workflowID, err)}
	}

	run, err := w.recorder.Begin(ctx, workflowID, job.Name, map[string]any{
		"workflowId": workflowID,
		"jobName":    job.Name,
		"payload":    job.Payload,
		"state":      wf.State,
		"stage":      wf.Stage,
	})
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	defer run.Finish(context.WithoutCancel(ctx))

	w.setStageStatus(ctx, wf, rev, workflow.StageStatusProcessing)

	artifacts, err := w.store.LatestArtifacts(ctx, workflowID)
	if err != nil {
		return w.fail(ctx, wf, run, fmt.Errorf("gather artifacts: %w", err))
	}

	sc := &StageContext{
		Workflow:   wf,
		Job:        job,
		PatchSetID: patchSetID,
		Artifacts:  artifacts,
		Feedback:   wf.Feedback,
		Run:        run,
	}

	out, err := w.producer.Produce(ctx, sc)
	if err != nil {
		return w.fail(ctx, wf, run, err)
	}
	if out == nil {
		out = &Output{}
	}

	result := out.Result
	if result == nil {
		result = map[string]any{}
	}

	if out.Kind != "" {
		artifact, err := w.persistArtifact(ctx, workflowID, out)
		if err != nil {
			return w.fail(ctx, wf, run, err)
		}
		result["artifactId"] = artifact.ID
		result["contentSha"] = artifact.ContentSha
	}

	w.setStageStatusByID(ctx, workflowID, workflow.StageStatusReady)

	if err := w.appendJobEvent(ctx, workflowID, "completed", result); err != nil {
		w.logger.Warn("append completion event failed", "error", err)
	}

	if err := run.Complete(ctx, result); err != nil {
		w.logger.Warn("complete run failed", "error", err)
	}

	ev := &workflow.Event{
		WorkflowID: workflowID,
		Type:       workflow.EventJobCompleted,
		Stage:      w.producer.Stage(),
		JobName:    job.Name,
		Result:     result,
	}
	if err := w.pub.PublishEvent(ctx, ev); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}

	outcome = "completed"
	w.logger.Info("job completed", "workflow_id", workflowID)
	return nil
}

// persistArtifact canonicalizes the content and writes a new artifact
// version. Re-delivered jobs producing identical content collapse onto the
// existing version via the content sha.
func (w *Worker) persistArtifact(ctx context.Context, workflowID string, out *Output) (*workflow.Artifact, error) {
	content, err := canonical.Marshal(out.Content)
	if err != nil {
		return nil, fmt.Errorf("canonicalize artifact: %w", err)
	}

	artifact := &workflow.Artifact{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Kind:       out.Kind,
		Content:    string(content),
		ContentSha: canonical.HashBytes(content),
		CreatedAt:  time.Now().UTC(),
	}
	stored, err := w.store.CreateArtifact(ctx, artifact)
	if err != nil {
		return nil, fmt.Errorf("persist artifact: %w", err)
	}
	return stored, nil
}

// fail runs the failure path: blocked stage status, failed run, audit
// event, and E_JOB_FAILED. The returned error triggers queue redelivery.
func (w *Worker) fail(ctx context.Context, wf *workflow.Workflow, run *runs.ActiveRun, cause error) error {
	// The job context may already be done; reporting still has to land.
	ctx = context.WithoutCancel(ctx)

	errMsg := cause.Error()
	if strings.Contains(errMsg, workflow.ErrWriteBlockedMsg) {
		errMsg = workflow.ErrWriteBlockedMsg
	}

	w.setStageStatusByID(ctx, wf.ID, workflow.StageStatusBlocked)

	if err := run.Fail(ctx, errMsg); err != nil {
		w.logger.Warn("fail run failed", "error", err)
	}

	if err := w.appendJobEvent(ctx, wf.ID, "failed", map[string]any{"error": errMsg}); err != nil {
		w.logger.Warn("append failure event failed", "error", err)
	}

	ev := &workflow.Event{
		WorkflowID: wf.ID,
		Type:       workflow.EventJobFailed,
		Stage:      w.producer.Stage(),
		JobName:    w.producer.JobName(),
		Error:      errMsg,
	}
	if err := w.pub.PublishEvent(ctx, ev); err != nil {
		w.logger.Error("publish failure event failed", "error", err)
	}

	w.logger.Error("job failed", "workflow_id", wf.ID, "error", cause)
	return cause
}

func (w *Worker) appendJobEvent(ctx context.Context, workflowID, outcome string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return w.store.AppendEvent(ctx, &workflow.WorkflowEvent{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Type:       fmt.Sprintf("worker.%s.%s", w.producer.JobName(), outcome),
		Payload:    data,
		CreatedAt:  time.Now().UTC(),
	})
}

// setStageStatus writes the advisory stage status with the revision already
// in hand. Conflicts mean the orchestrator moved first; that is fine.
func (w *Worker) setStageStatus(ctx context.Context, wf *workflow.Workflow, rev uint64, status workflow.StageStatus) {
	wf.StageStatus = status
	if _, err := w.store.UpdateWorkflow(ctx, wf, rev); err != nil {
		w.logger.Debug("stage status update skipped", "status", status, "error", err)
	}
}

// setStageStatusByID reloads and writes the advisory status, tolerating
// conflicts the same way.
func (w *Worker) setStageStatusByID(ctx context.Context, workflowID string, status workflow.StageStatus) {
	wf, rev, err := w.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		w.logger.Debug("stage status reload failed", "error", err)
		return
	}
	w.setStageStatus(ctx, wf, rev, status)
}
