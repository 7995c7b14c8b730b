// Package bus is the JetStream messaging layer: stream provisioning, job
// publication with idempotent enqueue, and orchestrator event publication.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/shipwright/workflow"
)

// dedupWindow is how long JetStream remembers published message IDs.
// Redundant enqueues of the same logical job inside this window collapse.
const dedupWindow = 2 * time.Hour

// Bus publishes jobs and orchestrator events over JetStream.
type Bus struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// New creates a Bus over an existing JetStream context.
func New(js jetstream.JetStream, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{js: js, logger: logger}
}

// EnsureStreams provisions the three streams the system runs on. Calling it
// again with the same configuration is a no-op.
func (b *Bus) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       workflow.StreamJobs,
			Subjects:   []string{workflow.SubjectJobsWildcard},
			Retention:  jetstream.WorkQueuePolicy,
			Storage:    jetstream.FileStorage,
			Duplicates: dedupWindow,
		},
		{
			Name:      workflow.StreamOrch,
			Subjects:  []string{workflow.SubjectOrchEvent},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		},
		{
			Name:      workflow.StreamIntake,
			Subjects:  []string{workflow.SubjectIntakeWildcard},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		},
	}

	for _, cfg := range streams {
		if _, err := b.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// PublishJob enqueues a stage job on its subject. The idempotency key rides
// as the JetStream message ID, so duplicate decisions inside the dedup
// window enqueue the job once.
func (b *Bus) PublishJob(ctx context.Context, job workflow.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.Name, err)
	}

	_, err = b.js.Publish(ctx, workflow.JobSubject(job.Name), data,
		jetstream.WithMsgID(job.IdempotencyKey))
	if err != nil {
		return fmt.Errorf("publish job %s: %w", job.Name, err)
	}

	b.logger.Debug("job published",
		"job", job.Name,
		"idempotency_key", job.IdempotencyKey)
	return nil
}

// PublishEvent delivers an orchestrator event.
func (b *Bus) PublishEvent(ctx context.Context, ev *workflow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}

	if _, err := b.js.Publish(ctx, workflow.SubjectOrchEvent, data); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Type, err)
	}
	return nil
}
