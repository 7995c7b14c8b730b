package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/shipwright/workflow"
)

// eventKey orders a workflow's events by append time. The ID suffix keeps
// two appends in the same nanosecond from colliding.
func eventKey(workflowID, id string, at time.Time) string {
	return fmt.Sprintf("%s.%020d.%s", workflowID, at.UnixNano(), id[:8])
}

// AppendEvent appends an audit record to the workflow's event log. Events
// are never mutated.
func (s *Store) AppendEvent(ctx context.Context, ev *workflow.WorkflowEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CreatedAt = time.Now()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := eventKey(ev.WorkflowID, ev.ID, ev.CreatedAt)
	if _, err := s.events.Create(ctx, key, data); err != nil {
		return fmt.Errorf("store event: %w", err)
	}

	return nil
}

// ListEvents returns a workflow's events in append order.
func (s *Store) ListEvents(ctx context.Context, workflowID string) ([]*workflow.WorkflowEvent, error) {
	keys, err := allKeys(ctx, s.events)
	if err != nil {
		return nil, fmt.Errorf("list event keys: %w", err)
	}

	matched := make([]string, 0)
	for _, key := range keys {
		if strings.HasPrefix(key, workflowID+".") {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)

	events := make([]*workflow.WorkflowEvent, 0, len(matched))
	for _, key := range matched {
		entry, err := s.events.Get(ctx, key)
		if err != nil {
			continue
		}
		var ev workflow.WorkflowEvent
		if err := json.Unmarshal(entry.Value(), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}

	return events, nil
}

// LastEventType returns the type of the most recent event for a workflow,
// the third leg of the user-visible failure contract next to state and
// stage status. Returns ErrNotFound for an empty log.
func (s *Store) LastEventType(ctx context.Context, workflowID string) (string, error) {
	events, err := s.ListEvents(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", ErrNotFound
	}
	return events[len(events)-1].Type, nil
}

// HasEventOfType reports whether the workflow's log contains an event of
// the given type.
func (s *Store) HasEventOfType(ctx context.Context, workflowID, eventType string) (bool, error) {
	events, err := s.ListEvents(ctx, workflowID)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.Type == eventType {
			return true, nil
		}
	}
	return false, nil
}
