// Package storage provides entity storage for shipwright using NATS KV.
//
// Each entity type lives in its own bucket. Workflows are updated with
// compare-and-swap on the KV revision; artifacts, approvals, and events are
// append-only; the violations bucket holds one key per patch set so each
// re-evaluation replaces the whole set in a single write.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each entity type.
const (
	BucketWorkflows  = "SHIPWRIGHT_WORKFLOWS"
	BucketArtifacts  = "SHIPWRIGHT_ARTIFACTS"
	BucketPatchSets  = "SHIPWRIGHT_PATCHSETS"
	BucketApprovals  = "SHIPWRIGHT_APPROVALS"
	BucketViolations = "SHIPWRIGHT_VIOLATIONS"
	BucketEvents     = "SHIPWRIGHT_EVENTS"
	BucketRuns       = "SHIPWRIGHT_RUNS"
	BucketLocks      = "SHIPWRIGHT_LOCKS"
)

// lockTTL bounds how long a crashed holder can wedge a workflow.
const lockTTL = 30 * time.Second

// Store provides entity storage operations backed by NATS KV.
type Store struct {
	workflows  jetstream.KeyValue
	artifacts  jetstream.KeyValue
	patchSets  jetstream.KeyValue
	approvals  jetstream.KeyValue
	violations jetstream.KeyValue
	events     jetstream.KeyValue
	runs       jetstream.KeyValue
	locks      jetstream.KeyValue
}

// NewStore creates a new Store with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	s := &Store{}

	buckets := []struct {
		name string
		dst  *jetstream.KeyValue
		ttl  time.Duration
	}{
		{BucketWorkflows, &s.workflows, 0},
		{BucketArtifacts, &s.artifacts, 0},
		{BucketPatchSets, &s.patchSets, 0},
		{BucketApprovals, &s.approvals, 0},
		{BucketViolations, &s.violations, 0},
		{BucketEvents, &s.events, 0},
		{BucketRuns, &s.runs, 0},
		{BucketLocks, &s.locks, lockTTL},
	}
	for _, b := range buckets {
		kv, err := getOrCreateBucket(ctx, js, b.name, b.ttl)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", strings.ToLower(b.name), err)
		}
		*b.dst = kv
	}

	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Shipwright %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
		TTL:         ttl,
	})
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}

// isKeyExists checks if an error indicates a create hit an existing key.
func isKeyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key exists")
}

// allKeys lists bucket keys, treating an empty bucket as no keys.
func allKeys(ctx context.Context, kv jetstream.KeyValue) ([]string, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}
