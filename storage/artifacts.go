package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/shipwright/workflow"
)

// artifactKey orders versions lexically so the latest per (workflow, kind)
// is the last key under the prefix.
func artifactKey(workflowID string, kind workflow.ArtifactKind, version int) string {
	return fmt.Sprintf("%s.%s.%06d", workflowID, kind, version)
}

func artifactPrefix(workflowID string, kind workflow.ArtifactKind) string {
	return fmt.Sprintf("%s.%s.", workflowID, kind)
}

// CreateArtifact persists a new immutable artifact version. The version and
// supersedes pointer are assigned here: version is the current maximum plus
// one, and the pointer references the previous latest. If an artifact with
// the same content hash already exists as the latest version, it is
// returned as-is instead of inserting a duplicate; this makes workers safe
// under job re-delivery.
func (s *Store) CreateArtifact(ctx context.Context, a *workflow.Artifact) (*workflow.Artifact, error) {
	latest, err := s.LatestArtifact(ctx, a.WorkflowID, a.Kind)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if latest != nil {
		if latest.ContentSha == a.ContentSha {
			return latest, nil
		}
		a.ArtifactVersion = latest.ArtifactVersion + 1
		a.SupersedesArtifactID = latest.ID
	} else {
		a.ArtifactVersion = 1
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now()

	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact: %w", err)
	}

	key := artifactKey(a.WorkflowID, a.Kind, a.ArtifactVersion)
	if _, err := s.artifacts.Create(ctx, key, data); err != nil {
		if isKeyExists(err) {
			// A concurrent worker won the version; surface the conflict so
			// the caller can re-read and retry.
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	return a, nil
}

// LatestArtifact returns the highest-version artifact for a workflow and
// kind, or ErrNotFound when none exists.
func (s *Store) LatestArtifact(ctx context.Context, workflowID string, kind workflow.ArtifactKind) (*workflow.Artifact, error) {
	versions, err := s.ListArtifacts(ctx, workflowID, kind)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions[len(versions)-1], nil
}

// ListArtifacts returns all versions for a workflow and kind, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, workflowID string, kind workflow.ArtifactKind) ([]*workflow.Artifact, error) {
	keys, err := allKeys(ctx, s.artifacts)
	if err != nil {
		return nil, fmt.Errorf("list artifact keys: %w", err)
	}

	prefix := artifactPrefix(workflowID, kind)
	matched := make([]string, 0)
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)

	artifacts := make([]*workflow.Artifact, 0, len(matched))
	for _, key := range matched {
		entry, err := s.artifacts.Get(ctx, key)
		if err != nil {
			continue
		}
		var a workflow.Artifact
		if err := json.Unmarshal(entry.Value(), &a); err != nil {
			continue
		}
		artifacts = append(artifacts, &a)
	}

	return artifacts, nil
}

// LatestArtifacts returns the latest version of every kind present for a
// workflow, the input set for downstream stages.
func (s *Store) LatestArtifacts(ctx context.Context, workflowID string) (map[workflow.ArtifactKind]*workflow.Artifact, error) {
	out := make(map[workflow.ArtifactKind]*workflow.Artifact)
	kinds := []workflow.ArtifactKind{
		workflow.KindFeasibilityV1,
		workflow.KindArchitectureV1,
		workflow.KindTimelineV1,
		workflow.KindSummaryV1,
		workflow.KindPatchSetV1,
	}
	for _, kind := range kinds {
		a, err := s.LatestArtifact(ctx, workflowID, kind)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[kind] = a
	}
	return out, nil
}
