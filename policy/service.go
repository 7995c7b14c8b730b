package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/shipwright/metrics"
	"github.com/c360studio/shipwright/workflow"
)

// ViolationStore is the persistence surface the service needs: each
// evaluation replaces the patch set's stored violations wholesale.
type ViolationStore interface {
	ReplaceViolations(ctx context.Context, set *workflow.ViolationSet) error
}

// Service is the effectful side of the policy gate: it holds the active
// configuration, persists violation sets, and reloads the policy file when
// it changes on disk.
type Service struct {
	store  ViolationStore
	logger *slog.Logger
	cfg    atomic.Pointer[Config]

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewService creates a policy service with the given configuration. A nil
// config uses the defaults.
func NewService(store ViolationStore, cfg *Config, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, logger: logger}
	s.cfg.Store(cfg)
	return s
}

// Config returns the active configuration.
func (s *Service) Config() *Config {
	return s.cfg.Load()
}

// Evaluate runs the gate on a patch set, persists the resulting violation
// set atomically, and returns the result.
func (s *Service) Evaluate(ctx context.Context, ps *workflow.PatchSet) (*Gate2Result, error) {
	result := EvaluatePatchSet(ps, s.Config())

	set := &workflow.ViolationSet{
		PatchSetID:  ps.ID,
		WorkflowID:  ps.WorkflowID,
		Verdict:     result.Verdict,
		Violations:  result.Violations,
		EvaluatedAt: result.Evidence.EvaluatedAt,
	}
	if err := s.store.ReplaceViolations(ctx, set); err != nil {
		return nil, fmt.Errorf("persist violations for patch set %s: %w", ps.ID, err)
	}
	metrics.PolicyVerdictsTotal.WithLabelValues(string(result.Verdict)).Inc()

	s.logger.Info("policy evaluated",
		"patch_set_id", ps.ID,
		"workflow_id", ps.WorkflowID,
		"verdict", result.Verdict,
		"blocking", result.BlockingCount,
		"warnings", result.WarningCount)
	return result, nil
}

// Watch reloads the policy file whenever it changes. Reload failures keep
// the previous configuration active.
func (s *Service) Watch(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch policy file %s: %w", path, err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})

	go func() {
		// Editors often emit bursts of events per save; a short debounce
		// collapses them into one reload.
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					pending = time.After(200 * time.Millisecond)
				}
			case <-pending:
				pending = nil
				s.reload(path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("policy watcher error", "error", err)
			case <-s.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the file watcher.
func (s *Service) Close() {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}

func (s *Service) reload(path string) {
	cfg, err := LoadFile(path)
	if err != nil {
		s.logger.Error("policy reload failed, keeping previous config",
			"path", path, "error", err)
		return
	}
	s.cfg.Store(cfg)
	s.logger.Info("policy configuration reloaded", "path", path)
}
