package policy

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/shipwright/workflow"
)

// Violation rule names.
const (
	RuleFrozenFile       = "frozen_file"
	RuleDenyGlob         = "deny_glob"
	RuleDependencyChange = "dependency_change"
	RuleSecretDetected   = "secret_detected"
	RuleHighRisk         = "high_risk_patch"
	RuleLargeDiff        = "large_diff"
)

// evidenceLimit is how much of an offending line survives into a
// violation's evidence field.
const evidenceLimit = 50

// Gate2Result is the outcome of one policy evaluation.
type Gate2Result struct {
	Verdict       workflow.Verdict     `json:"verdict"`
	Violations    []workflow.Violation `json:"violations"`
	BlockingCount int                  `json:"blocking_count"`
	WarningCount  int                  `json:"warning_count"`
	Summary       string               `json:"summary"`
	Evidence      Evidence             `json:"evidence"`
}

// Evidence snapshots what was decided and under which configuration.
type Evidence struct {
	PolicyResult   workflow.Verdict `json:"policy_result"`
	EvaluatedAt    time.Time        `json:"evaluated_at"`
	ConfigSnapshot map[string]any   `json:"config_snapshot"`
}

// HasBlocking reports whether the result contains any BLOCK violation.
func (r *Gate2Result) HasBlocking() bool {
	return r.BlockingCount > 0
}

// Evaluate runs the policy over a combined unified diff. It is pure apart
// from the evaluated-at timestamp stamped into the evidence: the same diff
// and config always yield the same violations and verdict.
func Evaluate(diff string, cfg *Config) *Gate2Result {
	files := ParseDiff(diff)
	var violations []workflow.Violation

	// Path rules run per touched file, in diff order.
	for _, path := range TouchedPaths(files) {
		if matchesAny(cfg.FrozenFiles, path) {
			violations = append(violations, workflow.Violation{
				Rule:     RuleFrozenFile,
				Severity: workflow.SeverityBlock,
				File:     path,
				Message:  fmt.Sprintf("file %s is frozen and must not be modified", path),
			})
		}
		if matchesAny(cfg.DenyGlobs, path) || matchesDenyPattern(cfg, path) {
			violations = append(violations, workflow.Violation{
				Rule:     RuleDenyGlob,
				Severity: workflow.SeverityBlock,
				File:     path,
				Message:  fmt.Sprintf("path %s matches a denied pattern", path),
			})
		}
		if isDependencyFile(cfg, path) {
			severity := workflow.SeverityBlock
			if cfg.AllowDependencyChanges {
				severity = workflow.SeverityWarn
			}
			violations = append(violations, workflow.Violation{
				Rule:     RuleDependencyChange,
				Severity: severity,
				File:     path,
				Message:  fmt.Sprintf("dependency file %s changed", path),
			})
		}
	}

	// Secret rules run per added line across the whole diff.
	for _, added := range AddedLines(files) {
		for _, pattern := range cfg.SecretPatterns {
			match := pattern.re.FindStringSubmatch(added.Content)
			if match == nil {
				continue
			}
			candidate := match[0]
			if len(match) > 1 && match[1] != "" {
				candidate = match[1]
			}
			if isPlaceholder(cfg, candidate) {
				continue
			}
			violations = append(violations, workflow.Violation{
				Rule:     RuleSecretDetected,
				Severity: workflow.SeverityBlock,
				File:     added.File,
				Line:     added.Line,
				Message:  fmt.Sprintf("possible %s in added line", pattern.Type),
				Evidence: truncateEvidence(added.Content),
			})
		}
	}

	if len(diff) > cfg.MaxDiffBytes {
		violations = append(violations, workflow.Violation{
			Rule:     RuleLargeDiff,
			Severity: workflow.SeverityWarn,
			Message:  fmt.Sprintf("diff is %d bytes, above the %d byte threshold", len(diff), cfg.MaxDiffBytes),
		})
	}

	return buildResult(violations, cfg)
}

// EvaluatePatchSet evaluates the patch set's combined diff and additionally
// warns on any patch that self-reports high risk.
func EvaluatePatchSet(ps *workflow.PatchSet, cfg *Config) *Gate2Result {
	var extra []workflow.Violation
	for _, p := range ps.Patches {
		if p.RiskLevel == workflow.RiskHigh {
			extra = append(extra, workflow.Violation{
				Rule:     RuleHighRisk,
				Severity: workflow.SeverityWarn,
				Message:  fmt.Sprintf("patch %q declares high risk", p.Title),
			})
		}
	}

	result := Evaluate(ps.CombinedDiff(), cfg)
	if len(extra) > 0 {
		result = buildResult(append(result.Violations, extra...), cfg)
	}
	return result
}

func buildResult(violations []workflow.Violation, cfg *Config) *Gate2Result {
	var blocking, warning int
	for _, v := range violations {
		switch v.Severity {
		case workflow.SeverityBlock:
			blocking++
		case workflow.SeverityWarn:
			warning++
		}
	}

	verdict := workflow.VerdictPass
	switch {
	case blocking > 0:
		verdict = workflow.VerdictFail
	case warning > 0:
		verdict = workflow.VerdictWarn
	}

	return &Gate2Result{
		Verdict:       verdict,
		Violations:    violations,
		BlockingCount: blocking,
		WarningCount:  warning,
		Summary: fmt.Sprintf("%s: %d blocking, %d warning violations",
			verdict, blocking, warning),
		Evidence: Evidence{
			PolicyResult:   verdict,
			EvaluatedAt:    time.Now().UTC(),
			ConfigSnapshot: cfg.Snapshot(),
		},
	}
}

func matchesAny(globs []string, path string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
		if g == path {
			return true
		}
	}
	return false
}

func matchesDenyPattern(cfg *Config, path string) bool {
	for _, re := range cfg.denyRes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func isDependencyFile(cfg *Config, path string) bool {
	for _, f := range cfg.DependencyFiles {
		if path == f {
			return true
		}
		// Dependency manifests count anywhere in the tree.
		if ok, err := doublestar.Match("**/"+f, path); err == nil && ok {
			return true
		}
	}
	return false
}

func isPlaceholder(cfg *Config, candidate string) bool {
	for _, re := range cfg.placeholderRes {
		if re.MatchString(candidate) {
			return true
		}
	}
	return false
}

func truncateEvidence(s string) string {
	if len(s) <= evidenceLimit {
		return s
	}
	return s[:evidenceLimit] + "..."
}
