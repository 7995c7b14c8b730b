package workflow

import "time"

// Severity of a policy violation.
type Severity string

const (
	SeverityBlock Severity = "BLOCK"
	SeverityWarn  Severity = "WARN"
)

// Verdict is the aggregate outcome of a policy evaluation.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictWarn Verdict = "WARN"
	VerdictFail Verdict = "FAIL"
)

// Violation is a single policy finding tied to a patch set. Evidence is a
// truncated excerpt of the offending content, never the full line.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Message  string   `json:"message"`
	Evidence string   `json:"evidence,omitempty"`
}

// ViolationSet is the stored result of one policy evaluation of a patch
// set. Each re-evaluation replaces the whole set atomically; violations are
// always re-derivable from the diff and the active policy configuration.
type ViolationSet struct {
	PatchSetID  string      `json:"patch_set_id"`
	WorkflowID  string      `json:"workflow_id"`
	Verdict     Verdict     `json:"verdict"`
	Violations  []Violation `json:"violations"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// HasBlocking reports whether any violation in the set is a BLOCK.
func (vs *ViolationSet) HasBlocking() bool {
	for _, v := range vs.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}
