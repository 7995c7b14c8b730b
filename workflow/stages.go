package workflow

// Stage is a named phase of the gated pipeline. Each stage has its own
// worker job, an artifact kind where applicable, and a human approval gate
// before the next stage is enqueued.
type Stage string

const (
	StageIngest       Stage = "ingest"
	StageFeasibility  Stage = "feasibility"
	StageArchitecture Stage = "architecture"
	StageTimeline     Stage = "timeline"
	StageSummary      Stage = "summary"
	StagePatches      Stage = "patches"
	StagePolicy       Stage = "policy"
	StageSandbox      Stage = "sandbox"
	StagePR           Stage = "pr"
	StageDone         Stage = "done"
)

// Pipeline is the ordered stage sequence. StageDone terminates it.
var Pipeline = []Stage{
	StageIngest,
	StageFeasibility,
	StageArchitecture,
	StageTimeline,
	StageSummary,
	StagePatches,
	StagePolicy,
	StageSandbox,
	StagePR,
	StageDone,
}

// Job names enqueued by the orchestrator. Deterministic stages carry
// explicit names; LLM stages are named after their stage.
const (
	JobIngestContext  = "ingest_context"
	JobFeasibility    = "feasibility"
	JobArchitecture   = "architecture"
	JobTimeline       = "timeline"
	JobSummary        = "summary"
	JobPatches        = "patches"
	JobEvaluatePolicy = "evaluate_policy"
	JobSandbox        = "sandbox"
	JobApplyPatches   = "apply_patches"
)

var stageJobs = map[Stage]string{
	StageIngest:       JobIngestContext,
	StageFeasibility:  JobFeasibility,
	StageArchitecture: JobArchitecture,
	StageTimeline:     JobTimeline,
	StageSummary:      JobSummary,
	StagePatches:      JobPatches,
	StagePolicy:       JobEvaluatePolicy,
	StageSandbox:      JobSandbox,
	StagePR:           JobApplyPatches,
}

var jobStages = func() map[string]Stage {
	m := make(map[string]Stage, len(stageJobs))
	for s, j := range stageJobs {
		m[j] = s
	}
	return m
}()

// JobForStage returns the job name a stage's worker consumes. StageDone has
// no job.
func JobForStage(s Stage) (string, bool) {
	j, ok := stageJobs[s]
	return j, ok
}

// StageForJob is the inverse of JobForStage.
func StageForJob(job string) (Stage, bool) {
	s, ok := jobStages[job]
	return s, ok
}

// NextStage returns the stage after s in the pipeline, or false when s is
// the last stage or unknown.
func NextStage(s Stage) (Stage, bool) {
	for i, cur := range Pipeline {
		if cur == s && i+1 < len(Pipeline) {
			return Pipeline[i+1], true
		}
	}
	return "", false
}

// ValidStage reports whether s names a pipeline stage.
func ValidStage(s Stage) bool {
	for _, cur := range Pipeline {
		if cur == s {
			return true
		}
	}
	return false
}

// llmStages are the stages whose artifact is produced by the LLM
// sub-protocol; the rest are deterministic.
var llmStages = map[Stage]bool{
	StageFeasibility:  true,
	StageArchitecture: true,
	StageTimeline:     true,
	StageSummary:      true,
	StagePatches:      true,
}

// IsLLMStage reports whether the stage produces its artifact via an LLM.
func IsLLMStage(s Stage) bool {
	return llmStages[s]
}

// ArtifactKindForStage maps a stage to the kind of artifact it persists.
// Deterministic stages (ingest, policy, sandbox, pr) have no versioned
// artifact kind.
func ArtifactKindForStage(s Stage) (ArtifactKind, bool) {
	switch s {
	case StageFeasibility:
		return KindFeasibilityV1, true
	case StageArchitecture:
		return KindArchitectureV1, true
	case StageTimeline:
		return KindTimelineV1, true
	case StageSummary:
		return KindSummaryV1, true
	case StagePatches:
		return KindPatchSetV1, true
	}
	return "", false
}
