package workflow

// NATS subject and stream layout. Stage jobs live on one stream with one
// subject per job name so each worker binds a durable consumer to exactly
// its own queue. Orchestrator events and intake requests have their own
// streams.
const (
	SubjectPrefix = "shipwright"

	StreamJobs   = "SHIPWRIGHT_JOBS"
	StreamOrch   = "SHIPWRIGHT_ORCH"
	StreamIntake = "SHIPWRIGHT_INTAKE"

	SubjectJobsWildcard   = SubjectPrefix + ".jobs.>"
	SubjectOrchEvent      = SubjectPrefix + ".orch.event"
	SubjectIntakeWildcard = SubjectPrefix + ".intake.request.>"
)

// JobSubject returns the subject a job of the given name is published on.
func JobSubject(name string) string {
	return SubjectPrefix + ".jobs." + name
}

// IntakeSubject returns the subject for one inbound request operation
// (create, approve, reject, request_changes).
func IntakeSubject(op string) string {
	return SubjectPrefix + ".intake.request." + op
}

// Intake operations.
const (
	IntakeOpCreate         = "create"
	IntakeOpApprove        = "approve"
	IntakeOpReject         = "reject"
	IntakeOpRequestChanges = "request_changes"
)
