package worker

// OutcomeKind classifies how an isolated job execution ended
type OutcomeKind int

const (
	// OutcomeSuccess means the job process exited cleanly with no failure reason
	OutcomeSuccess OutcomeKind = iota

	// OutcomeFailure means the job reported a structured failure reason
	OutcomeFailure

	// OutcomeTimedOut means the job exceeded its declared timeout and was killed
	OutcomeTimedOut

	// OutcomeCrashed means the job process died from a signal or exited
	// non-zero without reporting a reason
	OutcomeCrashed

	// OutcomeSpawnFailed means the job process could not be started at all.
	// The delivery is left unacknowledged so the broker redelivers it without
	// consuming a retry attempt.
	OutcomeSpawnFailed

	// OutcomeAborted means the worker was shut down while the job was
	// running. Like OutcomeSpawnFailed, the delivery is left unacknowledged.
	OutcomeAborted
)

// String returns the outcome kind name for logging
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCrashed:
		return "crashed"
	case OutcomeSpawnFailed:
		return "spawn_failed"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Outcome is the result of exactly one isolated job execution. It is
// produced once by the supervisor and consumed once by the acknowledgment
// policy.
type Outcome struct {
	Kind OutcomeKind

	// Reason carries the structured failure reason for OutcomeFailure, or a
	// diagnostic message for OutcomeSpawnFailed and OutcomeAborted.
	Reason string

	// Signal names the terminating signal for OutcomeCrashed when the
	// process was killed rather than exiting.
	Signal string

	// ExitCode is the process exit code for OutcomeCrashed when the process
	// exited non-zero without a structured reason.
	ExitCode int
}
