package constants

// FieldStatus is the canonical status for a field inside an optimization run.
type FieldStatus string

// Stable values (store these exact strings in DB).
const (
	FieldStatusQueued          FieldStatus = "QUEUED"           // waiting for a worker slot
	FieldStatusTesting         FieldStatus = "TESTING"          // extracting with the current prompt
	FieldStatusAwaitingRewrite FieldStatus = "AWAITING_REWRITE" // waiting on a prompt candidate
	FieldStatusConverged       FieldStatus = "CONVERGED"        // terminal: 100% accuracy on the sample
	FieldStatusMaxIterations   FieldStatus = "MAX_ITERATIONS"   // terminal: iteration budget exhausted
	FieldStatusFailed          FieldStatus = "FAILED"           // terminal: unrecoverable error
)

// Terminal reports whether s is one of the three terminal states.
func (s FieldStatus) Terminal() bool {
	switch s {
	case FieldStatusConverged, FieldStatusMaxIterations, FieldStatusFailed:
		return true
	}
	return false
}

// RunStatus is the canonical status for rows in optimization_run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"    // submitted, not yet claimed
	RunStatusRunning   RunStatus = "RUNNING"   // in progress
	RunStatusCompleted RunStatus = "COMPLETED" // all fields terminal
	RunStatusCancelled RunStatus = "CANCELLED" // stopped early, partial results kept
	RunStatusFailed    RunStatus = "FAILED"    // could not start
)
