package stores

import "time"

// Run is one recorded deployment lifecycle, from the first deploy call to
// final teardown.
type Run struct {
	// ID is the deployment ID the run belongs to.
	ID string

	// State is the last recorded deployment state.
	State string

	// StartedAt is when the run was first recorded.
	StartedAt time.Time

	// FinishedAt is when the run reached a terminal state, if it has.
	FinishedAt *time.Time
}
