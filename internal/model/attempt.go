package model

// AttemptStatus is the terminal status stored with a result record.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusCompleted  AttemptStatus = "COMPLETED"
	// AttemptStatusExited marks an attempt finalized through an early exit.
	AttemptStatusExited AttemptStatus = "EXITED"
)
