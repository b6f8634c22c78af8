package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted       = errors.New("session: exam not started")
	ErrAlreadyStarted   = errors.New("session: exam already started")
	ErrSessionBlocked   = errors.New("session: exam could not be loaded")
	ErrUnknownSection   = errors.New("session: unknown section")
	ErrSectionCompleted = errors.New("session: section already completed")
	ErrSectionActive    = errors.New("session: another section is active")
	ErrNoActiveSection  = errors.New("session: no active section")
	ErrExamComplete     = errors.New("session: exam already complete")
)

// ConfigurationError means the exam definition is unusable. It is terminal
// for the attempt and shown to the user.
type ConfigurationError struct {
	ExamID string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("exam %s is not configured correctly: %v", e.ExamID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ValidationError rejects a single action. The active section is unaffected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
