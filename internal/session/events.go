package session

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a session event.
type EventType string

const (
	EventSectionStarted   EventType = "section_started"
	EventTick             EventType = "tick"
	EventLowTime          EventType = "low_time_warning"
	EventAnswerRecorded   EventType = "answer_recorded"
	EventSectionCompleted EventType = "section_completed"
	EventExamCompleted    EventType = "exam_completed"
	EventPersistStatus    EventType = "persist_status"
)

// Completion causes carried by EventSectionCompleted.
const (
	CauseSubmitted = "submitted"
	CauseExpired   = "expired"
	CauseExited    = "exited"
)

// Event is delivered to the engine listener outside the engine lock, from
// whichever goroutine caused it.
type Event struct {
	Type             EventType     `json:"type"`
	AttemptID        uuid.UUID     `json:"attempt_id"`
	StudentID        int           `json:"student_id"`
	ExamID           string        `json:"exam_id"`
	SectionID        string        `json:"section_id,omitempty"`
	QuestionID       string        `json:"question_id,omitempty"`
	RemainingSeconds *int          `json:"remaining_seconds,omitempty"`
	Cause            string        `json:"cause,omitempty"`
	Score            *int          `json:"score,omitempty"`
	PersistStatus    PersistStatus `json:"persist_status,omitempty"`
	TierUsed         string        `json:"tier_used,omitempty"`
	At               time.Time     `json:"at"`
}
