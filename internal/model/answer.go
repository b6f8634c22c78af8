package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Answers maps a question id to the submitted value.
type Answers map[string]any

// Clone returns a shallow copy safe to hand to another goroutine.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// AnswerRecord is one autosaved answer queued for durable storage.
// Answer holds the JSON encoding of the submitted scalar.
type AnswerRecord struct {
	AttemptID  uuid.UUID       `json:"attempt_id"`
	StudentID  int             `json:"student_id"`
	ExamID     string          `json:"exam_id"`
	QuestionID string          `json:"question_id"`
	Answer     json.RawMessage `json:"answer"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Key returns the upsert identity of the answer.
func (a AnswerRecord) Key() string {
	return fmt.Sprintf("%s:%d:%s", a.ExamID, a.StudentID, a.QuestionID)
}
