package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResultRecord is the finalized outcome of one exam attempt.
// AttemptID is its logical identity; re-submissions reuse it.
type ResultRecord struct {
	AttemptID      uuid.UUID       `json:"attempt_id"`
	StudentID      int             `json:"student_id"`
	ExamID         string          `json:"exam_id"`
	TestID         *string         `json:"test_id,omitempty"`
	ExamKind       ExamKind        `json:"exam_kind"`
	TotalPoints    int             `json:"total_points"`
	TotalScore     int             `json:"total_score"`
	Status         AttemptStatus   `json:"status"`
	CompletionTime time.Time       `json:"completion_time"`
	Answers        json.RawMessage `json:"answers"`
	SectionScores  json.RawMessage `json:"section_scores,omitempty"`
}

// GenericResult is the reduced record stored in the results table shared
// by every exam kind.
type GenericResult struct {
	AttemptID uuid.UUID     `json:"attempt_id"`
	StudentID int           `json:"student_id"`
	ExamID    string        `json:"exam_id"`
	ExamKind  ExamKind      `json:"exam_kind"`
	Score     int           `json:"score"`
	Status    AttemptStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Generic reduces the record to the shared-table shape.
func (r ResultRecord) Generic() GenericResult {
	return GenericResult{
		AttemptID: r.AttemptID,
		StudentID: r.StudentID,
		ExamID:    r.ExamID,
		ExamKind:  r.ExamKind,
		Score:     r.TotalScore,
		Status:    r.Status,
		CreatedAt: r.CompletionTime,
	}
}

// StatisticsRecord is the running score snapshot upserted in real-time mode,
// keyed by (StudentID, ExamID, ExamType).
type StatisticsRecord struct {
	StudentID          int       `json:"student_id"`
	ExamID             string    `json:"exam_id"`
	ExamType           ExamKind  `json:"exam_type"`
	CorrectCount       int       `json:"correct_count"`
	TotalCount         int       `json:"total_count"`
	ListeningConverted int       `json:"listening_converted"`
	StructureConverted int       `json:"structure_converted"`
	ReadingConverted   int       `json:"reading_converted"`
	TotalConverted     int       `json:"total_converted"`
	Average            float64   `json:"average"`
	FinalScore         int       `json:"final_score"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Key returns the upsert identity of the record.
func (s StatisticsRecord) Key() string {
	return fmt.Sprintf("%s:%s:%d", s.ExamType, s.ExamID, s.StudentID)
}
