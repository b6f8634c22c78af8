package model

import "encoding/json"

// SectionKind identifies which scale a section contributes to.
type SectionKind string

const (
	SectionListening SectionKind = "listening"
	SectionStructure SectionKind = "structure"
	SectionReading   SectionKind = "reading"
	SectionUnit      SectionKind = "unit"
)

// Valid reports whether k is a known section kind.
func (k SectionKind) Valid() bool {
	switch k {
	case SectionListening, SectionStructure, SectionReading, SectionUnit:
		return true
	}
	return false
}

// Section is one timed subdivision of an exam. Immutable once loaded.
type Section struct {
	ID              string      `json:"id"`
	Kind            SectionKind `json:"kind"`
	Title           string      `json:"title"`
	DurationMinutes int         `json:"duration_minutes"`
	OrderNum        int         `json:"order_num"`
	Questions       []Question  `json:"questions"`
}

// HasQuestion reports whether the section contains the question.
func (s *Section) HasQuestion(id string) bool {
	for i := range s.Questions {
		if s.Questions[i].ID == id {
			return true
		}
	}
	return false
}

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeShortAnswer    QuestionType = "SHORT_ANSWER"
)

// Question represents a single exam question. CorrectAnswer keeps whatever
// scalar the record store holds; comparison coerces it to a string.
type Question struct {
	ID            string          `json:"id"`
	Type          QuestionType    `json:"type"`
	Prompt        string          `json:"prompt"`
	Choices       json.RawMessage `json:"choices,omitempty"`
	CorrectAnswer any             `json:"correct_answer"`
	Passage       *string         `json:"passage,omitempty"`
	AudioURL      *string         `json:"audio_url,omitempty"`
	OrderNum      int             `json:"order_num"`
}
