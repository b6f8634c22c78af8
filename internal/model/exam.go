package model

import "encoding/json"

// ExamKind selects the scoring scale applied when an attempt is finalized.
type ExamKind string

const (
	ExamKindTOEFL ExamKind = "toefl"
	ExamKindUnit  ExamKind = "unit"
)

// ResultsTable returns the dedicated results table for the kind.
func (k ExamKind) ResultsTable() string {
	switch k {
	case ExamKindUnit:
		return "unit_results"
	default:
		return "toefl_results"
	}
}

// Valid reports whether k is a known exam kind.
func (k ExamKind) Valid() bool {
	return k == ExamKindTOEFL || k == ExamKindUnit
}

// ScoringMode controls when scores are recomputed during an attempt.
type ScoringMode string

const (
	// ScoringModeBatch scores on section and exam completion only.
	ScoringModeBatch ScoringMode = "batch"
	// ScoringModeRealtime rescores on every answer and upserts a statistics record.
	ScoringModeRealtime ScoringMode = "realtime"
)

// ExamStatus enumerates the possible states of an exam definition.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// ExamData is an exam with its sections and questions fully populated,
// as returned by the content loader.
type ExamData struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	Kind            ExamKind    `json:"kind"`
	ScoringMode     ScoringMode `json:"scoring_mode"`
	DurationMinutes int         `json:"duration_minutes"`
	Sections        []Section   `json:"sections"`
}

// Section returns the section with the given id.
func (e *ExamData) Section(id string) (*Section, bool) {
	for i := range e.Sections {
		if e.Sections[i].ID == id {
			return &e.Sections[i], true
		}
	}
	return nil, false
}

// SectionIDs returns the ids of all sections in order.
func (e *ExamData) SectionIDs() []string {
	ids := make([]string, len(e.Sections))
	for i, s := range e.Sections {
		ids[i] = s.ID
	}
	return ids
}

// ExamPaper is the student-facing view of an exam (no correct answers).
type ExamPaper struct {
	ExamID   string              `json:"exam_id"`
	Title    string              `json:"title"`
	Kind     ExamKind            `json:"kind"`
	Sections []SectionForStudent `json:"sections"`
}

// SectionForStudent is a section without answer keys.
type SectionForStudent struct {
	ID              string               `json:"id"`
	Kind            SectionKind          `json:"kind"`
	Title           string               `json:"title"`
	DurationMinutes int                  `json:"duration_minutes"`
	Questions       []QuestionForStudent `json:"questions"`
}

// QuestionForStudent is a question without the correct answer, sent to students.
type QuestionForStudent struct {
	ID       string          `json:"id"`
	Type     QuestionType    `json:"type"`
	Prompt   string          `json:"prompt"`
	Choices  json.RawMessage `json:"choices,omitempty"`
	Passage  *string         `json:"passage,omitempty"`
	AudioURL *string         `json:"audio_url,omitempty"`
	OrderNum int             `json:"order_num"`
}

// Paper strips the answer keys from the exam.
func (e *ExamData) Paper() ExamPaper {
	paper := ExamPaper{
		ExamID:   e.ID,
		Title:    e.Title,
		Kind:     e.Kind,
		Sections: make([]SectionForStudent, len(e.Sections)),
	}
	for i, s := range e.Sections {
		qs := make([]QuestionForStudent, len(s.Questions))
		for j, q := range s.Questions {
			qs[j] = QuestionForStudent{
				ID:       q.ID,
				Type:     q.Type,
				Prompt:   q.Prompt,
				Choices:  q.Choices,
				Passage:  q.Passage,
				AudioURL: q.AudioURL,
				OrderNum: q.OrderNum,
			}
		}
		paper.Sections[i] = SectionForStudent{
			ID:              s.ID,
			Kind:            s.Kind,
			Title:           s.Title,
			DurationMinutes: s.DurationMinutes,
			Questions:       qs,
		}
	}
	return paper
}
