package content

import (
	"fmt"

	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// Validate checks an exam definition before it is stored. It reports the
// first problem found.
func Validate(exam *model.ExamData) error {
	if !validator.ValidContentID(exam.ID) {
		return fmt.Errorf("exam id %q is not a valid content id", exam.ID)
	}
	if !exam.Kind.Valid() {
		return fmt.Errorf("exam %s: unknown kind %q", exam.ID, exam.Kind)
	}
	switch exam.ScoringMode {
	case model.ScoringModeBatch, model.ScoringModeRealtime, "":
	default:
		return fmt.Errorf("exam %s: unknown scoring mode %q", exam.ID, exam.ScoringMode)
	}
	if len(exam.Sections) == 0 {
		return fmt.Errorf("exam %s: %w", exam.ID, ErrNoSections)
	}

	seenSections := make(map[string]bool, len(exam.Sections))
	seenQuestions := make(map[string]bool)
	for _, s := range exam.Sections {
		if !validator.ValidContentID(s.ID) {
			return fmt.Errorf("exam %s: section id %q is not a valid content id", exam.ID, s.ID)
		}
		if seenSections[s.ID] {
			return fmt.Errorf("exam %s: duplicate section %s", exam.ID, s.ID)
		}
		seenSections[s.ID] = true

		if exam.Kind == model.ExamKindUnit && s.Kind != model.SectionUnit {
			return fmt.Errorf("exam %s: section %s must be of kind %q", exam.ID, s.ID, model.SectionUnit)
		}
		if exam.Kind == model.ExamKindTOEFL && s.Kind == model.SectionUnit {
			return fmt.Errorf("exam %s: section %s cannot be a unit section", exam.ID, s.ID)
		}

		for _, q := range s.Questions {
			if !validator.ValidContentID(q.ID) {
				return fmt.Errorf("exam %s: question id %q is not a valid content id", exam.ID, q.ID)
			}
			if seenQuestions[q.ID] {
				return fmt.Errorf("exam %s: duplicate question %s", exam.ID, q.ID)
			}
			seenQuestions[q.ID] = true
		}
	}
	return nil
}
