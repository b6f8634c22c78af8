package scoring

import "github.com/stemsi/exstem-engine/internal/model"

// Result is a full scoring pass over an attempt.
type Result struct {
	Tally     Tally     `json:"tally"`
	Composite Composite `json:"composite"`
	// TotalPoints is the number of correct answers across all sections.
	TotalPoints int `json:"total_points"`
	// TotalScore is FinalScore for TOEFL exams and a 0..100 percentage
	// for unit exams.
	TotalScore int `json:"total_score"`
}

// Evaluate scores every known answer against every section from scratch.
// Batch and real-time scoring both go through here.
func Evaluate(kind model.ExamKind, sections []model.Section, answers model.Answers) Result {
	t := TallyAnswers(sections, answers)
	res := Result{
		Tally:       t,
		Composite:   Convert(t),
		TotalPoints: t.Overall().Correct,
	}
	if kind == model.ExamKindUnit {
		res.TotalScore = RoundHalfUp(t.Overall().Percent())
	} else {
		res.TotalScore = res.Composite.FinalScore
	}
	return res
}

// Statistics projects the result onto the real-time statistics record.
func (r Result) Statistics(studentID int, examID string, kind model.ExamKind) model.StatisticsRecord {
	overall := r.Tally.Overall()
	return model.StatisticsRecord{
		StudentID:          studentID,
		ExamID:             examID,
		ExamType:           kind,
		CorrectCount:       overall.Correct,
		TotalCount:         overall.Total,
		ListeningConverted: r.Composite.PerSection[model.SectionListening].Converted,
		StructureConverted: r.Composite.PerSection[model.SectionStructure].Converted,
		ReadingConverted:   r.Composite.PerSection[model.SectionReading].Converted,
		TotalConverted:     r.Composite.TotalConverted,
		Average:            r.Composite.Average,
		FinalScore:         r.Composite.FinalScore,
	}
}
