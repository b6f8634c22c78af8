package scoring

import (
	"strings"

	"github.com/spf13/cast"
	"github.com/stemsi/exstem-engine/internal/model"
)

// Tally holds the raw score of every section kind present in an exam.
type Tally map[model.SectionKind]RawSectionScore

// Overall sums the tally across kinds.
func (t Tally) Overall() RawSectionScore {
	var out RawSectionScore
	for _, r := range t {
		out.Correct += r.Correct
		out.Total += r.Total
	}
	return out
}

// TallyAnswers counts, per section kind, how many questions exist and how
// many of them were answered correctly. Unanswered questions count as wrong.
func TallyAnswers(sections []model.Section, answers model.Answers) Tally {
	t := make(Tally, len(sections))
	for _, s := range sections {
		r := t[s.Kind]
		for _, q := range s.Questions {
			r.Total++
			if v, ok := answers[q.ID]; ok && Matches(v, q.CorrectAnswer) {
				r.Correct++
			}
		}
		t[s.Kind] = r
	}
	return t
}

// Matches compares a submitted value with the correct answer after coercing
// both to strings. A numeric index stored as 1 matches a submitted "1".
func Matches(submitted, correct any) bool {
	if submitted == nil || correct == nil {
		return false
	}
	s, err := cast.ToStringE(submitted)
	if err != nil {
		return false
	}
	c, err := cast.ToStringE(correct)
	if err != nil {
		return false
	}
	c = strings.TrimSpace(c)
	return c != "" && strings.TrimSpace(s) == c
}
