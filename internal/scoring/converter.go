// Package scoring converts raw section tallies into the standardized
// composite score. Everything here is pure and deterministic.
package scoring

import (
	"math"

	"github.com/stemsi/exstem-engine/internal/model"
)

// Nominal item counts and score bands of the composite scale.
const (
	ListeningItems = 50
	StructureItems = 40
	ReadingItems   = 50

	SectionScale = 140
	TotalScale   = 420
	FinalScale   = 677
)

// RawSectionScore is the correct/total tally of one section kind.
type RawSectionScore struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// Percent returns Correct/Total*100. A zero total is clamped to 1 so an
// empty section scores 0 instead of NaN.
func (r RawSectionScore) Percent() float64 {
	return float64(r.Correct) / float64(max(r.Total, 1)) * 100
}

// SectionScore pairs the raw tally with its converted 0..140 value.
type SectionScore struct {
	Raw       RawSectionScore `json:"raw"`
	Converted int             `json:"converted"`
}

// Composite is the standardized result. It is always rebuilt from a full
// tally; nothing is updated incrementally.
type Composite struct {
	PerSection     map[model.SectionKind]SectionScore `json:"per_section"`
	TotalConverted int                                `json:"total_converted"`
	Average        float64                            `json:"average"`
	FinalScore     int                                `json:"final_score"`
}

// RoundHalfUp rounds x to the nearest integer, halves away from zero for
// the non-negative inputs used here.
func RoundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}

// Convert applies the fixed composite formula to a tally. Each converted
// section value is rounded before it is summed, and the final score is
// rounded again from the rounded total.
func Convert(t Tally) Composite {
	listening := t[model.SectionListening]
	structure := t[model.SectionStructure]
	reading := t[model.SectionReading]

	c := Composite{
		PerSection: map[model.SectionKind]SectionScore{
			model.SectionListening: {Raw: listening, Converted: convertSection(listening.Correct, ListeningItems)},
			model.SectionStructure: {Raw: structure, Converted: convertSection(structure.Correct, StructureItems)},
			model.SectionReading:   {Raw: reading, Converted: convertSection(reading.Correct, ReadingItems)},
		},
	}
	for _, s := range c.PerSection {
		c.TotalConverted += s.Converted
	}
	c.Average = float64(c.TotalConverted) / 3
	c.FinalScore = RoundHalfUp(float64(c.TotalConverted) / TotalScale * FinalScale)
	return c
}

// FromRaw builds a composite from bare correct counts on the nominal form.
func FromRaw(listening, structure, reading int) Composite {
	return Convert(Tally{
		model.SectionListening: {Correct: listening, Total: ListeningItems},
		model.SectionStructure: {Correct: structure, Total: StructureItems},
		model.SectionReading:   {Correct: reading, Total: ReadingItems},
	})
}

func convertSection(correct, items int) int {
	correct = min(max(correct, 0), items)
	return RoundHalfUp(float64(correct) / float64(items) * SectionScale)
}
