package writer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stemsi/exstem-engine/internal/model"
)

// GenericResultsTable is the results table shared by every exam kind.
const GenericResultsTable = "exam_results"

// RecordStore is the storage surface the tiers need. Implementations live in
// the repository (Postgres) and store/sqlite packages.
type RecordStore interface {
	// InsertResult writes rec to its kind's results table, idempotent on
	// the attempt id.
	InsertResult(ctx context.Context, rec model.ResultRecord) (string, error)
	// RepairSchema re-provisions tables and the raw statement helper.
	RepairSchema(ctx context.Context) error
	// RawInsert inserts one row through the stored statement helper. Rows
	// carrying attempt_id upsert on it and return the existing id.
	RawInsert(ctx context.Context, table string, row map[string]any) (string, error)
	// InsertGeneric writes the reduced record to the shared results table.
	InsertGeneric(ctx context.Context, res model.GenericResult) (string, error)
}

// ResultRow flattens rec into the column map used by raw inserts.
func ResultRow(rec model.ResultRecord) map[string]any {
	row := map[string]any{
		"attempt_id":      rec.AttemptID.String(),
		"student_id":      rec.StudentID,
		"exam_id":         rec.ExamID,
		"total_points":    rec.TotalPoints,
		"total_score":     rec.TotalScore,
		"status":          string(rec.Status),
		"completion_time": rec.CompletionTime.UTC().Format(time.RFC3339Nano),
		"answers":         rawOrEmpty(rec.Answers),
	}
	if rec.TestID != nil {
		row["test_id"] = *rec.TestID
	}
	if len(rec.SectionScores) > 0 {
		row["section_scores"] = rec.SectionScores
	}
	return row
}

// MinimalRow keeps only the columns needed to recover a score by hand,
// plus the attempt id so a replay lands on the same row.
func MinimalRow(rec model.ResultRecord) map[string]any {
	return map[string]any{
		"attempt_id": rec.AttemptID.String(),
		"student_id": rec.StudentID,
		"exam_kind":  string(rec.ExamKind),
		"exam_id":    rec.ExamID,
		"score":      rec.TotalScore,
		"created_at": rec.CompletionTime.UTC().Format(time.RFC3339Nano),
	}
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
