package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/writer"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func seedExam() *model.ExamData {
	return &model.ExamData{
		ID:          "toefl-1",
		Title:       "TOEFL Practice",
		Kind:        model.ExamKindTOEFL,
		ScoringMode: model.ScoringModeRealtime,
		Sections: []model.Section{
			{ID: "toefl-1-reading", Kind: model.SectionReading, Title: "Reading", DurationMinutes: 55, OrderNum: 3,
				Questions: []model.Question{
					{ID: "r1", Type: model.QuestionTypeMultipleChoice, Prompt: "Main idea?", Choices: json.RawMessage(`["A","B"]`),
						CorrectAnswer: "B", Passage: strPtr("Once upon a time"), OrderNum: 1},
				}},
			{ID: "toefl-1-listening", Kind: model.SectionListening, Title: "Listening", DurationMinutes: 35, OrderNum: 1,
				Questions: []model.Question{
					{ID: "l2", Type: model.QuestionTypeMultipleChoice, CorrectAnswer: 2, AudioURL: strPtr("/a/2.mp3"), OrderNum: 2},
					{ID: "l1", Type: model.QuestionTypeShortAnswer, CorrectAnswer: "cat", OrderNum: 1},
				}},
		},
	}
}

func testRecord(kind model.ExamKind) model.ResultRecord {
	return model.ResultRecord{
		AttemptID:      uuid.New(),
		StudentID:      7,
		ExamID:         "toefl-1",
		ExamKind:       kind,
		TotalPoints:    3,
		TotalScore:     16,
		Status:         model.AttemptStatusCompleted,
		CompletionTime: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Answers:        json.RawMessage(`{"l1":"cat"}`),
	}
}

func count(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM `+quoteIdent(table)).Scan(&n))
	return n
}

func TestStore_SaveAndGetExam(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveExam(ctx, seedExam(), model.ExamStatusPublished))

	exam, err := s.GetExam(ctx, "toefl-1")
	require.NoError(t, err)

	assert.Equal(t, model.ExamKindTOEFL, exam.Kind)
	assert.Equal(t, model.ScoringModeRealtime, exam.ScoringMode)
	assert.Equal(t, []string{"toefl-1-listening", "toefl-1-reading"}, exam.SectionIDs())

	listening := exam.Sections[0]
	require.Len(t, listening.Questions, 2)
	assert.Equal(t, "l1", listening.Questions[0].ID)
	assert.Equal(t, float64(2), listening.Questions[1].CorrectAnswer)
	require.NotNil(t, listening.Questions[1].AudioURL)
	assert.Equal(t, "/a/2.mp3", *listening.Questions[1].AudioURL)

	reading := exam.Sections[1]
	require.NotNil(t, reading.Questions[0].Passage)
	assert.JSONEq(t, `["A","B"]`, string(reading.Questions[0].Choices))

	ids, err := s.ListPublishedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"toefl-1"}, ids)
}

func TestStore_SaveExamReplacesSections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exam := seedExam()
	require.NoError(t, s.SaveExam(ctx, exam, model.ExamStatusDraft))

	exam.Sections = exam.Sections[:1]
	require.NoError(t, s.SaveExam(ctx, exam, model.ExamStatusDraft))

	got, err := s.GetExam(ctx, "toefl-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"toefl-1-reading"}, got.SectionIDs())
	assert.Equal(t, 1, count(t, s, "questions"))
}

func TestStore_GetExamNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetExam(context.Background(), "missing")

	assert.ErrorIs(t, err, content.ErrNotFound)
}

func TestStore_InsertResultIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := testRecord(model.ExamKindTOEFL)

	first, err := s.InsertResult(ctx, rec)
	require.NoError(t, err)
	second, err := s.InsertResult(ctx, rec)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, count(t, s, "toefl_results"))
	assert.Equal(t, 0, count(t, s, "unit_results"))
}

func TestStore_HasResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	found, err := s.HasResult(ctx, 7, "toefl-1")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = s.RawInsert(ctx, writer.GenericResultsTable, writer.MinimalRow(testRecord(model.ExamKindUnit)))
	require.NoError(t, err)

	found, err = s.HasResult(ctx, 7, "toefl-1")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.HasResult(ctx, 8, "toefl-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_RawInsertAndGeneric(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := testRecord(model.ExamKindUnit)

	_, err := s.RawInsert(ctx, rec.ExamKind.ResultsTable(), writer.ResultRow(rec))
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, s, "unit_results"))

	generic, err := s.InsertGeneric(ctx, rec.Generic())
	require.NoError(t, err)
	minimal, err := s.RawInsert(ctx, writer.GenericResultsTable, writer.MinimalRow(rec))
	require.NoError(t, err)
	assert.Equal(t, generic, minimal)
	assert.Equal(t, 1, count(t, s, "exam_results"))

	_, err = s.RawInsert(ctx, "no_such_table", map[string]any{"x": 1})
	assert.Error(t, err)
}

func TestStore_WriterPrimaryAfterDroppedTableUsesFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.db.Exec(`DROP TABLE toefl_results`)
	require.NoError(t, err)

	w := writer.NewDefault(s, writer.Options{}, zerolog.Nop())
	out := w.Write(ctx, testRecord(model.ExamKindTOEFL))

	require.True(t, out.Success)
	assert.Equal(t, "generic-table", out.TierUsed)
	assert.Equal(t, 1, count(t, s, "exam_results"))
}

// genericDown fails the shared-table insert so writes fall through to the
// minimal tier.
type genericDown struct {
	*Store
}

func (genericDown) InsertGeneric(context.Context, model.GenericResult) (string, error) {
	return "", errors.New("exam_results unavailable")
}

func TestStore_WriterMinimalReplayKeepsOneRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.db.Exec(`DROP TABLE toefl_results`)
	require.NoError(t, err)

	w := writer.NewDefault(genericDown{s}, writer.Options{}, zerolog.Nop())
	rec := testRecord(model.ExamKindTOEFL)

	first := w.Write(ctx, rec)
	second := w.Write(ctx, rec)

	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, "minimal", first.TierUsed)
	assert.Equal(t, "minimal", second.TierUsed)
	assert.Equal(t, first.StoredID, second.StoredID)
	assert.Equal(t, 1, count(t, s, "exam_results"))

	var attemptID, kind string
	var score int
	require.NoError(t, s.db.QueryRow(
		`SELECT attempt_id, exam_kind, score FROM exam_results`).Scan(&attemptID, &kind, &score))
	assert.Equal(t, rec.AttemptID.String(), attemptID)
	assert.Equal(t, "toefl", kind)
	assert.Equal(t, rec.TotalScore, score)
}

func TestStore_WriterRepairRestoresPrimaryTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.db.Exec(`DROP TABLE toefl_results`)
	require.NoError(t, err)

	w := writer.NewDefault(s, writer.Options{SchemaRepair: true}, zerolog.Nop())
	out := w.Write(ctx, testRecord(model.ExamKindTOEFL))

	require.True(t, out.Success)
	assert.Equal(t, "repair-retry", out.TierUsed)
	assert.Equal(t, 1, count(t, s, "toefl_results"))
}

func TestStore_UpsertStatisticsLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := model.StatisticsRecord{StudentID: 7, ExamID: "toefl-1", ExamType: model.ExamKindTOEFL, CorrectCount: 1, UpdatedAt: t0}
	require.NoError(t, s.UpsertStatistics(ctx, rec))

	rec.CorrectCount = 5
	rec.UpdatedAt = t0.Add(time.Second)
	require.NoError(t, s.UpsertStatistics(ctx, rec))

	stale := rec
	stale.CorrectCount = 2
	stale.UpdatedAt = t0.Add(500 * time.Millisecond)
	require.NoError(t, s.UpsertStatistics(ctx, stale))

	got, err := s.GetStatistics(ctx, 7, "toefl-1", model.ExamKindTOEFL)
	require.NoError(t, err)
	assert.Equal(t, 5, got.CorrectCount)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Second)))
	assert.Equal(t, 1, count(t, s, "exam_statistics"))
}

func TestStore_UpsertAnswer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := model.AnswerRecord{AttemptID: uuid.New(), StudentID: 7, ExamID: "toefl-1", QuestionID: "l1", Answer: json.RawMessage(`"dog"`), UpdatedAt: time.Now()}

	require.NoError(t, s.UpsertAnswer(ctx, a))
	a.Answer = json.RawMessage(`"cat"`)
	require.NoError(t, s.UpsertAnswer(ctx, a))

	var answer string
	require.NoError(t, s.db.QueryRow(`SELECT answer FROM student_answers WHERE question_id = 'l1'`).Scan(&answer))
	assert.Equal(t, `"cat"`, answer)
	assert.Equal(t, 1, count(t, s, "student_answers"))
}

func TestStore_BulkUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	attempt := uuid.New()

	require.NoError(t, s.BulkUpsertStatistics(ctx, []model.StatisticsRecord{
		{StudentID: 7, ExamID: "toefl-1", ExamType: model.ExamKindTOEFL, CorrectCount: 3, UpdatedAt: t0},
		{StudentID: 8, ExamID: "toefl-1", ExamType: model.ExamKindTOEFL, CorrectCount: 4, UpdatedAt: t0},
	}))
	assert.Equal(t, 2, count(t, s, "exam_statistics"))

	require.NoError(t, s.BulkUpsertAnswers(ctx, []model.AnswerRecord{
		{AttemptID: attempt, StudentID: 7, ExamID: "toefl-1", QuestionID: "l1", Answer: json.RawMessage(`"A"`), UpdatedAt: t0},
		{AttemptID: attempt, StudentID: 7, ExamID: "toefl-1", QuestionID: "l2", Answer: json.RawMessage(`true`), UpdatedAt: t0},
	}))
	assert.Equal(t, 2, count(t, s, "student_answers"))
}
