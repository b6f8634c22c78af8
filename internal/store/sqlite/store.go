// Package sqlite is the offline record store. It serves exam content,
// final results, statistics and answers from a single SQLite file so the
// engine can run without Postgres or Redis.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/writer"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db *sql.DB
}

var _ writer.RecordStore = (*Store)(nil)

// New opens (or creates) the database at path. ":memory:" gives a private
// in-memory database.
func New(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Ping checks the database file is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// ----------------------------------------------------------------
// Content
// ----------------------------------------------------------------

// GetExam implements content.Source.
func (s *Store) GetExam(ctx context.Context, examID string) (*model.ExamData, error) {
	exam := &model.ExamData{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, kind, scoring_mode, duration_minutes
		 FROM exams WHERE id = ? AND status <> 'ARCHIVED'`, examID,
	).Scan(&exam.ID, &exam.Title, &exam.Kind, &exam.ScoringMode, &exam.DurationMinutes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, content.ErrNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, title, duration_minutes, order_num
		 FROM exam_sections WHERE exam_id = ? ORDER BY order_num, id`, examID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	index := make(map[string]int)
	for rows.Next() {
		var sec model.Section
		if err := rows.Scan(&sec.ID, &sec.Kind, &sec.Title, &sec.DurationMinutes, &sec.OrderNum); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan section: %w", err)
		}
		index[sec.ID] = len(exam.Sections)
		exam.Sections = append(exam.Sections, sec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT q.id, q.section_id, q.question_type, q.prompt, q.choices,
		        q.correct_answer, q.passage, q.audio_url, q.order_num
		 FROM questions q JOIN exam_sections s ON s.id = q.section_id
		 WHERE s.exam_id = ?
		 ORDER BY s.order_num, q.order_num, q.id`, examID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			q                 model.Question
			sectionID         string
			choices, correct  sql.NullString
			passage, audioURL sql.NullString
		)
		if err := rows.Scan(&q.ID, &sectionID, &q.Type, &q.Prompt, &choices,
			&correct, &passage, &audioURL, &q.OrderNum); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if choices.Valid {
			q.Choices = json.RawMessage(choices.String)
		}
		if correct.Valid && correct.String != "" {
			if err := json.Unmarshal([]byte(correct.String), &q.CorrectAnswer); err != nil {
				return nil, fmt.Errorf("decode correct answer of %s: %w", q.ID, err)
			}
		}
		if passage.Valid {
			q.Passage = &passage.String
		}
		if audioURL.Valid {
			q.AudioURL = &audioURL.String
		}
		if i, ok := index[sectionID]; ok {
			exam.Sections[i].Questions = append(exam.Sections[i].Questions, q)
		}
	}
	return exam, rows.Err()
}

// ListPublishedIDs returns the ids of all published exams.
func (s *Store) ListPublishedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM exams WHERE status = 'PUBLISHED' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveExam replaces an exam definition in a single transaction.
func (s *Store) SaveExam(ctx context.Context, exam *model.ExamData, status model.ExamStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO exams (id, title, kind, scoring_mode, duration_minutes, status)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET title = excluded.title, kind = excluded.kind, scoring_mode = excluded.scoring_mode,
		     duration_minutes = excluded.duration_minutes, status = excluded.status`,
		exam.ID, exam.Title, string(exam.Kind), string(exam.ScoringMode), exam.DurationMinutes, string(status),
	); err != nil {
		return fmt.Errorf("upsert exam: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM questions WHERE section_id IN (SELECT id FROM exam_sections WHERE exam_id = ?)`, exam.ID); err != nil {
		return fmt.Errorf("clear questions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM exam_sections WHERE exam_id = ?`, exam.ID); err != nil {
		return fmt.Errorf("clear sections: %w", err)
	}

	for _, sec := range exam.Sections {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO exam_sections (id, exam_id, kind, title, duration_minutes, order_num)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sec.ID, exam.ID, string(sec.Kind), sec.Title, sec.DurationMinutes, sec.OrderNum,
		); err != nil {
			return fmt.Errorf("insert section %s: %w", sec.ID, err)
		}
		for _, q := range sec.Questions {
			correct, err := json.Marshal(q.CorrectAnswer)
			if err != nil {
				return fmt.Errorf("encode correct answer of %s: %w", q.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO questions (id, section_id, question_type, prompt, choices, correct_answer, passage, audio_url, order_num)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				q.ID, sec.ID, string(q.Type), q.Prompt, nullableText(q.Choices), string(correct),
				q.Passage, q.AudioURL, q.OrderNum,
			); err != nil {
				return fmt.Errorf("insert question %s: %w", q.ID, err)
			}
		}
	}
	return tx.Commit()
}

// ----------------------------------------------------------------
// Results (writer.RecordStore)
// ----------------------------------------------------------------

// InsertResult writes rec to its kind's table, idempotent on attempt_id.
func (s *Store) InsertResult(ctx context.Context, rec model.ResultRecord) (string, error) {
	table := quoteIdent(rec.ExamKind.ResultsTable())

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO `+table+` (attempt_id, student_id, exam_id, test_id, total_points,
		        total_score, status, completion_time, answers, section_scores)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (attempt_id) DO UPDATE SET attempt_id = excluded.attempt_id
		 RETURNING id`,
		rec.AttemptID.String(), rec.StudentID, rec.ExamID, rec.TestID, rec.TotalPoints,
		rec.TotalScore, string(rec.Status), formatTime(rec.CompletionTime),
		answersText(rec.Answers), nullableText(rec.SectionScores),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert %s: %w", rec.ExamKind.ResultsTable(), err)
	}
	return fmt.Sprint(id), nil
}

// HasResult reports whether any results table holds a row for the student
// and exam.
func (s *Store) HasResult(ctx context.Context, studentID int, examID string) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM toefl_results WHERE student_id = ?1 AND exam_id = ?2)
		    OR EXISTS (SELECT 1 FROM unit_results WHERE student_id = ?1 AND exam_id = ?2)
		    OR EXISTS (SELECT 1 FROM exam_results WHERE student_id = ?1 AND exam_id = ?2)`,
		studentID, examID,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("lookup result: %w", err)
	}
	return found, nil
}

// RepairSchema re-runs the embedded schema.
func (s *Store) RepairSchema(ctx context.Context) error {
	return s.migrate(ctx)
}

// RawInsert inserts row with bound parameters. SQLite has no stored
// routines, so the statement runs directly. Rows with an attempt_id upsert
// on it.
func (s *Store) RawInsert(ctx context.Context, table string, row map[string]any) (string, error) {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		marks[i] = "?"
		args[i] = sqlValue(row[c])
	}

	upsert := ""
	if _, ok := row["attempt_id"]; ok {
		upsert = ` ON CONFLICT (attempt_id) DO UPDATE SET attempt_id = excluded.attempt_id`
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)%s RETURNING id`,
			quoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "), upsert),
		args...).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("raw insert %s: %w", table, err)
	}
	return fmt.Sprint(id), nil
}

// InsertGeneric writes the reduced record to exam_results.
func (s *Store) InsertGeneric(ctx context.Context, res model.GenericResult) (string, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO exam_results (attempt_id, student_id, exam_id, exam_kind, score, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (attempt_id) DO UPDATE SET attempt_id = excluded.attempt_id
		 RETURNING id`,
		res.AttemptID.String(), res.StudentID, res.ExamID, string(res.ExamKind), res.Score,
		string(res.Status), formatTime(res.CreatedAt),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert exam_results: %w", err)
	}
	return fmt.Sprint(id), nil
}

// ----------------------------------------------------------------
// Statistics and answers
// ----------------------------------------------------------------

const upsertStatisticsSQL = `
	INSERT INTO exam_statistics (student_id, exam_id, exam_type, correct_count, total_count,
	        listening_converted, structure_converted, reading_converted, total_converted,
	        average, final_score, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (student_id, exam_id, exam_type) DO UPDATE
	SET correct_count = excluded.correct_count,
	    total_count = excluded.total_count,
	    listening_converted = excluded.listening_converted,
	    structure_converted = excluded.structure_converted,
	    reading_converted = excluded.reading_converted,
	    total_converted = excluded.total_converted,
	    average = excluded.average,
	    final_score = excluded.final_score,
	    updated_at = excluded.updated_at
	WHERE exam_statistics.updated_at <= excluded.updated_at`

func statisticsArgs(st model.StatisticsRecord) []any {
	return []any{
		st.StudentID, st.ExamID, string(st.ExamType), st.CorrectCount, st.TotalCount,
		st.ListeningConverted, st.StructureConverted, st.ReadingConverted, st.TotalConverted,
		st.Average, st.FinalScore, formatTime(st.UpdatedAt),
	}
}

// UpsertStatistics writes a snapshot; older snapshots never replace newer ones.
func (s *Store) UpsertStatistics(ctx context.Context, st model.StatisticsRecord) error {
	if _, err := s.db.ExecContext(ctx, upsertStatisticsSQL, statisticsArgs(st)...); err != nil {
		return fmt.Errorf("upsert statistics: %w", err)
	}
	return nil
}

// BulkUpsertStatistics writes a batch in one transaction.
func (s *Store) BulkUpsertStatistics(ctx context.Context, batch []model.StatisticsRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, st := range batch {
		if _, err := tx.ExecContext(ctx, upsertStatisticsSQL, statisticsArgs(st)...); err != nil {
			return fmt.Errorf("bulk upsert statistics: %w", err)
		}
	}
	return tx.Commit()
}

// GetStatistics reads the current snapshot for a key.
func (s *Store) GetStatistics(ctx context.Context, studentID int, examID string, kind model.ExamKind) (*model.StatisticsRecord, error) {
	st := &model.StatisticsRecord{}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT student_id, exam_id, exam_type, correct_count, total_count,
		        listening_converted, structure_converted, reading_converted, total_converted,
		        average, final_score, updated_at
		 FROM exam_statistics WHERE student_id = ? AND exam_id = ? AND exam_type = ?`,
		studentID, examID, string(kind),
	).Scan(&st.StudentID, &st.ExamID, &st.ExamType, &st.CorrectCount, &st.TotalCount,
		&st.ListeningConverted, &st.StructureConverted, &st.ReadingConverted, &st.TotalConverted,
		&st.Average, &st.FinalScore, &updated)
	if err != nil {
		return nil, err
	}
	st.UpdatedAt, err = time.Parse(timeLayout, updated)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return st, nil
}

const upsertAnswerSQL = `
	INSERT INTO student_answers (attempt_id, exam_id, student_id, question_id, answer, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (exam_id, student_id, question_id) DO UPDATE
	SET answer = excluded.answer, attempt_id = excluded.attempt_id, updated_at = excluded.updated_at`

func answerArgs(a model.AnswerRecord) []any {
	return []any{a.AttemptID.String(), a.ExamID, a.StudentID, a.QuestionID, string(a.Answer), formatTime(a.UpdatedAt)}
}

// UpsertAnswer creates or updates one answer.
func (s *Store) UpsertAnswer(ctx context.Context, a model.AnswerRecord) error {
	if _, err := s.db.ExecContext(ctx, upsertAnswerSQL, answerArgs(a)...); err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}

// BulkUpsertAnswers writes a batch in one transaction.
func (s *Store) BulkUpsertAnswers(ctx context.Context, batch []model.AnswerRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range batch {
		if _, err := tx.ExecContext(ctx, upsertAnswerSQL, answerArgs(a)...); err != nil {
			return fmt.Errorf("bulk upsert answers: %w", err)
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func nullableText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func answersText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// sqlValue converts values from raw-insert rows into driver values.
func sqlValue(v any) any {
	switch x := v.(type) {
	case json.RawMessage:
		return string(x)
	case time.Time:
		return formatTime(x)
	default:
		return v
	}
}
