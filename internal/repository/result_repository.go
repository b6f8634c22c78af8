package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/writer"
)

//go:embed sql/repair.sql
var repairSQL string

// ResultRepository stores final result records. It implements
// writer.RecordStore.
type ResultRepository struct {
	pool *pgxpool.Pool
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

var _ writer.RecordStore = (*ResultRepository)(nil)

// InsertResult writes the record to its kind's table. Re-inserting the same
// attempt returns the existing row id.
func (r *ResultRepository) InsertResult(ctx context.Context, rec model.ResultRecord) (string, error) {
	table := pgx.Identifier{rec.ExamKind.ResultsTable()}.Sanitize()

	var id string
	err := r.pool.QueryRow(ctx,
		`INSERT INTO `+table+` (attempt_id, student_id, exam_id, test_id, total_points,
		        total_score, status, completion_time, answers, section_scores)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (attempt_id) DO UPDATE SET attempt_id = EXCLUDED.attempt_id
		 RETURNING id::text`,
		rec.AttemptID, rec.StudentID, rec.ExamID, rec.TestID, rec.TotalPoints,
		rec.TotalScore, rec.Status, rec.CompletionTime, answersJSON(rec.Answers), nullableJSON(rec.SectionScores),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert %s: %w", rec.ExamKind.ResultsTable(), err)
	}
	return id, nil
}

// HasResult reports whether any results table holds a row for the student
// and exam.
func (r *ResultRepository) HasResult(ctx context.Context, studentID int, examID string) (bool, error) {
	var found bool
	err := r.pool.QueryRow(ctx, hasResultSQL, studentID, examID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("lookup result: %w", err)
	}
	return found, nil
}

const hasResultSQL = `
	SELECT EXISTS (SELECT 1 FROM toefl_results WHERE student_id = $1 AND exam_id = $2)
	    OR EXISTS (SELECT 1 FROM unit_results WHERE student_id = $1 AND exam_id = $2)
	    OR EXISTS (SELECT 1 FROM exam_results WHERE student_id = $1 AND exam_id = $2)`

// RepairSchema re-creates the result tables and the exec_sql helper if
// they are missing. Every statement is idempotent.
func (r *ResultRepository) RepairSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, repairSQL); err != nil {
		return fmt.Errorf("repair schema: %w", err)
	}
	return nil
}

// RawInsert inserts row into table through the exec_sql helper. Columns
// are decoded from the JSON params with jsonb_populate_record so every
// value stays a bound parameter.
func (r *ResultRepository) RawInsert(ctx context.Context, table string, row map[string]any) (string, error) {
	stmt := rawInsertStatement(table, row)
	params, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("encode row: %w", err)
	}

	var id string
	if err := r.pool.QueryRow(ctx, `SELECT exec_sql($1, $2::jsonb)`, stmt, string(params)).Scan(&id); err != nil {
		return "", fmt.Errorf("exec_sql insert %s: %w", table, err)
	}
	return id, nil
}

// InsertGeneric writes the reduced record to the shared results table.
func (r *ResultRepository) InsertGeneric(ctx context.Context, res model.GenericResult) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_results (attempt_id, student_id, exam_id, exam_kind, score, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (attempt_id) DO UPDATE SET attempt_id = EXCLUDED.attempt_id
		 RETURNING id::text`,
		res.AttemptID, res.StudentID, res.ExamID, res.ExamKind, res.Score, res.Status, res.CreatedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert exam_results: %w", err)
	}
	return id, nil
}

const attemptIDColumn = "attempt_id"

func rawInsertStatement(table string, row map[string]any) string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	list := strings.Join(quoted, ", ")
	ident := pgx.Identifier{table}.Sanitize()

	upsert := ""
	if _, ok := row[attemptIDColumn]; ok {
		upsert = ` ON CONFLICT (attempt_id) DO UPDATE SET attempt_id = EXCLUDED.attempt_id`
	}

	return fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM jsonb_populate_record(NULL::%s, $1)%s RETURNING id::text`,
		ident, list, list, ident, upsert,
	)
}

func answersJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
