package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// AnswerRepository persists autosaved answers.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// UpsertAnswer creates or updates one answer without locking.
func (r *AnswerRepository) UpsertAnswer(ctx context.Context, a model.AnswerRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO student_answers (attempt_id, exam_id, student_id, question_id, answer, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (exam_id, student_id, question_id) DO UPDATE
		 SET answer = EXCLUDED.answer, attempt_id = EXCLUDED.attempt_id, updated_at = EXCLUDED.updated_at`,
		a.AttemptID, a.ExamID, a.StudentID, a.QuestionID, string(a.Answer), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}

// BulkUpsertAnswers writes a deduplicated batch with UNNEST.
func (r *AnswerRepository) BulkUpsertAnswers(ctx context.Context, batch []model.AnswerRecord) error {
	n := len(batch)
	attempts := make([]uuid.UUID, n)
	exams := make([]string, n)
	students := make([]int, n)
	questions := make([]string, n)
	answers := make([]string, n)
	updated := make([]time.Time, n)

	for i, a := range batch {
		attempts[i] = a.AttemptID
		exams[i] = a.ExamID
		students[i] = a.StudentID
		questions[i] = a.QuestionID
		answers[i] = string(a.Answer)
		updated[i] = a.UpdatedAt
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO student_answers (attempt_id, exam_id, student_id, question_id, answer, updated_at)
		 SELECT u.attempt_id, u.exam_id, u.student_id, u.question_id, u.answer::jsonb, u.updated_at
		 FROM UNNEST($1::uuid[], $2::text[], $3::int[], $4::text[], $5::text[], $6::timestamptz[])
		      AS u (attempt_id, exam_id, student_id, question_id, answer, updated_at)
		 ON CONFLICT (exam_id, student_id, question_id) DO UPDATE
		 SET answer = EXCLUDED.answer, attempt_id = EXCLUDED.attempt_id, updated_at = EXCLUDED.updated_at`,
		attempts, exams, students, questions, answers, updated,
	)
	if err != nil {
		return fmt.Errorf("bulk upsert answers: %w", err)
	}
	return nil
}
