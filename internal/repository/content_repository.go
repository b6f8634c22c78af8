package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ContentRepository reads and writes exam definitions.
type ContentRepository struct {
	pool *pgxpool.Pool
}

// NewContentRepository creates a new ContentRepository.
func NewContentRepository(pool *pgxpool.Pool) *ContentRepository {
	return &ContentRepository{pool: pool}
}

// GetExam loads an exam with its sections and questions.
// Returns content.ErrNotFound when the exam does not exist.
func (r *ContentRepository) GetExam(ctx context.Context, examID string) (*model.ExamData, error) {
	exam := &model.ExamData{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, kind, scoring_mode, duration_minutes
		 FROM exams WHERE id = $1 AND status <> 'ARCHIVED'`, examID,
	).Scan(&exam.ID, &exam.Title, &exam.Kind, &exam.ScoringMode, &exam.DurationMinutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, content.ErrNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, kind, title, duration_minutes, order_num
		 FROM exam_sections WHERE exam_id = $1
		 ORDER BY order_num, id`, examID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	index := make(map[string]int)
	for rows.Next() {
		var s model.Section
		if err := rows.Scan(&s.ID, &s.Kind, &s.Title, &s.DurationMinutes, &s.OrderNum); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan section: %w", err)
		}
		index[s.ID] = len(exam.Sections)
		exam.Sections = append(exam.Sections, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}

	rows, err = r.pool.Query(ctx,
		`SELECT q.id, q.section_id, q.question_type, q.prompt, q.choices,
		        q.correct_answer, q.passage, q.audio_url, q.order_num
		 FROM questions q
		 JOIN exam_sections s ON s.id = q.section_id
		 WHERE s.exam_id = $1
		 ORDER BY s.order_num, q.order_num, q.id`, examID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			q         model.Question
			sectionID string
			correct   []byte
		)
		if err := rows.Scan(&q.ID, &sectionID, &q.Type, &q.Prompt, &q.Choices,
			&correct, &q.Passage, &q.AudioURL, &q.OrderNum); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if len(correct) > 0 {
			if err := json.Unmarshal(correct, &q.CorrectAnswer); err != nil {
				return nil, fmt.Errorf("decode correct answer of %s: %w", q.ID, err)
			}
		}
		i, ok := index[sectionID]
		if !ok {
			continue
		}
		exam.Sections[i].Questions = append(exam.Sections[i].Questions, q)
	}
	return exam, rows.Err()
}

// ListPublishedIDs returns the ids of all published exams.
// Used for cache prewarming on application startup.
func (r *ContentRepository) ListPublishedIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM exams WHERE status = 'PUBLISHED' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// SaveExam replaces an exam definition in a single transaction.
func (r *ContentRepository) SaveExam(ctx context.Context, exam *model.ExamData, status model.ExamStatus) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO exams (id, title, kind, scoring_mode, duration_minutes, status)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE
			 SET title = EXCLUDED.title, kind = EXCLUDED.kind, scoring_mode = EXCLUDED.scoring_mode,
			     duration_minutes = EXCLUDED.duration_minutes, status = EXCLUDED.status, updated_at = NOW()`,
			exam.ID, exam.Title, exam.Kind, exam.ScoringMode, exam.DurationMinutes, status,
		); err != nil {
			return fmt.Errorf("upsert exam: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM exam_sections WHERE exam_id = $1`, exam.ID); err != nil {
			return fmt.Errorf("clear sections: %w", err)
		}

		batch := &pgx.Batch{}
		for _, s := range exam.Sections {
			batch.Queue(
				`INSERT INTO exam_sections (id, exam_id, kind, title, duration_minutes, order_num)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				s.ID, exam.ID, s.Kind, s.Title, s.DurationMinutes, s.OrderNum)
			for _, q := range s.Questions {
				correct, err := json.Marshal(q.CorrectAnswer)
				if err != nil {
					return fmt.Errorf("encode correct answer of %s: %w", q.ID, err)
				}
				batch.Queue(
					`INSERT INTO questions (id, section_id, question_type, prompt, choices, correct_answer, passage, audio_url, order_num)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
					q.ID, s.ID, q.Type, q.Prompt, nullableJSON(q.Choices), string(correct), q.Passage, q.AudioURL, q.OrderNum)
			}
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// nullableJSON maps an empty document to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
