package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// StatisticsRepository upserts real-time score snapshots.
type StatisticsRepository struct {
	pool *pgxpool.Pool
}

// NewStatisticsRepository creates a new StatisticsRepository.
func NewStatisticsRepository(pool *pgxpool.Pool) *StatisticsRepository {
	return &StatisticsRepository{pool: pool}
}

const statisticsConflict = `
	ON CONFLICT (student_id, exam_id, exam_type) DO UPDATE
	SET correct_count       = EXCLUDED.correct_count,
	    total_count         = EXCLUDED.total_count,
	    listening_converted = EXCLUDED.listening_converted,
	    structure_converted = EXCLUDED.structure_converted,
	    reading_converted   = EXCLUDED.reading_converted,
	    total_converted     = EXCLUDED.total_converted,
	    average             = EXCLUDED.average,
	    final_score         = EXCLUDED.final_score,
	    updated_at          = EXCLUDED.updated_at
	WHERE exam_statistics.updated_at <= EXCLUDED.updated_at`

// UpsertStatistics writes a single snapshot. Older snapshots never replace newer ones.
func (r *StatisticsRepository) UpsertStatistics(ctx context.Context, s model.StatisticsRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exam_statistics (student_id, exam_id, exam_type, correct_count, total_count,
		        listening_converted, structure_converted, reading_converted, total_converted,
		        average, final_score, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`+statisticsConflict,
		s.StudentID, s.ExamID, s.ExamType, s.CorrectCount, s.TotalCount,
		s.ListeningConverted, s.StructureConverted, s.ReadingConverted, s.TotalConverted,
		s.Average, s.FinalScore, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert statistics: %w", err)
	}
	return nil
}

// BulkUpsertStatistics writes a batch with UNNEST. The batch must not contain two
// records with the same key.
func (r *StatisticsRepository) BulkUpsertStatistics(ctx context.Context, batch []model.StatisticsRecord) error {
	n := len(batch)
	students := make([]int, n)
	exams := make([]string, n)
	types := make([]string, n)
	correct := make([]int, n)
	total := make([]int, n)
	listening := make([]int, n)
	structure := make([]int, n)
	reading := make([]int, n)
	converted := make([]int, n)
	average := make([]float64, n)
	final := make([]int, n)
	updated := make([]time.Time, n)

	for i, s := range batch {
		students[i] = s.StudentID
		exams[i] = s.ExamID
		types[i] = string(s.ExamType)
		correct[i] = s.CorrectCount
		total[i] = s.TotalCount
		listening[i] = s.ListeningConverted
		structure[i] = s.StructureConverted
		reading[i] = s.ReadingConverted
		converted[i] = s.TotalConverted
		average[i] = s.Average
		final[i] = s.FinalScore
		updated[i] = s.UpdatedAt
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO exam_statistics (student_id, exam_id, exam_type, correct_count, total_count,
		        listening_converted, structure_converted, reading_converted, total_converted,
		        average, final_score, updated_at)
		 SELECT * FROM UNNEST(
			$1::int[], $2::text[], $3::text[], $4::int[], $5::int[],
			$6::int[], $7::int[], $8::int[], $9::int[],
			$10::float8[], $11::int[], $12::timestamptz[]
		 )`+statisticsConflict,
		students, exams, types, correct, total,
		listening, structure, reading, converted,
		average, final, updated,
	)
	if err != nil {
		return fmt.Errorf("bulk upsert statistics: %w", err)
	}
	return nil
}
