// Package content loads exam definitions for the session engine, reading
// through a Redis cache in front of the record store.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

var (
	ErrNotFound   = errors.New("exam not found")
	ErrNoSections = errors.New("exam has no sections")
)

// Source reads exam definitions from the record store. It returns
// ErrNotFound for unknown exams.
type Source interface {
	GetExam(ctx context.Context, examID string) (*model.ExamData, error)
}

// Loader implements session.ExamLoader.
type Loader struct {
	source Source
	rdb    *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewLoader creates a loader. A nil rdb disables caching.
func NewLoader(source Source, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *Loader {
	return &Loader{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		log:    log.With().Str("component", "content_loader").Logger(),
	}
}

// LoadExam returns the exam with sections and questions ordered. Cache
// errors are logged and fall through to the source.
func (l *Loader) LoadExam(ctx context.Context, examID string) (*model.ExamData, error) {
	if exam, ok := l.cached(ctx, examID); ok {
		return exam, nil
	}

	exam, err := l.source.GetExam(ctx, examID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, examID)
		}
		return nil, fmt.Errorf("load exam %s: %w", examID, err)
	}
	if len(exam.Sections) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSections, examID)
	}
	normalize(exam)

	l.store(ctx, exam)
	return exam, nil
}

// Prewarm loads every exam in ids into the cache before traffic arrives,
// so a room opening the same test does not stampede the store. Failures
// are logged per exam; the count of cached exams is returned.
func (l *Loader) Prewarm(ctx context.Context, ids []string) int {
	if l.rdb == nil {
		return 0
	}
	warmed := 0
	for _, id := range ids {
		if err := l.Invalidate(ctx, id); err != nil {
			l.log.Warn().Err(err).Str("exam_id", id).Msg("Prewarm invalidate failed")
		}
		if _, err := l.LoadExam(ctx, id); err != nil {
			l.log.Warn().Err(err).Str("exam_id", id).Msg("Prewarm skipped exam")
			continue
		}
		warmed++
	}
	l.log.Info().Int("exams", warmed).Msg("Exam cache prewarmed")
	return warmed
}

// Invalidate drops the cached copy of an exam.
func (l *Loader) Invalidate(ctx context.Context, examID string) error {
	if l.rdb == nil {
		return nil
	}
	return l.rdb.Del(ctx, config.CacheKey.ExamDataKey(examID)).Err()
}

func (l *Loader) cached(ctx context.Context, examID string) (*model.ExamData, bool) {
	if l.rdb == nil {
		return nil, false
	}

	data, err := l.rdb.Get(ctx, config.CacheKey.ExamDataKey(examID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			l.log.Warn().Err(err).Str("exam_id", examID).Msg("Exam cache read failed")
		}
		return nil, false
	}

	var exam model.ExamData
	if err := json.Unmarshal(data, &exam); err != nil {
		l.log.Warn().Err(err).Str("exam_id", examID).Msg("Corrupt exam cache entry, reloading")
		return nil, false
	}
	if len(exam.Sections) == 0 {
		return nil, false
	}
	return &exam, true
}

func (l *Loader) store(ctx context.Context, exam *model.ExamData) {
	if l.rdb == nil {
		return
	}
	data, err := json.Marshal(exam)
	if err != nil {
		l.log.Warn().Err(err).Str("exam_id", exam.ID).Msg("Failed to encode exam for cache")
		return
	}
	if err := l.rdb.Set(ctx, config.CacheKey.ExamDataKey(exam.ID), data, l.ttl).Err(); err != nil {
		l.log.Warn().Err(err).Str("exam_id", exam.ID).Msg("Exam cache write failed")
	}
}

func normalize(exam *model.ExamData) {
	sort.SliceStable(exam.Sections, func(i, j int) bool {
		return exam.Sections[i].OrderNum < exam.Sections[j].OrderNum
	})
	for i := range exam.Sections {
		qs := exam.Sections[i].Questions
		sort.SliceStable(qs, func(a, b int) bool { return qs[a].OrderNum < qs[b].OrderNum })
	}
}
