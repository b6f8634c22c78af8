package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// AnswerSink receives every accepted answer for durable storage.
type AnswerSink interface {
	PushAnswer(ctx context.Context, a model.AnswerRecord) error
}

// RedisQueue pushes statistics, answers and pending results onto the
// worker queues. It implements session.StatisticsSink, session.PendingSink
// and AnswerSink.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue creates a new RedisQueue.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

// PushStatistics queues a statistics snapshot for the statistics worker.
func (q *RedisQueue) PushStatistics(ctx context.Context, rec model.StatisticsRecord) error {
	return q.push(ctx, config.WorkerKey.PersistStatisticsQueue, rec)
}

// PushPending queues a result whose write exhausted every tier.
func (q *RedisQueue) PushPending(ctx context.Context, rec model.ResultRecord) error {
	return q.push(ctx, config.WorkerKey.PendingResultsQueue, rec)
}

// PushAnswer mirrors the answer into the student's autosave hash and queues
// it for the autosave worker, in one round trip.
func (q *RedisQueue) PushAnswer(ctx context.Context, a model.AnswerRecord) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, config.CacheKey.StudentAnswersKey(a.ExamID, a.StudentID), a.QuestionID, string(a.Answer))
	pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("autosave answer: %w", err)
	}
	return nil
}

func (q *RedisQueue) push(ctx context.Context, queue string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", queue, err)
	}
	if err := q.rdb.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("push %s: %w", queue, err)
	}
	return nil
}

// ----------------------------------------------------------------
// Direct sinks, used when Redis is disabled
// ----------------------------------------------------------------

// StatisticsUpserter is implemented by the Postgres and SQLite stores.
type StatisticsUpserter interface {
	UpsertStatistics(ctx context.Context, rec model.StatisticsRecord) error
}

// AnswerUpserter is implemented by the Postgres and SQLite stores.
type AnswerUpserter interface {
	UpsertAnswer(ctx context.Context, a model.AnswerRecord) error
}

// DirectStatistics writes statistics synchronously to the store.
type DirectStatistics struct {
	Store StatisticsUpserter
}

func (d DirectStatistics) PushStatistics(ctx context.Context, rec model.StatisticsRecord) error {
	return d.Store.UpsertStatistics(ctx, rec)
}

// DirectAnswers writes answers synchronously to the store.
type DirectAnswers struct {
	Store AnswerUpserter
}

func (d DirectAnswers) PushAnswer(ctx context.Context, a model.AnswerRecord) error {
	return d.Store.UpsertAnswer(ctx, a)
}
