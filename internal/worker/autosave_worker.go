package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// AnswerStore is implemented by the Postgres and SQLite stores.
type AnswerStore interface {
	UpsertAnswer(ctx context.Context, a model.AnswerRecord) error
	BulkUpsertAnswers(ctx context.Context, batch []model.AnswerRecord) error
}

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers.
type AutosaveWorker struct {
	store      AnswerStore
	rdb        *redis.Client
	log        zerolog.Logger
	retryDelay time.Duration
	loop       batchLoop[model.AnswerRecord]
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(store AnswerStore, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	w := &AutosaveWorker{
		store:      store,
		rdb:        rdb,
		log:        log.With().Str("component", "autosave_worker").Logger(),
		retryDelay: RetryDelay,
	}
	w.loop = batchLoop[model.AnswerRecord]{
		rdb:     rdb,
		queue:   config.WorkerKey.PersistAnswersQueue,
		size:    BatchSize,
		timeout: BatchTimeout,
		log:     w.log,
		flush:   w.flush,
	}
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")
	w.loop.run(ctx)
	w.log.Info().Msg("Worker stopped")
}

func (w *AutosaveWorker) flush(ctx context.Context, batch []model.AnswerRecord) {
	batch = latestAnswers(batch)

	err := w.store.BulkUpsertAnswers(ctx, batch)
	if err == nil {
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk answer upsert failed, attempting row-by-row recovery")

	var failed []model.AnswerRecord
	for _, a := range batch {
		if err := w.store.UpsertAnswer(ctx, a); err != nil {
			w.log.Error().Err(err).
				Int("student_id", a.StudentID).
				Str("exam_id", a.ExamID).
				Msg("Persist error, requeueing")
			failed = append(failed, a)
		}
	}
	if len(failed) > 0 {
		requeue(ctx, w.rdb, config.WorkerKey.PersistAnswersQueue, failed, w.log)
		sleep(ctx, w.retryDelay)
	}
}

// latestAnswers keeps the last answer per question. A bulk upsert cannot
// touch the same row twice.
func latestAnswers(batch []model.AnswerRecord) []model.AnswerRecord {
	index := make(map[string]int, len(batch))
	out := make([]model.AnswerRecord, 0, len(batch))
	for _, a := range batch {
		if i, ok := index[a.Key()]; ok {
			if !a.UpdatedAt.Before(out[i].UpdatedAt) {
				out[i] = a
			}
			continue
		}
		index[a.Key()] = len(out)
		out = append(out, a)
	}
	return out
}
