package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// StatisticsStore is implemented by the Postgres and SQLite stores.
type StatisticsStore interface {
	UpsertStatistics(ctx context.Context, rec model.StatisticsRecord) error
	BulkUpsertStatistics(ctx context.Context, batch []model.StatisticsRecord) error
}

// StatisticsWorker consumes persist_statistics_queue and upserts the
// real-time score snapshots.
type StatisticsWorker struct {
	store      StatisticsStore
	rdb        *redis.Client
	log        zerolog.Logger
	retryDelay time.Duration
	loop       batchLoop[model.StatisticsRecord]
}

func NewStatisticsWorker(store StatisticsStore, rdb *redis.Client, log zerolog.Logger) *StatisticsWorker {
	w := &StatisticsWorker{
		store:      store,
		rdb:        rdb,
		log:        log.With().Str("component", "statistics_worker").Logger(),
		retryDelay: RetryDelay,
	}
	w.loop = batchLoop[model.StatisticsRecord]{
		rdb:     rdb,
		queue:   config.WorkerKey.PersistStatisticsQueue,
		size:    BatchSize,
		timeout: BatchTimeout,
		log:     w.log,
		flush:   w.flush,
	}
	return w
}

// Start runs until ctx is cancelled. Call in a goroutine.
func (w *StatisticsWorker) Start(ctx context.Context) {
	w.log.Info().Msg("StatisticsWorker started")
	w.loop.run(ctx)
}

// flush tries the bulk upsert, then row by row, then requeues what failed.
func (w *StatisticsWorker) flush(ctx context.Context, batch []model.StatisticsRecord) {
	batch = latestStatistics(batch)

	err := w.store.BulkUpsertStatistics(ctx, batch)
	if err == nil {
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk statistics upsert failed, attempting row-by-row recovery")

	var failed []model.StatisticsRecord
	for _, rec := range batch {
		if err := w.store.UpsertStatistics(ctx, rec); err != nil {
			w.log.Error().Err(err).Str("key", rec.Key()).Msg("Statistics upsert failed, requeueing")
			failed = append(failed, rec)
		}
	}
	if len(failed) > 0 {
		requeue(ctx, w.rdb, config.WorkerKey.PersistStatisticsQueue, failed, w.log)
		sleep(ctx, w.retryDelay)
	}
}

// latestStatistics keeps the newest snapshot per key, in first-seen order.
func latestStatistics(batch []model.StatisticsRecord) []model.StatisticsRecord {
	index := make(map[string]int, len(batch))
	out := make([]model.StatisticsRecord, 0, len(batch))
	for _, rec := range batch {
		i, ok := index[rec.Key()]
		if !ok {
			index[rec.Key()] = len(out)
			out = append(out, rec)
			continue
		}
		if !rec.UpdatedAt.Before(out[i].UpdatedAt) {
			out[i] = rec
		}
	}
	return out
}
