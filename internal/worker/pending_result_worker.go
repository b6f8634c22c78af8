package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/writer"
)

const (
	pendingRetryDelay   = 5 * time.Second
	pendingWriteTimeout = 30 * time.Second
)

// ResultWriter is satisfied by *writer.Writer.
type ResultWriter interface {
	Write(ctx context.Context, rec model.ResultRecord) writer.Outcome
}

// PendingResultWorker replays results whose write exhausted every tier.
// Records stay on pending_results_queue until a tier accepts them; the
// attempt id keeps the replay idempotent.
type PendingResultWorker struct {
	writer     ResultWriter
	rdb        *redis.Client
	log        zerolog.Logger
	retryDelay time.Duration
}

func NewPendingResultWorker(w ResultWriter, rdb *redis.Client, log zerolog.Logger) *PendingResultWorker {
	return &PendingResultWorker{
		writer:     w,
		rdb:        rdb,
		log:        log.With().Str("component", "pending_result_worker").Logger(),
		retryDelay: pendingRetryDelay,
	}
}

// Start runs until ctx is cancelled. Call in a goroutine.
func (w *PendingResultWorker) Start(ctx context.Context) {
	w.log.Info().Msg("PendingResultWorker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *PendingResultWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PendingResultsQueue).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			sleep(ctx, w.retryDelay)
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var rec model.ResultRecord
	if err := json.Unmarshal([]byte(result[1]), &rec); err != nil {
		w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed pending result")
		return
	}

	// The record is off the queue; finish the write even during shutdown.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pendingWriteTimeout)
	defer cancel()

	out := w.writer.Write(writeCtx, rec)
	if out.Success {
		w.log.Info().
			Str("attempt_id", rec.AttemptID.String()).
			Str("tier", out.TierUsed).
			Msg("Pending result persisted")
		return
	}

	w.log.Error().
		Str("attempt_id", rec.AttemptID.String()).
		Str("reason", out.Reason).
		Msg("Pending result still failing, requeueing")
	if err := w.rdb.RPush(writeCtx, config.WorkerKey.PendingResultsQueue, result[1]).Err(); err != nil {
		w.log.Error().Err(err).Str("attempt_id", rec.AttemptID.String()).Msg("CRITICAL: Failed to requeue pending result")
	}
	sleep(ctx, w.retryDelay)
}
