package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
	RetryDelay   = 2 * time.Second

	shutdownFlushTimeout = 5 * time.Second
)

// batchLoop pops JSON payloads off a Redis list and hands them to flush
// when the buffer is full or BatchTimeout has passed since the last flush.
type batchLoop[T any] struct {
	rdb     *redis.Client
	queue   string
	size    int
	timeout time.Duration
	log     zerolog.Logger
	flush   func(ctx context.Context, batch []T)
}

func (b *batchLoop[T]) run(ctx context.Context) {
	buffer := make([]T, 0, b.size)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= b.size || time.Since(lastFlush) >= b.timeout) {
			b.flush(ctx, buffer)
			buffer = make([]T, 0, b.size)
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			b.log.Info().Int("buffered", len(buffer)).Msg("Worker stopping, flushing remaining buffer...")
			if len(buffer) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
				b.flush(flushCtx, buffer)
				cancel()
			}
			return
		default:
		}

		result, err := b.rdb.BLPop(ctx, PollTimeout, b.queue).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var item T
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			// Malformed payloads cannot be retried.
			b.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, item)
	}
}

// requeue pushes items back onto queue in one pipeline.
func requeue[T any](ctx context.Context, rdb *redis.Client, queue string, items []T, log zerolog.Logger) {
	if len(items) == 0 {
		return
	}
	pipe := rdb.Pipeline()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
