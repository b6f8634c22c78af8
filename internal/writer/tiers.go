package writer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/model"
)

// ----------------------------------------------------------------
// Tier 1: primary insert into the kind's results table
// ----------------------------------------------------------------

type PrimaryTier struct {
	store RecordStore
}

func (t *PrimaryTier) Name() string { return "primary" }

func (t *PrimaryTier) Attempt(ctx context.Context, rec model.ResultRecord) (string, error) {
	return t.store.InsertResult(ctx, rec)
}

// ----------------------------------------------------------------
// Tier 2: wait, optionally repair the schema, retry the primary insert
// ----------------------------------------------------------------

type RepairRetryTier struct {
	store   RecordStore
	backoff time.Duration
	repair  bool
	log     zerolog.Logger
}

func (t *RepairRetryTier) Name() string { return "repair-retry" }

func (t *RepairRetryTier) Attempt(ctx context.Context, rec model.ResultRecord) (string, error) {
	if t.backoff > 0 {
		timer := time.NewTimer(t.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	if t.repair {
		// A failed repair does not stop the retry.
		if err := t.store.RepairSchema(ctx); err != nil {
			t.log.Warn().Err(err).Str("component", "result_writer").Msg("Schema repair failed")
		}
	}

	return t.store.InsertResult(ctx, rec)
}

// ----------------------------------------------------------------
// Tier 3: raw parameterized insert through the stored helper
// ----------------------------------------------------------------

type RawInsertTier struct {
	store RecordStore
}

func (t *RawInsertTier) Name() string { return "raw-insert" }

func (t *RawInsertTier) Attempt(ctx context.Context, rec model.ResultRecord) (string, error) {
	return t.store.RawInsert(ctx, rec.ExamKind.ResultsTable(), ResultRow(rec))
}

// ----------------------------------------------------------------
// Tier 4: reduced record in the shared results table
// ----------------------------------------------------------------

type GenericTableTier struct {
	store RecordStore
}

func (t *GenericTableTier) Name() string { return "generic-table" }

func (t *GenericTableTier) Attempt(ctx context.Context, rec model.ResultRecord) (string, error) {
	return t.store.InsertGeneric(ctx, rec.Generic())
}

// ----------------------------------------------------------------
// Tier 5: bare minimum columns in the shared results table
// ----------------------------------------------------------------

type MinimalTier struct {
	store RecordStore
}

func (t *MinimalTier) Name() string { return "minimal" }

func (t *MinimalTier) Attempt(ctx context.Context, rec model.ResultRecord) (string, error) {
	return t.store.RawInsert(ctx, GenericResultsTable, MinimalRow(rec))
}
