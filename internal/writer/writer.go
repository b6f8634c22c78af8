// Package writer persists finalized result records through an ordered chain
// of fallback tiers. A record is only reported lost when every tier fails,
// and even then the caller keeps it for a later retry.
package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/model"
)

// ErrPersistenceExhausted is reported when every tier failed for a record.
var ErrPersistenceExhausted = errors.New("writer: all persistence tiers failed")

// Tier is one storage strategy in the fallback chain.
type Tier interface {
	Name() string
	// Attempt stores rec and returns the id assigned by the store.
	Attempt(ctx context.Context, rec model.ResultRecord) (string, error)
}

// Outcome is the result of a Write.
//
// On success StoredID and TierUsed are set. On failure Reason describes the
// last cause, Recoverable is true and Record holds the record to retry.
type Outcome struct {
	Success     bool               `json:"success"`
	StoredID    string             `json:"stored_id,omitempty"`
	TierUsed    string             `json:"tier_used,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Recoverable bool               `json:"recoverable"`
	Record      model.ResultRecord `json:"-"`
	Err         error              `json:"-"`
}

// Options tune the default chain built by NewDefault.
type Options struct {
	// RetryBackoff is how long the repair-retry tier waits before retrying.
	RetryBackoff time.Duration
	// SchemaRepair enables the opportunistic repair step of the repair-retry tier.
	SchemaRepair bool
}

// Writer runs a record through its tiers in order until one succeeds.
type Writer struct {
	tiers []Tier
	log   zerolog.Logger
}

// New creates a writer over an explicit tier list.
func New(log zerolog.Logger, tiers ...Tier) *Writer {
	return &Writer{
		tiers: tiers,
		log:   log.With().Str("component", "result_writer").Logger(),
	}
}

// NewDefault builds the standard five-tier chain over store:
// primary, repair-retry, raw-insert, generic-table, minimal.
func NewDefault(store RecordStore, opts Options, log zerolog.Logger) *Writer {
	return New(log,
		&PrimaryTier{store: store},
		&RepairRetryTier{store: store, backoff: opts.RetryBackoff, repair: opts.SchemaRepair, log: log},
		&RawInsertTier{store: store},
		&GenericTableTier{store: store},
		&MinimalTier{store: store},
	)
}

// Tiers returns the names of the configured tiers in order.
func (w *Writer) Tiers() []string {
	names := make([]string, len(w.tiers))
	for i, t := range w.tiers {
		names[i] = t.Name()
	}
	return names
}

// Write stores rec through the first tier that accepts it. Tier failures are
// logged and swallowed; only exhaustion of the whole chain is reported.
func (w *Writer) Write(ctx context.Context, rec model.ResultRecord) Outcome {
	l := w.log.With().
		Str("attempt_id", rec.AttemptID.String()).
		Int("student_id", rec.StudentID).
		Str("exam_id", rec.ExamID).
		Logger()

	var errs []error
	for _, t := range w.tiers {
		id, err := t.Attempt(ctx, rec)
		if err == nil {
			l.Info().Str("tier", t.Name()).Str("stored_id", id).Msg("Result persisted")
			return Outcome{
				Success:  true,
				StoredID: id,
				TierUsed: t.Name(),
				Record:   rec,
			}
		}

		l.Warn().Err(err).
			Str("tier", t.Name()).
			Bool("transient", IsTransient(err)).
			Bool("schema", IsSchemaError(err)).
			Msg("Persistence tier failed")
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
	}

	err := errors.Join(append([]error{ErrPersistenceExhausted}, errs...)...)
	reason := ErrPersistenceExhausted.Error()
	if len(errs) > 0 {
		reason = errs[len(errs)-1].Error()
	}
	l.Error().Err(err).Int("tiers", len(w.tiers)).Msg("All persistence tiers failed, result kept for retry")

	return Outcome{
		Success:     false,
		Reason:      reason,
		Recoverable: true,
		Record:      rec,
		Err:         err,
	}
}
