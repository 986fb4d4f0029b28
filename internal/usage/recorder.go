// Package usage persists selection outcomes: the append-only usage log,
// the performance ledger update, and the compensating spending corrections
// when the downstream call failed or cost something other than estimated.
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pawprint/modelswapper/internal/guard"
	"github.com/pawprint/modelswapper/internal/store"
	"github.com/pawprint/modelswapper/pkg/models"
)

// ErrDuplicate is returned when a selection's outcome was already recorded.
// The ledger is untouched; retried record calls are safe.
var ErrDuplicate = errors.New("usage already recorded for selection")

// Outcome is the caller's report of what actually happened after the
// selection (the AI call itself is out of this engine's hands).
type Outcome struct {
	SelectionID      string
	PromptTokens     int
	CompletionTokens int
	ActualCostUSD    float64
	LatencyMs        int64
	Success          bool
	Detail           string
}

// Store is the storage subset the recorder needs.
type Store interface {
	store.SelectionStore
	store.UsageLogStore
	store.PerformanceStore
	store.SpendingStore
}

// Recorder writes usage log entries and keeps the performance ledger and
// spending counters consistent with reality.
type Recorder struct {
	store     Store
	guard     *guard.Guard
	sampleCap int64
}

// New creates a recorder. sampleCap bounds the moving-average window for
// performance updates.
func New(s Store, g *guard.Guard, sampleCap int64) *Recorder {
	if sampleCap <= 0 {
		sampleCap = 100
	}
	return &Recorder{store: s, guard: g, sampleCap: sampleCap}
}

// Record consumes the pending selection once and writes the usage entry.
// A second call for the same selection ID finds no pending stub and
// returns ErrDuplicate without touching any aggregate.
func (r *Recorder) Record(ctx context.Context, out Outcome) (*models.UsageLogEntry, error) {
	pending, err := r.store.TakePendingSelection(ctx, out.SelectionID)
	if err != nil {
		if store.IsNotFound(err) {
			log.Info().Str("selection", out.SelectionID).Msg("Duplicate or unknown usage report, ignoring")
			return nil, ErrDuplicate
		}
		return nil, err
	}

	status := models.UsageSuccess
	if !out.Success {
		status = models.UsageFailure
	}

	entry := &models.UsageLogEntry{
		ID:               uuid.New().String(),
		SelectionID:      pending.SelectionID,
		UserID:           pending.UserID,
		ModelID:          pending.ModelID,
		TaskType:         pending.TaskType,
		EstimatedCostUSD: pending.EstimatedCostUSD,
		ActualCostUSD:    out.ActualCostUSD,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
		LatencyMs:        out.LatencyMs,
		Status:           status,
		Detail:           out.Detail,
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.store.AppendUsage(ctx, entry); err != nil {
		// Put the stub back so a retry can succeed; losing billing data is
		// worse than a transient double-take window.
		if perr := r.store.PutPendingSelection(ctx, pending); perr != nil {
			log.Error().Err(perr).Str("selection", pending.SelectionID).Msg("Failed to restore pending selection")
		}
		return nil, err
	}

	r.updatePerformance(ctx, pending, out)

	if !out.Success {
		// The guard pre-charged optimistically; give the money back.
		if err := r.guard.Reverse(ctx, pending.UserID, pending.CreatedAt, pending.EstimatedCostUSD); err != nil {
			log.Error().Err(err).Str("selection", pending.SelectionID).Msg("Failed to reverse charge for failed call")
		}
	} else if out.ActualCostUSD > 0 {
		r.correctSpending(ctx, pending, out.ActualCostUSD)
	}

	return entry, nil
}

// updatePerformance folds the outcome into the (model, task) aggregate
// with a capped-window moving average: very old data decays but history
// is never discarded outright.
func (r *Recorder) updatePerformance(ctx context.Context, pending *models.PendingSelection, out Outcome) {
	rec, err := r.store.GetPerformance(ctx, pending.ModelID, pending.TaskType)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Warn().Err(err).Msg("Performance read failed, skipping ledger update")
			return
		}
		// Lazily created on first use of the pair.
		rec = &models.PerformanceRecord{ModelID: pending.ModelID, TaskType: pending.TaskType}
	}

	window := rec.Samples + 1
	if window > r.sampleCap {
		window = r.sampleCap
	}
	w := float64(window)

	success := 0.0
	if out.Success {
		success = 1.0
	}
	rec.Reliability += (success - rec.Reliability) / w
	if out.Success {
		if out.LatencyMs > 0 {
			rec.AvgLatencyMs += (float64(out.LatencyMs) - rec.AvgLatencyMs) / w
		}
		if out.ActualCostUSD > 0 {
			rec.AvgCostUSD += (out.ActualCostUSD - rec.AvgCostUSD) / w
		}
	}
	rec.Samples++
	rec.UpdatedAt = time.Now().UTC()

	if err := r.store.UpsertPerformance(ctx, rec); err != nil {
		// The ledger is advisory; a lost sample is acceptable.
		log.Warn().Err(err).Str("model", pending.ModelID).Msg("Performance ledger update failed")
	}
}

// correctSpending reconciles the optimistic estimated charge with the
// actual cost reported by the caller.
func (r *Recorder) correctSpending(ctx context.Context, pending *models.PendingSelection, actualUSD float64) {
	diff := actualUSD - pending.EstimatedCostUSD
	if diff == 0 {
		return
	}
	day := models.DayPeriod(pending.CreatedAt)

	var err error
	if diff > 0 {
		// Actual ran over the estimate: charge the difference without
		// limit checks; the spend already happened.
		_, _, err = r.store.ApplyDelta(ctx, pending.UserID, day, diff, 0, store.SpendingLimit{})
	} else {
		err = r.store.ReverseDelta(ctx, pending.UserID, day, -diff, 0)
	}
	if err != nil {
		log.Warn().Err(err).Str("selection", pending.SelectionID).Msg("Spending correction failed")
		return
	}
	if serr := r.store.ApplySystemDelta(ctx, day, diff); serr != nil {
		log.Warn().Err(serr).Msg("System spending correction failed")
	}
}
