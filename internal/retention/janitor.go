// Package retention implements background housekeeping for the selection
// engine. The janitor periodically:
//
//   - expires pending selections that never received a usage report,
//     reversing the spend that was reserved for them so abandoned requests
//     do not eat into a user's daily budget forever;
//   - purges usage log entries older than the retention window.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown.
package retention

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pawprint/modelswapper/internal/guard"
	"github.com/pawprint/modelswapper/internal/notify"
	"github.com/pawprint/modelswapper/internal/store"
	"github.com/pawprint/modelswapper/pkg/models"
)

// DefaultPendingTTL is how long a selection may stay unreported before it
// is treated as abandoned.
const DefaultPendingTTL = time.Hour

// DefaultUsageRetentionDays is how long usage log entries are kept.
const DefaultUsageRetentionDays = 90

// DefaultSweepBatchSize caps how many stale selections one cycle handles.
const DefaultSweepBatchSize = 500

// CycleStats tracks what happened in a single janitor cycle.
type CycleStats struct {
	Expired     int
	UsagePurged int
	Errors      []error
}

// Janitor expires stale pending selections and prunes old usage entries.
type Janitor struct {
	store    store.Store
	guard    *guard.Guard
	alerts   *notify.Service // nil = no alert dispatch
	interval time.Duration

	pendingTTL    time.Duration
	retentionDays int
	now           func() time.Time
}

// NewJanitor creates a janitor that runs on the given interval.
func NewJanitor(s store.Store, g *guard.Guard, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = 15 * time.Minute
	}
	return &Janitor{
		store:         s,
		guard:         g,
		interval:      interval,
		pendingTTL:    DefaultPendingTTL,
		retentionDays: DefaultUsageRetentionDays,
		now:           time.Now,
	}
}

// SetPendingTTL overrides how long selections may stay unreported.
func (j *Janitor) SetPendingTTL(ttl time.Duration) {
	if ttl > 0 {
		j.pendingTTL = ttl
	}
}

// SetUsageRetentionDays overrides the usage log retention window.
// Zero or negative disables purging.
func (j *Janitor) SetUsageRetentionDays(days int) { j.retentionDays = days }

// SetClock overrides the janitor's clock. Test hook.
func (j *Janitor) SetClock(now func() time.Time) { j.now = now }

// SetAlerts attaches an alert service for expiry events.
func (j *Janitor) SetAlerts(alerts *notify.Service) { j.alerts = alerts }

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("pending_ttl", j.pendingTTL).
		Int("usage_retention_days", j.retentionDays).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep and reports what it did.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := j.now()
	stats := CycleStats{}

	j.expireStaleSelections(ctx, &stats)
	j.purgeOldUsage(ctx, &stats)

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Janitor cycle error")
	}
	if stats.Expired > 0 && j.alerts != nil {
		j.alerts.Publish(notify.EventSelectionsExpired, "", "abandoned selections released", map[string]interface{}{
			"count": stats.Expired,
		})
	}
	if stats.Expired > 0 || stats.UsagePurged > 0 {
		log.Info().
			Int("expired_selections", stats.Expired).
			Int("purged_usage", stats.UsagePurged).
			Dur("elapsed", time.Since(start)).
			Msg("Janitor cycle complete")
	}
	return stats
}

// expireStaleSelections takes each stale pending selection, reverses its
// reserved spend, and writes an expired entry to the usage log. Taking the
// stub races with a late usage report; whoever takes it wins, so a charge
// is never reversed twice.
func (j *Janitor) expireStaleSelections(ctx context.Context, stats *CycleStats) {
	cutoff := j.now().Add(-j.pendingTTL)
	stale, err := j.store.ListStalePendingSelections(ctx, cutoff, DefaultSweepBatchSize)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}

	for _, sel := range stale {
		taken, err := j.store.TakePendingSelection(ctx, sel.SelectionID)
		if err != nil {
			if store.IsNotFound(err) {
				continue // a usage report got there first
			}
			stats.Errors = append(stats.Errors, err)
			continue
		}

		if err := j.guard.Reverse(ctx, taken.UserID, taken.CreatedAt, taken.EstimatedCostUSD); err != nil {
			stats.Errors = append(stats.Errors, err)
			// Fall through: still log the expiry so billing can reconcile.
		}

		entry := &models.UsageLogEntry{
			ID:               uuid.New().String(),
			SelectionID:      taken.SelectionID,
			UserID:           taken.UserID,
			ModelID:          taken.ModelID,
			TaskType:         taken.TaskType,
			EstimatedCostUSD: taken.EstimatedCostUSD,
			Status:           models.UsageExpired,
			Detail:           "no usage report received",
			CreatedAt:        j.now().UTC(),
		}
		if err := j.store.AppendUsage(ctx, entry); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.Expired++
	}
}

func (j *Janitor) purgeOldUsage(ctx context.Context, stats *CycleStats) {
	if j.retentionDays <= 0 {
		return
	}
	cutoff := j.now().AddDate(0, 0, -j.retentionDays)
	purged, err := j.store.PurgeUsageBefore(ctx, cutoff)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}
	stats.UsagePurged += purged
}
