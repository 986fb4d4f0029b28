// Package guard enforces multi-layer spending limits before any model call
// is authorized: the system-wide emergency breaker, the tier's per-request
// cap, the daily ceiling and request quota, and an hourly smoothing cap.
//
// The daily check-and-increment is a single atomic operation against the
// spending store, so two concurrent requests from one user can never both
// pass when only one fits under the ceiling.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pawprint/modelswapper/internal/config"
	"github.com/pawprint/modelswapper/internal/notify"
	"github.com/pawprint/modelswapper/internal/store"
	"github.com/pawprint/modelswapper/pkg/models"
)

// RejectionError is a guard denial. Limit and Requested let callers explain
// precisely how far over the line the request was. For QUOTA_EXCEEDED they
// carry request counts instead of dollars.
type RejectionError struct {
	Reason    models.RejectReason
	Limit     float64
	Requested float64
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("spending rejected: %s (limit %.4f, requested %.4f)", e.Reason, e.Limit, e.Requested)
}

// ExceededBy returns how far the request overshot the limit.
func (e *RejectionError) ExceededBy() float64 {
	return e.Requested - e.Limit
}

// Approval records an authorized charge with enough context to reverse it.
type Approval struct {
	UserID    string
	CostUSD   float64
	Day       models.Period
	Hour      models.Period
	State     *models.SpendingState // daily state after the charge
	Warnings  []string
	ChargedAt time.Time
}

// Guard authorizes estimated spend against the spending store.
type Guard struct {
	spending store.SpendingStore
	cfg      config.GuardConfig
	alerts   *notify.Service // nil = no alert dispatch
	now      func() time.Time

	mu              sync.Mutex
	breakerAlertDay models.Period // last day a breaker alert went out
}

// New creates a spending guard.
func New(spending store.SpendingStore, cfg config.GuardConfig) *Guard {
	return &Guard{spending: spending, cfg: cfg, now: time.Now}
}

// SetAlerts attaches an alert service for breaker and near-limit events.
func (g *Guard) SetAlerts(alerts *notify.Service) { g.alerts = alerts }

// SetClock overrides the guard's clock. Test hook.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

// EmergencyCeiling returns the configured system-wide daily ceiling in USD.
func (g *Guard) EmergencyCeiling() float64 { return g.cfg.EmergencyDailyCeilingUSD }

// BreakerTripped reports whether the system-wide emergency breaker is open.
func (g *Guard) BreakerTripped(ctx context.Context) (bool, float64, error) {
	day := models.DayPeriod(g.now())
	sys, err := g.spending.SystemSpend(ctx, day)
	if err != nil {
		return false, 0, fmt.Errorf("system spend: %w", err)
	}
	return g.cfg.EmergencyDailyCeilingUSD > 0 && sys > g.cfg.EmergencyDailyCeilingUSD, sys, nil
}

// takeBreakerAlert claims the one breaker alert allowed per day. Rejections
// while the breaker stays open are frequent; the webhook hears about the
// first one only.
func (g *Guard) takeBreakerAlert(day models.Period) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.breakerAlertDay == day {
		return false
	}
	g.breakerAlertDay = day
	return true
}

// Authorize approves or rejects an estimated charge for the user under the
// given tier policy. On approval the daily and hourly counters are already
// incremented; a failed downstream call must be compensated via Reverse
// (the usage recorder's job).
//
// Checks run in order: emergency breaker, per-request cap, daily
// ceiling+quota (atomic), hourly ceiling.
func (g *Guard) Authorize(ctx context.Context, userID string, policy models.TierPolicy, estimatedCost float64) (*Approval, error) {
	now := g.now()
	day := models.DayPeriod(now)
	hour := models.HourPeriod(now)

	tripped, sys, err := g.BreakerTripped(ctx)
	if err != nil {
		return nil, err
	}
	if tripped {
		if g.alerts != nil && g.takeBreakerAlert(day) {
			g.alerts.Publish(notify.EventBreakerTripped, "", "system daily ceiling exceeded", map[string]interface{}{
				"spent_usd":   sys,
				"ceiling_usd": g.cfg.EmergencyDailyCeilingUSD,
			})
		}
		return nil, &RejectionError{
			Reason:    models.RejectEmergencyBreaker,
			Limit:     g.cfg.EmergencyDailyCeilingUSD,
			Requested: sys + estimatedCost,
		}
	}

	if policy.MaxCostPerRequestUSD > 0 && estimatedCost > policy.MaxCostPerRequestUSD {
		return nil, &RejectionError{
			Reason:    models.RejectPerRequestCap,
			Limit:     policy.MaxCostPerRequestUSD,
			Requested: estimatedCost,
		}
	}

	ok, state, err := g.spending.ApplyDelta(ctx, userID, day, estimatedCost, 1, store.SpendingLimit{
		MaxSpentUSD: policy.DailyCeilingUSD,
		MaxRequests: policy.DailyRequestQuota,
	})
	if err != nil {
		return nil, fmt.Errorf("apply daily delta: %w", err)
	}
	if !ok {
		if policy.DailyCeilingUSD > 0 && state.SpentUSD+estimatedCost > policy.DailyCeilingUSD {
			return nil, &RejectionError{
				Reason:    models.RejectDailyCeiling,
				Limit:     policy.DailyCeilingUSD,
				Requested: state.SpentUSD + estimatedCost,
			}
		}
		return nil, &RejectionError{
			Reason:    models.RejectQuotaExceeded,
			Limit:     float64(policy.DailyRequestQuota),
			Requested: float64(state.Requests + 1),
		}
	}

	// An hourly cap below the per-request cap would reject single requests
	// the tier itself allows, so the smoothing layer only engages once the
	// derived ceiling can fit at least one maximum-cost request.
	hourlyCeiling := policy.DailyCeilingUSD * g.cfg.HourlyFraction
	if hourlyCeiling < policy.MaxCostPerRequestUSD {
		hourlyCeiling = 0
	}
	if hourlyCeiling > 0 {
		hourOK, hourState, err := g.spending.ApplyDelta(ctx, userID, hour, estimatedCost, 1, store.SpendingLimit{
			MaxSpentUSD: hourlyCeiling,
		})
		if err == nil && !hourOK {
			// Undo the daily charge; the request is not going through.
			if rerr := g.spending.ReverseDelta(ctx, userID, day, estimatedCost, 1); rerr != nil {
				log.Error().Err(rerr).Str("user", userID).Msg("Failed to reverse daily delta after hourly rejection")
			}
			return nil, &RejectionError{
				Reason:    models.RejectHourlyCeiling,
				Limit:     hourlyCeiling,
				Requested: hourState.SpentUSD + estimatedCost,
			}
		}
		if err != nil {
			// Hourly accounting is a smoothing layer, not the source of
			// truth; a store error here does not block the request.
			log.Warn().Err(err).Str("user", userID).Msg("Hourly spending update failed")
		}
	}

	if err := g.spending.ApplySystemDelta(ctx, day, estimatedCost); err != nil {
		log.Warn().Err(err).Msg("System spend update failed")
	}

	approval := &Approval{
		UserID:    userID,
		CostUSD:   estimatedCost,
		Day:       day,
		Hour:      hour,
		State:     state,
		ChargedAt: now,
	}
	if g.cfg.WarnThreshold > 0 && policy.DailyCeilingUSD > 0 &&
		state.SpentUSD >= g.cfg.WarnThreshold*policy.DailyCeilingUSD {
		approval.Warnings = append(approval.Warnings,
			fmt.Sprintf("approaching daily spending limit: $%.2f of $%.2f used", state.SpentUSD, policy.DailyCeilingUSD))
		if g.alerts != nil {
			g.alerts.Publish(notify.EventNearLimit, userID, "daily spend over warn threshold", map[string]interface{}{
				"spent_usd":   state.SpentUSD,
				"ceiling_usd": policy.DailyCeilingUSD,
			})
		}
	}
	return approval, nil
}

// Reverse compensates an approved charge after the downstream call failed
// or was abandoned. Safe to call with a charge made earlier in the day.
func (g *Guard) Reverse(ctx context.Context, userID string, chargedAt time.Time, costUSD float64) error {
	day := models.DayPeriod(chargedAt)
	hour := models.HourPeriod(chargedAt)

	if err := g.spending.ReverseDelta(ctx, userID, day, costUSD, 1); err != nil {
		return fmt.Errorf("reverse daily delta: %w", err)
	}
	if err := g.spending.ReverseDelta(ctx, userID, hour, costUSD, 1); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("Failed to reverse hourly delta")
	}
	if err := g.spending.ApplySystemDelta(ctx, day, -costUSD); err != nil {
		log.Warn().Err(err).Msg("Failed to reverse system spend")
	}
	return nil
}
