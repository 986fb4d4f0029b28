package guard_test

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pawprint/modelswapper/internal/config"
	"github.com/pawprint/modelswapper/internal/guard"
	"github.com/pawprint/modelswapper/internal/notify"
	"github.com/pawprint/modelswapper/internal/store"
	"github.com/pawprint/modelswapper/internal/tier"
	"github.com/pawprint/modelswapper/pkg/models"
)

var testClock = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func newTestGuard(t *testing.T) (*guard.Guard, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	g := guard.New(s, config.GuardConfig{
		EmergencyDailyCeilingUSD: 50.0,
		HourlyFraction:           0.125,
		WarnThreshold:            0.80,
	})
	g.SetClock(func() time.Time { return testClock })
	return g, s
}

func testPolicy() models.TierPolicy {
	return models.TierPolicy{
		Tier:                 models.TierLilBean,
		DailyCeilingUSD:      5.00,
		DailyRequestQuota:    100,
		MaxCostPerRequestUSD: 1.00,
	}
}

func TestAuthorize_Approves(t *testing.T) {
	g, _ := newTestGuard(t)

	approval, err := g.Authorize(context.Background(), "u1", testPolicy(), 0.25)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if approval.State.SpentUSD != 0.25 {
		t.Errorf("daily spend after approval = %v, want 0.25", approval.State.SpentUSD)
	}
	if approval.State.Requests != 1 {
		t.Errorf("daily requests = %d, want 1", approval.State.Requests)
	}
	if len(approval.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", approval.Warnings)
	}
}

func TestAuthorize_PerRequestCap(t *testing.T) {
	g, s := newTestGuard(t)

	_, err := g.Authorize(context.Background(), "u1", testPolicy(), 1.50)
	var rej *guard.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Authorize() error = %v, want RejectionError", err)
	}
	if rej.Reason != models.RejectPerRequestCap {
		t.Errorf("Reason = %q, want %q", rej.Reason, models.RejectPerRequestCap)
	}
	if got := rej.ExceededBy(); math.Abs(got-0.50) > 1e-9 {
		t.Errorf("ExceededBy() = %v, want 0.50", got)
	}

	// A rejection must not charge anything.
	state, _ := s.GetSpending(context.Background(), "u1", models.DayPeriod(testClock))
	if state.SpentUSD != 0 || state.Requests != 0 {
		t.Errorf("spending state after rejection = %+v, want zero", state)
	}
}

func TestAuthorize_DailyCeiling(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	// LILBEAN's derived hourly ceiling ($5 * 0.125 = $0.625) sits below the
	// $1.00 per-request cap, so it never engages and the daily limit is what
	// rejects.
	policy := testPolicy()

	for i := 0; i < 4; i++ {
		if _, err := g.Authorize(ctx, "u1", policy, 1.00); err != nil {
			t.Fatalf("request %d: Authorize() error = %v", i, err)
		}
	}

	_, err := g.Authorize(ctx, "u1", policy, 1.50)
	var rej *guard.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Authorize() error = %v, want RejectionError", err)
	}

	// $1.50 also trips the per-request cap; check order says cap comes first.
	if rej.Reason != models.RejectPerRequestCap {
		t.Errorf("Reason = %q, want %q (cap checked before ceiling)", rej.Reason, models.RejectPerRequestCap)
	}

	// Exactly reaching the ceiling is allowed.
	if _, err := g.Authorize(ctx, "u1", policy, 1.00); err != nil {
		t.Fatalf("Authorize() at exact ceiling error = %v", err)
	}

	_, err = g.Authorize(ctx, "u1", policy, 1.00)
	if !errors.As(err, &rej) {
		t.Fatalf("Authorize() error = %v, want RejectionError", err)
	}
	if rej.Reason != models.RejectDailyCeiling {
		t.Errorf("Reason = %q, want %q", rej.Reason, models.RejectDailyCeiling)
	}
}

// TestAuthorize_DefaultFreeTierSpendsToCeiling exercises the shipped FREE
// policy under the default guard configuration: a $0.30 model fits three
// times under the $1.00 daily ceiling and the fourth request is rejected
// on the daily limit, not on hourly smoothing.
func TestAuthorize_DefaultFreeTierSpendsToCeiling(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	policy, err := tier.Default().Policy(models.TierFree)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := g.Authorize(ctx, "u1", policy, 0.30); err != nil {
			t.Fatalf("request %d: Authorize() error = %v", i, err)
		}
	}

	_, err = g.Authorize(ctx, "u1", policy, 0.30)
	var rej *guard.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Authorize() error = %v, want RejectionError", err)
	}
	if rej.Reason != models.RejectDailyCeiling {
		t.Errorf("Reason = %q, want %q", rej.Reason, models.RejectDailyCeiling)
	}
	if rej.Limit != 1.00 {
		t.Errorf("Limit = %v, want 1.00", rej.Limit)
	}
	if math.Abs(rej.Requested-1.20) > 1e-9 {
		t.Errorf("Requested = %v, want 1.20", rej.Requested)
	}
}

func TestAuthorize_QuotaExceeded(t *testing.T) {
	s := mustStore(t)
	g := guard.New(s, config.GuardConfig{EmergencyDailyCeilingUSD: 50})
	g.SetClock(func() time.Time { return testClock })
	ctx := context.Background()

	policy := models.TierPolicy{Tier: models.TierFree, DailyCeilingUSD: 100, DailyRequestQuota: 3, MaxCostPerRequestUSD: 10}
	for i := 0; i < 3; i++ {
		if _, err := g.Authorize(ctx, "u1", policy, 0.01); err != nil {
			t.Fatalf("request %d: Authorize() error = %v", i, err)
		}
	}

	_, err := g.Authorize(ctx, "u1", policy, 0.01)
	var rej *guard.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Authorize() error = %v, want RejectionError", err)
	}
	if rej.Reason != models.RejectQuotaExceeded {
		t.Errorf("Reason = %q, want %q", rej.Reason, models.RejectQuotaExceeded)
	}
}

func TestAuthorize_HourlyCeilingReversesDaily(t *testing.T) {
	g, s := newTestGuard(t)
	ctx := context.Background()

	// Daily $10 at fraction 0.125 derives a $1.25 hourly ceiling, above the
	// $1.00 per-request cap so smoothing is active. The second $0.70 charge
	// fits the day but pushes the hour to $1.40.
	policy := models.TierPolicy{
		Tier:                 models.TierClawback,
		DailyCeilingUSD:      10.00,
		DailyRequestQuota:    100,
		MaxCostPerRequestUSD: 1.00,
	}

	if _, err := g.Authorize(ctx, "u1", policy, 0.70); err != nil {
		t.Fatalf("first Authorize() error = %v", err)
	}

	_, err := g.Authorize(ctx, "u1", policy, 0.70)
	var rej *guard.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Authorize() error = %v, want RejectionError", err)
	}
	if rej.Reason != models.RejectHourlyCeiling {
		t.Errorf("Reason = %q, want %q", rej.Reason, models.RejectHourlyCeiling)
	}

	// Only the first charge survives on the day counter.
	day, _ := s.GetSpending(ctx, "u1", models.DayPeriod(testClock))
	if math.Abs(day.SpentUSD-0.70) > 1e-9 || day.Requests != 1 {
		t.Errorf("daily state after hourly rejection = %+v, want the first charge only", day)
	}
}

// TestAuthorize_HourlyBelowRequestCapIsSkipped covers the degenerate derived
// ceiling: FREE's $1.00 * 0.125 = $0.125 hourly cap is below the $0.30
// per-request cap and must not reject a request the tier allows.
func TestAuthorize_HourlyBelowRequestCapIsSkipped(t *testing.T) {
	g, s := newTestGuard(t)
	ctx := context.Background()

	policy, err := tier.Default().Policy(models.TierFree)
	if err != nil {
		t.Fatal(err)
	}

	approval, err := g.Authorize(ctx, "u1", policy, 0.30)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if approval.State.SpentUSD != 0.30 {
		t.Errorf("daily spend = %v, want 0.30", approval.State.SpentUSD)
	}

	// No hourly counter since the smoothing layer did not engage.
	hour, _ := s.GetSpending(ctx, "u1", models.HourPeriod(testClock))
	if hour.SpentUSD != 0 {
		t.Errorf("hourly spend = %v, want 0", hour.SpentUSD)
	}
}

func TestAuthorize_EmergencyBreaker(t *testing.T) {
	g, s := newTestGuard(t)
	ctx := context.Background()

	if err := s.ApplySystemDelta(ctx, models.DayPeriod(testClock), 51.0); err != nil {
		t.Fatal(err)
	}

	_, err := g.Authorize(ctx, "u1", testPolicy(), 0.01)
	var rej *guard.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Authorize() error = %v, want RejectionError", err)
	}
	if rej.Reason != models.RejectEmergencyBreaker {
		t.Errorf("Reason = %q, want %q", rej.Reason, models.RejectEmergencyBreaker)
	}

	tripped, sys, err := g.BreakerTripped(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !tripped {
		t.Error("BreakerTripped() = false, want true")
	}
	if sys != 51.0 {
		t.Errorf("system spend = %v, want 51.0", sys)
	}
}

// TestAuthorize_BreakerAlertOncePerDay keeps repeated rejections while the
// breaker is open from spamming the webhook: the day's first rejection
// alerts, the rest stay quiet.
func TestAuthorize_BreakerAlertOncePerDay(t *testing.T) {
	hits := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	alerts := notify.NewService(srv.URL, "")
	go alerts.Start(ctx)

	g, s := newTestGuard(t)
	g.SetAlerts(alerts)
	if err := s.ApplySystemDelta(ctx, models.DayPeriod(testClock), 51.0); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := g.Authorize(ctx, "u1", testPolicy(), 0.01); err == nil {
			t.Fatalf("request %d: Authorize() approved with breaker open", i)
		}
	}

	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("no breaker alert delivered")
	}
	select {
	case <-hits:
		t.Error("breaker alert delivered more than once")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAuthorize_WarnsNearCeiling(t *testing.T) {
	s := mustStore(t)
	g := guard.New(s, config.GuardConfig{EmergencyDailyCeilingUSD: 50, WarnThreshold: 0.80})
	g.SetClock(func() time.Time { return testClock })

	policy := models.TierPolicy{Tier: models.TierLilBean, DailyCeilingUSD: 5, DailyRequestQuota: 100, MaxCostPerRequestUSD: 5}

	approval, err := g.Authorize(context.Background(), "u1", policy, 4.20)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if len(approval.Warnings) != 1 {
		t.Fatalf("warnings = %v, want one near-limit warning", approval.Warnings)
	}
}

func TestReverse(t *testing.T) {
	g, s := newTestGuard(t)
	ctx := context.Background()

	approval, err := g.Authorize(ctx, "u1", testPolicy(), 0.40)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	if err := g.Reverse(ctx, "u1", approval.ChargedAt, 0.40); err != nil {
		t.Fatalf("Reverse() error = %v", err)
	}

	day, _ := s.GetSpending(ctx, "u1", models.DayPeriod(testClock))
	if day.SpentUSD != 0 || day.Requests != 0 {
		t.Errorf("daily state after reverse = %+v, want zero", day)
	}
	hour, _ := s.GetSpending(ctx, "u1", models.HourPeriod(testClock))
	if hour.SpentUSD != 0 {
		t.Errorf("hourly spend after reverse = %v, want 0", hour.SpentUSD)
	}
	sys, _ := s.SystemSpend(ctx, models.DayPeriod(testClock))
	if sys != 0 {
		t.Errorf("system spend after reverse = %v, want 0", sys)
	}
}

// TestAuthorize_ConcurrentLastDollar races many requests for headroom that
// only fits a few of them; the atomic check-and-increment must never let
// the total exceed the ceiling.
func TestAuthorize_ConcurrentLastDollar(t *testing.T) {
	s := mustStore(t)
	g := guard.New(s, config.GuardConfig{EmergencyDailyCeilingUSD: 1000})
	g.SetClock(func() time.Time { return testClock })

	policy := models.TierPolicy{Tier: models.TierLilBean, DailyCeilingUSD: 1.00, DailyRequestQuota: 1000, MaxCostPerRequestUSD: 1}

	const workers = 20
	var wg sync.WaitGroup
	approvals := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Authorize(context.Background(), "u1", policy, 0.30); err == nil {
				approvals <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(approvals)

	approved := len(approvals)
	if approved != 3 {
		t.Errorf("approved = %d requests of $0.30 under a $1.00 ceiling, want 3", approved)
	}

	day, _ := s.GetSpending(context.Background(), "u1", models.DayPeriod(testClock))
	if day.SpentUSD > 1.00+1e-9 {
		t.Errorf("total spend = %v, exceeds the $1.00 ceiling", day.SpentUSD)
	}
}

func mustStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}
