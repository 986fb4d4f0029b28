package selector_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pawprint/modelswapper/internal/config"
	"github.com/pawprint/modelswapper/internal/guard"
	"github.com/pawprint/modelswapper/internal/pricing"
	"github.com/pawprint/modelswapper/internal/selector"
	"github.com/pawprint/modelswapper/internal/store"
	"github.com/pawprint/modelswapper/internal/tier"
	"github.com/pawprint/modelswapper/pkg/models"
)

var testClock = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func selectorConfig() config.SelectorConfig {
	return config.SelectorConfig{
		WeightReliability:  0.40,
		WeightLatency:      0.20,
		WeightCost:         0.30,
		WeightPreference:   0.10,
		NeutralReliability: 0.70,
		DefaultLatencyMs:   1000,
		PromptSplit:        0.70,
		PerfSampleCap:      100,
	}
}

type fixture struct {
	store *store.MemoryStore
	guard *guard.Guard
	sel   *selector.Selector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newWeightedFixture(t, selectorConfig())
}

func newWeightedFixture(t *testing.T, cfg config.SelectorConfig) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	g := guard.New(s, config.GuardConfig{EmergencyDailyCeilingUSD: 50})
	g.SetClock(func() time.Time { return testClock })

	est := pricing.NewEstimator(0.70)
	sel := selector.New(s, est, g, tier.Default(), cfg)
	return &fixture{store: s, guard: g, sel: sel}
}

func (f *fixture) seedProvider(t *testing.T, id string) {
	t.Helper()
	err := f.store.CreateProvider(context.Background(), &models.Provider{
		ID: id, Kind: models.ProviderOpenAI, Scope: models.ScopeSystem, Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedModel(t *testing.T, mdl models.Model) {
	t.Helper()
	if err := f.store.CreateModel(context.Background(), &mdl); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedTask(t *testing.T, task models.TaskType) {
	t.Helper()
	if err := f.store.CreateTaskType(context.Background(), &task); err != nil {
		t.Fatal(err)
	}
}

// seedBasicCatalog loads one provider with a cheap and an expensive model
// plus a "summarize" task type.
func (f *fixture) seedBasicCatalog(t *testing.T) {
	t.Helper()
	f.seedProvider(t, "openai-main")
	f.seedModel(t, models.Model{
		ID: "cheap-mini", ProviderID: "openai-main",
		CostPer1KPrompt: 0.0002, CostPer1KCompletion: 0.0006,
		ContextWindow: 128000, Active: true,
	})
	f.seedModel(t, models.Model{
		ID: "fancy-large", ProviderID: "openai-main",
		CostPer1KPrompt: 0.01, CostPer1KCompletion: 0.03,
		ContextWindow: 200000, Active: true,
	})
	f.seedTask(t, models.TaskType{ID: "summarize"})
}

func TestSelect_PicksAModel(t *testing.T) {
	f := newFixture(t)
	f.seedBasicCatalog(t)

	result, err := f.sel.Select(context.Background(), &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierLilBean, TotalTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if result.SelectionID == "" {
		t.Error("SelectionID is empty")
	}
	// Identical neutral reliability and latency, so the cheaper model wins
	// on the cost term.
	if result.ModelID != "cheap-mini" {
		t.Errorf("ModelID = %q, want %q", result.ModelID, "cheap-mini")
	}
	if len(result.RunnersUp) != 1 || result.RunnersUp[0].ModelID != "fancy-large" {
		t.Errorf("RunnersUp = %+v, want fancy-large", result.RunnersUp)
	}
}

func TestSelect_ChargesSpending(t *testing.T) {
	f := newFixture(t)
	f.seedBasicCatalog(t)
	ctx := context.Background()

	result, err := f.sel.Select(ctx, &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierLilBean, TotalTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	day, _ := f.store.GetSpending(ctx, "u1", models.DayPeriod(testClock))
	if day.SpentUSD != result.Cost.TotalUSD {
		t.Errorf("daily spend = %v, want estimated cost %v", day.SpentUSD, result.Cost.TotalUSD)
	}
	if day.Requests != 1 {
		t.Errorf("daily requests = %d, want 1", day.Requests)
	}

	// The pending stub must exist for the usage recorder.
	pending, err := f.store.TakePendingSelection(ctx, result.SelectionID)
	if err != nil {
		t.Fatalf("TakePendingSelection() error = %v", err)
	}
	if pending.EstimatedCostUSD != result.Cost.TotalUSD {
		t.Errorf("pending estimate = %v, want %v", pending.EstimatedCostUSD, result.Cost.TotalUSD)
	}
}

func TestSelect_UnknownTaskType(t *testing.T) {
	f := newFixture(t)
	f.seedBasicCatalog(t)

	_, err := f.sel.Select(context.Background(), &models.SelectionRequest{
		TaskType: "alchemy", UserID: "u1", Tier: models.TierLilBean, TotalTokens: 100,
	})
	var noModel *selector.NoEligibleModelError
	if !errors.As(err, &noModel) {
		t.Fatalf("Select() error = %v, want NoEligibleModelError", err)
	}
}

func TestSelect_UnknownTier(t *testing.T) {
	f := newFixture(t)
	f.seedBasicCatalog(t)

	_, err := f.sel.Select(context.Background(), &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: "MEGACHONK", TotalTokens: 100,
	})
	if err == nil {
		t.Fatal("Select() accepted an unknown tier, want error")
	}
}

func TestSelect_ContextWindowFilter(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "openai-main")
	f.seedModel(t, models.Model{
		ID: "tiny-window", ProviderID: "openai-main",
		CostPer1KPrompt: 0.0001, CostPer1KCompletion: 0.0001,
		ContextWindow: 4000, Active: true,
	})
	f.seedModel(t, models.Model{
		ID: "big-window", ProviderID: "openai-main",
		CostPer1KPrompt: 0.001, CostPer1KCompletion: 0.002,
		ContextWindow: 128000, Active: true,
	})
	f.seedTask(t, models.TaskType{ID: "summarize"})

	result, err := f.sel.Select(context.Background(), &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierBigChonk, TotalTokens: 50000,
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if result.ModelID != "big-window" {
		t.Errorf("ModelID = %q, want big-window (tiny-window cannot fit 50k tokens)", result.ModelID)
	}
	if len(result.RunnersUp) != 0 {
		t.Errorf("RunnersUp = %+v, want none", result.RunnersUp)
	}
}

func TestSelect_NoModelFitsContext(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "openai-main")
	f.seedModel(t, models.Model{
		ID: "tiny-window", ProviderID: "openai-main",
		CostPer1KPrompt: 0.0001, CostPer1KCompletion: 0.0001,
		ContextWindow: 4000, Active: true,
	})
	f.seedTask(t, models.TaskType{ID: "summarize"})

	_, err := f.sel.Select(context.Background(), &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierBigChonk, TotalTokens: 50000,
	})
	var noModel *selector.NoEligibleModelError
	if !errors.As(err, &noModel) {
		t.Fatalf("Select() error = %v, want NoEligibleModelError", err)
	}
}

func TestSelect_CapabilityFilter(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "openai-main")
	f.seedModel(t, models.Model{
		ID: "plain", ProviderID: "openai-main",
		CostPer1KPrompt: 0.0001, CostPer1KCompletion: 0.0001,
		ContextWindow: 128000, Active: true,
	})
	f.seedModel(t, models.Model{
		ID: "tooled", ProviderID: "openai-main",
		CostPer1KPrompt: 0.005, CostPer1KCompletion: 0.01,
		ContextWindow: 128000, Active: true,
		Capabilities: []string{models.CapFunctionCalling, models.CapJSONMode},
	})
	f.seedTask(t, models.TaskType{ID: "extract", RequiredCapabilities: []string{models.CapJSONMode}})

	result, err := f.sel.Select(context.Background(), &models.SelectionRequest{
		TaskType: "extract", UserID: "u1", Tier: models.TierBigChonk, TotalTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if result.ModelID != "tooled" {
		t.Errorf("ModelID = %q, want tooled", result.ModelID)
	}
}

func TestSelect_DeterministicTieBreak(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "openai-main")
	// Identical pricing and no history: scores tie exactly, so the model ID
	// breaks the tie.
	for _, id := range []string{"zeta", "alpha", "mid"} {
		f.seedModel(t, models.Model{
			ID: id, ProviderID: "openai-main",
			CostPer1KPrompt: 0.001, CostPer1KCompletion: 0.002,
			ContextWindow: 128000, Active: true,
		})
	}
	f.seedTask(t, models.TaskType{ID: "summarize"})

	for i := 0; i < 5; i++ {
		result, err := f.sel.Select(context.Background(), &models.SelectionRequest{
			TaskType: "summarize", UserID: "u1", Tier: models.TierMeowtrix, TotalTokens: 1000,
		})
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if result.ModelID != "alpha" {
			t.Fatalf("run %d: ModelID = %q, want alpha (ID tie-break)", i, result.ModelID)
		}
	}
}

func TestSelect_SamplesBreakScoreTie(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "openai-main")
	for _, id := range []string{"rookie", "veteran"} {
		f.seedModel(t, models.Model{
			ID: id, ProviderID: "openai-main",
			CostPer1KPrompt: 0.001, CostPer1KCompletion: 0.002,
			ContextWindow: 128000, Active: true,
		})
	}
	f.seedTask(t, models.TaskType{ID: "summarize"})

	// Same reliability and latency as the neutral defaults, but with history.
	cfg := selectorConfig()
	err := f.store.UpsertPerformance(context.Background(), &models.PerformanceRecord{
		ModelID: "veteran", TaskType: "summarize",
		Reliability: cfg.NeutralReliability, AvgLatencyMs: cfg.DefaultLatencyMs,
		Samples: 40, UpdatedAt: testClock,
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := f.sel.Select(context.Background(), &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierMeowtrix, TotalTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if result.ModelID != "veteran" {
		t.Errorf("ModelID = %q, want veteran (more samples at equal score)", result.ModelID)
	}
}

// TestSelect_ReliabilityVersusCost pins the weighting config both ways for
// two models with divergent history: a $0.50 model at 0.95 reliability and
// a $0.10 model at 0.80. Reliability-heavy weights pick the reliable one,
// cost-heavy weights pick the cheap one.
func TestSelect_ReliabilityVersusCost(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.SelectorConfig
		want string
	}{
		{
			name: "reliability heavy",
			cfg: config.SelectorConfig{
				WeightReliability: 0.70, WeightLatency: 0.10,
				WeightCost: 0.10, WeightPreference: 0.10,
				NeutralReliability: 0.70, DefaultLatencyMs: 1000,
				PromptSplit: 0.70, PerfSampleCap: 100,
			},
			want: "steady-large",
		},
		{
			name: "cost heavy",
			cfg: config.SelectorConfig{
				WeightReliability: 0.10, WeightLatency: 0.10,
				WeightCost: 0.70, WeightPreference: 0.10,
				NeutralReliability: 0.70, DefaultLatencyMs: 1000,
				PromptSplit: 0.70, PerfSampleCap: 100,
			},
			want: "flaky-mini",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newWeightedFixture(t, tc.cfg)
			f.seedProvider(t, "openai-main")
			f.seedModel(t, models.Model{
				ID: "steady-large", ProviderID: "openai-main",
				CostPer1KPrompt: 0.5, CostPer1KCompletion: 0.5,
				ContextWindow: 128000, Active: true,
			})
			f.seedModel(t, models.Model{
				ID: "flaky-mini", ProviderID: "openai-main",
				CostPer1KPrompt: 0.1, CostPer1KCompletion: 0.1,
				ContextWindow: 128000, Active: true,
			})
			f.seedTask(t, models.TaskType{ID: "summarize"})

			for _, perf := range []struct {
				id  string
				rel float64
			}{{"steady-large", 0.95}, {"flaky-mini", 0.80}} {
				err := f.store.UpsertPerformance(context.Background(), &models.PerformanceRecord{
					ModelID: perf.id, TaskType: "summarize",
					Reliability: perf.rel, AvgLatencyMs: 500,
					Samples: 50, UpdatedAt: testClock,
				})
				if err != nil {
					t.Fatal(err)
				}
			}

			result, err := f.sel.Select(context.Background(), &models.SelectionRequest{
				TaskType: "summarize", UserID: "u1", Tier: models.TierBigChonk, TotalTokens: 1000,
			})
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if result.ModelID != tc.want {
				t.Errorf("ModelID = %q, want %q", result.ModelID, tc.want)
			}
		})
	}
}

func TestSelect_PreferredModelGetsWeight(t *testing.T) {
	f := newFixture(t)
	f.seedBasicCatalog(t)

	// fancy-large is more expensive, but preference plus a small cost gap
	// cannot flip a large one; use a preference on the cheap model's rival
	// with near-equal pricing instead.
	f.seedModel(t, models.Model{
		ID: "cheap-rival", ProviderID: "openai-main",
		CostPer1KPrompt: 0.0002, CostPer1KCompletion: 0.0006,
		ContextWindow: 128000, Active: true,
	})

	result, err := f.sel.Select(context.Background(), &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierLilBean, TotalTokens: 1000,
		PreferredModel: "cheap-rival",
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if result.ModelID != "cheap-rival" {
		t.Errorf("ModelID = %q, want preferred cheap-rival", result.ModelID)
	}
}

func TestSelect_UserCredentialsTierGate(t *testing.T) {
	f := newFixture(t)
	f.seedBasicCatalog(t)

	_, err := f.sel.Select(context.Background(), &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierFree, TotalTokens: 100,
		UseUserCredentials: true,
	})
	var noModel *selector.NoEligibleModelError
	if !errors.As(err, &noModel) {
		t.Fatalf("Select() error = %v, want NoEligibleModelError", err)
	}
}

func TestSelect_UserCredentialsUsesOwnProviders(t *testing.T) {
	f := newFixture(t)
	f.seedBasicCatalog(t)
	ctx := context.Background()

	err := f.store.CreateProvider(ctx, &models.Provider{
		ID: "u1-ollama", Kind: models.ProviderOllama, Scope: models.ScopeUser,
		OwnerID: "u1", Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.seedModel(t, models.Model{
		ID: "local-llama", ProviderID: "u1-ollama",
		CostPer1KPrompt: 0, CostPer1KCompletion: 0,
		ContextWindow: 8000, Active: true,
	})

	result, err := f.sel.Select(ctx, &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierClawback, TotalTokens: 100,
		UseUserCredentials: true,
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if result.ModelID != "local-llama" {
		t.Errorf("ModelID = %q, want the user's own local-llama", result.ModelID)
	}

	// Another user must not see u1's provider.
	_, err = f.sel.Select(ctx, &models.SelectionRequest{
		TaskType: "summarize", UserID: "u2", Tier: models.TierClawback, TotalTokens: 100,
		UseUserCredentials: true,
	})
	var noModel *selector.NoEligibleModelError
	if !errors.As(err, &noModel) {
		t.Fatalf("Select() for u2 error = %v, want NoEligibleModelError", err)
	}
}

func TestSelect_FallbackToCheaperOnCeiling(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "openai-main")
	// With history making the expensive model clearly better, it ranks
	// first; a near-exhausted budget then forces the cheaper fallback.
	f.seedModel(t, models.Model{
		ID: "premium", ProviderID: "openai-main",
		CostPer1KPrompt: 0.01, CostPer1KCompletion: 0.03,
		ContextWindow: 128000, Active: true,
	})
	f.seedModel(t, models.Model{
		ID: "budget", ProviderID: "openai-main",
		CostPer1KPrompt: 0.0001, CostPer1KCompletion: 0.0002,
		ContextWindow: 128000, Active: true,
	})
	// Quality bias plus a perfect track record puts premium first in rank.
	f.seedTask(t, models.TaskType{ID: "summarize", QualityBias: 0.30})
	ctx := context.Background()

	err := f.store.UpsertPerformance(ctx, &models.PerformanceRecord{
		ModelID: "premium", TaskType: "summarize",
		Reliability: 1.0, AvgLatencyMs: 200, Samples: 50, UpdatedAt: testClock,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Eat almost all of LILBEAN's $5 daily ceiling.
	_, _, err = f.store.ApplyDelta(ctx, "u1", models.DayPeriod(testClock), 4.99, 1, store.SpendingLimit{})
	if err != nil {
		t.Fatal(err)
	}

	result, err := f.sel.Select(ctx, &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierLilBean, TotalTokens: 30000,
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if result.ModelID != "budget" {
		t.Errorf("ModelID = %q, want cheaper fallback budget", result.ModelID)
	}
}

func TestSelect_QuotaRejectionSkipsFallback(t *testing.T) {
	f := newFixture(t)
	f.seedBasicCatalog(t)
	ctx := context.Background()

	// Exhaust the request quota; every candidate is equally blocked, so
	// there is no point walking the chain.
	policyQuota := int64(100) // LILBEAN quota
	_, _, err := f.store.ApplyDelta(ctx, "u1", models.DayPeriod(testClock), 0.01, policyQuota, store.SpendingLimit{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.sel.Select(ctx, &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierLilBean, TotalTokens: 1000,
	})
	var rej *guard.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Select() error = %v, want RejectionError", err)
	}
	if rej.Reason != models.RejectQuotaExceeded {
		t.Errorf("Reason = %q, want %q", rej.Reason, models.RejectQuotaExceeded)
	}
}

func TestSelect_RejectionIsLogged(t *testing.T) {
	f := newFixture(t)
	f.seedBasicCatalog(t)
	ctx := context.Background()

	_, _, err := f.store.ApplyDelta(ctx, "u1", models.DayPeriod(testClock), 0.01, 100, store.SpendingLimit{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.sel.Select(ctx, &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierLilBean, TotalTokens: 1000,
	})
	if err == nil {
		t.Fatal("Select() succeeded, want rejection")
	}

	entries, err := f.store.ListUsage(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("usage entries = %d, want 1 rejected entry", len(entries))
	}
	if entries[0].Status != models.UsageRejected {
		t.Errorf("Status = %q, want %q", entries[0].Status, models.UsageRejected)
	}
}

func TestSelect_InvalidPricingFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "openai-main")
	f.seedModel(t, models.Model{
		ID: "corrupt", ProviderID: "openai-main",
		CostPer1KPrompt: -1, CostPer1KCompletion: 0.01,
		ContextWindow: 128000, Active: true,
	})
	f.seedModel(t, models.Model{
		ID: "fine", ProviderID: "openai-main",
		CostPer1KPrompt: 0.001, CostPer1KCompletion: 0.002,
		ContextWindow: 128000, Active: true,
	})
	f.seedTask(t, models.TaskType{ID: "summarize"})

	_, err := f.sel.Select(context.Background(), &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierLilBean, TotalTokens: 1000,
	})
	var perr *pricing.InvalidPricingError
	if !errors.As(err, &perr) {
		t.Fatalf("Select() error = %v, want InvalidPricingError (fail closed, never free)", err)
	}
}

func TestSelect_NoHistoryWarning(t *testing.T) {
	f := newFixture(t)
	f.seedBasicCatalog(t)

	result, err := f.sel.Select(context.Background(), &models.SelectionRequest{
		TaskType: "summarize", UserID: "u1", Tier: models.TierLilBean, TotalTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(result.Warnings) == 0 {
		t.Error("want a no-performance-history warning, got none")
	}
}
