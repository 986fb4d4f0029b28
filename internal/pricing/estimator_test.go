package pricing_test

import (
	"errors"
	"math"
	"testing"

	"github.com/pawprint/modelswapper/internal/pricing"
	"github.com/pawprint/modelswapper/pkg/models"
)

func TestSplitTokens_ExplicitCountsWin(t *testing.T) {
	e := pricing.NewEstimator(0.7)

	req := &models.SelectionRequest{PromptTokens: 800, CompletionTokens: 200, TotalTokens: 5000}
	prompt, completion := e.SplitTokens(req)

	if prompt != 800 || completion != 200 {
		t.Errorf("SplitTokens() = (%d, %d), want (800, 200)", prompt, completion)
	}
}

func TestSplitTokens_TotalOnly(t *testing.T) {
	e := pricing.NewEstimator(0.7)

	prompt, completion := e.SplitTokens(&models.SelectionRequest{TotalTokens: 1000})
	if prompt != 700 || completion != 300 {
		t.Errorf("SplitTokens() = (%d, %d), want (700, 300)", prompt, completion)
	}
	if prompt+completion != 1000 {
		t.Errorf("split tokens sum to %d, want 1000", prompt+completion)
	}
}

func TestSplitTokens_NoTokens(t *testing.T) {
	e := pricing.NewEstimator(0.7)

	prompt, completion := e.SplitTokens(&models.SelectionRequest{})
	if prompt != 0 || completion != 0 {
		t.Errorf("SplitTokens() = (%d, %d), want (0, 0)", prompt, completion)
	}
}

func TestNewEstimator_OutOfRangeSplitFallsBack(t *testing.T) {
	for _, split := range []float64{-0.5, 0, 1, 1.5} {
		e := pricing.NewEstimator(split)
		prompt, _ := e.SplitTokens(&models.SelectionRequest{TotalTokens: 1000})
		if prompt != 700 {
			t.Errorf("split %v: prompt = %d, want fallback 700", split, prompt)
		}
	}
}

func TestEstimate(t *testing.T) {
	e := pricing.NewEstimator(0.7)
	mdl := &models.Model{ID: "gpt-test", CostPer1KPrompt: 0.03, CostPer1KCompletion: 0.06}

	got, err := e.Estimate(mdl, 2000, 500)
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}

	wantPrompt := 0.06 // 2000/1000 * 0.03
	wantCompletion := 0.03
	if math.Abs(got.PromptUSD-wantPrompt) > 1e-12 {
		t.Errorf("PromptUSD = %v, want %v", got.PromptUSD, wantPrompt)
	}
	if math.Abs(got.CompletionUSD-wantCompletion) > 1e-12 {
		t.Errorf("CompletionUSD = %v, want %v", got.CompletionUSD, wantCompletion)
	}
	if got.TotalUSD != got.PromptUSD+got.CompletionUSD {
		t.Errorf("TotalUSD = %v, want exact sum %v", got.TotalUSD, got.PromptUSD+got.CompletionUSD)
	}
}

func TestEstimate_ZeroTokensIsFree(t *testing.T) {
	e := pricing.NewEstimator(0.7)
	mdl := &models.Model{ID: "m", CostPer1KPrompt: 0.03, CostPer1KCompletion: 0.06}

	got, err := e.Estimate(mdl, 0, 0)
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if got.TotalUSD != 0 {
		t.Errorf("TotalUSD = %v, want 0", got.TotalUSD)
	}
}

func TestEstimate_NegativeCostFailsClosed(t *testing.T) {
	e := pricing.NewEstimator(0.7)
	mdl := &models.Model{ID: "broken", CostPer1KPrompt: -0.01, CostPer1KCompletion: 0.06}

	_, err := e.Estimate(mdl, 100, 100)
	var perr *pricing.InvalidPricingError
	if !errors.As(err, &perr) {
		t.Fatalf("Estimate() error = %v, want InvalidPricingError", err)
	}
	if perr.ModelID != "broken" {
		t.Errorf("InvalidPricingError.ModelID = %q, want %q", perr.ModelID, "broken")
	}
}

func TestEstimate_NegativeTokensFailsClosed(t *testing.T) {
	e := pricing.NewEstimator(0.7)
	mdl := &models.Model{ID: "m", CostPer1KPrompt: 0.01, CostPer1KCompletion: 0.01}

	if _, err := e.Estimate(mdl, -1, 100); err == nil {
		t.Fatal("Estimate() with negative tokens succeeded, want error")
	}
}
