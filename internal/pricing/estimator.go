// Package pricing computes estimated request costs from token counts and a
// model's per-1K-token prices.
package pricing

import (
	"fmt"
	"math"

	"github.com/pawprint/modelswapper/pkg/models"
)

// InvalidPricingError reports malformed pricing data in the catalog.
// The request fails closed; a malformed model is never treated as free.
type InvalidPricingError struct {
	ModelID string
	Detail  string
}

func (e *InvalidPricingError) Error() string {
	return fmt.Sprintf("invalid pricing for model %s: %s", e.ModelID, e.Detail)
}

// Estimator turns token counts into cost breakdowns.
type Estimator struct {
	// promptSplit is the prompt share applied when only a total token
	// estimate is available.
	promptSplit float64
}

// NewEstimator creates an estimator with the given prompt/completion split
// ratio (0 < split < 1). Out-of-range values fall back to 0.7.
func NewEstimator(promptSplit float64) *Estimator {
	if promptSplit <= 0 || promptSplit >= 1 {
		promptSplit = 0.7
	}
	return &Estimator{promptSplit: promptSplit}
}

// SplitTokens resolves a request's token counts. When the request carries
// only a total estimate, the configured split is applied.
func (e *Estimator) SplitTokens(req *models.SelectionRequest) (prompt, completion int) {
	if req.PromptTokens > 0 || req.CompletionTokens > 0 {
		return req.PromptTokens, req.CompletionTokens
	}
	if req.TotalTokens <= 0 {
		return 0, 0
	}
	prompt = int(math.Round(float64(req.TotalTokens) * e.promptSplit))
	completion = req.TotalTokens - prompt
	return prompt, completion
}

// Estimate computes the cost breakdown for running promptTokens +
// completionTokens through mdl. Costs are never negative; malformed
// catalog pricing fails with InvalidPricingError.
func (e *Estimator) Estimate(mdl *models.Model, promptTokens, completionTokens int) (models.CostBreakdown, error) {
	if mdl.CostPer1KPrompt < 0 || mdl.CostPer1KCompletion < 0 {
		return models.CostBreakdown{}, &InvalidPricingError{ModelID: mdl.ID, Detail: "negative per-token cost"}
	}
	if promptTokens < 0 || completionTokens < 0 {
		return models.CostBreakdown{}, &InvalidPricingError{ModelID: mdl.ID, Detail: "negative token count"}
	}

	promptUSD := float64(promptTokens) / 1000 * mdl.CostPer1KPrompt
	completionUSD := float64(completionTokens) / 1000 * mdl.CostPer1KCompletion

	return models.CostBreakdown{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		PromptUSD:        promptUSD,
		CompletionUSD:    completionUSD,
		TotalUSD:         promptUSD + completionUSD,
	}, nil
}

// EstimateRequest resolves token counts from req and estimates against mdl.
func (e *Estimator) EstimateRequest(mdl *models.Model, req *models.SelectionRequest) (models.CostBreakdown, error) {
	prompt, completion := e.SplitTokens(req)
	return e.Estimate(mdl, prompt, completion)
}
