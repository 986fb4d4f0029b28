// Package selector implements the ModelSwapper decision core.
//
// Given a selection request, the selector filters the catalog by task,
// tier, and capability requirements, scores the surviving candidates with
// a weighted performance/cost/preference function, and walks the ranked
// list through the spending guard until a candidate is authorized. Ties
// are broken deterministically, never by map iteration order.
package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pawprint/modelswapper/internal/config"
	"github.com/pawprint/modelswapper/internal/guard"
	"github.com/pawprint/modelswapper/internal/pricing"
	"github.com/pawprint/modelswapper/internal/store"
	"github.com/pawprint/modelswapper/internal/tier"
	"github.com/pawprint/modelswapper/pkg/models"
)

var tracer = otel.Tracer("modelswapper-selector")

// ── Errors ──────────────────────────────────────────────────

// CatalogUnavailableError wraps a catalog or performance store failure.
// Fatal for the request; the selector never guesses a safe default.
type CatalogUnavailableError struct {
	Err error
}

func (e *CatalogUnavailableError) Error() string {
	return "catalog unavailable: " + e.Err.Error()
}

func (e *CatalogUnavailableError) Unwrap() error { return e.Err }

// NoEligibleModelError means no candidate survived filtering. Reason tells
// the caller which filter emptied the set.
type NoEligibleModelError struct {
	Reason string
}

func (e *NoEligibleModelError) Error() string {
	return "no eligible model: " + e.Reason
}

// ── Selector ────────────────────────────────────────────────

// Store is the subset of storage the selector needs.
type Store interface {
	store.CatalogStore
	store.PerformanceStore
	store.SelectionStore
	store.UsageLogStore
}

// Selector picks models and runs the fallback chain.
type Selector struct {
	store     Store
	estimator *pricing.Estimator
	guard     *guard.Guard
	tiers     *tier.Table
	cfg       config.SelectorConfig
}

// New creates a selector.
func New(s Store, est *pricing.Estimator, g *guard.Guard, tiers *tier.Table, cfg config.SelectorConfig) *Selector {
	return &Selector{store: s, estimator: est, guard: g, tiers: tiers, cfg: cfg}
}

// candidate is one model that survived filtering, with its estimate and
// performance snapshot.
type candidate struct {
	model   models.Model
	cost    models.CostBreakdown
	score   float64
	rel     float64
	latMs   float64
	samples int64
}

// Select runs the full selection pipeline for one request.
func (s *Selector) Select(ctx context.Context, req *models.SelectionRequest) (*models.SelectionResult, error) {
	ctx, span := tracer.Start(ctx, "selector.Select")
	defer span.End()
	span.SetAttributes(
		attribute.String("swapper.task_type", req.TaskType),
		attribute.String("swapper.tier", string(req.Tier)),
	)

	if !models.ValidTier(req.Tier) {
		return nil, fmt.Errorf("unknown tier %q", req.Tier)
	}
	policy, err := s.tiers.Policy(req.Tier)
	if err != nil {
		return nil, err
	}

	task, err := s.store.GetTaskType(ctx, req.TaskType)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &NoEligibleModelError{Reason: "unknown task type " + req.TaskType}
		}
		return nil, &CatalogUnavailableError{Err: err}
	}

	cands, err := s.resolveCandidates(ctx, req, policy, task)
	if err != nil {
		return nil, err
	}

	if err := s.score(ctx, cands, req, task); err != nil {
		return nil, err
	}
	rank(cands)

	result, err := s.authorize(ctx, req, policy, cands)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("swapper.model", result.ModelID))
	return result, nil
}

// resolveCandidates filters the catalog down to models eligible for this
// request: scope, active flags, capabilities, context window, tier cap.
func (s *Selector) resolveCandidates(ctx context.Context, req *models.SelectionRequest, policy models.TierPolicy, task *models.TaskType) ([]*candidate, error) {
	scope := models.ScopeSystem
	ownerID := ""
	if req.UseUserCredentials {
		// Explicit opt-in restricts candidates to the user's own providers.
		// Never fall back to system providers silently.
		if !policy.AllowUserCredentials {
			return nil, &NoEligibleModelError{Reason: "tier " + string(req.Tier) + " does not permit user-supplied credentials"}
		}
		scope = models.ScopeUser
		ownerID = req.UserID
	}

	active, err := s.store.ListActiveModels(ctx, scope, ownerID)
	if err != nil {
		return nil, &CatalogUnavailableError{Err: err}
	}
	if len(active) == 0 {
		return nil, &NoEligibleModelError{Reason: "no active models for " + string(scope) + " scope"}
	}

	promptTokens, completionTokens := s.estimator.SplitTokens(req)
	totalTokens := promptTokens + completionTokens

	var (
		cands        []*candidate
		droppedCtx   int
		droppedCap   int
		droppedPrice int
	)
	for i := range active {
		mdl := active[i]

		if mdl.ContextWindow > 0 && totalTokens > mdl.ContextWindow {
			droppedCtx++
			continue
		}
		if !hasAll(&mdl, task.RequiredCapabilities) {
			droppedCap++
			continue
		}

		cost, err := s.estimator.Estimate(&mdl, promptTokens, completionTokens)
		if err != nil {
			// Data-integrity alarm: a malformed catalog row fails the
			// request closed instead of being treated as free.
			log.Error().Err(err).Str("model", mdl.ID).Msg("Invalid catalog pricing")
			return nil, err
		}
		if policy.MaxCostPerRequestUSD > 0 && cost.TotalUSD > policy.MaxCostPerRequestUSD {
			droppedPrice++
			continue
		}

		cands = append(cands, &candidate{model: mdl, cost: cost})
	}

	if len(cands) == 0 {
		switch {
		case droppedCtx == len(active):
			return nil, &NoEligibleModelError{Reason: fmt.Sprintf("no model has a context window for %d tokens", totalTokens)}
		case droppedPrice > 0 && droppedCtx+droppedCap == len(active)-droppedPrice:
			return nil, &NoEligibleModelError{Reason: "all eligible models exceed the tier per-request cost cap"}
		case droppedCap == len(active):
			return nil, &NoEligibleModelError{Reason: "no model supports the task's required capabilities"}
		default:
			return nil, &NoEligibleModelError{Reason: "no model passed filtering"}
		}
	}
	return cands, nil
}

// score fills in reliability/latency history and computes the blended score
// for each candidate. Cost and latency are mapped onto (0,1] relative to
// the best candidate so the weights stay comparable across requests.
func (s *Selector) score(ctx context.Context, cands []*candidate, req *models.SelectionRequest, task *models.TaskType) error {
	for _, c := range cands {
		c.rel = s.cfg.NeutralReliability
		c.latMs = s.cfg.DefaultLatencyMs

		rec, err := s.store.GetPerformance(ctx, c.model.ID, task.ID)
		if err != nil {
			if !store.IsNotFound(err) {
				return &CatalogUnavailableError{Err: err}
			}
			continue // no history yet: neutral defaults
		}
		c.rel = rec.Reliability
		if rec.AvgLatencyMs > 0 {
			c.latMs = rec.AvgLatencyMs
		}
		c.samples = rec.Samples
	}

	minCost := cands[0].cost.TotalUSD
	minLat := cands[0].latMs
	for _, c := range cands[1:] {
		if c.cost.TotalUSD < minCost {
			minCost = c.cost.TotalUSD
		}
		if c.latMs < minLat {
			minLat = c.latMs
		}
	}

	const eps = 1e-9
	wRel := s.cfg.WeightReliability + task.QualityBias
	for _, c := range cands {
		costScore := (minCost + eps) / (c.cost.TotalUSD + eps)
		latScore := (minLat + eps) / (c.latMs + eps)

		pref := 0.0
		if (req.PreferredModel != "" && req.PreferredModel == c.model.ID) ||
			(req.PreferredProvider != "" && req.PreferredProvider == c.model.ProviderID) {
			pref = 1.0
		}

		c.score = wRel*c.rel +
			s.cfg.WeightLatency*latScore +
			s.cfg.WeightCost*costScore +
			s.cfg.WeightPreference*pref
	}
	return nil
}

// rank sorts candidates best-first with the deterministic tie-break:
// score desc, samples desc, estimated cost asc, model ID asc.
func rank(cands []*candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.samples != b.samples {
			return a.samples > b.samples
		}
		if a.cost.TotalUSD != b.cost.TotalUSD {
			return a.cost.TotalUSD < b.cost.TotalUSD
		}
		return a.model.ID < b.model.ID
	})
}

// fallbackEligible reports whether a guard rejection of one candidate
// justifies trying the next one. Quota and breaker rejections apply to
// every candidate equally, so cheaper fallbacks cannot help.
func fallbackEligible(reason models.RejectReason) bool {
	switch reason {
	case models.RejectPerRequestCap, models.RejectDailyCeiling, models.RejectHourlyCeiling:
		return true
	default:
		return false
	}
}

// authorize walks the ranked list through the guard. On rejection it tries
// the next candidate only when it is strictly cheaper and the rejection
// reason is cost-based; the first rejection is surfaced if the chain
// exhausts.
func (s *Selector) authorize(ctx context.Context, req *models.SelectionRequest, policy models.TierPolicy, ranked []*candidate) (*models.SelectionResult, error) {
	var firstRej *guard.RejectionError
	lastCost := -1.0

	for i, cand := range ranked {
		if err := ctx.Err(); err != nil {
			// Caller abandoned the request; nothing has been charged for
			// this candidate yet.
			return nil, err
		}
		if firstRej != nil {
			if !fallbackEligible(firstRej.Reason) {
				break
			}
			if lastCost >= 0 && cand.cost.TotalUSD >= lastCost {
				break // chain only descends in cost
			}
		}
		lastCost = cand.cost.TotalUSD

		approval, err := s.guard.Authorize(ctx, req.UserID, policy, cand.cost.TotalUSD)
		if err != nil {
			rej, ok := err.(*guard.RejectionError)
			if !ok {
				return nil, err
			}
			if firstRej == nil {
				firstRej = rej
			}
			log.Debug().
				Str("model", cand.model.ID).
				Str("reason", string(rej.Reason)).
				Msg("Candidate rejected by spending guard, trying fallback")
			continue
		}

		return s.buildResult(ctx, req, ranked, i, approval)
	}

	s.logRejected(ctx, req, ranked, firstRej)
	return nil, firstRej
}

func (s *Selector) buildResult(ctx context.Context, req *models.SelectionRequest, ranked []*candidate, chosen int, approval *guard.Approval) (*models.SelectionResult, error) {
	cand := ranked[chosen]

	result := &models.SelectionResult{
		SelectionID: uuid.New().String(),
		ModelID:     cand.model.ID,
		ProviderID:  cand.model.ProviderID,
		TaskType:    req.TaskType,
		Score:       cand.score,
		Cost:        cand.cost,
		Warnings:    approval.Warnings,
		CreatedAt:   approval.ChargedAt,
	}
	if cand.samples == 0 {
		result.Warnings = append(result.Warnings, "no performance history for model "+cand.model.ID)
	}
	for _, ru := range ranked[chosen+1:] {
		result.RunnersUp = append(result.RunnersUp, models.RankedCandidate{
			ModelID:          ru.model.ID,
			ProviderID:       ru.model.ProviderID,
			Score:            ru.score,
			EstimatedCostUSD: ru.cost.TotalUSD,
			Samples:          ru.samples,
		})
	}

	pending := &models.PendingSelection{
		SelectionID:      result.SelectionID,
		UserID:           req.UserID,
		ModelID:          cand.model.ID,
		TaskType:         req.TaskType,
		EstimatedCostUSD: cand.cost.TotalUSD,
		CreatedAt:        approval.ChargedAt,
	}
	if err := s.store.PutPendingSelection(ctx, pending); err != nil {
		// The charge already happened; undo it rather than strand money.
		if rerr := s.guard.Reverse(ctx, req.UserID, approval.ChargedAt, approval.CostUSD); rerr != nil {
			log.Error().Err(rerr).Str("selection", result.SelectionID).Msg("Failed to reverse charge after pending write failure")
		}
		return nil, fmt.Errorf("persist pending selection: %w", err)
	}

	log.Info().
		Str("selection", result.SelectionID).
		Str("model", result.ModelID).
		Str("user", req.UserID).
		Float64("estimated_usd", cand.cost.TotalUSD).
		Int("runners_up", len(result.RunnersUp)).
		Msg("Model selected")
	return result, nil
}

// logRejected appends the rejected-selection usage entry so billing can
// see denials, not just spends.
func (s *Selector) logRejected(ctx context.Context, req *models.SelectionRequest, ranked []*candidate, rej *guard.RejectionError) {
	if rej == nil {
		return
	}
	modelID := ""
	estimated := 0.0
	if len(ranked) > 0 {
		modelID = ranked[0].model.ID
		estimated = ranked[0].cost.TotalUSD
	}
	entry := &models.UsageLogEntry{
		ID:               uuid.New().String(),
		SelectionID:      uuid.New().String(),
		UserID:           req.UserID,
		ModelID:          modelID,
		TaskType:         req.TaskType,
		EstimatedCostUSD: estimated,
		Status:           models.UsageRejected,
		Detail:           string(rej.Reason),
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.AppendUsage(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("Failed to log rejected selection")
	}
}

func hasAll(mdl *models.Model, caps []string) bool {
	for _, c := range caps {
		if !mdl.HasCapability(c) {
			return false
		}
	}
	return true
}
