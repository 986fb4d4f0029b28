// Package handlers implements the HTTP handlers for the ModelSwapper
// engine: model selection, usage recording, spending/status reads, and
// the credential manager surface.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pawprint/modelswapper/internal/credentials"
	"github.com/pawprint/modelswapper/internal/guard"
	"github.com/pawprint/modelswapper/internal/pricing"
	"github.com/pawprint/modelswapper/internal/selector"
	"github.com/pawprint/modelswapper/internal/store"
	"github.com/pawprint/modelswapper/internal/tokens"
	"github.com/pawprint/modelswapper/internal/usage"
	"github.com/pawprint/modelswapper/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store       store.Store
	Selector    *selector.Selector
	Recorder    *usage.Recorder
	Guard       *guard.Guard
	Credentials *credentials.Manager // nil when no encryption key is configured
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, sel *selector.Selector, rec *usage.Recorder, g *guard.Guard, cm *credentials.Manager) *Handlers {
	return &Handlers{
		Store:       s,
		Selector:    sel,
		Recorder:    rec,
		Guard:       g,
		Credentials: cm,
	}
}

// ── Selection ────────────────────────────────────────────────

type selectRequest struct {
	models.SelectionRequest

	// Text lets callers submit raw content instead of token counts; the
	// engine estimates tokens itself.
	Text string `json:"text,omitempty"`
}

func (h *Handlers) SelectModel(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" || req.TaskType == "" {
		respondError(w, http.StatusBadRequest, "user_id and task_type are required")
		return
	}
	if !models.ValidTier(req.Tier) {
		respondError(w, http.StatusBadRequest, "unknown tier "+string(req.Tier))
		return
	}
	if req.Text != "" && req.PromptTokens == 0 && req.TotalTokens == 0 {
		req.TotalTokens = tokens.Count(req.Text)
	}

	result, err := h.Selector.Select(r.Context(), &req.SelectionRequest)
	if err != nil {
		h.respondSelectError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// respondSelectError maps selection failures to status codes and to the
// two user-facing situations that need different actions: "no model right
// now" versus "you hit your limit".
func (h *Handlers) respondSelectError(w http.ResponseWriter, err error) {
	var rej *guard.RejectionError
	if errors.As(err, &rej) {
		msg := "You have reached your usage limit for today."
		switch rej.Reason {
		case models.RejectEmergencyBreaker:
			msg = "The service has reached its spending limit. Please try again later."
		case models.RejectPerRequestCap:
			msg = "This request is too large for your plan. Try a shorter input or output."
		case models.RejectHourlyCeiling:
			msg = "You have reached your hourly spending limit. Please try again later."
		}
		respondJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":       "spending_rejected",
			"reason":      rej.Reason,
			"limit":       rej.Limit,
			"requested":   rej.Requested,
			"exceeded_by": rej.ExceededBy(),
			"message":     msg,
		})
		return
	}

	var noModel *selector.NoEligibleModelError
	if errors.As(err, &noModel) {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "no_eligible_model",
			"reason":  noModel.Reason,
			"message": "No model is available for this task right now. This is not a limit on your account.",
		})
		return
	}

	var unavailable *selector.CatalogUnavailableError
	if errors.As(err, &unavailable) {
		log.Error().Err(err).Msg("Catalog unavailable")
		respondError(w, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}

	var badPricing *pricing.InvalidPricingError
	if errors.As(err, &badPricing) {
		log.Error().Err(err).Msg("Catalog pricing integrity failure")
		respondError(w, http.StatusInternalServerError, "catalog data integrity failure")
		return
	}

	respondError(w, http.StatusInternalServerError, err.Error())
}

// ── Usage Recording ─────────────────────────────────────────

type recordRequest struct {
	SelectionID      string  `json:"selection_id"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	ActualCostUSD    float64 `json:"actual_cost_usd"`
	LatencyMs        int64   `json:"latency_ms"`
	Success          bool    `json:"success"`
	Detail           string  `json:"detail,omitempty"`
}

func (h *Handlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SelectionID == "" {
		respondError(w, http.StatusBadRequest, "selection_id is required")
		return
	}

	entry, err := h.Recorder.Record(r.Context(), usage.Outcome{
		SelectionID:      req.SelectionID,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		ActualCostUSD:    req.ActualCostUSD,
		LatencyMs:        req.LatencyMs,
		Success:          req.Success,
		Detail:           req.Detail,
	})
	if err != nil {
		if errors.Is(err, usage.ErrDuplicate) {
			// Retried report: already fully recorded, nothing changed.
			respondJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

// ── Diagnostics & Reads ─────────────────────────────────────

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	providers, modelCount, err := h.Store.CountCatalog(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	tripped, sys, err := h.Guard.BreakerTripped(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, models.EngineStatus{
		CatalogProviders:    providers,
		CatalogModels:       modelCount,
		BreakerTripped:      tripped,
		SystemSpendTodayUSD: sys,
		EmergencyCeilingUSD: h.Guard.EmergencyCeiling(),
	})
}

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	active, err := h.Store.ListActiveModels(r.Context(), models.ScopeSystem, "")
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if active == nil {
		active = []models.Model{}
	}
	respondJSON(w, http.StatusOK, active)
}

func (h *Handlers) GetSpending(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	now := time.Now().UTC()

	day, err := h.Store.GetSpending(r.Context(), userID, models.DayPeriod(now))
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	hour, err := h.Store.GetSpending(r.Context(), userID, models.HourPeriod(now))
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"day":     day,
		"hour":    hour,
	})
}

func (h *Handlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := h.Store.ListUsage(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if entries == nil {
		entries = []models.UsageLogEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ── User Providers ──────────────────────────────────────────

type registerProviderRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Kind        string `json:"kind"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// RegisterProvider creates a user-scoped provider for bring-your-own-key
// tiers. The provider stays invisible to every other user.
func (h *Handlers) RegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req registerProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	kind := models.ProviderKind(req.Kind)
	if !models.ValidProviderKind(kind) {
		respondError(w, http.StatusBadRequest, "unknown provider kind "+req.Kind)
		return
	}
	if kind == models.ProviderOpenAICompatible && req.Endpoint == "" {
		respondError(w, http.StatusBadRequest, "openai-compatible providers require an endpoint")
		return
	}

	provider := &models.Provider{
		ID:          uuid.New().String(),
		DisplayName: req.DisplayName,
		Kind:        kind,
		Scope:       models.ScopeUser,
		OwnerID:     req.UserID,
		Endpoint:    req.Endpoint,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.CreateProvider(r.Context(), provider); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("provider", provider.ID).Str("user", req.UserID).Str("kind", req.Kind).Msg("User provider registered")
	respondJSON(w, http.StatusCreated, provider)
}

// ── Credentials ─────────────────────────────────────────────

type storeCredentialRequest struct {
	UserID     string      `json:"user_id"`
	Tier       models.Tier `json:"tier"`
	ProviderID string      `json:"provider_id"`
	Secret     string      `json:"secret"`
}

func (h *Handlers) StoreCredential(w http.ResponseWriter, r *http.Request) {
	if h.Credentials == nil {
		respondError(w, http.StatusNotImplemented, "credential manager not configured")
		return
	}

	var req storeCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := h.Credentials.Store(r.Context(), req.UserID, req.Tier, req.ProviderID, req.Secret)
	if err != nil {
		if errors.Is(err, credentials.ErrTierNotAllowed) {
			respondError(w, http.StatusForbidden, "your tier does not permit supplying credentials")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"credential_id": id})
}

func (h *Handlers) VerifyCredential(w http.ResponseWriter, r *http.Request) {
	if h.Credentials == nil {
		respondError(w, http.StatusNotImplemented, "credential manager not configured")
		return
	}

	id := chi.URLParam(r, "credentialID")
	verified, err := h.Credentials.Verify(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "credential not found")
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"verified": verified})
}

func (h *Handlers) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	if h.Credentials == nil {
		respondError(w, http.StatusNotImplemented, "credential manager not configured")
		return
	}

	id := chi.URLParam(r, "credentialID")
	if err := h.Credentials.Revoke(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "credential not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListCredentials(w http.ResponseWriter, r *http.Request) {
	if h.Credentials == nil {
		respondError(w, http.StatusNotImplemented, "credential manager not configured")
		return
	}

	userID := chi.URLParam(r, "userID")
	creds, err := h.Credentials.List(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if creds == nil {
		creds = []models.UserCredential{}
	}
	respondJSON(w, http.StatusOK, creds)
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
