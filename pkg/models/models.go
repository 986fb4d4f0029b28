// Package models defines the shared domain types for the ModelSwapper
// selection engine: the provider/model catalog, tier policies, spending
// state, selection requests/results, and usage records.
package models

import (
	"time"
)

// ── Provider ─────────────────────────────────────────────────

// ProviderKind is the wire protocol / vendor family of a provider.
// Every kind has a fixed config schema validated at catalog ingestion,
// never at call time.
type ProviderKind string

const (
	ProviderOpenAI           ProviderKind = "openai"
	ProviderAnthropic        ProviderKind = "anthropic"
	ProviderOpenAICompatible ProviderKind = "openai-compatible"
	ProviderOllama           ProviderKind = "ollama"
)

// KnownProviderKinds lists every kind the engine accepts at ingestion.
var KnownProviderKinds = []ProviderKind{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderOpenAICompatible,
	ProviderOllama,
}

// ValidProviderKind reports whether k is a supported provider kind.
func ValidProviderKind(k ProviderKind) bool {
	for _, known := range KnownProviderKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ProviderScope distinguishes system-operated providers from providers a
// user registered with their own credentials.
type ProviderScope string

const (
	ScopeSystem ProviderScope = "system"
	ScopeUser   ProviderScope = "user"
)

// Provider is a named AI vendor endpoint.
// User-scoped providers carry OwnerID and are only ever visible to that user.
type Provider struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"display_name"`
	Kind        ProviderKind  `json:"kind"`
	Scope       ProviderScope `json:"scope"`
	OwnerID     string        `json:"owner_id,omitempty"` // set only for user scope
	Endpoint    string        `json:"endpoint,omitempty"` // empty = kind default
	Active      bool          `json:"active"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ── Model ────────────────────────────────────────────────────

// Model capability flags declared in the catalog.
const (
	CapFunctionCalling = "function-calling"
	CapVision          = "vision"
	CapJSONMode        = "json-mode"
)

// Model is a specific AI model offered by a provider, with its per-1K-token
// pricing and declared capabilities.
type Model struct {
	ID                  string   `json:"id"`
	ProviderID          string   `json:"provider_id"`
	CostPer1KPrompt     float64  `json:"cost_per_1k_prompt"`
	CostPer1KCompletion float64  `json:"cost_per_1k_completion"`
	ContextWindow       int      `json:"context_window"`
	MaxOutputTokens     int      `json:"max_output_tokens,omitempty"`
	Capabilities        []string `json:"capabilities,omitempty"`
	Active              bool     `json:"active"`
}

// HasCapability reports whether the model declares the given capability.
func (m *Model) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ── Task Type ────────────────────────────────────────────────

// TaskType is a category of extraction work (summarization, topic
// extraction, ...). Static, rarely mutated.
type TaskType struct {
	ID                   string   `json:"id"`
	Description          string   `json:"description,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	// QualityBias nudges the reliability weight for this task (added to the
	// configured reliability weight before scoring). Zero = no bias.
	QualityBias float64 `json:"quality_bias,omitempty"`
}

// ── Performance Ledger ───────────────────────────────────────

// PerformanceRecord is the per (model, task type) rolling aggregate.
// Created lazily on first use; Samples never decreases.
type PerformanceRecord struct {
	ModelID      string    `json:"model_id"`
	TaskType     string    `json:"task_type"`
	Reliability  float64   `json:"reliability"` // rolling success rate in [0,1]
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	AvgCostUSD   float64   `json:"avg_cost_usd"`
	Samples      int64     `json:"samples"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ── Tiers ────────────────────────────────────────────────────

// Tier is a user's subscription level, ascending.
type Tier string

const (
	TierFree     Tier = "FREE"
	TierLilBean  Tier = "LILBEAN"
	TierClawback Tier = "CLAWBACK"
	TierBigChonk Tier = "BIGCHONK"
	TierMeowtrix Tier = "MEOWTRIX"
)

// TierOrder lists tiers ascending. Policy validation enforces that every
// limit is monotone non-decreasing along this order.
var TierOrder = []Tier{TierFree, TierLilBean, TierClawback, TierBigChonk, TierMeowtrix}

// ValidTier reports whether t is a known tier.
func ValidTier(t Tier) bool {
	for _, known := range TierOrder {
		if t == known {
			return true
		}
	}
	return false
}

// TierPolicy is the static spending policy for one tier.
type TierPolicy struct {
	Tier                 Tier    `json:"tier" yaml:"tier"`
	DailyCeilingUSD      float64 `json:"daily_ceiling_usd" yaml:"daily_ceiling_usd"`
	DailyRequestQuota    int64   `json:"daily_request_quota" yaml:"daily_request_quota"`
	MaxCostPerRequestUSD float64 `json:"max_cost_per_request_usd" yaml:"max_cost_per_request_usd"`
	AllowUserCredentials bool    `json:"allow_user_credentials" yaml:"allow_user_credentials"`
}

// ── Spending ─────────────────────────────────────────────────

// PeriodKind is the granularity of a spending accounting window.
type PeriodKind string

const (
	PeriodDay  PeriodKind = "day"
	PeriodHour PeriodKind = "hour"
)

// Period identifies one accounting window, e.g. {day "2026-09-01"}.
type Period struct {
	Kind PeriodKind
	Key  string
}

// DayPeriod returns the daily period containing t (UTC).
func DayPeriod(t time.Time) Period {
	return Period{Kind: PeriodDay, Key: t.UTC().Format("2006-01-02")}
}

// HourPeriod returns the hourly period containing t (UTC).
func HourPeriod(t time.Time) Period {
	return Period{Kind: PeriodHour, Key: t.UTC().Format("2006-01-02T15")}
}

// SpendingState is the per-user running total for one period.
// Mutated only through the store's atomic delta operations.
type SpendingState struct {
	UserID    string    `json:"user_id"`
	Period    Period    `json:"-"`
	SpentUSD  float64   `json:"spent_usd"`
	Requests  int64     `json:"requests"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ── Selection ────────────────────────────────────────────────

// SelectionRequest is the ephemeral input to the selector. Not persisted.
type SelectionRequest struct {
	TaskType string `json:"task_type"`
	UserID   string `json:"user_id"`
	Tier     Tier   `json:"tier"`

	// Token estimates. If only TotalTokens is known, the estimator applies
	// the configured prompt/completion split.
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`

	// Optional explicit preference; preferred candidates get the preference
	// weight in scoring but are never exempt from filters or the guard.
	PreferredModel    string `json:"preferred_model,omitempty"`
	PreferredProvider string `json:"preferred_provider,omitempty"`

	// UseUserCredentials restricts candidates to providers the user
	// registered themselves. Requires a tier that permits it.
	UseUserCredentials bool `json:"use_user_credentials,omitempty"`
}

// CostBreakdown is the estimator's structured output.
type CostBreakdown struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	PromptUSD        float64 `json:"prompt_usd"`
	CompletionUSD    float64 `json:"completion_usd"`
	TotalUSD         float64 `json:"total_usd"`
}

// RankedCandidate is one scored entry in the fallback chain.
type RankedCandidate struct {
	ModelID          string  `json:"model_id"`
	ProviderID       string  `json:"provider_id"`
	Score            float64 `json:"score"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	Samples          int64   `json:"samples"`
}

// SelectionResult is the selector's answer: the chosen model, its cost
// breakdown, the remaining fallback chain, and non-fatal warnings.
type SelectionResult struct {
	SelectionID string            `json:"selection_id"`
	ModelID     string            `json:"model_id"`
	ProviderID  string            `json:"provider_id"`
	TaskType    string            `json:"task_type"`
	Score       float64           `json:"score"`
	Cost        CostBreakdown     `json:"cost"`
	RunnersUp   []RankedCandidate `json:"runners_up,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// PendingSelection is the durable stub for an approved selection awaiting
// its usage report. Consumed exactly once by the recorder; a second
// record attempt for the same selection finds nothing and is a no-op.
type PendingSelection struct {
	SelectionID      string    `json:"selection_id"`
	UserID           string    `json:"user_id"`
	ModelID          string    `json:"model_id"`
	TaskType         string    `json:"task_type"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

// ── Usage Log ────────────────────────────────────────────────

// UsageStatus is the outcome recorded for a selection.
type UsageStatus string

const (
	UsageSuccess  UsageStatus = "success"
	UsageFailure  UsageStatus = "failure"
	UsageRejected UsageStatus = "rejected"
	UsageExpired  UsageStatus = "expired" // selection never received a usage report
)

// UsageLogEntry is the immutable, append-only record of a completed or
// rejected selection. Source of truth for billing.
type UsageLogEntry struct {
	ID               string      `json:"id"`
	SelectionID      string      `json:"selection_id"`
	UserID           string      `json:"user_id"`
	ModelID          string      `json:"model_id"`
	TaskType         string      `json:"task_type"`
	EstimatedCostUSD float64     `json:"estimated_cost_usd"`
	ActualCostUSD    float64     `json:"actual_cost_usd"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	LatencyMs        int64       `json:"latency_ms"`
	Status           UsageStatus `json:"status"`
	Detail           string      `json:"detail,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// ── Credentials ──────────────────────────────────────────────

// UserCredential is a user-supplied provider API key, encrypted at rest.
// The plaintext secret never appears in this struct, in logs, or in errors.
type UserCredential struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ProviderID     string     `json:"provider_id"`
	Ciphertext     []byte     `json:"-"`
	Verified       bool       `json:"verified"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ── Reject Reasons ───────────────────────────────────────────

// RejectReason is the machine-readable cause of a spending guard denial.
type RejectReason string

const (
	RejectEmergencyBreaker RejectReason = "EMERGENCY_BREAKER"
	RejectPerRequestCap    RejectReason = "PER_REQUEST_CAP"
	RejectDailyCeiling     RejectReason = "DAILY_CEILING"
	RejectHourlyCeiling    RejectReason = "HOURLY_CEILING"
	RejectQuotaExceeded    RejectReason = "QUOTA_EXCEEDED"
)

// ── Diagnostics ──────────────────────────────────────────────

// EngineStatus is the read-only operational snapshot behind /api/v1/status.
type EngineStatus struct {
	CatalogProviders    int     `json:"catalog_providers"`
	CatalogModels       int     `json:"catalog_models"`
	BreakerTripped      bool    `json:"breaker_tripped"`
	SystemSpendTodayUSD float64 `json:"system_spend_today_usd"`
	EmergencyCeilingUSD float64 `json:"emergency_ceiling_usd"`
}
