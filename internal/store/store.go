// Package store provides the storage interface and implementations for the
// ModelSwapper engine. The in-memory store backs tests and zero-config
// deployments; PostgreSQL backs production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pawprint/modelswapper/pkg/models"
)

// Store is the primary storage interface for the selection engine.
// Everything above it (selector, guard, recorder, credential manager)
// depends on this interface, never on a concrete implementation.
type Store interface {
	CatalogStore
	PerformanceStore
	SpendingStore
	UsageLogStore
	SelectionStore
	CredentialStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Catalog Store ───────────────────────────────────────────

// CatalogStore holds providers, models, and task types.
type CatalogStore interface {
	ListProviders(ctx context.Context) ([]models.Provider, error)
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	CreateProvider(ctx context.Context, p *models.Provider) error
	UpdateProvider(ctx context.Context, p *models.Provider) error

	// ListActiveModels returns active models of active providers visible to
	// the given scope. For ScopeUser, ownerID selects whose providers.
	ListActiveModels(ctx context.Context, scope models.ProviderScope, ownerID string) ([]models.Model, error)
	GetModel(ctx context.Context, id string) (*models.Model, error)
	CreateModel(ctx context.Context, m *models.Model) error

	GetTaskType(ctx context.Context, id string) (*models.TaskType, error)
	ListTaskTypes(ctx context.Context) ([]models.TaskType, error)
	CreateTaskType(ctx context.Context, t *models.TaskType) error

	// CountCatalog returns (providers, models) counts for diagnostics.
	CountCatalog(ctx context.Context) (int, int, error)
}

// ── Performance Store ───────────────────────────────────────

// PerformanceStore is the performance ledger: per (model, task type)
// rolling aggregates. Updates are eventually consistent.
type PerformanceStore interface {
	// GetPerformance returns ErrNotFound if the pair has no history yet.
	GetPerformance(ctx context.Context, modelID, taskType string) (*models.PerformanceRecord, error)
	UpsertPerformance(ctx context.Context, rec *models.PerformanceRecord) error
}

// ── Spending Store ──────────────────────────────────────────

// SpendingLimit bounds a conditional delta. Zero-valued fields mean
// "no limit on that dimension".
type SpendingLimit struct {
	MaxSpentUSD float64
	MaxRequests int64
}

// SpendingStore keeps the per-user, per-period running totals.
//
// ApplyDelta is the single atomic check-and-increment: it applies the delta
// only if the resulting state stays within limit, and reports the state
// either way. Two concurrent requests can never both pass when only one
// fits under the ceiling.
type SpendingStore interface {
	GetSpending(ctx context.Context, userID string, period models.Period) (*models.SpendingState, error)
	ApplyDelta(ctx context.Context, userID string, period models.Period, costDelta float64, requestDelta int64, limit SpendingLimit) (bool, *models.SpendingState, error)

	// ReverseDelta compensates a previously applied delta (failed downstream
	// call, abandoned request). Never drives totals below zero.
	ReverseDelta(ctx context.Context, userID string, period models.Period, costDelta float64, requestDelta int64) error

	// SystemSpend returns the system-wide spend for a period, feeding the
	// emergency breaker.
	SystemSpend(ctx context.Context, period models.Period) (float64, error)
	ApplySystemDelta(ctx context.Context, period models.Period, costDelta float64) error
}

// ── Usage Log Store ─────────────────────────────────────────

// UsageLogStore is the append-only usage log sink. Entries are write-once.
type UsageLogStore interface {
	AppendUsage(ctx context.Context, entry *models.UsageLogEntry) error
	ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageLogEntry, error)

	// PurgeUsageBefore deletes log entries older than cutoff and reports how
	// many were removed. Used only by the retention janitor.
	PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ── Selection Store ─────────────────────────────────────────

// SelectionStore holds approved selections awaiting their usage report.
// TakePendingSelection removes and returns the stub; a second take for the
// same ID returns ErrNotFound, which is what makes recording idempotent.
type SelectionStore interface {
	PutPendingSelection(ctx context.Context, sel *models.PendingSelection) error
	TakePendingSelection(ctx context.Context, selectionID string) (*models.PendingSelection, error)

	// ListStalePendingSelections returns pending selections created before
	// cutoff, oldest first, up to limit. The janitor expires these.
	ListStalePendingSelections(ctx context.Context, cutoff time.Time, limit int) ([]models.PendingSelection, error)
}

// ── Credential Store ────────────────────────────────────────

// CredentialStore persists encrypted user credentials. Only ciphertext
// crosses this interface.
type CredentialStore interface {
	PutCredential(ctx context.Context, cred *models.UserCredential) error
	GetCredential(ctx context.Context, id string) (*models.UserCredential, error)
	ListCredentials(ctx context.Context, userID string) ([]models.UserCredential, error)
	DeleteCredential(ctx context.Context, id string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
