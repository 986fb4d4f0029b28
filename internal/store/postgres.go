// PostgreSQL Store implementation.
//
// The spending counters use single-statement conditional updates
// (increment-with-check in one UPDATE), so concurrent requests racing for
// the last dollar of a ceiling serialize at the row level.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/pawprint/modelswapper/pkg/models"
)

const ddl = `
CREATE TABLE IF NOT EXISTS sw_providers (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	scope        TEXT NOT NULL,
	owner_id     TEXT NOT NULL DEFAULT '',
	endpoint     TEXT NOT NULL DEFAULT '',
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sw_models (
	id                     TEXT PRIMARY KEY,
	provider_id            TEXT NOT NULL REFERENCES sw_providers(id),
	cost_per_1k_prompt     DOUBLE PRECISION NOT NULL,
	cost_per_1k_completion DOUBLE PRECISION NOT NULL,
	context_window         INTEGER NOT NULL,
	max_output_tokens      INTEGER NOT NULL DEFAULT 0,
	capabilities           TEXT[] NOT NULL DEFAULT '{}',
	active                 BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS sw_task_types (
	id                    TEXT PRIMARY KEY,
	description           TEXT NOT NULL DEFAULT '',
	required_capabilities TEXT[] NOT NULL DEFAULT '{}',
	quality_bias          DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sw_performance (
	model_id       TEXT NOT NULL,
	task_type      TEXT NOT NULL,
	reliability    DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_cost_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
	samples        BIGINT NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (model_id, task_type)
);

CREATE TABLE IF NOT EXISTS sw_spending (
	user_id     TEXT NOT NULL,
	period_kind TEXT NOT NULL,
	period_key  TEXT NOT NULL,
	spent_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
	requests    BIGINT NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, period_kind, period_key)
);

CREATE TABLE IF NOT EXISTS sw_system_spending (
	period_kind TEXT NOT NULL,
	period_key  TEXT NOT NULL,
	spent_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (period_kind, period_key)
);

CREATE TABLE IF NOT EXISTS sw_usage_log (
	id                 TEXT PRIMARY KEY,
	selection_id       TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	model_id           TEXT NOT NULL DEFAULT '',
	task_type          TEXT NOT NULL DEFAULT '',
	estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	actual_cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
	prompt_tokens      INTEGER NOT NULL DEFAULT 0,
	completion_tokens  INTEGER NOT NULL DEFAULT 0,
	latency_ms         BIGINT NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	detail             TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sw_usage_user ON sw_usage_log (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS sw_pending_selections (
	selection_id       TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	model_id           TEXT NOT NULL,
	task_type          TEXT NOT NULL,
	estimated_cost_usd DOUBLE PRECISION NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sw_credentials (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	provider_id      TEXT NOT NULL,
	ciphertext       BYTEA NOT NULL,
	verified         BOOLEAN NOT NULL DEFAULT FALSE,
	last_verified_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sw_credentials_user ON sw_credentials (user_id);
`

// PostgresStore implements Store on pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, waits for the database with exponential
// backoff, and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	ping := func() error { return pool.Ping(ctx) }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ping, bo); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Msg("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Catalog ─────────────────────────────────────────────────

func (s *PostgresStore) ListProviders(ctx context.Context) ([]models.Provider, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, kind, scope, owner_id, endpoint, active, created_at
		 FROM sw_providers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Provider
	for rows.Next() {
		var p models.Provider
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Kind, &p.Scope, &p.OwnerID, &p.Endpoint, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	var p models.Provider
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, kind, scope, owner_id, endpoint, active, created_at
		 FROM sw_providers WHERE id = $1`, id).
		Scan(&p.ID, &p.DisplayName, &p.Kind, &p.Scope, &p.OwnerID, &p.Endpoint, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "provider", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreateProvider(ctx context.Context, p *models.Provider) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sw_providers (id, display_name, kind, scope, owner_id, endpoint, active, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name, kind = EXCLUDED.kind,
			scope = EXCLUDED.scope, owner_id = EXCLUDED.owner_id,
			endpoint = EXCLUDED.endpoint, active = EXCLUDED.active`,
		p.ID, p.DisplayName, p.Kind, p.Scope, p.OwnerID, p.Endpoint, p.Active, p.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateProvider(ctx context.Context, p *models.Provider) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sw_providers SET display_name=$2, kind=$3, scope=$4, owner_id=$5, endpoint=$6, active=$7
		 WHERE id=$1`,
		p.ID, p.DisplayName, p.Kind, p.Scope, p.OwnerID, p.Endpoint, p.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "provider", Key: p.ID}
	}
	return nil
}

func (s *PostgresStore) ListActiveModels(ctx context.Context, scope models.ProviderScope, ownerID string) ([]models.Model, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.provider_id, m.cost_per_1k_prompt, m.cost_per_1k_completion,
		        m.context_window, m.max_output_tokens, m.capabilities, m.active
		 FROM sw_models m
		 JOIN sw_providers p ON p.id = m.provider_id
		 WHERE m.active AND p.active AND p.scope = $1
		   AND ($1 <> 'user' OR p.owner_id = $2)
		 ORDER BY m.id`,
		scope, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		var m models.Model
		if err := rows.Scan(&m.ID, &m.ProviderID, &m.CostPer1KPrompt, &m.CostPer1KCompletion,
			&m.ContextWindow, &m.MaxOutputTokens, &m.Capabilities, &m.Active); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetModel(ctx context.Context, id string) (*models.Model, error) {
	var m models.Model
	err := s.pool.QueryRow(ctx,
		`SELECT id, provider_id, cost_per_1k_prompt, cost_per_1k_completion,
		        context_window, max_output_tokens, capabilities, active
		 FROM sw_models WHERE id = $1`, id).
		Scan(&m.ID, &m.ProviderID, &m.CostPer1KPrompt, &m.CostPer1KCompletion,
			&m.ContextWindow, &m.MaxOutputTokens, &m.Capabilities, &m.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "model", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateModel(ctx context.Context, m *models.Model) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sw_models (id, provider_id, cost_per_1k_prompt, cost_per_1k_completion,
		        context_window, max_output_tokens, capabilities, active)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO UPDATE SET
			provider_id = EXCLUDED.provider_id,
			cost_per_1k_prompt = EXCLUDED.cost_per_1k_prompt,
			cost_per_1k_completion = EXCLUDED.cost_per_1k_completion,
			context_window = EXCLUDED.context_window,
			max_output_tokens = EXCLUDED.max_output_tokens,
			capabilities = EXCLUDED.capabilities,
			active = EXCLUDED.active`,
		m.ID, m.ProviderID, m.CostPer1KPrompt, m.CostPer1KCompletion,
		m.ContextWindow, m.MaxOutputTokens, m.Capabilities, m.Active)
	return err
}

func (s *PostgresStore) GetTaskType(ctx context.Context, id string) (*models.TaskType, error) {
	var t models.TaskType
	err := s.pool.QueryRow(ctx,
		`SELECT id, description, required_capabilities, quality_bias FROM sw_task_types WHERE id = $1`, id).
		Scan(&t.ID, &t.Description, &t.RequiredCapabilities, &t.QualityBias)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "task type", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTaskTypes(ctx context.Context) ([]models.TaskType, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, description, required_capabilities, quality_bias FROM sw_task_types ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TaskType
	for rows.Next() {
		var t models.TaskType
		if err := rows.Scan(&t.ID, &t.Description, &t.RequiredCapabilities, &t.QualityBias); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTaskType(ctx context.Context, t *models.TaskType) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sw_task_types (id, description, required_capabilities, quality_bias)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET
			description = EXCLUDED.description,
			required_capabilities = EXCLUDED.required_capabilities,
			quality_bias = EXCLUDED.quality_bias`,
		t.ID, t.Description, t.RequiredCapabilities, t.QualityBias)
	return err
}

func (s *PostgresStore) CountCatalog(ctx context.Context) (int, int, error) {
	var providers, modelCount int
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM sw_providers), (SELECT COUNT(*) FROM sw_models)`).
		Scan(&providers, &modelCount)
	return providers, modelCount, err
}

// ── Performance ─────────────────────────────────────────────

func (s *PostgresStore) GetPerformance(ctx context.Context, modelID, taskType string) (*models.PerformanceRecord, error) {
	var rec models.PerformanceRecord
	err := s.pool.QueryRow(ctx,
		`SELECT model_id, task_type, reliability, avg_latency_ms, avg_cost_usd, samples, updated_at
		 FROM sw_performance WHERE model_id = $1 AND task_type = $2`, modelID, taskType).
		Scan(&rec.ModelID, &rec.TaskType, &rec.Reliability, &rec.AvgLatencyMs, &rec.AvgCostUSD, &rec.Samples, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "performance record", Key: modelID + ":" + taskType}
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) UpsertPerformance(ctx context.Context, rec *models.PerformanceRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sw_performance (model_id, task_type, reliability, avg_latency_ms, avg_cost_usd, samples, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (model_id, task_type) DO UPDATE SET
			reliability = EXCLUDED.reliability,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			avg_cost_usd = EXCLUDED.avg_cost_usd,
			samples = GREATEST(sw_performance.samples, EXCLUDED.samples),
			updated_at = EXCLUDED.updated_at`,
		rec.ModelID, rec.TaskType, rec.Reliability, rec.AvgLatencyMs, rec.AvgCostUSD, rec.Samples, rec.UpdatedAt)
	return err
}

// ── Spending ────────────────────────────────────────────────

func (s *PostgresStore) GetSpending(ctx context.Context, userID string, period models.Period) (*models.SpendingState, error) {
	state := &models.SpendingState{UserID: userID, Period: period}
	err := s.pool.QueryRow(ctx,
		`SELECT spent_usd, requests, updated_at FROM sw_spending
		 WHERE user_id = $1 AND period_kind = $2 AND period_key = $3`,
		userID, period.Kind, period.Key).
		Scan(&state.SpentUSD, &state.Requests, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, nil // first request of the period
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ApplyDelta is a single conditional UPDATE: the limit check and the
// increment happen in one statement, so the row lock serializes races.
func (s *PostgresStore) ApplyDelta(ctx context.Context, userID string, period models.Period, costDelta float64, requestDelta int64, limit SpendingLimit) (bool, *models.SpendingState, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sw_spending (user_id, period_kind, period_key)
		 VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`,
		userID, period.Kind, period.Key)
	if err != nil {
		return false, nil, err
	}

	state := &models.SpendingState{UserID: userID, Period: period}
	err = s.pool.QueryRow(ctx,
		`UPDATE sw_spending
		 SET spent_usd = spent_usd + $4, requests = requests + $5, updated_at = NOW()
		 WHERE user_id = $1 AND period_kind = $2 AND period_key = $3
		   AND ($6::double precision <= 0 OR spent_usd + $4 <= $6)
		   AND ($7::bigint <= 0 OR requests + $5 <= $7)
		 RETURNING spent_usd, requests, updated_at`,
		userID, period.Kind, period.Key, costDelta, requestDelta, limit.MaxSpentUSD, limit.MaxRequests).
		Scan(&state.SpentUSD, &state.Requests, &state.UpdatedAt)
	if err == nil {
		return true, state, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, err
	}

	// Over a limit: report current state unchanged.
	cur, err := s.GetSpending(ctx, userID, period)
	if err != nil {
		return false, nil, err
	}
	return false, cur, nil
}

func (s *PostgresStore) ReverseDelta(ctx context.Context, userID string, period models.Period, costDelta float64, requestDelta int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sw_spending
		 SET spent_usd = GREATEST(spent_usd - $4, 0),
		     requests = GREATEST(requests - $5, 0),
		     updated_at = NOW()
		 WHERE user_id = $1 AND period_kind = $2 AND period_key = $3`,
		userID, period.Kind, period.Key, costDelta, requestDelta)
	return err
}

func (s *PostgresStore) SystemSpend(ctx context.Context, period models.Period) (float64, error) {
	var spent float64
	err := s.pool.QueryRow(ctx,
		`SELECT spent_usd FROM sw_system_spending WHERE period_kind = $1 AND period_key = $2`,
		period.Kind, period.Key).Scan(&spent)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return spent, err
}

func (s *PostgresStore) ApplySystemDelta(ctx context.Context, period models.Period, costDelta float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sw_system_spending (period_kind, period_key, spent_usd)
		 VALUES ($1,$2,GREATEST($3,0))
		 ON CONFLICT (period_kind, period_key) DO UPDATE SET
			spent_usd = GREATEST(sw_system_spending.spent_usd + $3, 0)`,
		period.Kind, period.Key, costDelta)
	return err
}

// ── Usage Log ───────────────────────────────────────────────

func (s *PostgresStore) AppendUsage(ctx context.Context, entry *models.UsageLogEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sw_usage_log (id, selection_id, user_id, model_id, task_type,
		        estimated_cost_usd, actual_cost_usd, prompt_tokens, completion_tokens,
		        latency_ms, status, detail, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		entry.ID, entry.SelectionID, entry.UserID, entry.ModelID, entry.TaskType,
		entry.EstimatedCostUSD, entry.ActualCostUSD, entry.PromptTokens, entry.CompletionTokens,
		entry.LatencyMs, entry.Status, entry.Detail, entry.CreatedAt)
	return err
}

func (s *PostgresStore) ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, selection_id, user_id, model_id, task_type,
		        estimated_cost_usd, actual_cost_usd, prompt_tokens, completion_tokens,
		        latency_ms, status, detail, created_at
		 FROM sw_usage_log
		 WHERE $1 = '' OR user_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UsageLogEntry
	for rows.Next() {
		var e models.UsageLogEntry
		if err := rows.Scan(&e.ID, &e.SelectionID, &e.UserID, &e.ModelID, &e.TaskType,
			&e.EstimatedCostUSD, &e.ActualCostUSD, &e.PromptTokens, &e.CompletionTokens,
			&e.LatencyMs, &e.Status, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sw_usage_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ── Pending Selections ──────────────────────────────────────

func (s *PostgresStore) PutPendingSelection(ctx context.Context, sel *models.PendingSelection) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sw_pending_selections (selection_id, user_id, model_id, task_type, estimated_cost_usd, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (selection_id) DO NOTHING`,
		sel.SelectionID, sel.UserID, sel.ModelID, sel.TaskType, sel.EstimatedCostUSD, sel.CreatedAt)
	return err
}

// TakePendingSelection deletes and returns the stub in one statement, so
// only one of two concurrent takers can win.
func (s *PostgresStore) TakePendingSelection(ctx context.Context, selectionID string) (*models.PendingSelection, error) {
	var sel models.PendingSelection
	err := s.pool.QueryRow(ctx,
		`DELETE FROM sw_pending_selections WHERE selection_id = $1
		 RETURNING selection_id, user_id, model_id, task_type, estimated_cost_usd, created_at`,
		selectionID).
		Scan(&sel.SelectionID, &sel.UserID, &sel.ModelID, &sel.TaskType, &sel.EstimatedCostUSD, &sel.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "pending selection", Key: selectionID}
	}
	if err != nil {
		return nil, err
	}
	return &sel, nil
}

func (s *PostgresStore) ListStalePendingSelections(ctx context.Context, cutoff time.Time, limit int) ([]models.PendingSelection, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT selection_id, user_id, model_id, task_type, estimated_cost_usd, created_at
		 FROM sw_pending_selections WHERE created_at < $1
		 ORDER BY created_at ASC LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PendingSelection
	for rows.Next() {
		var sel models.PendingSelection
		if err := rows.Scan(&sel.SelectionID, &sel.UserID, &sel.ModelID, &sel.TaskType, &sel.EstimatedCostUSD, &sel.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sel)
	}
	return out, rows.Err()
}

// ── Credentials ─────────────────────────────────────────────

func (s *PostgresStore) PutCredential(ctx context.Context, cred *models.UserCredential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sw_credentials (id, user_id, provider_id, ciphertext, verified, last_verified_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			verified = EXCLUDED.verified,
			last_verified_at = EXCLUDED.last_verified_at`,
		cred.ID, cred.UserID, cred.ProviderID, cred.Ciphertext, cred.Verified, cred.LastVerifiedAt, cred.CreatedAt)
	return err
}

func (s *PostgresStore) GetCredential(ctx context.Context, id string) (*models.UserCredential, error) {
	var cred models.UserCredential
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, provider_id, ciphertext, verified, last_verified_at, created_at
		 FROM sw_credentials WHERE id = $1`, id).
		Scan(&cred.ID, &cred.UserID, &cred.ProviderID, &cred.Ciphertext, &cred.Verified, &cred.LastVerifiedAt, &cred.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "credential", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context, userID string) ([]models.UserCredential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, provider_id, ciphertext, verified, last_verified_at, created_at
		 FROM sw_credentials WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UserCredential
	for rows.Next() {
		var cred models.UserCredential
		if err := rows.Scan(&cred.ID, &cred.UserID, &cred.ProviderID, &cred.Ciphertext, &cred.Verified, &cred.LastVerifiedAt, &cred.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sw_credentials WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "credential", Key: id}
	}
	return nil
}
