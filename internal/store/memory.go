// In-memory Store implementation for tests and zero-config deployments.
// The usage log, the one dataset that must survive restarts (billing),
// is mirrored to a bbolt file when SWAPPER_DATA_DIR is set.

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pawprint/modelswapper/pkg/models"
	"github.com/rs/zerolog/log"
)

const usageBucket = "usage"

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string]*models.Provider          // key: id
	modelsTbl map[string]*models.Model             // key: id
	taskTypes map[string]*models.TaskType          // key: id
	perf      map[string]*models.PerformanceRecord // key: modelID:taskType
	spending  map[string]*models.SpendingState     // key: userID:kind:periodKey
	system    map[string]float64                   // key: kind:periodKey
	pending   map[string]*models.PendingSelection  // key: selection id
	creds     map[string]*models.UserCredential    // key: credential id
	usage     []models.UsageLogEntry               // append-only

	db *bolt.DB // nil = no durable usage log
}

// NewMemoryStore creates a new in-memory store.
// If SWAPPER_DATA_DIR is set, usage log entries are additionally written
// to a bbolt file in that directory so billing data survives restarts.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		providers: make(map[string]*models.Provider),
		modelsTbl: make(map[string]*models.Model),
		taskTypes: make(map[string]*models.TaskType),
		perf:      make(map[string]*models.PerformanceRecord),
		spending:  make(map[string]*models.SpendingState),
		system:    make(map[string]float64),
		pending:   make(map[string]*models.PendingSelection),
		creds:     make(map[string]*models.UserCredential),
	}

	dataDir := os.Getenv("SWAPPER_DATA_DIR")
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, usage log persistence disabled")
		} else {
			path := filepath.Join(dataDir, "usage.db")
			db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Cannot open usage log, persistence disabled")
			} else {
				m.db = db
				m.loadUsage()
			}
		}
	}

	log.Info().Bool("durable_usage_log", m.db != nil).Msg("Memory store configured")
	return m
}

func (m *MemoryStore) loadUsage() {
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(usageBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var e models.UsageLogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			m.usage = append(m.usage, e)
			return nil
		})
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load usage log from disk")
		return
	}
	sort.Slice(m.usage, func(i, j int) bool { return m.usage[i].CreatedAt.Before(m.usage[j].CreatedAt) })
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// ── Catalog ─────────────────────────────────────────────────

func (m *MemoryStore) ListProviders(ctx context.Context) ([]models.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "provider", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateProvider(ctx context.Context, p *models.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.providers[p.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateProvider(ctx context.Context, p *models.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[p.ID]; !ok {
		return &ErrNotFound{Entity: "provider", Key: p.ID}
	}
	cp := *p
	m.providers[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListActiveModels(ctx context.Context, scope models.ProviderScope, ownerID string) ([]models.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Model
	for _, mdl := range m.modelsTbl {
		if !mdl.Active {
			continue
		}
		p, ok := m.providers[mdl.ProviderID]
		if !ok || !p.Active || p.Scope != scope {
			continue
		}
		if scope == models.ScopeUser && p.OwnerID != ownerID {
			continue
		}
		out = append(out, *mdl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetModel(ctx context.Context, id string) (*models.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mdl, ok := m.modelsTbl[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "model", Key: id}
	}
	cp := *mdl
	return &cp, nil
}

func (m *MemoryStore) CreateModel(ctx context.Context, mdl *models.Model) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *mdl
	m.modelsTbl[mdl.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTaskType(ctx context.Context, id string) (*models.TaskType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.taskTypes[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "task type", Key: id}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTaskTypes(ctx context.Context) ([]models.TaskType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.TaskType, 0, len(m.taskTypes))
	for _, t := range m.taskTypes {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateTaskType(ctx context.Context, t *models.TaskType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.taskTypes[t.ID] = &cp
	return nil
}

func (m *MemoryStore) CountCatalog(ctx context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.providers), len(m.modelsTbl), nil
}

// ── Performance ─────────────────────────────────────────────

func perfKey(modelID, taskType string) string { return modelID + ":" + taskType }

func (m *MemoryStore) GetPerformance(ctx context.Context, modelID, taskType string) (*models.PerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.perf[perfKey(modelID, taskType)]
	if !ok {
		return nil, &ErrNotFound{Entity: "performance record", Key: perfKey(modelID, taskType)}
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) UpsertPerformance(ctx context.Context, rec *models.PerformanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.perf[perfKey(rec.ModelID, rec.TaskType)] = &cp
	return nil
}

// ── Spending ────────────────────────────────────────────────

func spendKey(userID string, p models.Period) string {
	return userID + ":" + string(p.Kind) + ":" + p.Key
}

func (m *MemoryStore) GetSpending(ctx context.Context, userID string, period models.Period) (*models.SpendingState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.spending[spendKey(userID, period)]
	if !ok {
		// First request of the period: zero state, not an error.
		return &models.SpendingState{UserID: userID, Period: period}, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ApplyDelta(ctx context.Context, userID string, period models.Period, costDelta float64, requestDelta int64, limit SpendingLimit) (bool, *models.SpendingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := spendKey(userID, period)
	s, ok := m.spending[key]
	if !ok {
		s = &models.SpendingState{UserID: userID, Period: period}
		m.spending[key] = s
	}

	newSpent := s.SpentUSD + costDelta
	newReqs := s.Requests + requestDelta
	if limit.MaxSpentUSD > 0 && newSpent > limit.MaxSpentUSD {
		cp := *s
		return false, &cp, nil
	}
	if limit.MaxRequests > 0 && newReqs > limit.MaxRequests {
		cp := *s
		return false, &cp, nil
	}

	s.SpentUSD = newSpent
	s.Requests = newReqs
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	return true, &cp, nil
}

func (m *MemoryStore) ReverseDelta(ctx context.Context, userID string, period models.Period, costDelta float64, requestDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.spending[spendKey(userID, period)]
	if !ok {
		return nil
	}
	s.SpentUSD -= costDelta
	if s.SpentUSD < 0 {
		s.SpentUSD = 0
	}
	s.Requests -= requestDelta
	if s.Requests < 0 {
		s.Requests = 0
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SystemSpend(ctx context.Context, period models.Period) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.system[string(period.Kind)+":"+period.Key], nil
}

func (m *MemoryStore) ApplySystemDelta(ctx context.Context, period models.Period, costDelta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(period.Kind) + ":" + period.Key
	m.system[key] += costDelta
	if m.system[key] < 0 {
		m.system[key] = 0
	}
	return nil
}

// ── Usage Log ───────────────────────────────────────────────

func (m *MemoryStore) AppendUsage(ctx context.Context, entry *models.UsageLogEntry) error {
	m.mu.Lock()
	m.usage = append(m.usage, *entry)
	m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(usageBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.ID), data)
	})
}

func (m *MemoryStore) ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []models.UsageLogEntry
	// Newest first.
	for i := len(m.usage) - 1; i >= 0 && len(out) < limit; i-- {
		if userID == "" || m.usage[i].UserID == userID {
			out = append(out, m.usage[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	var kept []models.UsageLogEntry
	var purged []string
	for _, e := range m.usage {
		if e.CreatedAt.Before(cutoff) {
			purged = append(purged, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	m.usage = kept
	m.mu.Unlock()

	if m.db != nil && len(purged) > 0 {
		err := m.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(usageBucket))
			if b == nil {
				return nil
			}
			for _, id := range purged {
				if err := b.Delete([]byte(id)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return len(purged), err
		}
	}
	return len(purged), nil
}

// ── Pending Selections ──────────────────────────────────────

func (m *MemoryStore) PutPendingSelection(ctx context.Context, sel *models.PendingSelection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sel
	m.pending[sel.SelectionID] = &cp
	return nil
}

func (m *MemoryStore) TakePendingSelection(ctx context.Context, selectionID string) (*models.PendingSelection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sel, ok := m.pending[selectionID]
	if !ok {
		return nil, &ErrNotFound{Entity: "pending selection", Key: selectionID}
	}
	delete(m.pending, selectionID)
	return sel, nil
}

func (m *MemoryStore) ListStalePendingSelections(ctx context.Context, cutoff time.Time, limit int) ([]models.PendingSelection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PendingSelection
	for _, sel := range m.pending {
		if sel.CreatedAt.Before(cutoff) {
			out = append(out, *sel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Credentials ─────────────────────────────────────────────

func (m *MemoryStore) PutCredential(ctx context.Context, cred *models.UserCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *cred
	cp.Ciphertext = append([]byte(nil), cred.Ciphertext...)
	m.creds[cred.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCredential(ctx context.Context, id string) (*models.UserCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.creds[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "credential", Key: id}
	}
	cp := *cred
	cp.Ciphertext = append([]byte(nil), cred.Ciphertext...)
	return &cp, nil
}

func (m *MemoryStore) ListCredentials(ctx context.Context, userID string) ([]models.UserCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.UserCredential
	for _, cred := range m.creds {
		if cred.UserID != userID {
			continue
		}
		cp := *cred
		cp.Ciphertext = append([]byte(nil), cred.Ciphertext...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.creds[id]; !ok {
		return &ErrNotFound{Entity: "credential", Key: id}
	}
	delete(m.creds, id)
	return nil
}
