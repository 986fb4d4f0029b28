// Package catalog loads the provider/model/task-type catalog from a YAML
// seed file into the store.
//
// All validation happens here at ingestion time: provider kinds are a
// closed enum, costs must be non-negative, every model must reference an
// existing active provider. Nothing downstream revalidates at call time.
package catalog

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rs/zerolog/log"

	"github.com/pawprint/modelswapper/internal/store"
	"github.com/pawprint/modelswapper/pkg/models"
)

// SeedFile is the YAML shape of a catalog seed.
type SeedFile struct {
	Providers []SeedProvider `yaml:"providers"`
	Models    []SeedModel    `yaml:"models"`
	TaskTypes []SeedTaskType `yaml:"task_types"`
}

type SeedProvider struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Kind        string `yaml:"kind"`
	Endpoint    string `yaml:"endpoint"`
	Active      *bool  `yaml:"active"` // nil = active
}

type SeedModel struct {
	ID                  string   `yaml:"id"`
	Provider            string   `yaml:"provider"`
	CostPer1KPrompt     float64  `yaml:"cost_per_1k_prompt"`
	CostPer1KCompletion float64  `yaml:"cost_per_1k_completion"`
	ContextWindow       int      `yaml:"context_window"`
	MaxOutputTokens     int      `yaml:"max_output_tokens"`
	Capabilities        []string `yaml:"capabilities"`
	Active              *bool    `yaml:"active"`
}

type SeedTaskType struct {
	ID                   string   `yaml:"id"`
	Description          string   `yaml:"description"`
	RequiredCapabilities []string `yaml:"required_capabilities"`
	QualityBias          float64  `yaml:"quality_bias"`
}

// Parse reads and validates a seed file without touching a store.
func Parse(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog seed: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse catalog seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate enforces the ingestion-time invariants.
func (s *SeedFile) Validate() error {
	providers := make(map[string]bool, len(s.Providers))
	for i, p := range s.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: missing id", i)
		}
		if providers[p.ID] {
			return fmt.Errorf("provider %q: duplicate id", p.ID)
		}
		if !models.ValidProviderKind(models.ProviderKind(p.Kind)) {
			return fmt.Errorf("provider %q: unknown kind %q", p.ID, p.Kind)
		}
		if models.ProviderKind(p.Kind) == models.ProviderOpenAICompatible && p.Endpoint == "" {
			return fmt.Errorf("provider %q: openai-compatible requires an endpoint", p.ID)
		}
		providers[p.ID] = p.Active == nil || *p.Active
	}

	modelIDs := make(map[string]struct{}, len(s.Models))
	for i, m := range s.Models {
		if m.ID == "" {
			return fmt.Errorf("model %d: missing id", i)
		}
		if _, dup := modelIDs[m.ID]; dup {
			return fmt.Errorf("model %q: duplicate id", m.ID)
		}
		modelIDs[m.ID] = struct{}{}
		active, known := providers[m.Provider]
		if !known {
			return fmt.Errorf("model %q: unknown provider %q", m.ID, m.Provider)
		}
		if !active && (m.Active == nil || *m.Active) {
			return fmt.Errorf("model %q: active model on inactive provider %q", m.ID, m.Provider)
		}
		if m.CostPer1KPrompt < 0 || m.CostPer1KCompletion < 0 {
			return fmt.Errorf("model %q: negative cost", m.ID)
		}
		if m.ContextWindow <= 0 {
			return fmt.Errorf("model %q: missing context window", m.ID)
		}
	}

	taskIDs := make(map[string]struct{}, len(s.TaskTypes))
	for i, t := range s.TaskTypes {
		if t.ID == "" {
			return fmt.Errorf("task type %d: missing id", i)
		}
		if _, dup := taskIDs[t.ID]; dup {
			return fmt.Errorf("task type %q: duplicate id", t.ID)
		}
		taskIDs[t.ID] = struct{}{}
	}
	return nil
}

// Seed loads a validated seed file into the store. Existing entries with
// the same IDs are overwritten (restart reconciles config drift).
func Seed(ctx context.Context, s store.CatalogStore, seed *SeedFile) error {
	now := time.Now().UTC()

	for _, sp := range seed.Providers {
		active := sp.Active == nil || *sp.Active
		p := &models.Provider{
			ID:          sp.ID,
			DisplayName: sp.DisplayName,
			Kind:        models.ProviderKind(sp.Kind),
			Scope:       models.ScopeSystem,
			Endpoint:    sp.Endpoint,
			Active:      active,
			CreatedAt:   now,
		}
		if err := s.CreateProvider(ctx, p); err != nil {
			return fmt.Errorf("seed provider %q: %w", sp.ID, err)
		}
	}

	for _, sm := range seed.Models {
		active := sm.Active == nil || *sm.Active
		m := &models.Model{
			ID:                  sm.ID,
			ProviderID:          sm.Provider,
			CostPer1KPrompt:     sm.CostPer1KPrompt,
			CostPer1KCompletion: sm.CostPer1KCompletion,
			ContextWindow:       sm.ContextWindow,
			MaxOutputTokens:     sm.MaxOutputTokens,
			Capabilities:        sm.Capabilities,
			Active:              active,
		}
		if err := s.CreateModel(ctx, m); err != nil {
			return fmt.Errorf("seed model %q: %w", sm.ID, err)
		}
	}

	for _, st := range seed.TaskTypes {
		t := &models.TaskType{
			ID:                   st.ID,
			Description:          st.Description,
			RequiredCapabilities: st.RequiredCapabilities,
			QualityBias:          st.QualityBias,
		}
		if err := s.CreateTaskType(ctx, t); err != nil {
			return fmt.Errorf("seed task type %q: %w", st.ID, err)
		}
	}

	log.Info().
		Int("providers", len(seed.Providers)).
		Int("models", len(seed.Models)).
		Int("task_types", len(seed.TaskTypes)).
		Msg("Catalog seeded")
	return nil
}

// SeedFromFile parses path and loads it into the store.
func SeedFromFile(ctx context.Context, s store.CatalogStore, path string) error {
	seed, err := Parse(path)
	if err != nil {
		return err
	}
	return Seed(ctx, s, seed)
}
