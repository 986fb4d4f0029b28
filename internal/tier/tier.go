// Package tier holds the static per-tier spending policy table.
//
// The built-in table can be replaced from a YAML file, but validation
// always enforces the tier ladder: a higher tier never has a lower daily
// ceiling, request quota, or per-request cap than a tier below it.
package tier

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pawprint/modelswapper/pkg/models"
)

// Table maps tiers to their spending policies. Immutable after load.
type Table struct {
	policies map[models.Tier]models.TierPolicy
}

// defaultPolicies is the shipped policy ladder.
var defaultPolicies = []models.TierPolicy{
	{Tier: models.TierFree, DailyCeilingUSD: 1.00, DailyRequestQuota: 20, MaxCostPerRequestUSD: 0.30, AllowUserCredentials: false},
	{Tier: models.TierLilBean, DailyCeilingUSD: 5.00, DailyRequestQuota: 100, MaxCostPerRequestUSD: 1.00, AllowUserCredentials: false},
	{Tier: models.TierClawback, DailyCeilingUSD: 15.00, DailyRequestQuota: 400, MaxCostPerRequestUSD: 2.50, AllowUserCredentials: true},
	{Tier: models.TierBigChonk, DailyCeilingUSD: 40.00, DailyRequestQuota: 1500, MaxCostPerRequestUSD: 10.00, AllowUserCredentials: true},
	{Tier: models.TierMeowtrix, DailyCeilingUSD: 100.00, DailyRequestQuota: 5000, MaxCostPerRequestUSD: 25.00, AllowUserCredentials: true},
}

// Default returns the built-in policy table.
func Default() *Table {
	t, err := New(defaultPolicies)
	if err != nil {
		// The shipped table is validated by tests; this cannot happen.
		panic(err)
	}
	return t
}

// New builds a table from explicit policies, validating completeness and
// the tier ladder.
func New(policies []models.TierPolicy) (*Table, error) {
	byTier := make(map[models.Tier]models.TierPolicy, len(policies))
	for _, p := range policies {
		if !models.ValidTier(p.Tier) {
			return nil, fmt.Errorf("unknown tier %q", p.Tier)
		}
		if _, dup := byTier[p.Tier]; dup {
			return nil, fmt.Errorf("duplicate policy for tier %q", p.Tier)
		}
		if p.DailyCeilingUSD < 0 || p.MaxCostPerRequestUSD < 0 || p.DailyRequestQuota < 0 {
			return nil, fmt.Errorf("tier %q: negative limit", p.Tier)
		}
		byTier[p.Tier] = p
	}

	for _, t := range models.TierOrder {
		if _, ok := byTier[t]; !ok {
			return nil, fmt.Errorf("missing policy for tier %q", t)
		}
	}

	// Enforce monotonicity along the ladder.
	for i := 1; i < len(models.TierOrder); i++ {
		lo := byTier[models.TierOrder[i-1]]
		hi := byTier[models.TierOrder[i]]
		if hi.DailyCeilingUSD < lo.DailyCeilingUSD {
			return nil, fmt.Errorf("tier %q daily ceiling %.2f below %q's %.2f", hi.Tier, hi.DailyCeilingUSD, lo.Tier, lo.DailyCeilingUSD)
		}
		if hi.DailyRequestQuota < lo.DailyRequestQuota {
			return nil, fmt.Errorf("tier %q quota %d below %q's %d", hi.Tier, hi.DailyRequestQuota, lo.Tier, lo.DailyRequestQuota)
		}
		if hi.MaxCostPerRequestUSD < lo.MaxCostPerRequestUSD {
			return nil, fmt.Errorf("tier %q per-request cap %.2f below %q's %.2f", hi.Tier, hi.MaxCostPerRequestUSD, lo.Tier, lo.MaxCostPerRequestUSD)
		}
	}

	return &Table{policies: byTier}, nil
}

// LoadFile reads a policy table from a YAML file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier file: %w", err)
	}
	var doc struct {
		Tiers []models.TierPolicy `yaml:"tiers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tier file: %w", err)
	}
	return New(doc.Tiers)
}

// Policy returns the policy for a tier.
func (t *Table) Policy(tier models.Tier) (models.TierPolicy, error) {
	p, ok := t.policies[tier]
	if !ok {
		return models.TierPolicy{}, fmt.Errorf("unknown tier %q", tier)
	}
	return p, nil
}

// Policies returns all policies in ladder order.
func (t *Table) Policies() []models.TierPolicy {
	out := make([]models.TierPolicy, 0, len(models.TierOrder))
	for _, tier := range models.TierOrder {
		out = append(out, t.policies[tier])
	}
	return out
}
