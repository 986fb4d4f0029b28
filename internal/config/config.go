package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the ModelSwapper engine.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Selector  SelectorConfig
	Guard     GuardConfig
	Retention RetentionConfig
	Catalog   CatalogConfig

	// CredentialKeyHex is the hex-encoded 32-byte AES key for credentials
	// at rest. Empty disables the credential manager.
	CredentialKeyHex string

	// AlertWebhookURL receives spending alert events. Empty disables alerts.
	AlertWebhookURL string

	// AlertWebhookSecret signs alert payloads with HMAC-SHA256 when set.
	AlertWebhookSecret string
}

type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Empty = in-memory store.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// SelectorConfig holds the scoring weights and estimation policy.
// Weights are deployment-tunable; the selector never hard-codes them.
type SelectorConfig struct {
	WeightReliability float64
	WeightLatency     float64
	WeightCost        float64
	WeightPreference  float64

	// NeutralReliability is assumed for (model, task) pairs with no history.
	NeutralReliability float64

	// DefaultLatencyMs is assumed for models with no latency history.
	DefaultLatencyMs float64

	// PromptSplit is the prompt share applied when a request carries only a
	// total token estimate.
	PromptSplit float64

	// PerfSampleCap bounds the moving-average window so old data decays.
	PerfSampleCap int64
}

// GuardConfig holds the spending guard thresholds.
type GuardConfig struct {
	// EmergencyDailyCeilingUSD is the system-wide hard cutoff. When the
	// day's total spend exceeds it, every request is rejected.
	EmergencyDailyCeilingUSD float64

	// HourlyFraction derives a tier's hourly ceiling from its daily one,
	// smoothing burst spend across the day. A derived ceiling below the
	// tier's per-request cap is not enforced.
	HourlyFraction float64

	// WarnThreshold is the fraction of the daily ceiling at which approvals
	// start carrying a near-limit warning.
	WarnThreshold float64
}

// RetentionConfig controls the background janitor.
type RetentionConfig struct {
	// SweepIntervalMinutes is how often the janitor runs.
	SweepIntervalMinutes int

	// PendingTTLMinutes is how long a selection may stay unreported before
	// its reserved spend is released.
	PendingTTLMinutes int

	// UsageRetentionDays is how long usage log entries are kept. Zero or
	// negative disables purging.
	UsageRetentionDays int
}

type CatalogConfig struct {
	// SeedFile is a YAML file of providers/models/task types loaded at
	// startup. Empty = no seeding.
	SeedFile string

	// TierFile optionally overrides the built-in tier policy table.
	TierFile string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("SWAPPER_PORT", 8080),
		Version: envStr("SWAPPER_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("SWAPPER_DATABASE_URL", ""),
			MaxConnections: envInt("SWAPPER_DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "modelswapper"),
		},
		Selector: SelectorConfig{
			WeightReliability:  envFloat("SWAPPER_WEIGHT_RELIABILITY", 0.40),
			WeightLatency:      envFloat("SWAPPER_WEIGHT_LATENCY", 0.20),
			WeightCost:         envFloat("SWAPPER_WEIGHT_COST", 0.30),
			WeightPreference:   envFloat("SWAPPER_WEIGHT_PREFERENCE", 0.10),
			NeutralReliability: envFloat("SWAPPER_NEUTRAL_RELIABILITY", 0.70),
			DefaultLatencyMs:   envFloat("SWAPPER_DEFAULT_LATENCY_MS", 1000),
			PromptSplit:        envFloat("SWAPPER_PROMPT_SPLIT", 0.70),
			PerfSampleCap:      int64(envInt("SWAPPER_PERF_SAMPLE_CAP", 100)),
		},
		Guard: GuardConfig{
			EmergencyDailyCeilingUSD: envFloat("SWAPPER_EMERGENCY_DAILY_CEILING", 50.0),
			HourlyFraction:           envFloat("SWAPPER_HOURLY_FRACTION", 0.125),
			WarnThreshold:            envFloat("SWAPPER_WARN_THRESHOLD", 0.80),
		},
		Retention: RetentionConfig{
			SweepIntervalMinutes: envInt("SWAPPER_SWEEP_INTERVAL_MINUTES", 15),
			PendingTTLMinutes:    envInt("SWAPPER_PENDING_TTL_MINUTES", 60),
			UsageRetentionDays:   envInt("SWAPPER_USAGE_RETENTION_DAYS", 90),
		},
		Catalog: CatalogConfig{
			SeedFile: envStr("SWAPPER_CATALOG_SEED", ""),
			TierFile: envStr("SWAPPER_TIER_FILE", ""),
		},
		CredentialKeyHex:   envStr("SWAPPER_CREDENTIAL_KEY", ""),
		AlertWebhookURL:    envStr("SWAPPER_ALERT_WEBHOOK_URL", ""),
		AlertWebhookSecret: envStr("SWAPPER_ALERT_WEBHOOK_SECRET", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
