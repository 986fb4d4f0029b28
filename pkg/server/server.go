// Package server provides the public entry point for initializing the
// ModelSwapper selection engine.
//
// This package exists in pkg/ (not internal/) so that embedding services
// can import it and compose the engine with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pawprint/modelswapper/internal/api"
	"github.com/pawprint/modelswapper/internal/api/handlers"
	"github.com/pawprint/modelswapper/internal/catalog"
	"github.com/pawprint/modelswapper/internal/config"
	"github.com/pawprint/modelswapper/internal/credentials"
	"github.com/pawprint/modelswapper/internal/guard"
	"github.com/pawprint/modelswapper/internal/notify"
	"github.com/pawprint/modelswapper/internal/pricing"
	"github.com/pawprint/modelswapper/internal/retention"
	"github.com/pawprint/modelswapper/internal/selector"
	"github.com/pawprint/modelswapper/internal/store"
	"github.com/pawprint/modelswapper/internal/telemetry"
	"github.com/pawprint/modelswapper/internal/tier"
	"github.com/pawprint/modelswapper/internal/usage"
)

// Server holds the initialized selection engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (Postgres when configured, in-memory otherwise).
	Store store.Store

	// Selector is the scoring engine, exposed for embedding without HTTP.
	Selector *selector.Selector

	// Janitor handles background retention; the caller starts it with a
	// long-lived context (main.go does this).
	Janitor *retention.Janitor

	// Alerts dispatches spending webhook alerts; started alongside Janitor.
	Alerts *notify.Service

	// Port is the port the server should listen on.
	Port int

	// Version is the reported engine version.
	Version string

	// ShutdownFunc should be called on graceful shutdown to flush telemetry
	// and close the store.
	ShutdownFunc func(context.Context) error
}

// New initializes all engine components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = pg
		log.Info().Msg("✅ PostgreSQL store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("✅ In-memory store initialized")
	}

	tiers := tier.Default()
	if cfg.Catalog.TierFile != "" {
		tiers, err = tier.LoadFile(cfg.Catalog.TierFile)
		if err != nil {
			return nil, fmt.Errorf("load tier file: %w", err)
		}
		log.Info().Str("file", cfg.Catalog.TierFile).Msg("✅ Tier policy table loaded")
	}

	if cfg.Catalog.SeedFile != "" {
		if err := catalog.SeedFromFile(ctx, dataStore, cfg.Catalog.SeedFile); err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
		log.Info().Str("file", cfg.Catalog.SeedFile).Msg("✅ Catalog seeded")
	}

	alerts := notify.NewService(cfg.AlertWebhookURL, cfg.AlertWebhookSecret)

	estimator := pricing.NewEstimator(cfg.Selector.PromptSplit)
	spendGuard := guard.New(dataStore, cfg.Guard)
	spendGuard.SetAlerts(alerts)
	sel := selector.New(dataStore, estimator, spendGuard, tiers, cfg.Selector)
	recorder := usage.New(dataStore, spendGuard, cfg.Selector.PerfSampleCap)

	var credMgr *credentials.Manager
	if cfg.CredentialKeyHex != "" {
		credMgr, err = credentials.NewManager(dataStore, cfg.CredentialKeyHex, tiers)
		if err != nil {
			return nil, fmt.Errorf("init credential manager: %w", err)
		}
		log.Info().Msg("✅ Credential manager initialized")
	} else {
		log.Info().Msg("🔕 Credential manager disabled (no key configured)")
	}

	janitor := retention.NewJanitor(dataStore, spendGuard, time.Duration(cfg.Retention.SweepIntervalMinutes)*time.Minute)
	janitor.SetPendingTTL(time.Duration(cfg.Retention.PendingTTLMinutes) * time.Minute)
	janitor.SetUsageRetentionDays(cfg.Retention.UsageRetentionDays)
	janitor.SetAlerts(alerts)

	h := handlers.New(dataStore, sel, recorder, spendGuard, credMgr)
	router := api.NewRouter(h, cfg.Version)

	shutdown := func(ctx context.Context) error {
		err := telemetryShutdown(ctx)
		if cerr := dataStore.Close(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Selector:     sel,
		Janitor:      janitor,
		Alerts:       alerts,
		Port:         cfg.Port,
		Version:      cfg.Version,
		ShutdownFunc: shutdown,
	}, nil
}
