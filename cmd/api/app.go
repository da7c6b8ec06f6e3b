package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/client"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/config"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/db"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/http"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/repository"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/service"
)

// app holds the wired components of one process
type app struct {
	cfg        *config.Config
	pool       *pgxpool.Pool
	reconciler *service.Reconciler
	server     *http.Server
}

// loadConfig reads the environment and configures logging
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// connect opens the pool and, when migrate is set, applies the schema
func connect(ctx context.Context, cfg *config.Config, migrate bool) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if migrate {
		if err := db.Migrate(ctx, pool, cfg.Database.Schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return pool, nil
}

func newApp(cfg *config.Config, pool *pgxpool.Pool) (*app, error) {
	// Initialize repositories
	serverRepo := repository.NewServerRepository(pool)
	panelRepo := repository.NewPanelRepository(pool)
	locationRepo := repository.NewLocationRepository(pool)
	logRepo := repository.NewLogRepository(pool)

	// Initialize provider adapters; a provider without a token is not offered
	var providers []client.Provider
	images := make(map[models.Provider]string)
	if cfg.Hetzner.Token != "" {
		providers = append(providers, client.NewHetznerClient(&cfg.Hetzner))
		images[models.ProviderHetzner] = cfg.Hetzner.ImageName
	}
	if cfg.Timeweb.Token != "" {
		providers = append(providers, client.NewTimewebClient(&cfg.Timeweb))
		images[models.ProviderTimeweb] = cfg.Timeweb.OSName
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no cloud provider configured")
	}

	dnsZone := client.NewCloudflareClient(cfg.DNS.CloudflareToken, cfg.DNS.Zone, cfg.DNS.RequestTimeout)
	panelAPI := client.NewMarzbanClient(cfg.Panel.RequestTimeout)

	// Operator actions and the reconciler share one lease source
	var locker repository.Locker = repository.NewAdvisoryLocker(pool)
	if cfg.Reconcile.Locker == "memory" {
		locker = repository.NewMemoryLocker(cfg.Reconcile.LeaseTTL)
	}

	// Initialize services
	dnsService := service.NewDNSService(dnsZone, cfg.DNS.Resolver, cfg.DNS.RequestTimeout)
	bootstrapService := service.NewBootstrapService(&cfg.Bootstrap, service.DialSSH)
	tokenService := service.NewTokenService(panelRepo, panelAPI, cfg.Panel.TokenTTL)
	faultService := service.NewFaultService(panelRepo, logRepo, locker)

	panelService := service.NewPanelService(
		serverRepo,
		panelRepo,
		bootstrapService,
		faultService,
		logRepo,
		models.PanelKind(cfg.Panel.Kind),
	)

	serverService := service.NewServerService(
		serverRepo,
		locationRepo,
		providers,
		images,
		dnsService,
		panelService,
		logRepo,
		locker,
		&cfg.Capacity,
	)

	loadSource := service.NewPanelLoadSource(serverRepo, panelRepo, panelAPI, tokenService, serverService)
	selector := service.NewSelector(panelRepo, loadSource, &cfg.Selector)
	panelUsers := service.NewPanelUsers(panelRepo, panelAPI, tokenService, faultService)

	reconciler := service.NewReconciler(serverRepo, panelRepo, serverService, panelService, locker, cfg.Reconcile.Interval)

	// Initialize HTTP server
	handler := http.NewHandler(
		serverRepo,
		panelRepo,
		locationRepo,
		logRepo,
		serverService,
		faultService,
		selector,
		reconciler,
		panelUsers,
		dnsService,
	)

	return &app{
		cfg:        cfg,
		pool:       pool,
		reconciler: reconciler,
		server:     http.NewServer(cfg, handler),
	}, nil
}
