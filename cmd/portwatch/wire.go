package main

import (
	"fmt"
	"os"
	"time"

	"github.com/chis/portwatch/internal/config"
	"github.com/chis/portwatch/internal/events"
	"github.com/chis/portwatch/internal/logging"
	"github.com/chis/portwatch/internal/notify"
	"github.com/chis/portwatch/internal/portainer"
	"github.com/chis/portwatch/internal/query"
	"github.com/chis/portwatch/internal/registry"
	"github.com/chis/portwatch/internal/storage"
	"github.com/chis/portwatch/internal/updates"
	"github.com/chis/portwatch/internal/upgrade"
)

// services holds everything a command needs after wiring.
type services struct {
	cfg       *config.Config
	store     storage.Store
	bus       *events.Bus
	clients   map[string]*portainer.Client
	resolver  *registry.Client
	checker   *updates.Checker
	notifier  *notify.Service
	queries   *query.Service
	upgrades  *upgrade.Orchestrator
	instances []string
}

func (s *services) close() {
	if s.notifier != nil {
		s.notifier.Stop()
	}
	if s.store != nil {
		s.store.Close()
	}
}

// configPath resolves the YAML config location.
func configPath() string {
	if path := os.Getenv("PORTWATCH_CONFIG"); path != "" {
		return path
	}
	return "/data/portwatch.yaml"
}

// wireServices builds the full service graph from configuration.
func wireServices(path string) (*services, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	result := cfg.Validate()
	for _, warning := range result.Warnings {
		logging.Warn("config: %s", warning)
	}
	if !result.IsValid() {
		for _, msg := range result.Errors {
			logging.Error("config: %s", msg)
		}
		return nil, fmt.Errorf("invalid configuration (%d errors)", len(result.Errors))
	}

	logger := logging.Default()
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger.SetJSON(cfg.LogFormat == "json")

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", cfg.DBPath, err)
	}

	bus := events.NewBus()

	clients := make(map[string]*portainer.Client, len(cfg.Instances))
	var instances []string
	for _, inst := range cfg.Instances {
		var opts []portainer.ClientOption
		if inst.APIKey != "" {
			opts = append(opts, portainer.WithAPIKey(inst.APIKey))
		} else {
			opts = append(opts, portainer.WithCredentials(inst.Username, inst.Password))
		}
		clients[inst.URL] = portainer.NewClient(inst.URL, opts...)
		instances = append(instances, inst.URL)
	}

	resolver := registry.NewClient(registry.WithRequestsPerSecond(float64(cfg.RegistryRPS)))
	checker := updates.NewChecker(resolver, cfg.CacheTTL.Std())

	var webhooks []notify.Webhook
	for _, hook := range cfg.Webhooks {
		webhooks = append(webhooks, notify.Webhook{Name: hook.Name, URL: hook.URL})
	}
	notifier := notify.NewService(store, bus, webhooks,
		notify.WithQueueSize(cfg.NotifyQueueSize),
		notify.WithVersionDedupWindow(time.Duration(cfg.VersionDedupDays)*24*time.Hour))

	queryClients := make(map[string]query.PortainerAPI, len(clients))
	for url, client := range clients {
		queryClients[url] = client
	}
	queries := query.NewService(queryClients, checker, store, notifier, bus, cfg.Concurrency)

	upgradeClients := make(map[string]upgrade.PortainerAPI, len(clients))
	for url, client := range clients {
		upgradeClients[url] = client
	}
	rebase := func(instanceURL, directURL string) upgrade.PortainerAPI {
		if client, ok := clients[instanceURL]; ok {
			return client.WithBaseURL(directURL)
		}
		return portainer.NewClient(directURL)
	}
	upgradeCfg := upgrade.DefaultConfig()
	upgradeCfg.ProxyImagePattern = cfg.Upgrade.ProxyImagePattern
	upgradeCfg.ProxyFallbackURL = cfg.Upgrade.ProxyFallbackURL
	upgradeCfg.AllowIPScan = cfg.Upgrade.AllowIPScan
	upgradeCfg.StopTimeoutSeconds = cfg.Upgrade.StopTimeoutSeconds
	upgrades := upgrade.NewOrchestrator(upgradeClients, rebase, checker, store, bus, upgradeCfg)

	return &services{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		clients:   clients,
		resolver:  resolver,
		checker:   checker,
		notifier:  notifier,
		queries:   queries,
		upgrades:  upgrades,
		instances: instances,
	}, nil
}
