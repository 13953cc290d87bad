package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chis/portwatch/internal/api"
	"github.com/chis/portwatch/internal/logging"
	"github.com/chis/portwatch/internal/query"
)

// runServeCommand starts the full service: background refresh scheduler,
// notification worker, and HTTP API.
func runServeCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", configPath(), "Path to the YAML config file")
	listenAddr := fs.String("listen", "", "HTTP listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := wireServices(*cfgPath)
	if err != nil {
		return err
	}
	defer svc.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.notifier.Start(ctx)

	if interval := svc.cfg.RefreshInterval.Std(); interval > 0 {
		scheduler := query.NewScheduler(svc.queries, interval)
		go scheduler.Run(ctx)
		logging.Info("background refresh every %s", interval)
	}

	addr := svc.cfg.ListenAddr
	if *listenAddr != "" {
		addr = *listenAddr
	}

	server := api.NewServer(api.Config{
		ListenAddr: addr,
		Queries:    svc.queries,
		Upgrader:   svc.upgrades,
		Notifier:   svc.notifier,
		Resolver:   svc.resolver,
		Store:      svc.store,
		Bus:        svc.bus,
		Instances:  svc.instances,
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	logging.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
