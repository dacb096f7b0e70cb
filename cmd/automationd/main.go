// Command automationd runs the seller-automation engine as a standalone
// process: it loads configuration, builds the Application (scheduler,
// executor, rate limiter, circuit breaker, categorizer, retry/DLQ, sync
// coordinator, webhook ingestor, audit log), starts every subsystem, and
// blocks until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	app "github.com/resaleflow/automation-core/internal/app"
	"github.com/resaleflow/automation-core/internal/app/storage"
	"github.com/resaleflow/automation-core/internal/app/storage/postgres"
	"github.com/resaleflow/automation-core/pkg/config"
	"github.com/resaleflow/automation-core/pkg/logger"
)

func main() {
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to a YAML configuration file")
	applySchema := flag.Bool("apply-schema", true, "create tables if missing on startup (ignored for in-memory storage)")
	metricsAddr := flag.String("metrics-addr", ":9090", "listen address for the Prometheus /metrics endpoint")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog := logger.New(logger.LoggingConfig(cfg.Logging))

	var store storage.Store
	if dsnVal := resolveDSN(*dsn, cfg); dsnVal != "" {
		pg, err := postgres.New(dsnVal, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		defer pg.Close()
		if *applySchema {
			if err := pg.ApplySchema(context.Background()); err != nil {
				log.Fatalf("apply schema: %v", err)
			}
		}
		store = pg
	}

	// Real marketplace wire protocols are an external collaborator (spec.md
	// §1); a deployment wires its own MarketplaceClient implementations here.
	// With none configured the process still runs the Scheduler, Webhook
	// Ingestor, and Sync Coordinator against the store; a firing against an
	// unregistered marketplace is not attempted: the Runner disables its rule
	// and logs a failed entry with reason unsupported_marketplace.
	clients := app.Clients{}

	application, err := app.New(cfg, store, clients, appLog)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: application.Metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.WithError(err).Error("metrics server stopped")
		}
	}()

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	appLog.WithField("metrics_addr", *metricsAddr).Info("automationd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	return config.Load()
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if cfg == nil {
		return ""
	}
	if cfg.Database.DSN != "" {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}
