// Package main is the entry point for the flowplane orchestrator.
// It hosts the HTTP API, the lifecycle manager, the outbox drainer, the
// event router and the lease reaper in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowplane/internal/captoken"
	"flowplane/internal/config"
	"flowplane/internal/controller"
	"flowplane/internal/credentials"
	"flowplane/internal/lifecycle"
	"flowplane/internal/logger"
	"flowplane/internal/observability"
	"flowplane/internal/outbox"
	"flowplane/internal/router"
	"flowplane/internal/store/postgres"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres (the "Store")
	pg, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pg.Close()

	if *migrateFlag {
		log.Println("Running database migrations...")
		if err := postgres.Migrate(pg.DB()); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations completed successfully")
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "flowplane-orchestrator", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics("flowplane-orchestrator")
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	registerGauges(pg)

	issuer, err := captoken.NewIssuer([]byte(cfg.TokenSigningKey), cfg.TokenTTL)
	if err != nil {
		log.Fatalf("Failed to create token issuer: %v", err)
	}

	manager := lifecycle.NewManager(pg, issuer, lifecycle.Config{
		DefaultLeaseDuration: cfg.DefaultLeaseDuration,
		DefaultMaxQueued:     cfg.DefaultMaxQueued,
		StorageBucket:        cfg.StorageBucket,
	}, slogger)

	// Event router feeds committed dataset versions back into task
	// creation for downstream consumer jobs.
	eventRouter := router.New(pg, manager, slogger)

	// The drainer turns committed outbox intents into wake-ups and
	// routed events.
	drainer := outbox.New(pg, eventRouter, outbox.Config{
		Interval: cfg.DrainerInterval,
	}, slogger)
	go func() {
		if err := drainer.Run(ctx); err != nil && ctx.Err() == nil {
			slogger.Error("drainer stopped", "error", err)
		}
	}()

	// The reaper recovers tasks from crashed or partitioned workers.
	reaper := lifecycle.NewReaper(pg, lifecycle.ReaperConfig{
		Interval: cfg.ReaperInterval,
	}, slogger)
	go func() {
		if err := reaper.Run(ctx); err != nil && ctx.Err() == nil {
			slogger.Error("reaper stopped", "error", err)
		}
	}()

	minter := credentials.NewSTSMinter(cfg.STSEndpoint, cfg.STSAccessKey, cfg.STSSecretKey)
	credsService := credentials.NewService(minter, cfg.CredentialTTL, slogger)

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, pg, manager, credsService, controller.Config{
		WorkerSharedSecret: cfg.WorkerSharedSecret,
	}, metricsHandler, slogger)

	go func() {
		log.Printf("Flowplane orchestrator starting on %s", addr)
		if err := srv.Run(ctx); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down orchestrator...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited properly")
}

// registerGauges wires async gauges that query the DB only when scraped.
func registerGauges(pg *postgres.Store) {
	meter := otel.Meter("flowplane-orchestrator")

	_, err := meter.Int64ObservableGauge("flowplane.wakeups.depth",
		metric.WithDescription("Current number of pending task wake-ups"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := pg.CountWakeups(ctx)
			if err != nil {
				log.Printf("Failed to count wakeup depth: %v", err)
				return nil // Don't crash metrics scrape on DB error
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		log.Printf("Failed to register wakeup depth metric: %v", err)
	}

	_, err = meter.Int64ObservableGauge("flowplane.outbox.pending",
		metric.WithDescription("Current number of pending outbox entries"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := pg.CountPendingOutbox(ctx)
			if err != nil {
				log.Printf("Failed to count pending outbox: %v", err)
				return nil
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		log.Printf("Failed to register outbox pending metric: %v", err)
	}
}
