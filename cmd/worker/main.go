// Package main is the entry point for the flowplane worker.
// The worker polls the wake-up queue, claims tasks through the
// orchestrator API and executes operator attempts in the runtime
// matching each job's trust class.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"flowplane/internal/config"
	"flowplane/internal/logger"
	"flowplane/internal/observability"
	"flowplane/internal/store"
	"flowplane/internal/store/postgres"
	"flowplane/internal/worker"
	"flowplane/internal/worker/runtime"
	"flowplane/pkg/client"

	"github.com/google/uuid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "flowplane-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// The worker polls the wake-up queue straight from Postgres; claims
	// and all lifecycle mutation go through the orchestrator API.
	pg, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pg.Close()

	apiClient := client.New(cfg.OrchestratorURL, cfg.WorkerSharedSecret)

	// Trusted operators run as plain processes; untrusted bundles go to
	// the configured sandbox.
	runtimes := map[store.TrustClass]runtime.Runtime{
		store.TrustTrustedOperator: runtime.NewExecRuntime(),
	}
	switch cfg.WorkerSandbox {
	case "kubernetes":
		k8sRT, err := runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Namespace:          cfg.KubernetesNamespace,
			ServiceAccount:     cfg.KubernetesServiceAccount,
			DefaultCPULimit:    cfg.KubernetesCPULimit,
			DefaultMemoryLimit: cfg.KubernetesMemoryLimit,
		})
		if err != nil {
			log.Fatalf("Failed to create Kubernetes runtime: %v", err)
		}
		runtimes[store.TrustUntrustedBundle] = k8sRT
		log.Printf("Using kubernetes sandbox (namespace: %s)", cfg.KubernetesNamespace)
	case "docker":
		fallthrough
	default:
		dockerRT, err := runtime.NewDockerRuntime()
		if err != nil {
			log.Fatalf("Failed to create Docker runtime: %v", err)
		}
		runtimes[store.TrustUntrustedBundle] = dockerRT
		log.Println("Using docker sandbox")
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}

	agent := worker.New(pg, apiClient, runtimes, worker.AgentConfig{
		ID:           workerID,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
	}, slogger)

	log.Printf("Worker %s started with concurrency %d", workerID, cfg.WorkerConcurrency)
	go agent.Run(ctx)

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics("flowplane-worker")
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	// Start a dedicated metrics server on port 7071
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		log.Println("Worker metrics listening on :7071")
		if err := http.ListenAndServe(":7071", mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	<-agent.Done()
}
