// Package config handles environment variable loading for ports, database strings, etc.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP server port for the orchestrator
	HTTPPort int

	// Log level: debug, info, warn, error
	LogLevel string

	// OTLP collector address for traces
	OTELEndpoint string

	// Shared secret worker agents present to claim tasks
	WorkerSharedSecret string

	// Capability token signing key (HMAC, at least 32 bytes) and TTL
	TokenSigningKey string
	TokenTTL        time.Duration

	// STS endpoint and credentials for minting scoped storage creds
	STSEndpoint  string
	STSAccessKey string
	STSSecretKey string
	// Lifetime of minted storage credentials
	CredentialTTL time.Duration

	// Object storage bucket staging and scratch prefixes live under
	StorageBucket string

	// Lifecycle tuning
	DefaultLeaseDuration time.Duration
	DefaultMaxQueued     int
	ReaperInterval       time.Duration
	DrainerInterval      time.Duration

	// Worker-specific configuration
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	// Sandbox runtime for untrusted bundles: docker or kubernetes
	WorkerSandbox string
	// Kubernetes runtime settings
	KubernetesNamespace      string
	KubernetesServiceAccount string
	KubernetesCPULimit       string
	KubernetesMemoryLimit    string

	// URL of the orchestrator (e.g., "http://localhost:7070")
	OrchestratorURL string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbUrl := os.Getenv("DATABASE_URL")
	if dbUrl == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	port, err := envInt("PORT", 7070)
	if err != nil {
		return nil, err
	}

	tokenTTL, err := envDuration("TOKEN_TTL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	credTTL, err := envDuration("CREDENTIAL_TTL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	leaseDuration, err := envDuration("DEFAULT_LEASE_DURATION", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	maxQueued, err := envInt("DEFAULT_MAX_QUEUED", 1000)
	if err != nil {
		return nil, err
	}
	reaperInterval, err := envDuration("REAPER_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	drainerInterval, err := envDuration("DRAINER_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}

	concurrency, err := envInt("WORKER_CONCURRENCY", 1)
	if err != nil {
		return nil, err
	}
	pollInterval, err := envDuration("WORKER_POLL_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}

	orchestratorURL := os.Getenv("ORCHESTRATOR_URL")
	if orchestratorURL == "" {
		orchestratorURL = "http://localhost:7070"
	}

	bucket := os.Getenv("STORAGE_BUCKET")
	if bucket == "" {
		bucket = "flowplane"
	}

	return &Config{
		DatabaseURL:              dbUrl,
		HTTPPort:                 port,
		LogLevel:                 os.Getenv("LOG_LEVEL"),
		OTELEndpoint:             envDefault("OTEL_ENDPOINT", "localhost:4317"),
		WorkerSharedSecret:       os.Getenv("WORKER_SHARED_SECRET"),
		TokenSigningKey:          os.Getenv("TOKEN_SIGNING_KEY"),
		TokenTTL:                 tokenTTL,
		STSEndpoint:              os.Getenv("STS_ENDPOINT"),
		STSAccessKey:             os.Getenv("STS_ACCESS_KEY"),
		STSSecretKey:             os.Getenv("STS_SECRET_KEY"),
		CredentialTTL:            credTTL,
		StorageBucket:            bucket,
		DefaultLeaseDuration:     leaseDuration,
		DefaultMaxQueued:         maxQueued,
		ReaperInterval:           reaperInterval,
		DrainerInterval:          drainerInterval,
		WorkerConcurrency:        concurrency,
		WorkerPollInterval:       pollInterval,
		WorkerSandbox:            envDefault("WORKER_SANDBOX", "docker"),
		KubernetesNamespace:      os.Getenv("KUBERNETES_NAMESPACE"),
		KubernetesServiceAccount: os.Getenv("KUBERNETES_SERVICE_ACCOUNT"),
		KubernetesCPULimit:       os.Getenv("KUBERNETES_CPU_LIMIT"),
		KubernetesMemoryLimit:    os.Getenv("KUBERNETES_MEMORY_LIMIT"),
		OrchestratorURL:          orchestratorURL,
	}, nil
}

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return parsed, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return parsed, nil
}
