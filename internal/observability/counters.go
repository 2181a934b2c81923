package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Hot-path counters. Created against the global meter provider, which
// delegates to the real provider once InitMetrics installs it, so
// package-level construction is safe.
var (
	meter = otel.Meter("flowplane-orchestrator")

	TasksClaimed    = counter("flowplane.tasks.claimed", "Successful lease acquisitions")
	StaleAttempts   = counter("flowplane.fencing.stale_attempts", "Fenced calls rejected because the attempt is no longer current")
	LeasesReaped    = counter("flowplane.leases.reaped", "Expired leases failed by the reaper")
	OutboxDelivered = counter("flowplane.outbox.delivered", "Outbox entries delivered")
	OutboxFailures  = counter("flowplane.outbox.delivery_failures", "Outbox delivery attempts that failed")
	GrantViolations = counter("flowplane.credentials.grant_violations", "Credential requests exceeding declared grants")
)

func counter(name, desc string) metric.Int64Counter {
	c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
	return c
}
