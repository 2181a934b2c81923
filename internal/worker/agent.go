// Package worker contains the worker agent that executes task attempts.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"flowplane/internal/store"
	"flowplane/internal/worker/runtime"
	"flowplane/pkg/api"
	"flowplane/pkg/client"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                string
	Concurrency       int
	PollInterval      time.Duration
	MaxBackoff        time.Duration // Maximum backoff when queue is empty (default: 30s)
	HeartbeatInterval time.Duration // Interval between heartbeat calls (default: 1m)
	// WakeupInvisibility is how long a dequeued wakeup stays hidden from
	// other workers before it is redelivered (default: 30s).
	WakeupInvisibility time.Duration
	// DefaultTimeout bounds executions whose job declares no timeout.
	DefaultTimeout time.Duration
}

// Queue is the wakeup queue surface the agent polls. Wake-ups are
// hints, not authorization: execution begins only after a claim wins.
type Queue interface {
	DequeueWakeups(ctx context.Context, limit int, invisibility time.Duration) ([]store.Wakeup, error)
	DeleteWakeup(ctx context.Context, id int64) error
}

// API is the orchestrator surface the agent talks to.
// *client.Client satisfies this.
type API interface {
	ClaimTask(ctx context.Context, taskID string, req api.ClaimRequest) (*api.ClaimResponse, error)
	Heartbeat(ctx context.Context, taskID string, req api.HeartbeatRequest) (*api.HeartbeatResponse, error)
	Complete(ctx context.Context, taskID string, req api.CompleteRequest) error
}

// Agent is the main worker agent that runs the pull-loop for task
// execution.
type Agent struct {
	queue    Queue
	api      API
	runtimes map[store.TrustClass]runtime.Runtime
	config   AgentConfig
	log      *slog.Logger
	done     chan struct{}
}

// New creates a new worker agent. The runtimes map decides where each
// trust class executes; a missing entry fails the attempt up front.
func New(q Queue, apiClient API, runtimes map[store.TrustClass]runtime.Runtime, config AgentConfig, log *slog.Logger) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 1 * time.Minute
	}
	if config.WakeupInvisibility <= 0 {
		config.WakeupInvisibility = 30 * time.Second
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Minute
	}

	return &Agent{
		queue:    q,
		api:      apiClient,
		runtimes: runtimes,
		config:   config,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On SIGTERM, it stops dequeuing new work and allows in-flight attempts to finish.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting", "worker_id", a.config.ID, "concurrency", a.config.Concurrency)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("context cancelled, waiting for running attempts to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			wakeups, err := a.queue.DequeueWakeups(ctx, availableSlots, a.config.WakeupInvisibility)
			if err != nil {
				a.log.Error("wakeup dequeue failed", "error", err)
				continue
			}

			if len(wakeups) == 0 {
				// Empty queue - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			// Found work - reset backoff to minimum
			currentBackoff = a.config.PollInterval

			for _, w := range wakeups {
				sem <- struct{}{}

				wg.Add(1)
				go func(w store.Wakeup) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					a.processWakeup(ctx, w)
				}(w)
			}

			if len(wakeups) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// processWakeup attempts to claim the task behind a wakeup and, on
// winning, executes the attempt. Losing the claim is normal under
// duplicate delivery: the wakeup is dropped and nothing runs.
func (a *Agent) processWakeup(ctx context.Context, w store.Wakeup) {
	taskID := w.TaskID.String()

	claim, err := a.api.ClaimTask(ctx, taskID, api.ClaimRequest{WorkerID: a.config.ID})
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.StatusCode {
			case http.StatusConflict, http.StatusNotFound:
				// Claimed elsewhere, terminal, or not yet retryable.
				a.deleteWakeup(ctx, w.ID)
				return
			}
		}
		// Transient failure: leave the wakeup for redelivery.
		a.log.Warn("claim failed", "task_id", taskID, "error", err)
		return
	}

	// The claim is won; the wakeup served its purpose.
	a.deleteWakeup(ctx, w.ID)
	a.runAttempt(ctx, taskID, claim)
}

func (a *Agent) deleteWakeup(ctx context.Context, id int64) {
	if err := a.queue.DeleteWakeup(context.WithoutCancel(ctx), id); err != nil {
		a.log.Warn("failed to delete wakeup", "wakeup_id", id, "error", err)
	}
}

// runAttempt executes one claimed attempt end to end.
func (a *Agent) runAttempt(ctx context.Context, taskID string, claim *api.ClaimResponse) {
	tracer := otel.Tracer("worker-agent")
	spanCtx, span := tracer.Start(ctx, "run_attempt",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("task.attempt", claim.Attempt),
			attribute.String("task.operator", claim.Operator),
			attribute.String("task.trust_class", claim.TrustClass),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	log := a.log.With("task_id", taskID, "attempt", claim.Attempt)

	rt, ok := a.runtimes[store.TrustClass(claim.TrustClass)]
	if !ok {
		a.reportFailure(spanCtx, taskID, claim, fmt.Sprintf("no runtime for trust class %q", claim.TrustClass))
		return
	}

	timeout := a.config.DefaultTimeout
	if claim.TimeoutSecs > 0 {
		timeout = time.Duration(claim.TimeoutSecs) * time.Second
	}

	// Execution context is independent of the poll context so a SIGTERM
	// drains gracefully, but is cancelled when the lease is lost.
	execCtx, cancelExec := context.WithTimeout(context.WithoutCancel(spanCtx), timeout)
	defer cancelExec()

	handle, err := rt.Start(execCtx, runtime.StartOptions{
		Operator: claim.Operator,
		Command:  claim.Command,
		Env:      a.attemptEnv(taskID, claim),
		TaskID:   taskID,
		Attempt:  claim.Attempt,
		Timeout:  timeout,
	})
	if err != nil {
		span.RecordError(err)
		a.reportFailure(spanCtx, taskID, claim, fmt.Sprintf("failed to start runtime: %v", err))
		return
	}

	// Heartbeat until the attempt finishes. A fencing rejection means
	// the lease is gone: cancel execution immediately.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.WithoutCancel(spanCtx))
	defer cancelHeartbeat()
	go a.runHeartbeat(heartbeatCtx, taskID, claim, cancelExec)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.relayLogs(execCtx, log, handle)
	}()

	result, err := handle.Wait(execCtx)
	cancelHeartbeat()
	wg.Wait()

	if err != nil {
		span.RecordError(err)
		if execCtx.Err() != nil {
			// Timeout or lost lease: stop the runtime hard.
			stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(spanCtx), 10*time.Second)
			defer stopCancel()
			handle.Stop(stopCtx)
		}
		if execCtx.Err() == context.DeadlineExceeded {
			a.reportFailure(spanCtx, taskID, claim, fmt.Sprintf("execution timed out after %v", timeout))
		}
		// Lease lost: the orchestrator has already moved on, report nothing.
		return
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))

	if result.ExitCode == 0 {
		// A well-behaved operator reports its own staged outputs through
		// the complete endpoint before exiting; this call then finds a
		// finalized task and gets a conflict, which is benign. For
		// operators that only exit 0, this finalizes with no outputs.
		err := a.api.Complete(context.WithoutCancel(spanCtx), taskID, api.CompleteRequest{
			Attempt:    claim.Attempt,
			LeaseToken: claim.LeaseToken,
			Success:    true,
		})
		if err != nil && !isConflict(err) {
			log.Error("failed to report completion", "error", err)
			return
		}
		log.Info("attempt completed", "exit_code", 0)
		return
	}

	errorMessage := fmt.Sprintf("exit code %d", result.ExitCode)
	if result.Error != nil {
		errorMessage = result.Error.Error()
		span.RecordError(result.Error)
	}
	a.reportFailure(spanCtx, taskID, claim, errorMessage)
}

// attemptEnv is the contract between the agent and the operator: the
// capability token plus the granted prefixes, nothing broader.
func (a *Agent) attemptEnv(taskID string, claim *api.ClaimResponse) map[string]string {
	env := map[string]string{
		"FLOWPLANE_TASK_ID":          taskID,
		"FLOWPLANE_ATTEMPT":          fmt.Sprintf("%d", claim.Attempt),
		"FLOWPLANE_LEASE_TOKEN":      claim.LeaseToken,
		"FLOWPLANE_CAPABILITY_TOKEN": claim.CapabilityToken,
		"FLOWPLANE_OUTPUT_PREFIX":    claim.Grants.OutputPrefix,
		"FLOWPLANE_SCRATCH_PREFIX":   claim.Grants.ScratchPrefix,
	}
	if len(claim.Grants.InputPrefixes) > 0 {
		env["FLOWPLANE_INPUT_PREFIXES"] = strings.Join(claim.Grants.InputPrefixes, ",")
	}
	if len(claim.Payload) > 0 {
		env["FLOWPLANE_PAYLOAD"] = string(claim.Payload)
	}
	return env
}

func (a *Agent) reportFailure(ctx context.Context, taskID string, claim *api.ClaimResponse, message string) {
	err := a.api.Complete(context.WithoutCancel(ctx), taskID, api.CompleteRequest{
		Attempt:      claim.Attempt,
		LeaseToken:   claim.LeaseToken,
		Success:      false,
		ErrorMessage: message,
	})
	if err != nil && !isConflict(err) {
		a.log.Error("failed to report failure", "task_id", taskID, "error", err)
	}
}

// isConflict reports whether the error is a fencing rejection: the
// attempt is stale or already finalized, so there is nothing to report.
func isConflict(err error) bool {
	var apiErr *client.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// runHeartbeat extends the lease periodically while an attempt is
// executing. A 409 means the lease is lost (stale attempt or canceled):
// the execution is cancelled rather than allowed to finish and commit.
func (a *Agent) runHeartbeat(ctx context.Context, taskID string, claim *api.ClaimResponse, cancelExec context.CancelFunc) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := a.api.Heartbeat(ctx, taskID, api.HeartbeatRequest{
				Attempt:    claim.Attempt,
				LeaseToken: claim.LeaseToken,
			})
			if err == nil {
				continue
			}
			if isConflict(err) {
				a.log.Warn("lease lost, aborting execution", "task_id", taskID, "attempt", claim.Attempt)
				cancelExec()
				return
			}
			a.log.Warn("heartbeat failed", "task_id", taskID, "error", err)
		}
	}
}

// relayLogs copies the runtime's output into the agent's structured
// log, line by line.
func (a *Agent) relayLogs(ctx context.Context, log *slog.Logger, handle runtime.Handle) {
	rc, err := handle.StreamLogs(ctx)
	if err != nil {
		log.Warn("failed to open log stream", "error", err)
		return
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		line := strings.ReplaceAll(scanner.Text(), "\x00", "")
		log.Info("operator", "line", line)
	}
}
