// Package runtime provides the Runtime interface for operator execution backends.
package runtime

import (
	"context"
	"io"
	"time"
)

// Runtime defines the interface for executing operators.
// Implementations include raw process execution for trusted operators,
// and Docker or Kubernetes for untrusted bundles.
type Runtime interface {
	// Start begins execution of an operator and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting an operator.
type StartOptions struct {
	// Operator is the implementation reference: a container image for
	// sandboxed runtimes, or an executable path for process execution.
	Operator string
	Command  []string
	Env      map[string]string

	// TaskID and Attempt identify the execution. Sandboxed runtimes
	// record them as container and pod labels.
	TaskID  string
	Attempt int

	// Timeout bounds the execution. The agent enforces it through the
	// context; sandboxed runtimes additionally enforce it on their own
	// side so a dead agent cannot leave a runaway sandbox.
	Timeout time.Duration
}

// ExitResult is the outcome of a finished execution.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running operator execution.
type Handle interface {
	// Wait blocks until the execution completes.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the execution.
	Stop(ctx context.Context) error

	// StreamLogs returns a reader for the execution's stdout/stderr.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)
}
