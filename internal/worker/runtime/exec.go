package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// ExecRuntime implements the Runtime interface using raw OS processes.
// Reserved for trusted operators: the process runs with the worker's
// own privileges, no sandbox.
type ExecRuntime struct{}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime() *ExecRuntime {
	return &ExecRuntime{}
}

// ExecHandle represents a running process.
type ExecHandle struct {
	cmd    *exec.Cmd
	logs   io.ReadCloser
	done   chan struct{}
	result ExitResult
}

// Start implements Runtime.Start using os/exec. The operator reference
// is the executable; Command supplies its arguments.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Operator == "" {
		return nil, fmt.Errorf("exec runtime requires an executable operator reference")
	}

	cmd := exec.Command(opts.Operator, opts.Command...)
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	// Own process group so Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &ExecHandle{
		cmd:  cmd,
		logs: stdout,
		done: make(chan struct{}),
	}
	go func() {
		h.result = resultFromWait(cmd, cmd.Wait())
		close(h.done)
	}()
	return h, nil
}

// Wait blocks until the process exits.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func resultFromWait(cmd *exec.Cmd, err error) ExitResult {
	if err == nil {
		return ExitResult{ExitCode: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return ExitResult{ExitCode: exitErr.ExitCode(), Error: err}
	}
	return ExitResult{ExitCode: -1, Error: err}
}

// Stop terminates the process group.
func (h *ExecHandle) Stop(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	// Negative pid signals the whole group.
	return syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
}

// StreamLogs returns the combined stdout/stderr of the process.
func (h *ExecHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.logs, nil
}
