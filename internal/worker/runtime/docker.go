package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerRuntime implements the Runtime interface using the Docker SDK.
// Untrusted operator bundles run here: the container gets only the
// capability token and prefixes in its environment, never broad
// credentials.
type DockerRuntime struct {
	client *client.Client
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      *client.Client
	containerID string
}

const stopGraceSecs = 5

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// attemptLabels tags a sandbox with the attempt it runs, so containers
// and pods can be traced back to a task and attempt.
func attemptLabels(prefix string, opts StartOptions) map[string]string {
	return map[string]string{
		prefix + "managed-by": "flowplane-worker",
		prefix + "task-id":    opts.TaskID,
		prefix + "attempt":    strconv.Itoa(opts.Attempt),
	}
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime() (*DockerRuntime, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Start implements Runtime.Start using Docker containers. The operator
// reference is the image.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	// Check if the image exists locally first to save time.
	_, err := d.client.ImageInspect(ctx, opts.Operator)
	if err != nil {
		reader, err := d.client.ImagePull(ctx, opts.Operator, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", opts.Operator, err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	containerConfig := &container.Config{
		Image:  opts.Operator,
		Cmd:    opts.Command,
		Env:    mapToEnvList(opts.Env),
		Tty:    true,
		Labels: attemptLabels("io.flowplane.", opts),
	}
	// Grace period before a stop escalates to SIGKILL. The execution
	// deadline itself is enforced through the Start context; the daemon
	// has no server-side equivalent of a pod deadline.
	stopGrace := stopGraceSecs
	containerConfig.StopTimeout = &stopGrace
	containerResponse, err := d.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, containerResponse.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &DockerHandle{
		client:      d.client,
		containerID: containerResponse.ID,
	}, nil
}

func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		if status.Error != nil {
			return ExitResult{
					ExitCode: int(status.StatusCode),
					Error:    fmt.Errorf("%s", status.Error.Message),
				},
				nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *DockerHandle) Stop(ctx context.Context) error {
	grace := stopGraceSecs
	return h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &grace})
}

func (h *DockerHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}
