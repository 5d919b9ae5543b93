// Package docker runs capture-engine containers through the Docker Engine
// API. Each job attempt acquires its own client so that a wedged daemon
// connection cannot poison later captures.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/ajmather/captureq/internal/capture"
)

// Provider implements capture.RuntimeProvider with fresh Docker clients.
type Provider struct {
	host string
}

// NewProvider builds a provider; host may be empty to use the environment
// (DOCKER_HOST et al).
func NewProvider(host string) *Provider {
	return &Provider{host: host}
}

// Acquire connects to the Docker daemon and verifies it responds.
func (p *Provider) Acquire(ctx context.Context) (capture.ContainerRuntime, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if p.host != "" {
		opts = append(opts, client.WithHost(p.host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: new client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker: ping: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// Runtime wraps one Docker client connection.
type Runtime struct {
	cli *client.Client
}

// CreateContainer creates a container from the spec without starting it.
func (r *Runtime) CreateContainer(ctx context.Context, spec capture.ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Env:        spec.Env,
		Entrypoint: spec.Entrypoint,
		Cmd:        spec.Cmd,
	}
	hostCfg := &container.HostConfig{
		Binds: spec.Binds,
	}
	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("docker: create container: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("docker: start container %s: %w", id, err)
	}
	return nil
}

// StopContainer stops the container, waiting at most timeout before the
// daemon kills it. A zero timeout kills immediately.
func (r *Runtime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("docker: stop container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer deletes the container and its filesystem.
func (r *Runtime) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil {
		return fmt.Errorf("docker: remove container %s: %w", id, err)
	}
	return nil
}

// WaitContainer blocks until the container exits and returns its exit code.
func (r *Runtime) WaitContainer(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("docker: wait container %s: %s", id, status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return 0, fmt.Errorf("docker: wait container %s: %w", id, err)
	}
}

// StreamLogs follows the container's stdout. Docker multiplexes stdout and
// stderr on one connection, so the stream is demuxed through a pipe.
func (r *Runtime) StreamLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	raw, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: logs for container %s: %w", id, err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer raw.Close()
		_, err := stdcopy.StdCopy(pw, io.Discard, raw)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// ContainerStderr collects everything the container wrote to stderr.
func (r *Runtime) ContainerStderr(ctx context.Context, id string) (string, error) {
	raw, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("docker: stderr for container %s: %w", id, err)
	}
	defer raw.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(io.Discard, &buf, raw); err != nil {
		return "", fmt.Errorf("docker: demux stderr for container %s: %w", id, err)
	}
	return buf.String(), nil
}

// Close releases the client connection.
func (r *Runtime) Close() error {
	return r.cli.Close()
}
