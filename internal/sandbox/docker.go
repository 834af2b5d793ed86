// Package sandbox runs untrusted quick_dispatch commands in an ephemeral,
// network-isolated Docker container instead of directly on the host.
package sandbox

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSandbox manages ephemeral containers for command execution.
type DockerSandbox struct {
	client      *client.Client
	image       string
	memoryMB    int64
	networkMode string
}

// NewDockerSandbox creates a new sandbox manager. image defaults to
// "alpine:latest" and networkMode to "none" (no outbound network) when unset.
func NewDockerSandbox(image string, memoryMB int64, networkMode string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if image == "" {
		image = "alpine:latest"
	}
	if memoryMB <= 0 {
		memoryMB = 256
	}
	if networkMode == "" {
		networkMode = "none"
	}

	return &DockerSandbox{
		client:      cli,
		image:       image,
		memoryMB:    memoryMB * 1024 * 1024,
		networkMode: networkMode,
	}, nil
}

// Exec runs cmd in an ephemeral container with workDir bind-mounted at
// /workspace, and returns its combined output and exit code.
func (d *DockerSandbox) Exec(ctx context.Context, cmd, workDir string) (output string, exitCode int, err error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryMB,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workDir)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(ctx, containerID, "SIGKILL")
		return "", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	combined := stdoutBuf.String()
	if stderrBuf.Len() > 0 {
		combined += stderrBuf.String()
	}
	return combined, exitCode, nil
}

// Close closes the underlying docker client.
func (d *DockerSandbox) Close() error {
	return d.client.Close()
}
