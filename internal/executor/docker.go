package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	containerWorkdir  = "/workspace"
	containerTaskFile = containerWorkdir + "/.agentq/task.md"
)

// DockerConfig configures the sandbox container.
type DockerConfig struct {
	Image    string
	MemoryMB int64
	Network  string
}

// DockerRunner runs each command in an ephemeral container with the
// request directory bind-mounted at /workspace. Docker cannot feed stdin to
// a detached container, so the request's stdin is written to
// .agentq/task.md inside the workspace and redirected into the command.
type DockerRunner struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
}

func NewDockerRunner(cfg DockerConfig) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "alpine:3.20"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.Network == "" {
		cfg.Network = "none"
	}
	return &DockerRunner{
		client:      cli,
		image:       cfg.Image,
		memoryBytes: cfg.MemoryMB * 1024 * 1024,
		networkMode: cfg.Network,
	}, nil
}

// containerSpec builds the container and host configuration for req.
func (d *DockerRunner) containerSpec(req Request) (*container.Config, *container.HostConfig) {
	env := append([]string{
		"AGENTQ_COMMAND=" + req.Command,
		"AGENTQ_TASK_FILE=" + containerTaskFile,
	}, req.Env...)
	cfg := &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", `sh -c "$AGENTQ_COMMAND" < "$AGENTQ_TASK_FILE"`},
		Env:        env,
		WorkingDir: containerWorkdir,
		Tty:        false,
	}
	host := &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:%s", req.Dir, containerWorkdir)},
	}
	return cfg, host
}

func (d *DockerRunner) Run(ctx context.Context, req Request) (Output, error) {
	if req.Dir == "" {
		return Output{ExitCode: -1}, fmt.Errorf("docker runner: workspace dir is required")
	}
	taskFile := filepath.Join(req.Dir, ".agentq", "task.md")
	if err := os.MkdirAll(filepath.Dir(taskFile), 0o755); err != nil {
		return Output{ExitCode: -1}, fmt.Errorf("prepare task file: %w", err)
	}
	if err := os.WriteFile(taskFile, []byte(req.Stdin), 0o644); err != nil {
		return Output{ExitCode: -1}, fmt.Errorf("write task file: %w", err)
	}

	cfg, host := d.containerSpec(req)
	resp, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return Output{ExitCode: -1}, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	// Removal happens after the logs are read, so it cannot use AutoRemove.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Output{ExitCode: -1}, fmt.Errorf("start container: %w", err)
	}

	out := Output{}
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return Output{ExitCode: -1}, ctx.Err()
		}
		return Output{ExitCode: -1}, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		out.ExitCode = int(status.StatusCode)
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.client.ContainerKill(killCtx, containerID, "SIGKILL")
		return Output{ExitCode: -1, Stderr: "command timed out"}, ctx.Err()
	}

	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return out, fmt.Errorf("get logs: %w", err)
	}
	defer logs.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, logs)
	out.Stdout, out.Stderr = stdoutBuf.String(), stderrBuf.String()
	return out, nil
}

// Ping checks that the docker daemon answers.
func (d *DockerRunner) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close closes the docker client.
func (d *DockerRunner) Close() error {
	return d.client.Close()
}
