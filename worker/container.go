package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/GoCodeAlone/dispatch/task"
)

// ContainerExecutor runs each task in a fresh Docker container. The exit
// status follows the CommandExecutor contract.
type ContainerExecutor struct {
	Image   string
	Command []string
	Timeout time.Duration
	Network string // empty means the daemon default

	client client.APIClient
}

// NewContainerExecutor connects to the Docker daemon described by the
// DOCKER_* environment and fails when it does not answer a ping.
func NewContainerExecutor(ctx context.Context, img string, command []string) (*ContainerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker not available: %w", err)
	}
	return &ContainerExecutor{Image: img, Command: command, client: cli}, nil
}

func (c *ContainerExecutor) Execute(ctx context.Context, t *task.Task) error {
	if c.client == nil {
		return fmt.Errorf("container executor: docker not available")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	if err := c.ensureImage(ctx); err != nil {
		return fmt.Errorf("pull %s: %w", c.Image, err)
	}

	cfg := &container.Config{
		Image: c.Image,
		Cmd:   c.Command,
		Env:   taskEnv(t),
		Labels: map[string]string{
			"dispatch.task":   t.Code,
			"dispatch.worker": t.Owner,
		},
	}
	hostCfg := &container.HostConfig{}
	if c.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(c.Network)
	}
	resp, err := c.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
	}()

	waitCh, errCh := c.client.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)
	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}

	var code int64
	select {
	case res := <-waitCh:
		code = res.StatusCode
	case err := <-errCh:
		return fmt.Errorf("container wait: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
	switch code {
	case 0:
		return nil
	case exitYield:
		return ErrYield
	}
	if msg := c.stderr(resp.ID); msg != "" {
		return fmt.Errorf("%s exited with status %d: %s", c.Image, code, msg)
	}
	return fmt.Errorf("%s exited with status %d", c.Image, code)
}

// Close releases the Docker client.
func (c *ContainerExecutor) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *ContainerExecutor) ensureImage(ctx context.Context) error {
	if _, err := c.client.ImageInspect(ctx, c.Image); err == nil {
		return nil
	}
	reader, err := c.client.ImagePull(ctx, c.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (c *ContainerExecutor) stderr(id string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rc, err := c.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStderr: true})
	if err != nil {
		return ""
	}
	defer func() { _ = rc.Close() }()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return ""
	}
	return tail(stderr.String())
}
