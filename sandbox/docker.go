package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	"go.uber.org/zap"
)

const cpuPeriod = 100000

var errExecRunning = errors.New("exec still running")

// DockerRuntime implements Runtime on top of the Docker Engine API.
type DockerRuntime struct {
	logger    *zap.Logger
	client    *client.Client
	pullImage bool
}

// DockerRuntimeOption defines a functional option for DockerRuntime
type DockerRuntimeOption func(*DockerRuntime)

// WithDockerClient sets the Docker API client instead of one built from the environment
func WithDockerClient(cli *client.Client) DockerRuntimeOption {
	return func(d *DockerRuntime) {
		d.client = cli
	}
}

// WithImagePull enables pulling images that are missing locally
func WithImagePull(enabled bool) DockerRuntimeOption {
	return func(d *DockerRuntime) {
		d.pullImage = enabled
	}
}

// NewDockerRuntime creates a DockerRuntime. Without WithDockerClient the client
// is configured from DOCKER_HOST and friends with API version negotiation.
func NewDockerRuntime(logger *zap.Logger, opts ...DockerRuntimeOption) (*DockerRuntime, error) {
	d := &DockerRuntime{logger: logger}
	for _, opt := range opts {
		opt(d)
	}

	if d.client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create Docker client: %w", err)
		}
		d.client = cli
	}

	return d, nil
}

// Close releases the underlying API client.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// Create creates and starts a container.
func (d *DockerRuntime) Create(ctx context.Context, opts CreateOptions) (string, error) {
	if d.pullImage {
		if err := d.ensureImage(ctx, opts.Image); err != nil {
			return "", err
		}
	}

	containerCfg, hostCfg, err := buildContainerConfig(opts)
	if err != nil {
		return "", err
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			d.logger.Warn("failed to remove container after start failure", zap.String("container", resp.ID), zap.Error(rmErr))
		}
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

// ensureImage pulls the image if it doesn't exist locally.
func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if _, err := d.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	d.logger.Info("pulling sandbox image", zap.String("image", ref))
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// buildContainerConfig translates CreateOptions into Docker API configuration.
func buildContainerConfig(opts CreateOptions) (*container.Config, *container.HostConfig, error) {
	containerCfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		WorkingDir: opts.WorkingDir,
		Labels:     opts.Labels,
		Env:        envList(opts.Env),
	}

	resources := container.Resources{}
	if opts.Limits.Memory != "" {
		memBytes, err := units.RAMInBytes(opts.Limits.Memory)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid memory limit %q: %w", opts.Limits.Memory, err)
		}
		resources.Memory = memBytes
		resources.MemorySwap = memBytes
	}
	if opts.Limits.CPUShare > 0 {
		resources.CPUPeriod = cpuPeriod
		resources.CPUQuota = int64(opts.Limits.CPUShare * cpuPeriod)
	}

	networkMode := opts.NetworkMode
	if networkMode == "" {
		networkMode = NetworkNone
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(networkMode),
		ReadonlyRootfs: opts.ReadOnlyRootFS,
		SecurityOpt:    []string{"no-new-privileges:true"},
		Resources:      resources,
	}
	if opts.ReadOnlyRootFS {
		// The interpreter still needs somewhere to write.
		hostCfg.Tmpfs = map[string]string{"/tmp": "rw,nosuid,size=64m"}
		if opts.WorkingDir != "" {
			hostCfg.Tmpfs[opts.WorkingDir] = "rw,nosuid,size=64m"
		}
	}

	return containerCfg, hostCfg, nil
}

// Exec runs cmd in the container and demultiplexes its output.
func (d *DockerRuntime) Exec(ctx context.Context, id string, cmd []string, opts ExecOptions) (ExecResult, error) {
	execResp, err := d.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   opts.WorkingDir,
		User:         opts.User,
		Env:          envList(opts.Env),
	})
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("failed to create exec: %w", mapNotFound(err))
	}

	attachResp, err := d.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attachResp.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	outputDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader)
		outputDone <- copyErr
	}()

	select {
	case copyErr := <-outputDone:
		if copyErr != nil {
			return ExecResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: -1},
				fmt.Errorf("failed to read exec output: %w", copyErr)
		}
	case <-ctx.Done():
		attachResp.Close()
		<-outputDone
		return ExecResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: -1}, ctx.Err()
	}

	// The stream can close a moment before the exec is reported finished.
	exitCode, err := backoff.Retry(ctx, func() (int, error) {
		inspect, inspectErr := d.client.ContainerExecInspect(ctx, execResp.ID)
		if inspectErr != nil {
			return -1, backoff.Permanent(inspectErr)
		}
		if inspect.Running {
			return -1, errExecRunning
		}
		return inspect.ExitCode, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(5*time.Second))
	if err != nil {
		return ExecResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: -1},
			fmt.Errorf("failed to inspect exec: %w", err)
	}

	return ExecResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: exitCode}, nil
}

// Wait blocks until the container stops.
func (d *DockerRuntime) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return int(status.StatusCode), fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("container wait: %w", mapNotFound(err))
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *DockerRuntime) Logs(ctx context.Context, id string) (stdout, stderr string, err error) {
	reader, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("failed to read container logs: %w", mapNotFound(err))
	}
	defer reader.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, reader); err != nil {
		return stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

func (d *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("failed to stop container: %w", mapNotFound(err))
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, id string, force bool) error {
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("failed to remove container: %w", mapNotFound(err))
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, id string) (Status, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return Status{}, fmt.Errorf("failed to inspect container: %w", mapNotFound(err))
	}

	var st Status
	if info.State != nil {
		st.Status = info.State.Status
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
	}
	if info.NetworkSettings != nil {
		for name := range info.NetworkSettings.Networks {
			st.Networks = append(st.Networks, name)
		}
		sort.Strings(st.Networks)
	}
	return st, nil
}

func (d *DockerRuntime) ConnectNetwork(ctx context.Context, id, networkName string) error {
	if err := d.client.NetworkConnect(ctx, networkName, id, &network.EndpointSettings{}); err != nil {
		return fmt.Errorf("failed to connect network %s: %w", networkName, err)
	}
	return nil
}

func (d *DockerRuntime) DisconnectNetwork(ctx context.Context, id, networkName string) error {
	if err := d.client.NetworkDisconnect(ctx, networkName, id, true); err != nil {
		return fmt.Errorf("failed to disconnect network %s: %w", networkName, err)
	}
	return nil
}

func mapNotFound(err error) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for key, value := range env {
		list = append(list, key+"="+value)
	}
	sort.Strings(list)
	return list
}
