package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CLIRuntime implements Runtime by driving a docker-compatible command line
// tool (podman by default) through a CommandRunner.
type CLIRuntime struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
}

// CLIRuntimeOption defines a functional option for CLIRuntime
type CLIRuntimeOption func(*CLIRuntime)

// WithCLICommandRunner sets the CommandRunner for CLIRuntime
func WithCLICommandRunner(cmdRunner CommandRunner) CLIRuntimeOption {
	return func(c *CLIRuntime) {
		c.cmdRunner = cmdRunner
	}
}

// WithCLIBinary sets the executable invoked by CLIRuntime
func WithCLIBinary(binary string) CLIRuntimeOption {
	return func(c *CLIRuntime) {
		c.binary = binary
	}
}

// NewCLIRuntime creates a new CLIRuntime with default implementations and optional interfaces
func NewCLIRuntime(logger *zap.Logger, opts ...CLIRuntimeOption) *CLIRuntime {
	c := &CLIRuntime{
		logger:    logger,
		binary:    "podman",
		cmdRunner: &RealCommandRunner{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *CLIRuntime) run(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error) {
	return c.cmdRunner.RunCommand(ctx, append([]string{c.binary}, args...))
}

// runOK runs a command that is expected to exit zero.
func (c *CLIRuntime) runOK(ctx context.Context, op string, args ...string) (string, error) {
	stdout, stderr, exitCode, err := c.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if isNoSuchContainer(msg) {
			return "", fmt.Errorf("%s: %w: %s", op, ErrNotFound, msg)
		}
		return "", fmt.Errorf("%s: exit code %d: %s", op, exitCode, msg)
	}
	return stdout, nil
}

// Create runs a detached container with the requested limits.
func (c *CLIRuntime) Create(ctx context.Context, opts CreateOptions) (string, error) {
	stdout, err := c.runOK(ctx, "failed to create container", buildRunArgs(opts)...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(stdout)
	if id == "" {
		return "", fmt.Errorf("failed to create container: empty container id")
	}
	return id, nil
}

// buildRunArgs builds the `run` arguments with security restrictions
func buildRunArgs(opts CreateOptions) []string {
	networkMode := opts.NetworkMode
	if networkMode == "" {
		networkMode = NetworkNone
	}

	args := []string{
		"run", "-d",
		"--network", networkMode,
		"--security-opt", "no-new-privileges:true",
	}
	if opts.Limits.Memory != "" {
		args = append(args, "--memory", opts.Limits.Memory)
	}
	if opts.Limits.CPUShare > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(opts.Limits.CPUShare, 'f', -1, 64))
	}
	if opts.ReadOnlyRootFS {
		args = append(args, "--read-only", "--tmpfs", "/tmp:rw,nosuid,size=64m")
		if opts.WorkingDir != "" {
			args = append(args, "--tmpfs", opts.WorkingDir+":rw,nosuid,size=64m")
		}
	}
	if opts.WorkingDir != "" {
		args = append(args, "--workdir", opts.WorkingDir)
	}
	for _, key := range sortedKeys(opts.Labels) {
		args = append(args, "--label", key+"="+opts.Labels[key])
	}
	for _, kv := range envList(opts.Env) {
		args = append(args, "-e", kv)
	}

	args = append(args, opts.Image)
	return append(args, opts.Command...)
}

func (c *CLIRuntime) Exec(ctx context.Context, id string, cmd []string, opts ExecOptions) (ExecResult, error) {
	args := []string{"exec"}
	if opts.WorkingDir != "" {
		args = append(args, "--workdir", opts.WorkingDir)
	}
	if opts.User != "" {
		args = append(args, "--user", opts.User)
	}
	for _, kv := range envList(opts.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, id)
	args = append(args, cmd...)

	stdout, stderr, exitCode, err := c.run(ctx, args...)
	if ctx.Err() != nil {
		return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: -1}, ctx.Err()
	}
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("failed to exec: %w", err)
	}
	return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

func (c *CLIRuntime) Wait(ctx context.Context, id string) (int, error) {
	stdout, err := c.runOK(ctx, "failed to wait for container", "wait", id)
	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return -1, fmt.Errorf("failed to parse exit code %q: %w", strings.TrimSpace(stdout), err)
	}
	return code, nil
}

func (c *CLIRuntime) Logs(ctx context.Context, id string) (stdout, stderr string, err error) {
	stdout, stderr, exitCode, err := c.run(ctx, "logs", id)
	if err != nil {
		return "", "", fmt.Errorf("failed to read container logs: %w", err)
	}
	if exitCode != 0 {
		return "", "", fmt.Errorf("failed to read container logs: exit code %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return stdout, stderr, nil
}

func (c *CLIRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	_, err := c.runOK(ctx, "failed to stop container", "stop", "-t", strconv.Itoa(int(timeout/time.Second)), id)
	return err
}

func (c *CLIRuntime) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	_, err := c.runOK(ctx, "failed to remove container", append(args, id)...)
	return err
}

type cliInspect struct {
	State struct {
		Status   string `json:"Status"`
		Running  bool   `json:"Running"`
		ExitCode int    `json:"ExitCode"`
	} `json:"State"`
	NetworkSettings struct {
		Networks map[string]json.RawMessage `json:"Networks"`
	} `json:"NetworkSettings"`
}

func (c *CLIRuntime) Inspect(ctx context.Context, id string) (Status, error) {
	stdout, err := c.runOK(ctx, "failed to inspect container", "inspect", id)
	if err != nil {
		return Status{}, err
	}

	var infos []cliInspect
	if err := json.Unmarshal([]byte(stdout), &infos); err != nil {
		return Status{}, fmt.Errorf("failed to decode inspect output: %w", err)
	}
	if len(infos) == 0 {
		return Status{}, fmt.Errorf("failed to inspect container %s: %w", id, ErrNotFound)
	}

	info := infos[0]
	st := Status{
		Status:   info.State.Status,
		Running:  info.State.Running,
		ExitCode: info.State.ExitCode,
	}
	for name := range info.NetworkSettings.Networks {
		st.Networks = append(st.Networks, name)
	}
	sort.Strings(st.Networks)
	return st, nil
}

func (c *CLIRuntime) ConnectNetwork(ctx context.Context, id, network string) error {
	_, err := c.runOK(ctx, "failed to connect network", "network", "connect", network, id)
	return err
}

func (c *CLIRuntime) DisconnectNetwork(ctx context.Context, id, network string) error {
	_, err := c.runOK(ctx, "failed to disconnect network", "network", "disconnect", network, id)
	return err
}

func isNoSuchContainer(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "no such container") || strings.Contains(lower, "no container with name or id")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
