package sandbox

import (
	"context"
	"time"
)

// Label keys attached to every container created by this service.
const (
	LabelPooled          = "pybox.pooled"
	LabelCreated         = "pybox.created"
	LabelSessionID       = "pybox.session_id"
	LabelNetworkDisabled = "pybox.network_disabled"
)

// Network modes understood by both backends.
const (
	NetworkNone   = "none"
	NetworkBridge = "bridge"
)

// ResourceLimits are the per-sandbox limits requested from the runtime.
type ResourceLimits struct {
	// Memory is a size string such as "256m" or "1g".
	Memory string
	// CPUShare is a fraction of one core (0.5 = half a CPU).
	CPUShare float64
}

// CreateOptions describes a sandbox to create and start.
type CreateOptions struct {
	Image          string
	Command        []string
	WorkingDir     string
	Limits         ResourceLimits
	NetworkMode    string
	ReadOnlyRootFS bool
	Labels         map[string]string
	Env            map[string]string
}

// ExecOptions tune a single exec inside a running sandbox.
type ExecOptions struct {
	WorkingDir string
	User       string
	Env        map[string]string
}

// ExecResult is the outcome of an exec or of a finished sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns stdout followed by stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Status is the inspected state of a sandbox.
type Status struct {
	Status   string
	Running  bool
	ExitCode int
	Networks []string
}

// Runtime is the capability interface onto the container runtime.
type Runtime interface {
	// Create creates and starts a sandbox, returning its id.
	Create(ctx context.Context, opts CreateOptions) (string, error)
	// Exec runs cmd inside a running sandbox and waits for it to finish.
	Exec(ctx context.Context, id string, cmd []string, opts ExecOptions) (ExecResult, error)
	// Wait blocks until the sandbox's main process exits and returns its exit code.
	Wait(ctx context.Context, id string) (int, error)
	// Logs returns the captured output of the sandbox's main process.
	Logs(ctx context.Context, id string) (stdout, stderr string, err error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (Status, error)
	ConnectNetwork(ctx context.Context, id, network string) error
	DisconnectNetwork(ctx context.Context, id, network string) error
}
