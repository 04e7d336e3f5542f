package sandbox

import (
	"fmt"

	"github.com/isdmx/pybox/config"
	"go.uber.org/zap"
)

// NewRuntime creates the container runtime selected by the configuration
func NewRuntime(logger *zap.Logger, cfg *config.Config) (Runtime, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		return NewDockerRuntime(logger, WithImagePull(cfg.Sandbox.PullImage))
	case "podman":
		return NewCLIRuntime(logger, WithCLIBinary(cfg.Sandbox.CLIBinary)), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

// CreateOptionsFromConfig returns the options every sandbox is created with.
// Callers fill in Command, NetworkMode and Labels.
func CreateOptionsFromConfig(cfg *config.SandboxConfig) CreateOptions {
	return CreateOptions{
		Image:      cfg.Image,
		WorkingDir: cfg.WorkingDir,
		Limits: ResourceLimits{
			Memory:   cfg.MemoryLimit,
			CPUShare: cfg.CPULimit,
		},
		ReadOnlyRootFS: cfg.ReadOnly,
		Env:            cfg.EnvMap(),
	}
}
