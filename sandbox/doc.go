// Package sandbox provides the container-runtime capability used to run code.
//
// The sandbox package defines the Runtime interface, the narrow set of
// operations the rest of the service needs from a container runtime
// (create, exec, wait, logs, stop, remove, inspect and network toggles), and
// the Handle type that wraps one running sandbox. Two backends are provided:
// DockerRuntime talks to the Docker Engine API, CLIRuntime drives a
// docker-compatible binary such as podman through a CommandRunner.
//
// Resource limits and network isolation are always requested on create;
// enforcing them is left to the runtime.
//
// Usage:
//
//	rt, err := sandbox.NewRuntime(logger, cfg)
//	h, err := sandbox.Create(ctx, rt, sandbox.CreateOptions{
//	    Image:   "python:3.12-slim",
//	    Command: []string{"sleep", "3600"},
//	    Limits:  sandbox.ResourceLimits{Memory: "256m", CPUShare: 0.5},
//	})
//	res, err := h.Exec(ctx, []string{"python", "-c", "print(1)"}, sandbox.ExecOptions{})
package sandbox
