package installer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/isdmx/pybox/sandbox"
	"github.com/isdmx/pybox/session"
	"go.uber.org/zap"
)

// Installer names.
const (
	UV  = "uv"
	Pip = "pip"
)

// ErrInvalidPackage is returned for empty or option-like package names.
var ErrInvalidPackage = errors.New("invalid package name")

// Options configure an Installer.
type Options struct {
	// Installer is the primary installer, UV or Pip.
	Installer    string
	IndexURL     string
	TrustedHosts []string
	// Network is attached to isolated sandboxes during an install and used
	// by disposable install sandboxes.
	Network string
	// Sandbox is the template for disposable install sandboxes.
	Sandbox sandbox.CreateOptions
	// Timeout bounds one installer run.
	Timeout time.Duration
}

// Installer runs package installs.
type Installer struct {
	logger   *zap.Logger
	runtime  sandbox.Runtime
	sessions *session.Registry
	opts     Options
}

// New creates an Installer.
func New(logger *zap.Logger, runtime sandbox.Runtime, sessions *session.Registry, opts Options) *Installer {
	if opts.Installer == "" {
		opts.Installer = UV
	}
	if opts.Network == "" {
		opts.Network = sandbox.NetworkBridge
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Installer{
		logger:   logger,
		runtime:  runtime,
		sessions: sessions,
		opts:     opts,
	}
}

// Command returns the argv that installs pkg with the named installer.
func (i *Installer) Command(installer, pkg string) []string {
	var cmd []string
	if installer == UV {
		cmd = []string{"uv", "pip", "install"}
	} else {
		cmd = []string{"pip", "install"}
	}
	if i.opts.IndexURL != "" {
		cmd = append(cmd, "--index-url", i.opts.IndexURL)
	}
	for _, host := range i.opts.TrustedHosts {
		cmd = append(cmd, "--trusted-host", host)
	}
	return append(cmd, pkg)
}

// Install installs pkg into the sandbox of sessionID, or into a disposable
// sandbox when sessionID is empty or unknown. It returns the installer's
// combined output; a failed install is reported in that output, not as an
// error.
func (i *Installer) Install(ctx context.Context, pkg, sessionID string) (string, error) {
	pkg = strings.TrimSpace(pkg)
	if pkg == "" || strings.HasPrefix(pkg, "-") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPackage, pkg)
	}

	if sessionID != "" {
		if s, ok := i.sessions.Get(sessionID); ok {
			return i.installInSession(ctx, s, pkg)
		}
		i.logger.Warn("unknown session, installing in a disposable sandbox",
			zap.String("session_id", sessionID),
			zap.String("package", pkg),
		)
	}
	return i.installDisposable(ctx, pkg)
}

func (i *Installer) installInSession(ctx context.Context, s *session.Session, pkg string) (string, error) {
	log := i.logger.With(zap.String("session_id", s.ID), zap.String("package", pkg))

	st, err := s.Handle.Inspect(ctx)
	if err != nil {
		return "", &sandbox.InfrastructureError{Op: "inspect", Err: err}
	}

	if len(st.Networks) == 0 {
		if err := s.Handle.ConnectNetwork(ctx, i.opts.Network); err != nil {
			log.Warn("could not enable networking for install", zap.Error(err))
		} else {
			log.Info("temporarily enabled networking", zap.String("network", i.opts.Network))
			defer func() {
				if err := s.Handle.DisconnectNetwork(context.WithoutCancel(ctx), i.opts.Network); err != nil {
					log.Warn("could not restore network isolation", zap.Error(err))
					return
				}
				log.Info("restored network isolation")
			}()
		}
	}

	res, err := i.exec(ctx, s.Handle, i.Command(i.opts.Installer, pkg))
	if err != nil {
		return "", err
	}

	if res.ExitCode != 0 && i.opts.Installer == UV {
		log.Info("uv install failed, falling back to pip", zap.Int("exit_code", res.ExitCode))
		res, err = i.exec(ctx, s.Handle, i.Command(Pip, pkg))
		if err != nil {
			return "", err
		}
	}

	log.Info("package install finished", zap.Int("exit_code", res.ExitCode))
	return res.Output(), nil
}

func (i *Installer) exec(ctx context.Context, h *sandbox.Handle, cmd []string) (sandbox.ExecResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, i.opts.Timeout)
	defer cancel()

	res, err := h.Exec(runCtx, cmd, sandbox.ExecOptions{WorkingDir: i.opts.Sandbox.WorkingDir})
	if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return sandbox.ExecResult{}, fmt.Errorf("install: %w after %s", sandbox.ErrTimeout, i.opts.Timeout)
	}
	if err != nil {
		return sandbox.ExecResult{}, &sandbox.InfrastructureError{Op: "exec", Err: err}
	}
	return res, nil
}

func (i *Installer) installDisposable(ctx context.Context, pkg string) (string, error) {
	res, err := i.runDisposable(ctx, i.Command(i.opts.Installer, pkg))
	if i.opts.Installer == UV && (isMissingExecutable(err) || (err == nil && res.ExitCode != 0)) {
		i.logger.Info("uv unavailable or failed, falling back to pip", zap.String("package", pkg))
		res, err = i.runDisposable(ctx, i.Command(Pip, pkg))
	}
	if err != nil {
		return "", err
	}

	i.logger.Info("package install finished", zap.String("package", pkg), zap.Int("exit_code", res.ExitCode))
	return res.Output(), nil
}

// runDisposable runs cmd as the main process of a networked sandbox.
func (i *Installer) runDisposable(ctx context.Context, cmd []string) (sandbox.ExecResult, error) {
	opts := i.opts.Sandbox
	opts.Command = cmd
	opts.NetworkMode = i.opts.Network
	opts.ReadOnlyRootFS = false
	opts.Labels = maps.Clone(opts.Labels)
	if opts.Labels == nil {
		opts.Labels = make(map[string]string)
	}
	opts.Labels[sandbox.LabelCreated] = strconv.FormatInt(time.Now().Unix(), 10)

	h, err := sandbox.Create(ctx, i.runtime, opts)
	if err != nil {
		return sandbox.ExecResult{}, err
	}
	defer func() {
		if err := h.Destroy(context.WithoutCancel(ctx)); err != nil {
			i.logger.Warn("failed to remove install sandbox", zap.String("container", h.ShortID()), zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, i.opts.Timeout)
	defer cancel()

	exitCode, err := h.Wait(runCtx)
	if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return sandbox.ExecResult{}, fmt.Errorf("install: %w after %s", sandbox.ErrTimeout, i.opts.Timeout)
	}
	if err != nil {
		return sandbox.ExecResult{}, &sandbox.InfrastructureError{Op: "wait", Err: err}
	}

	stdout, stderr, err := h.Logs(ctx)
	if err != nil {
		return sandbox.ExecResult{}, &sandbox.InfrastructureError{Op: "logs", ExitCode: exitCode, Err: err}
	}
	return sandbox.ExecResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

func isMissingExecutable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "executable file not found") || strings.Contains(msg, "not found in $PATH")
}
