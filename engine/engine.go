package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/isdmx/pybox/pool"
	"github.com/isdmx/pybox/protocol"
	"github.com/isdmx/pybox/sandbox"
	"github.com/isdmx/pybox/session"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	modeTransient  = "transient"
	modePersistent = "persistent"
)

// Options configure an Engine.
type Options struct {
	// Timeout bounds each run of user code.
	Timeout time.Duration
	// Sandbox is the template for disposable sandboxes.
	Sandbox sandbox.CreateOptions
	// NetworkDisabled keeps disposable sandboxes off every network.
	NetworkDisabled bool
	// WarmUp is how many sandboxes Start puts in the pool.
	WarmUp int
	// Meter records engine metrics. The global meter is used when nil.
	Meter metric.Meter
}

// Engine executes code in sandboxes.
type Engine struct {
	logger   *zap.Logger
	runtime  sandbox.Runtime
	codec    *protocol.Codec
	pool     *pool.Pool
	sessions *session.Registry
	opts     Options
	metrics  *metrics

	warmCancel context.CancelFunc
	warmDone   sync.WaitGroup
}

// New creates an Engine. p may be nil, in which case every transient run uses
// a disposable sandbox.
func New(logger *zap.Logger, runtime sandbox.Runtime, codec *protocol.Codec, p *pool.Pool, sessions *session.Registry, opts Options) (*Engine, error) {
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", opts.Timeout)
	}

	m, err := newMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine metrics: %w", err)
	}

	return &Engine{
		logger:   logger,
		runtime:  runtime,
		codec:    codec,
		pool:     p,
		sessions: sessions,
		opts:     opts,
		metrics:  m,
	}, nil
}

// Start warms the pool in the background.
func (e *Engine) Start(ctx context.Context) error {
	if e.pool == nil || e.opts.WarmUp <= 0 {
		return nil
	}

	warmCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.warmCancel = cancel
	e.warmDone.Add(1)
	go func() {
		defer e.warmDone.Done()
		e.pool.WarmUp(warmCtx, e.opts.WarmUp)
	}()
	return nil
}

// Stop destroys every session sandbox and drains the pool.
func (e *Engine) Stop(ctx context.Context) error {
	if e.warmCancel != nil {
		e.warmCancel()
	}
	e.warmDone.Wait()

	if e.pool != nil {
		e.pool.Drain(ctx, e.sessions.Owns)
	}
	e.sessions.DestroyAll(ctx)
	return nil
}

// ExecuteTransient runs code in a fresh namespace seeded from state.
func (e *Engine) ExecuteTransient(ctx context.Context, code string, state map[string]any) (protocol.Result, error) {
	start := time.Now()

	payload, err := e.codec.WrapTransient(code, state)
	if err != nil {
		e.metrics.record(ctx, modeTransient, start, outcome(err))
		return protocol.Result{}, &sandbox.InfrastructureError{Op: "encode", Err: err}
	}
	cmd := e.codec.Command(payload)

	if e.pool != nil {
		res, done, err := e.runPooled(ctx, cmd)
		if done {
			e.metrics.record(ctx, modeTransient, start, resultOutcome(res, err))
			return res, err
		}
		e.metrics.fallbacks.Add(ctx, 1)
	}

	res, err := e.runDisposable(ctx, cmd)
	e.metrics.record(ctx, modeTransient, start, resultOutcome(res, err))
	return res, err
}

// ExecutePersistent runs code in the sandbox of sessionID, creating the
// session when it does not exist. An empty sessionID creates a new session.
// The returned id is the session the code ran in.
func (e *Engine) ExecutePersistent(ctx context.Context, code, sessionID string) (protocol.Result, string, error) {
	start := time.Now()

	payload, err := e.codec.WrapPersistent(code)
	if err != nil {
		e.metrics.record(ctx, modePersistent, start, outcome(err))
		return protocol.Result{}, sessionID, &sandbox.InfrastructureError{Op: "encode", Err: err}
	}

	s, created, err := e.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		e.metrics.record(ctx, modePersistent, start, outcome(err))
		return protocol.Result{}, sessionID, err
	}
	if created {
		e.logger.Debug("new session for persistent run", zap.String("session_id", s.ID))
	}

	res, err := e.run(ctx, s.Handle, e.codec.Command(payload))
	if sandbox.IsTimeout(err) {
		// The sandbox was stopped mid-run; its namespace is gone with it.
		e.sessions.Destroy(context.WithoutCancel(ctx), s.ID)
		e.logger.Warn("session dropped after timeout", zap.String("session_id", s.ID))
	}

	e.metrics.record(ctx, modePersistent, start, resultOutcome(res, err))
	return res, s.ID, err
}

// CleanupSession destroys a session. It reports whether the session existed.
func (e *Engine) CleanupSession(ctx context.Context, sessionID string) bool {
	return e.sessions.Destroy(ctx, sessionID)
}

// runPooled runs cmd in a pooled sandbox. done is false when the pool could
// not serve the run and the caller should fall back.
func (e *Engine) runPooled(ctx context.Context, cmd []string) (res protocol.Result, done bool, err error) {
	h, err := e.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Result{}, true, ctx.Err()
		}
		e.logger.Warn("sandbox pool unavailable, running unpooled", zap.Error(err))
		return protocol.Result{}, false, nil
	}
	defer e.pool.Release(context.WithoutCancel(ctx), h)

	res, err = e.run(ctx, h, cmd)
	if err == nil || sandbox.IsTimeout(err) || ctx.Err() != nil {
		return res, true, err
	}

	e.logger.Warn("pooled run failed, running unpooled",
		zap.String("container", h.ShortID()),
		zap.Error(err),
	)
	return protocol.Result{}, false, nil
}

// run execs cmd in a running sandbox under the run timeout.
func (e *Engine) run(ctx context.Context, h *sandbox.Handle, cmd []string) (protocol.Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	out, err := h.Exec(runCtx, cmd, sandbox.ExecOptions{WorkingDir: e.opts.Sandbox.WorkingDir})
	if e.timedOut(ctx, runCtx) {
		return protocol.Result{}, e.timeout(ctx, h)
	}
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Result{}, ctx.Err()
		}
		return protocol.Result{}, &sandbox.InfrastructureError{Op: "exec", ExitCode: out.ExitCode, LogTail: sandbox.Tail(out.Output()), Err: err}
	}
	if out.ExitCode != 0 {
		return protocol.Result{}, &sandbox.InfrastructureError{Op: "exec", ExitCode: out.ExitCode, LogTail: sandbox.Tail(out.Output())}
	}

	return e.parse(h, out.Stdout, out.Stderr), nil
}

// runDisposable runs cmd as the main process of a new sandbox.
func (e *Engine) runDisposable(ctx context.Context, cmd []string) (protocol.Result, error) {
	opts := e.opts.Sandbox
	opts.Command = cmd
	opts.NetworkMode = sandbox.NetworkNone
	if !e.opts.NetworkDisabled {
		opts.NetworkMode = sandbox.NetworkBridge
	}
	opts.Labels = maps.Clone(opts.Labels)
	if opts.Labels == nil {
		opts.Labels = make(map[string]string)
	}
	opts.Labels[sandbox.LabelCreated] = strconv.FormatInt(time.Now().Unix(), 10)

	h, err := sandbox.Create(ctx, e.runtime, opts)
	if err != nil {
		return protocol.Result{}, err
	}
	defer func() {
		if err := h.Destroy(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("failed to remove disposable sandbox", zap.String("container", h.ShortID()), zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	exitCode, err := h.Wait(runCtx)
	if e.timedOut(ctx, runCtx) {
		return protocol.Result{}, e.timeout(ctx, h)
	}
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Result{}, ctx.Err()
		}
		return protocol.Result{}, &sandbox.InfrastructureError{Op: "wait", Err: err}
	}

	stdout, stderr, err := h.Logs(ctx)
	if err != nil {
		return protocol.Result{}, &sandbox.InfrastructureError{Op: "logs", ExitCode: exitCode, Err: err}
	}
	if exitCode != 0 {
		return protocol.Result{}, &sandbox.InfrastructureError{Op: "run", ExitCode: exitCode, LogTail: sandbox.Tail(sandbox.ExecResult{Stdout: stdout, Stderr: stderr}.Output())}
	}

	return e.parse(h, stdout, stderr), nil
}

func (e *Engine) parse(h *sandbox.Handle, stdout, stderr string) protocol.Result {
	res, ok := protocol.ParseResult(stdout)
	if !ok {
		e.logger.Warn("sandbox output carried no result, returning raw output", zap.String("container", h.ShortID()))
		res.Stderr = stderr
		return res
	}
	if stderr != "" {
		e.logger.Debug("sandbox diagnostics", zap.String("container", h.ShortID()), zap.String("stderr", sandbox.Tail(stderr)))
	}
	return res
}

// timedOut reports whether runCtx hit its deadline while the caller's ctx is
// still live.
func (e *Engine) timedOut(ctx, runCtx context.Context) bool {
	return ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
}

// timeout stops h after a run overran and returns the timeout error.
func (e *Engine) timeout(ctx context.Context, h *sandbox.Handle) error {
	if err := h.Stop(context.WithoutCancel(ctx), sandbox.DefaultStopTimeout); err != nil {
		e.logger.Warn("failed to stop sandbox after timeout", zap.String("container", h.ShortID()), zap.Error(err))
	}
	return fmt.Errorf("%w after %s", sandbox.ErrTimeout, e.opts.Timeout)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case sandbox.IsTimeout(err):
		return "timeout"
	case sandbox.IsInfrastructure(err):
		return "infrastructure"
	default:
		return "canceled"
	}
}

func resultOutcome(res protocol.Result, err error) string {
	if err == nil && res.Error != "" {
		return "exception"
	}
	return outcome(err)
}
