package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/isdmx/pybox/pool"
	"github.com/isdmx/pybox/protocol"
	"github.com/isdmx/pybox/sandbox"
	"github.com/isdmx/pybox/sandbox/sandboxtest"
	"github.com/isdmx/pybox/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type engineOptions struct {
	poolSize int
	timeout  time.Duration
}

var template = sandbox.CreateOptions{
	Image:      "python:3.12-slim",
	WorkingDir: "/app",
	Limits:     sandbox.ResourceLimits{Memory: "256m", CPUShare: 0.5},
}

func newTestEngine(t *testing.T, rt *sandboxtest.Runtime, o engineOptions) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if o.timeout == 0 {
		o.timeout = 5 * time.Second
	}

	codec := protocol.New(protocol.Options{StorePath: "/app/" + protocol.DefaultStoreFile})

	var p *pool.Pool
	if o.poolSize > 0 {
		var err error
		p, err = pool.New(logger, PoolFactory(rt, template, true), pool.Options{
			Size:                   o.poolSize,
			MaxAge:                 time.Hour,
			MaxConcurrentCreations: 2,
			ResetCommand:           ResetCommand("python", "/app"),
			StrictReset:            true,
		})
		require.NoError(t, err)
	}

	sessions := session.New(logger, rt, session.Options{
		Sandbox:         template,
		NetworkDisabled: true,
		StorePath:       codec.StorePath(),
	})

	e, err := New(logger, rt, codec, p, sessions, Options{
		Timeout:         o.timeout,
		Sandbox:         template,
		NetworkDisabled: true,
		WarmUp:          o.poolSize,
	})
	require.NoError(t, err)
	return e
}

func isPayload(cmd []string) bool {
	return len(cmd) == 3 && strings.HasPrefix(cmd[0], "python") && cmd[1] == "-c"
}

func isPooled(c *sandboxtest.Container) bool {
	return c.Opts.Labels[sandbox.LabelPooled] == "true"
}

func TestNew(t *testing.T) {
	_, err := New(zaptest.NewLogger(t), sandboxtest.New(), protocol.New(protocol.Options{}), nil, nil, Options{})
	assert.Error(t, err)
}

func TestExecuteTransientPooled(t *testing.T) {
	ctx := context.Background()
	rt := sandboxtest.New()
	e := newTestEngine(t, rt, engineOptions{poolSize: 2})

	require.NoError(t, e.Start(ctx))
	require.Eventually(t, func() bool { return e.pool.Stats().Free == 2 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		res, err := e.ExecuteTransient(ctx, "print('hi')", nil)
		require.NoError(t, err)
		assert.Equal(t, "hi\n", res.Stdout)
	}

	assert.Equal(t, 2, rt.CreateCount())
	assert.Equal(t, pool.Stats{Free: 2}, e.pool.Stats())

	require.NoError(t, e.Stop(ctx))
	assert.Empty(t, rt.Live())
}

func TestExecuteTransientState(t *testing.T) {
	ctx := context.Background()
	rt := sandboxtest.New()
	e := newTestEngine(t, rt, engineOptions{poolSize: 1})

	res, err := e.ExecuteTransient(ctx, "y = x + 1\nname = 'pybox'", map[string]any{"x": 41})
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.Equal(t, json.Number("42"), res.State["y"])
	assert.Equal(t, "pybox", res.State["name"])
}

func TestExecuteTransientException(t *testing.T) {
	ctx := context.Background()
	rt := sandboxtest.New()
	e := newTestEngine(t, rt, engineOptions{poolSize: 1})

	res, err := e.ExecuteTransient(ctx, "print('before')\nraise ValueError('bad input')", nil)
	require.NoError(t, err)
	assert.Equal(t, "before\n", res.Stdout)
	assert.Contains(t, res.Error, "ValueError: bad input")
}

func TestExecuteTransientFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("PooledExecFails", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.ExecFunc = func(c *sandboxtest.Container, cmd []string) (sandbox.ExecResult, bool, error) {
			if isPooled(c) && isPayload(cmd) {
				return sandbox.ExecResult{ExitCode: -1}, true, errors.New("exec: connection reset")
			}
			return sandbox.ExecResult{}, false, nil
		}
		e := newTestEngine(t, rt, engineOptions{poolSize: 1})

		res, err := e.ExecuteTransient(ctx, "print(1)", nil)
		require.NoError(t, err)
		assert.Equal(t, "1\n", res.Stdout)
		assert.Equal(t, 2, rt.CreateCount())
		assert.Len(t, rt.Live(), 1, "only the pooled sandbox survives")
	})

	t.Run("PoolCannotCreate", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.CreateFunc = func(opts sandbox.CreateOptions) error {
			if opts.Labels[sandbox.LabelPooled] == "true" {
				return errors.New("pool quota exceeded")
			}
			return nil
		}
		e := newTestEngine(t, rt, engineOptions{poolSize: 1})

		res, err := e.ExecuteTransient(ctx, "print(2)", nil)
		require.NoError(t, err)
		assert.Equal(t, "2\n", res.Stdout)
		assert.Empty(t, rt.Live())
	})

	t.Run("PoolDisabled", func(t *testing.T) {
		rt := sandboxtest.New()
		e := newTestEngine(t, rt, engineOptions{})

		res, err := e.ExecuteTransient(ctx, "print(3)", nil)
		require.NoError(t, err)
		assert.Equal(t, "3\n", res.Stdout)
		assert.Equal(t, 1, rt.CreateCount())
		assert.Empty(t, rt.Live())

		removed := rt.Removed()
		require.Len(t, removed, 1)
	})
}

func TestExecuteTransientTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("Pooled", func(t *testing.T) {
		rt := sandboxtest.New()
		e := newTestEngine(t, rt, engineOptions{poolSize: 1, timeout: 50 * time.Millisecond})

		_, err := e.ExecuteTransient(ctx, "import time\ntime.sleep(5)", nil)
		require.Error(t, err)
		assert.True(t, sandbox.IsTimeout(err))
		assert.False(t, sandbox.IsInfrastructure(err))
		assert.Equal(t, 1, rt.CreateCount(), "timeouts are not retried unpooled")
		assert.Empty(t, rt.Live(), "the overrun sandbox is discarded")
	})

	t.Run("Disposable", func(t *testing.T) {
		rt := sandboxtest.New()
		e := newTestEngine(t, rt, engineOptions{timeout: 50 * time.Millisecond})

		_, err := e.ExecuteTransient(ctx, "import time\ntime.sleep(5)", nil)
		require.Error(t, err)
		assert.True(t, sandbox.IsTimeout(err))
		assert.Empty(t, rt.Live())
	})
}

func TestExecuteTransientInfrastructure(t *testing.T) {
	ctx := context.Background()

	t.Run("NonZeroExit", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.ExecFunc = func(_ *sandboxtest.Container, cmd []string) (sandbox.ExecResult, bool, error) {
			if isPayload(cmd) {
				return sandbox.ExecResult{ExitCode: 137, Stderr: "Killed"}, true, nil
			}
			return sandbox.ExecResult{}, false, nil
		}
		e := newTestEngine(t, rt, engineOptions{})

		_, err := e.ExecuteTransient(ctx, "x = 1", nil)
		require.Error(t, err)

		var infraErr *sandbox.InfrastructureError
		require.ErrorAs(t, err, &infraErr)
		assert.Equal(t, 137, infraErr.ExitCode)
		assert.Equal(t, "Killed", infraErr.LogTail)
	})

	t.Run("CreateFails", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.CreateFunc = func(sandbox.CreateOptions) error { return errors.New("daemon down") }
		e := newTestEngine(t, rt, engineOptions{poolSize: 1})

		_, err := e.ExecuteTransient(ctx, "x = 1", nil)
		require.Error(t, err)
		assert.True(t, sandbox.IsInfrastructure(err))
	})

	t.Run("PayloadTooLarge", func(t *testing.T) {
		rt := sandboxtest.New()
		e := newTestEngine(t, rt, engineOptions{})

		big := make([]byte, protocol.MaxPayloadBytes)
		for i := range big {
			big[i] = 'x'
		}
		_, err := e.ExecuteTransient(ctx, string(big), nil)
		require.Error(t, err)
		assert.True(t, sandbox.IsInfrastructure(err))
		assert.Zero(t, rt.CreateCount())
	})
}

func TestExecuteTransientRawOutput(t *testing.T) {
	ctx := context.Background()
	rt := sandboxtest.New()
	rt.ExecFunc = func(_ *sandboxtest.Container, cmd []string) (sandbox.ExecResult, bool, error) {
		if isPayload(cmd) {
			return sandbox.ExecResult{Stdout: "plain text\n", Stderr: "warning"}, true, nil
		}
		return sandbox.ExecResult{}, false, nil
	}
	e := newTestEngine(t, rt, engineOptions{poolSize: 1})

	res, err := e.ExecuteTransient(ctx, "print('x')", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text\n", res.Stdout)
	assert.Equal(t, "warning", res.Stderr)
	assert.Empty(t, res.Error)
	assert.Nil(t, res.State)
}

func TestExecutePersistent(t *testing.T) {
	ctx := context.Background()
	rt := sandboxtest.New()
	e := newTestEngine(t, rt, engineOptions{})

	res, sessionID, err := e.ExecutePersistent(ctx, "x = 10", "")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, json.Number("10"), res.State["x"])

	res, again, err := e.ExecutePersistent(ctx, "print(x)", sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, again)
	assert.Equal(t, "10\n", res.Stdout)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, rt.CreateCount())

	res, _, err = e.ExecutePersistent(ctx, "print(y)", sessionID)
	require.NoError(t, err)
	assert.Contains(t, res.Error, "NameError")

	s, ok := e.sessions.Get(sessionID)
	require.True(t, ok)
	assert.Empty(t, rt.Networks(s.Handle.ID()))

	assert.True(t, e.CleanupSession(ctx, sessionID))
	assert.False(t, e.CleanupSession(ctx, sessionID))
	assert.Empty(t, rt.Live())
}

func TestExecutePersistentProvidedID(t *testing.T) {
	ctx := context.Background()
	rt := sandboxtest.New()
	e := newTestEngine(t, rt, engineOptions{})

	_, sessionID, err := e.ExecutePersistent(ctx, "a = 1", "my-session")
	require.NoError(t, err)
	assert.Equal(t, "my-session", sessionID)
}

func TestExecutePersistentIsolatedSessions(t *testing.T) {
	ctx := context.Background()
	rt := sandboxtest.New()
	e := newTestEngine(t, rt, engineOptions{})

	_, first, err := e.ExecutePersistent(ctx, "x = 1", "")
	require.NoError(t, err)
	_, second, err := e.ExecutePersistent(ctx, "x = 2", "")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	res, _, err := e.ExecutePersistent(ctx, "print(x)", first)
	require.NoError(t, err)
	assert.Equal(t, "1\n", res.Stdout)
}

func TestExecutePersistentTimeout(t *testing.T) {
	ctx := context.Background()
	rt := sandboxtest.New()
	e := newTestEngine(t, rt, engineOptions{timeout: 50 * time.Millisecond})

	_, sessionID, err := e.ExecutePersistent(ctx, "import time\ntime.sleep(5)", "")
	require.Error(t, err)
	assert.True(t, sandbox.IsTimeout(err))

	_, ok := e.sessions.Get(sessionID)
	assert.False(t, ok)
	assert.Empty(t, rt.Live())
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	rt := sandboxtest.New()
	e := newTestEngine(t, rt, engineOptions{poolSize: 1})

	_, err := e.ExecuteTransient(ctx, "x = 1", nil)
	require.NoError(t, err)
	_, _, err = e.ExecutePersistent(ctx, "x = 1", "")
	require.NoError(t, err)
	require.Len(t, rt.Live(), 2)

	require.NoError(t, e.Stop(ctx))
	assert.Empty(t, rt.Live())

	_, err = e.ExecuteTransient(ctx, "print(1)", nil)
	require.NoError(t, err, "a drained pool falls back to disposable sandboxes")
}

func TestResetCommand(t *testing.T) {
	assert.Equal(t,
		[]string{"sh", "-c", `for p in /proc/[0-9]*; do case "$(cat "$p/comm" 2>/dev/null)" in python3*) kill -9 "${p#/proc/}" 2>/dev/null;; esac; done; rm -rf /work/* /work/.[!.]*`},
		ResetCommand("/usr/bin/python3", "/work/"),
	)

	script := ResetCommand("python", "/app")[2]
	assert.NotContains(t, script, "pkill")
	assert.NotContains(t, script, "|| true")
}

func TestPoolFactory(t *testing.T) {
	rt := sandboxtest.New()
	h, err := PoolFactory(rt, template, true)(context.Background())
	require.NoError(t, err)

	opts, ok := rt.Options(h.ID())
	require.True(t, ok)
	assert.Equal(t, []string{"sleep", "infinity"}, opts.Command)
	assert.Equal(t, sandbox.NetworkNone, opts.NetworkMode)
	assert.Equal(t, "true", opts.Labels[sandbox.LabelPooled])
	assert.Equal(t, "256m", opts.Limits.Memory)
	assert.Nil(t, template.Labels)
}
