package integration

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/pybox/config"
	"github.com/isdmx/pybox/engine"
	"github.com/isdmx/pybox/installer"
	"github.com/isdmx/pybox/logger"
	"github.com/isdmx/pybox/mcpserver"
	"github.com/isdmx/pybox/pool"
	"github.com/isdmx/pybox/protocol"
	"github.com/isdmx/pybox/sandbox"
	"github.com/isdmx/pybox/sandbox/sandboxtest"
	"github.com/isdmx/pybox/session"
)

const testConfigYAML = `
server:
  transport: stdio
sandbox:
  backend: docker
  image: pybox-python:latest
  working_dir: /app
  memory_limit: 256m
  cpu_limit: 0.5
  timeout_sec: 1
  network_disabled: true
  environment:
    - VIRTUAL_ENV=/home/appuser/.venv
pool:
  enabled: true
  size: 2
  max_age_sec: 300
  max_concurrent_creations: 2
  strict_reset: true
package:
  installer: uv
  index_url: https://pypi.internal/simple
logging:
  mode: development
  level: debug
`

type stack struct {
	rt     *sandboxtest.Runtime
	engine *engine.Engine
	pool   *pool.Pool
	client *client.Client
}

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(testConfigYAML), 0o600))

	cfg, err := config.Load(file, nil)
	require.NoError(t, err)
	return cfg
}

// newStack wires config, engine and MCP server over a fake runtime the same
// way the server binary does, and connects an in-process MCP client.
func newStack(t *testing.T, cfg *config.Config, log *zap.Logger) *stack {
	t.Helper()
	ctx := context.Background()

	rt := sandboxtest.New()
	rt.ExecFunc = func(_ *sandboxtest.Container, cmd []string) (sandbox.ExecResult, bool, error) {
		if len(cmd) > 0 && cmd[0] == installer.UV {
			return sandbox.ExecResult{Stdout: "Installed 1 package: " + cmd[len(cmd)-1]}, true, nil
		}
		return sandbox.ExecResult{}, false, nil
	}

	tmpl := sandbox.CreateOptionsFromConfig(&cfg.Sandbox)
	codec := protocol.New(protocol.Options{
		PythonBin: cfg.Sandbox.PythonBin,
		StorePath: path.Join(cfg.Sandbox.WorkingDir, protocol.DefaultStoreFile),
	})

	p, err := pool.New(log, engine.PoolFactory(rt, tmpl, cfg.Sandbox.NetworkDisabled), pool.Options{
		Size:                   cfg.Pool.Size,
		MaxAge:                 cfg.GetPoolMaxAge(),
		MaxConcurrentCreations: cfg.Pool.MaxConcurrentCreations,
		ResetCommand:           engine.ResetCommand(cfg.Sandbox.PythonBin, cfg.Sandbox.WorkingDir),
		StrictReset:            cfg.Pool.StrictReset,
	})
	require.NoError(t, err)

	sessions := session.New(log, rt, session.Options{
		Sandbox:         tmpl,
		NetworkDisabled: cfg.Sandbox.NetworkDisabled,
		StorePath:       codec.StorePath(),
	})

	eng, err := engine.New(log, rt, codec, p, sessions, engine.Options{
		Timeout:         cfg.GetTimeout(),
		Sandbox:         tmpl,
		NetworkDisabled: cfg.Sandbox.NetworkDisabled,
		WarmUp:          cfg.Pool.Size,
	})
	require.NoError(t, err)

	inst := installer.New(log, rt, sessions, installer.Options{
		Installer:    cfg.Package.Installer,
		IndexURL:     cfg.Package.IndexURL,
		TrustedHosts: cfg.Package.TrustedHosts,
		Network:      cfg.Sandbox.InstallNetwork,
		Sandbox:      tmpl,
		Timeout:      cfg.GetInstallTimeout(),
	})

	srv, err := mcpserver.New(cfg, log, eng, inst)
	require.NoError(t, err)

	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	c, err := client.NewInProcessClient(srv.GetMCPServer())
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Close() })

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "pybox-integration", Version: "0.0.0"}
	_, err = c.Initialize(ctx, initReq)
	require.NoError(t, err)

	return &stack{rt: rt, engine: eng, pool: p, client: c}
}

func (s *stack) call(t *testing.T, name string, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := s.client.CallTool(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)

	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text, res.IsError
	case *mcp.TextContent:
		return c.Text, res.IsError
	default:
		t.Fatalf("unexpected content %T", res.Content[0])
		return "", false
	}
}

func (s *stack) callJSON(t *testing.T, name string, args map[string]any) map[string]any {
	t.Helper()
	text, isError := s.call(t, name, args)
	require.False(t, isError, text)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	return out
}

func (s *stack) pooledCreates() int {
	n := 0
	for _, id := range append(s.rt.Live(), s.rt.Removed()...) {
		if opts, ok := s.rt.Options(id); ok && opts.Labels[sandbox.LabelPooled] == "true" {
			n++
		}
	}
	return n
}

// TestIntegrationConfigLoggerEngine tests the integration between config, logger, engine and MCP server
func TestIntegrationConfigLoggerEngine(t *testing.T) {
	t.Run("ConfigAndLoggerIntegration", func(t *testing.T) {
		cfg := loadConfig(t)
		assert.Equal(t, time.Second, cfg.GetTimeout())
		assert.Equal(t, "python", cfg.Sandbox.PythonBin)
		assert.Equal(t, map[string]string{"VIRTUAL_ENV": "/home/appuser/.venv"}, cfg.Sandbox.EnvMap())

		testLogger, err := logger.NewFromConfig(cfg)
		require.NoError(t, err)
		testLogger.Info("Integration test started")
		_ = logger.Sync(testLogger)
	})

	t.Run("TransientWithState", func(t *testing.T) {
		s := newStack(t, loadConfig(t), zaptest.NewLogger(t))

		out := s.callJSON(t, "execute-transient", map[string]any{
			"code":  "z = x + y\nprint(z)",
			"state": map[string]any{"x": 10, "y": 20},
		})
		assert.Equal(t, "30\n", out["stdout"])
		assert.Nil(t, out["error"])
		state, ok := out["state"].(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 30, state["z"])
	})

	t.Run("TransientException", func(t *testing.T) {
		s := newStack(t, loadConfig(t), zaptest.NewLogger(t))

		out := s.callJSON(t, "execute-transient", map[string]any{"code": "raise ValueError('bad input')"})
		errText, ok := out["error"].(string)
		require.True(t, ok)
		assert.Contains(t, errText, "ValueError: bad input")
	})

	t.Run("PoolReuse", func(t *testing.T) {
		s := newStack(t, loadConfig(t), zaptest.NewLogger(t))
		require.Eventually(t, func() bool { return s.pool.Stats().Free == 2 }, 2*time.Second, 5*time.Millisecond)

		for i := 0; i < 3; i++ {
			out := s.callJSON(t, "execute-transient", map[string]any{"code": "print('hi')"})
			assert.Equal(t, "hi\n", out["stdout"])
		}
		assert.Equal(t, 2, s.pooledCreates())
		assert.Equal(t, pool.Stats{Free: 2, InUse: 0}, s.pool.Stats())
	})

	t.Run("PersistentRoundTrip", func(t *testing.T) {
		s := newStack(t, loadConfig(t), zaptest.NewLogger(t))

		first := s.callJSON(t, "execute-persistent", map[string]any{"code": "x = 10"})
		id, ok := first["session_id"].(string)
		require.True(t, ok)
		require.NotEmpty(t, id)

		second := s.callJSON(t, "execute-persistent", map[string]any{"code": "print(x)", "session_id": id})
		assert.Equal(t, id, second["session_id"])
		assert.Equal(t, "10\n", second["stdout"])
		assert.Nil(t, second["error"])

		text, isError := s.call(t, "install-package", map[string]any{"package_name": "requests", "session_id": id})
		assert.False(t, isError, text)
		assert.True(t, strings.HasPrefix(text, "Package installation result:\n\n"), text)
		assert.Contains(t, text, "Installed 1 package: requests")

		text, isError = s.call(t, "cleanup-session", map[string]any{"session_id": id})
		assert.False(t, isError)
		assert.Equal(t, "Session "+id+" cleaned up successfully", text)

		_, isError = s.call(t, "cleanup-session", map[string]any{"session_id": id})
		assert.True(t, isError)
	})

	t.Run("Timeout", func(t *testing.T) {
		s := newStack(t, loadConfig(t), zaptest.NewLogger(t))

		text, isError := s.call(t, "execute-transient", map[string]any{"code": "import time\ntime.sleep(10)"})
		assert.True(t, isError)
		assert.Contains(t, text, "timed out")
	})

	t.Run("ShutdownRemovesSandboxes", func(t *testing.T) {
		s := newStack(t, loadConfig(t), zaptest.NewLogger(t))

		s.callJSON(t, "execute-persistent", map[string]any{"code": "x = 1"})
		s.callJSON(t, "execute-transient", map[string]any{"code": "print(1)"})

		require.NoError(t, s.engine.Stop(context.Background()))
		assert.Empty(t, s.rt.Live())
		assert.Positive(t, s.pooledCreates())
	})
}
