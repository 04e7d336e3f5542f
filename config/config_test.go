package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Sandbox: SandboxConfig{
			Backend:         "docker",
			Image:           "python:3.12-slim",
			WorkingDir:      "/app",
			MemoryLimit:     "256m",
			CPULimit:        0.5,
			TimeoutSec:      30,
			NetworkDisabled: true,
			ReadOnly:        true,
			PythonBin:       "python",
		},
		Pool: PoolConfig{
			Enabled:                true,
			Size:                   4,
			MaxAgeSec:              300,
			MaxConcurrentCreations: 5,
		},
		Package: PackageConfig{
			Installer:  "uv",
			TimeoutSec: 300,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"InvalidServerTransport", func(c *Config) { c.Server.Transport = "invalid" }, "invalid server.transport"},
		{"InvalidHTTPPort", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid server.http_port"},
		{"InvalidLoggingMode", func(c *Config) { c.Logging.Mode = "invalid_mode" }, "invalid logging.mode"},
		{"InvalidLogLevel", func(c *Config) { c.Logging.Level = "invalid_level" }, "invalid logging.level"},
		{"InvalidBackend", func(c *Config) { c.Sandbox.Backend = "local" }, "unsupported sandbox.backend"},
		{"EmptyImage", func(c *Config) { c.Sandbox.Image = "" }, "sandbox.image must not be empty"},
		{"RelativeWorkingDir", func(c *Config) { c.Sandbox.WorkingDir = "app" }, "sandbox.working_dir must be an absolute path"},
		{"RootWorkingDir", func(c *Config) { c.Sandbox.WorkingDir = "/" }, "sandbox.working_dir must be an absolute path"},
		{"InvalidInstallTimeout", func(c *Config) { c.Package.TimeoutSec = 0 }, "package.timeout_sec must be positive"},
		{"InvalidSandboxTimeout", func(c *Config) { c.Sandbox.TimeoutSec = 0 }, "sandbox.timeout_sec must be positive"},
		{"InvalidMemoryLimit", func(c *Config) { c.Sandbox.MemoryLimit = "lots" }, "invalid sandbox.memory_limit"},
		{"InvalidCPULimit", func(c *Config) { c.Sandbox.CPULimit = 0 }, "sandbox.cpu_limit must be in"},
		{"InvalidEnvironment", func(c *Config) { c.Sandbox.Environment = []string{"NOVALUE"} }, "invalid sandbox.environment entry"},
		{"EmptyPythonBin", func(c *Config) { c.Sandbox.PythonBin = "" }, "sandbox.python_bin must not be empty"},
		{"InvalidPoolSize", func(c *Config) { c.Pool.Size = 0 }, "pool.size must be positive"},
		{"InvalidPoolMaxAge", func(c *Config) { c.Pool.MaxAgeSec = -1 }, "pool.max_age_sec must be positive"},
		{"InvalidPoolConcurrency", func(c *Config) { c.Pool.MaxConcurrentCreations = 0 }, "pool.max_concurrent_creations must be positive"},
		{"InvalidInstaller", func(c *Config) { c.Package.Installer = "conda" }, "unsupported package.installer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("DisabledPoolSkipsPoolChecks", func(t *testing.T) {
		cfg := validConfig()
		cfg.Pool = PoolConfig{Enabled: false}
		require.NoError(t, cfg.validate())
	})
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, "docker", cfg.Sandbox.Backend)
	assert.Equal(t, "python:3.12-slim", cfg.Sandbox.Image)
	assert.Equal(t, "/app", cfg.Sandbox.WorkingDir)
	assert.Equal(t, "256m", cfg.Sandbox.MemoryLimit)
	assert.InDelta(t, 0.5, cfg.Sandbox.CPULimit, 1e-9)
	assert.True(t, cfg.Sandbox.NetworkDisabled)
	assert.True(t, cfg.Pool.Enabled)
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, "uv", cfg.Package.Installer)
	assert.Equal(t, 30*time.Second, cfg.GetTimeout())
	assert.Equal(t, 300*time.Second, cfg.GetPoolMaxAge())
	assert.Equal(t, 5*time.Minute, cfg.GetInstallTimeout())
}

func TestLoadFromFile(t *testing.T) {
	fixture := map[string]any{
		"sandbox": map[string]any{
			"image":        "ghcr.io/example/python:3.12",
			"memory_limit": "1g",
			"environment":  []string{"VIRTUAL_ENV=/home/appuser/.venv"},
		},
		"pool": map[string]any{
			"size":        2,
			"max_age_sec": 60,
		},
		"package": map[string]any{
			"installer":     "pip",
			"index_url":     "https://pypi.internal/simple",
			"trusted_hosts": []string{"pypi.internal"},
		},
	}
	data, err := yaml.Marshal(fixture)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "pybox.yaml")
	require.NoError(t, os.WriteFile(path, data, 0600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "ghcr.io/example/python:3.12", cfg.Sandbox.Image)
	assert.Equal(t, "1g", cfg.Sandbox.MemoryLimit)
	assert.Equal(t, map[string]string{"VIRTUAL_ENV": "/home/appuser/.venv"}, cfg.Sandbox.EnvMap())
	assert.Equal(t, 2, cfg.Pool.Size)
	assert.Equal(t, 60*time.Second, cfg.GetPoolMaxAge())
	assert.Equal(t, "pip", cfg.Package.Installer)
	assert.Equal(t, "https://pypi.internal/simple", cfg.Package.IndexURL)
	assert.Equal(t, []string{"pypi.internal"}, cfg.Package.TrustedHosts)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("Environment", func(t *testing.T) {
		t.Setenv("PYBOX_SANDBOX_TIMEOUT_SEC", "5")
		t.Setenv("PYBOX_POOL_ENABLED", "false")

		cfg, err := Load("", nil)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Sandbox.TimeoutSec)
		assert.False(t, cfg.Pool.Enabled)
	})

	t.Run("Flags", func(t *testing.T) {
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.String("log-level", "info", "")
		flags.String("transport", "stdio", "")
		require.NoError(t, flags.Parse([]string{"--log-level", "debug", "--transport", "http"}))

		cfg, err := Load("", flags)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "http", cfg.Server.Transport)
	})

	t.Run("InvalidOverrideFailsValidation", func(t *testing.T) {
		t.Setenv("PYBOX_PACKAGE_INSTALLER", "conda")

		_, err := Load("", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config validation error")
	})
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}
