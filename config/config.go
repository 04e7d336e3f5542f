package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "PYBOX"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Package   PackageConfig   `mapstructure:"package"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend         string   `mapstructure:"backend"`
	CLIBinary       string   `mapstructure:"cli_binary"`
	Image           string   `mapstructure:"image"`
	WorkingDir      string   `mapstructure:"working_dir"`
	MemoryLimit     string   `mapstructure:"memory_limit"`
	CPULimit        float64  `mapstructure:"cpu_limit"`
	TimeoutSec      int      `mapstructure:"timeout_sec"`
	NetworkDisabled bool     `mapstructure:"network_disabled"`
	ReadOnly        bool     `mapstructure:"read_only"`
	PythonBin       string   `mapstructure:"python_bin"`
	InstallNetwork  string   `mapstructure:"install_network"`
	PullImage       bool     `mapstructure:"pull_image"`
	Environment     []string `mapstructure:"environment"`
}

// PoolConfig holds warm pool configuration
type PoolConfig struct {
	Enabled                bool `mapstructure:"enabled"`
	Size                   int  `mapstructure:"size"`
	MaxAgeSec              int  `mapstructure:"max_age_sec"`
	MaxConcurrentCreations int  `mapstructure:"max_concurrent_creations"`
	StrictReset            bool `mapstructure:"strict_reset"`
}

// PackageConfig holds package installer configuration
type PackageConfig struct {
	Installer    string   `mapstructure:"installer"`
	IndexURL     string   `mapstructure:"index_url"`
	TrustedHosts []string `mapstructure:"trusted_hosts"`
	TimeoutSec   int      `mapstructure:"timeout_sec"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// New loads the configuration from the default locations, or from the file
// named by PYBOX_CONFIG.
func New() (*Config, error) {
	return Load(os.Getenv(EnvPrefix+"_CONFIG"), nil)
}

// Load loads and validates the application configuration. An empty path
// searches for config.yaml in . and ./config. Flags, when given, are bound
// onto their matching keys.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("log-level"); f != nil {
			if err := v.BindPFlag("logging.level", f); err != nil {
				return nil, fmt.Errorf("error binding flags: %w", err)
			}
		}
		if f := flags.Lookup("transport"); f != nil {
			if err := v.BindPFlag("server.transport", f); err != nil {
				return nil, fmt.Errorf("error binding flags: %w", err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
			// If config file not found, continue with defaults
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.cli_binary", "podman")
	v.SetDefault("sandbox.image", "python:3.12-slim")
	v.SetDefault("sandbox.working_dir", "/app")
	v.SetDefault("sandbox.memory_limit", "256m")
	v.SetDefault("sandbox.cpu_limit", 0.5)
	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.network_disabled", true)
	v.SetDefault("sandbox.read_only", true)
	v.SetDefault("sandbox.python_bin", "python")
	v.SetDefault("sandbox.install_network", "bridge")
	v.SetDefault("sandbox.pull_image", true)
	v.SetDefault("sandbox.environment", []string{})

	v.SetDefault("pool.enabled", true)
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.max_age_sec", 300)
	v.SetDefault("pool.max_concurrent_creations", 5)
	v.SetDefault("pool.strict_reset", true)

	v.SetDefault("package.installer", "uv")
	v.SetDefault("package.index_url", "")
	v.SetDefault("package.trusted_hosts", []string{})
	v.SetDefault("package.timeout_sec", 300)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "pybox")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Sandbox.Backend != "docker" && c.Sandbox.Backend != "podman" {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must not be empty")
	}

	if !path.IsAbs(c.Sandbox.WorkingDir) || path.Clean(c.Sandbox.WorkingDir) == "/" {
		return fmt.Errorf("sandbox.working_dir must be an absolute path below /, got: %q", c.Sandbox.WorkingDir)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if _, err := units.RAMInBytes(c.Sandbox.MemoryLimit); err != nil {
		return fmt.Errorf("invalid sandbox.memory_limit: %q: %w", c.Sandbox.MemoryLimit, err)
	}

	if c.Sandbox.CPULimit <= 0 || c.Sandbox.CPULimit > 64 {
		return fmt.Errorf("sandbox.cpu_limit must be in (0, 64], got: %g", c.Sandbox.CPULimit)
	}

	for _, kv := range c.Sandbox.Environment {
		if key, _, ok := strings.Cut(kv, "="); !ok || key == "" {
			return fmt.Errorf("invalid sandbox.environment entry %q, must be KEY=VALUE", kv)
		}
	}

	if c.Sandbox.PythonBin == "" {
		return fmt.Errorf("sandbox.python_bin must not be empty")
	}

	if c.Pool.Enabled {
		if c.Pool.Size <= 0 {
			return fmt.Errorf("pool.size must be positive, got: %d", c.Pool.Size)
		}
		if c.Pool.MaxAgeSec <= 0 {
			return fmt.Errorf("pool.max_age_sec must be positive, got: %d", c.Pool.MaxAgeSec)
		}
		if c.Pool.MaxConcurrentCreations <= 0 {
			return fmt.Errorf("pool.max_concurrent_creations must be positive, got: %d", c.Pool.MaxConcurrentCreations)
		}
	}

	if c.Package.Installer != "uv" && c.Package.Installer != "pip" {
		return fmt.Errorf("unsupported package.installer: %s, must be 'uv' or 'pip'", c.Package.Installer)
	}

	if c.Package.TimeoutSec <= 0 {
		return fmt.Errorf("package.timeout_sec must be positive, got: %d", c.Package.TimeoutSec)
	}

	return nil
}

// EnvMap returns sandbox.environment as a map. Keys keep their case.
func (s SandboxConfig) EnvMap() map[string]string {
	env := make(map[string]string, len(s.Environment))
	for _, kv := range s.Environment {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}
	return env
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetInstallTimeout returns the package installation timeout as a duration
func (c *Config) GetInstallTimeout() time.Duration {
	return time.Duration(c.Package.TimeoutSec) * time.Second
}

// GetPoolMaxAge returns the pool eviction age as a duration
func (c *Config) GetPoolMaxAge() time.Duration {
	return time.Duration(c.Pool.MaxAgeSec) * time.Second
}
