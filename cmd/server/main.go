package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/pybox/config"
	"github.com/isdmx/pybox/engine"
	"github.com/isdmx/pybox/installer"
	"github.com/isdmx/pybox/logger"
	"github.com/isdmx/pybox/mcpserver"
	"github.com/isdmx/pybox/pool"
	"github.com/isdmx/pybox/protocol"
	"github.com/isdmx/pybox/sandbox"
	"github.com/isdmx/pybox/session"
	"github.com/isdmx/pybox/telemetry"
)

func main() {
	flags := pflag.NewFlagSet("pybox-server", pflag.ExitOnError)
	configPath := flags.String("config", os.Getenv(config.EnvPrefix+"_CONFIG"), "path to the configuration file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("transport", "stdio", "MCP transport (stdio or http)")
	_ = flags.Parse(os.Args[1:])

	app := fx.New(
		fx.Provide(
			// Config, with flags bound over file and environment values
			func() (*config.Config, error) {
				return config.Load(*configPath, flags)
			},

			// Logger with configuration
			logger.NewFromConfig,

			// Container runtime based on config
			func(log *zap.Logger, cfg *config.Config) (sandbox.Runtime, error) {
				return sandbox.NewRuntime(log, cfg)
			},

			newCodec,
			newPool,
			newSessions,
			newEngine,
			newInstaller,

			// MCP Server
			func(cfg *config.Config, log *zap.Logger, e *engine.Engine, i *installer.Installer) (*mcpserver.MCPServer, error) {
				return mcpserver.New(cfg, log, e, i)
			},
		),

		fx.Invoke(registerTelemetry, run),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func newCodec(cfg *config.Config) *protocol.Codec {
	return protocol.New(protocol.Options{
		PythonBin: cfg.Sandbox.PythonBin,
		StorePath: path.Join(cfg.Sandbox.WorkingDir, protocol.DefaultStoreFile),
	})
}

// newPool returns a nil pool when pooling is disabled.
func newPool(log *zap.Logger, cfg *config.Config, rt sandbox.Runtime) (*pool.Pool, error) {
	if !cfg.Pool.Enabled {
		log.Info("sandbox pool disabled")
		return nil, nil
	}
	tmpl := sandbox.CreateOptionsFromConfig(&cfg.Sandbox)
	return pool.New(log.Named("pool"), engine.PoolFactory(rt, tmpl, cfg.Sandbox.NetworkDisabled), pool.Options{
		Size:                   cfg.Pool.Size,
		MaxAge:                 cfg.GetPoolMaxAge(),
		MaxConcurrentCreations: cfg.Pool.MaxConcurrentCreations,
		ResetCommand:           engine.ResetCommand(cfg.Sandbox.PythonBin, cfg.Sandbox.WorkingDir),
		StrictReset:            cfg.Pool.StrictReset,
	})
}

func newSessions(log *zap.Logger, cfg *config.Config, rt sandbox.Runtime, codec *protocol.Codec) *session.Registry {
	return session.New(log.Named("session"), rt, session.Options{
		Sandbox:         sandbox.CreateOptionsFromConfig(&cfg.Sandbox),
		NetworkDisabled: cfg.Sandbox.NetworkDisabled,
		StorePath:       codec.StorePath(),
	})
}

func newEngine(log *zap.Logger, cfg *config.Config, rt sandbox.Runtime, codec *protocol.Codec, p *pool.Pool, sessions *session.Registry) (*engine.Engine, error) {
	warm := 0
	if cfg.Pool.Enabled {
		warm = cfg.Pool.Size
	}
	return engine.New(log.Named("engine"), rt, codec, p, sessions, engine.Options{
		Timeout:         cfg.GetTimeout(),
		Sandbox:         sandbox.CreateOptionsFromConfig(&cfg.Sandbox),
		NetworkDisabled: cfg.Sandbox.NetworkDisabled,
		WarmUp:          warm,
	})
}

func newInstaller(log *zap.Logger, cfg *config.Config, rt sandbox.Runtime, sessions *session.Registry) *installer.Installer {
	return installer.New(log.Named("installer"), rt, sessions, installer.Options{
		Installer:    cfg.Package.Installer,
		IndexURL:     cfg.Package.IndexURL,
		TrustedHosts: cfg.Package.TrustedHosts,
		Network:      cfg.Sandbox.InstallNetwork,
		Sandbox:      sandbox.CreateOptionsFromConfig(&cfg.Sandbox),
		Timeout:      cfg.GetInstallTimeout(),
	})
}

// registerTelemetry installs the meter provider before the engine starts so
// pool and engine instruments report through it.
func registerTelemetry(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) error {
	shutdown, err := telemetry.Init(context.Background(), log, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return shutdown(ctx)
		},
	})
	return nil
}

func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, log *zap.Logger, cfg *config.Config, eng *engine.Engine, srv *mcpserver.MCPServer) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := eng.Start(ctx); err != nil {
				return err
			}

			var serve func() error
			switch cfg.Server.Transport {
			case "stdio":
				serve = srv.ServeStdio
			case "http":
				serve = srv.ServeHTTP
			default:
				return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
			}

			go func() {
				if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("MCP server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				// stdio returns once the client closes the stream
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cfg.Server.Transport == "http" {
				if err := srv.Shutdown(ctx); err != nil {
					log.Warn("failed to shut down HTTP transport", zap.Error(err))
				}
			}
			err := eng.Stop(ctx)
			_ = logger.Sync(log)
			return err
		},
	})
}
