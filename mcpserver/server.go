package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/pybox/config"
	"github.com/isdmx/pybox/installer"
	"github.com/isdmx/pybox/protocol"
	"github.com/isdmx/pybox/sandbox"
)

// Executor runs Python code for the execution tools.
type Executor interface {
	ExecuteTransient(ctx context.Context, code string, state map[string]any) (protocol.Result, error)
	ExecutePersistent(ctx context.Context, code, sessionID string) (protocol.Result, string, error)
	CleanupSession(ctx context.Context, sessionID string) bool
}

// PackageInstaller installs packages for the install-package tool.
type PackageInstaller interface {
	Install(ctx context.Context, pkg, sessionID string) (string, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Executor
	installer PackageInstaller
	mcpServer *server.MCPServer

	httpServer *server.StreamableHTTPServer
}

// executionResult is the JSON body returned by the execution tools.
type executionResult struct {
	Stdout    string         `json:"stdout"`
	Stderr    string         `json:"stderr"`
	Error     *string        `json:"error"`
	State     map[string]any `json:"state"`
	SessionID string         `json:"session_id,omitempty"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, exec Executor, inst PackageInstaller) (*MCPServer, error) {
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if inst == nil {
		return nil, errors.New("package installer is required")
	}

	s := &MCPServer{
		config:    cfg,
		logger:    logger,
		executor:  exec,
		installer: inst,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.image", cfg.Sandbox.Image),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.String("sandbox.memory_limit", cfg.Sandbox.MemoryLimit),
		zap.Float64("sandbox.cpu_limit", cfg.Sandbox.CPULimit),
		zap.Bool("sandbox.network_disabled", cfg.Sandbox.NetworkDisabled),
		zap.Bool("pool.enabled", cfg.Pool.Enabled),
		zap.Int("pool.size", cfg.Pool.Size),
		zap.Int("pool.max_age_sec", cfg.Pool.MaxAgeSec),
		zap.String("package.installer", cfg.Package.Installer),
		zap.String("package.index_url", cfg.Package.IndexURL),
	)

	s.mcpServer = server.NewMCPServer("pybox", "Python code execution in isolated sandboxes")

	s.registerTools()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute-transient",
		Description: "Execute Python code in a transient sandbox that doesn't persist state",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python code to execute",
				},
				"state": map[string]any{
					"type":        "object",
					"description": "Optional state dictionary to provide to the code",
				},
			},
			Required: []string{"code"},
		},
	}, s.handleExecuteTransient)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute-persistent",
		Description: "Execute Python code in a persistent sandbox that retains state between calls",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python code to execute",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Optional session ID; a new session is created when omitted",
				},
			},
			Required: []string{"code"},
		},
	}, s.handleExecutePersistent)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "install-package",
		Description: "Install a Python package in a sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"package_name": map[string]any{
					"type":        "string",
					"description": "Name of the package to install",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Optional session ID for a persistent sandbox",
				},
			},
			Required: []string{"package_name"},
		},
	}, s.handleInstallPackage)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "cleanup-session",
		Description: "Clean up a persistent session and its resources",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session ID to clean up",
				},
			},
			Required: []string{"session_id"},
		},
	}, s.handleCleanupSession)
}

func (s *MCPServer) handleExecuteTransient(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	var state map[string]any
	if raw, ok := request.GetArguments()["state"]; ok && raw != nil {
		state, ok = raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("state must be an object, got %T", raw)
		}
	}

	s.logger.Info("transient execution requested", zap.Int("code_len", len(code)), zap.Int("state_keys", len(state)))

	res, err := s.executor.ExecuteTransient(ctx, code, state)
	if err != nil {
		s.logger.Error("transient execution failed", zap.Error(err))
		return failure(err), nil
	}

	return s.resultJSON(res, "")
}

func (s *MCPServer) handleExecutePersistent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	sessionID := request.GetString("session_id", "")

	s.logger.Info("persistent execution requested", zap.Int("code_len", len(code)), zap.String("session_id", sessionID))

	res, id, err := s.executor.ExecutePersistent(ctx, code, sessionID)
	if err != nil {
		s.logger.Error("persistent execution failed", zap.String("session_id", id), zap.Error(err))
		return failure(err), nil
	}

	return s.resultJSON(res, id)
}

func (s *MCPServer) handleInstallPackage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pkg, err := request.RequireString("package_name")
	if err != nil {
		return nil, fmt.Errorf("package_name parameter is required: %w", err)
	}
	sessionID := request.GetString("session_id", "")

	s.logger.Info("package installation requested", zap.String("package", pkg), zap.String("session_id", sessionID))

	output, err := s.installer.Install(ctx, pkg, sessionID)
	if err != nil {
		s.logger.Error("package installation failed", zap.String("package", pkg), zap.Error(err))
		if errors.Is(err, installer.ErrInvalidPackage) {
			return textResult(err.Error(), true), nil
		}
		return textResult(fmt.Sprintf("Package installation failed: %v", err), true), nil
	}

	return textResult("Package installation result:\n\n"+output, false), nil
}

func (s *MCPServer) handleCleanupSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	if !s.executor.CleanupSession(ctx, sessionID) {
		return textResult(fmt.Sprintf("Session %s not found", sessionID), true), nil
	}
	return textResult(fmt.Sprintf("Session %s cleaned up successfully", sessionID), false), nil
}

func (s *MCPServer) resultJSON(res protocol.Result, sessionID string) (*mcp.CallToolResult, error) {
	out := executionResult{
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		State:     res.State,
		SessionID: sessionID,
	}
	if res.Error != "" {
		out.Error = &res.Error
	}
	if out.State == nil {
		out.State = map[string]any{}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return textResult(string(b), false), nil
}

func failure(err error) *mcp.CallToolResult {
	if sandbox.IsTimeout(err) {
		return textResult(fmt.Sprintf("Execution timed out: %v", err), true)
	}
	return textResult(fmt.Sprintf("Execution failed: %v", err), true)
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: isError,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
