// Package main is the entry point for the pybox MCP server.
//
// pybox executes untrusted Python code in isolated container sandboxes. It
// keeps a warm pool of sandboxes for one-off runs, binds persistent sessions
// to long-lived sandboxes, and installs packages on request. The server
// speaks MCP over stdio or streamable HTTP.
//
// Usage:
//
//	pybox-server [--config path] [--log-level level] [--transport stdio|http]
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
