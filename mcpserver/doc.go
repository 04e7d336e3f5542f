// Package mcpserver exposes the execution engine and package installer as
// Model Context Protocol tools.
//
// Four tools are registered on a mark3labs/mcp-go server:
//
//   - execute-transient runs code in a fresh namespace seeded from an
//     optional state object.
//   - execute-persistent runs code against a session whose namespace
//     survives between calls, creating the session when needed.
//   - install-package installs a package into a session or a throwaway
//     sandbox.
//   - cleanup-session destroys a session and its sandbox.
//
// Exceptions raised by user code are data: they come back in the error field
// of a normal result. Only timeouts and runtime failures are reported with
// IsError set.
package mcpserver
