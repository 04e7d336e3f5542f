// Package engine runs transient and persistent requests end to end.
//
// A transient run borrows a warm sandbox from the pool, injects the payload
// with exec, parses the framed result and hands the sandbox back. If the pool
// cannot serve the run, the engine falls back to a disposable sandbox that
// runs the payload as its main process. Timeouts are never retried.
//
// A persistent run looks up (or creates) the caller's session and execs the
// payload in its sandbox, where the namespace store survives between calls.
//
// Errors returned by the engine are either timeouts (errors.Is(err,
// sandbox.ErrTimeout)) or *sandbox.InfrastructureError. Exceptions raised by
// the executed code are data in Result.Error.
package engine
