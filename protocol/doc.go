// Package protocol builds the payloads injected into a sandbox and recovers
// structured results from the sandbox's output.
//
// Caller code, caller state and the namespace store path travel base64
// encoded inside a fixed Python wrapper, and the wrapper is delivered as a
// single argv element (python -c <payload>). Nothing in the caller's code can
// therefore be interpreted by a shell or split into extra arguments.
//
// The wrapper prints its result as one JSON object framed by two marker
// lines, as the last thing it writes:
//
//	---OUTPUT_START---
//	{"stdout": "...", "stderr": "...", "error": null, "state": {...}}
//	---OUTPUT_END---
//
// Anything outside the markers is diagnostic noise and is ignored.
package protocol
