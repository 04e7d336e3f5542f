package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Result framing markers.
const (
	StartMarker = "---OUTPUT_START---"
	EndMarker   = "---OUTPUT_END---"
)

// MaxPayloadBytes is the largest payload accepted for a single argv element.
// Linux caps one argument at 128 KiB.
const MaxPayloadBytes = 120 * 1024

// DefaultStoreFile is the namespace store used by persistent sessions,
// relative to the working directory.
const DefaultStoreFile = ".pybox_namespace.pkl"

const (
	placeholderSource = "__PYBOX_SOURCE__"
	placeholderState  = "__PYBOX_STATE__"
	placeholderStore  = "__PYBOX_STORE__"
)

// Result is the structured outcome of one run.
type Result struct {
	Stdout string         `json:"stdout"`
	Stderr string         `json:"stderr"`
	Error  string         `json:"error,omitempty"`
	State  map[string]any `json:"state,omitempty"`
}

// Options configure a Codec.
type Options struct {
	// PythonBin is the interpreter invoked inside the sandbox.
	PythonBin string
	// StorePath is the absolute path of the persistent namespace store.
	StorePath string
}

// Codec builds payloads and parses results.
type Codec struct {
	pythonBin string
	storePath string
}

// New returns a Codec, filling defaults for empty options.
func New(opts Options) *Codec {
	if opts.PythonBin == "" {
		opts.PythonBin = "python"
	}
	if opts.StorePath == "" {
		opts.StorePath = "/app/" + DefaultStoreFile
	}
	return &Codec{pythonBin: opts.PythonBin, storePath: opts.StorePath}
}

// StorePath returns the in-sandbox path of the persistent namespace store.
func (c *Codec) StorePath() string { return c.storePath }

// PythonBin returns the interpreter name.
func (c *Codec) PythonBin() string { return c.pythonBin }

// WrapTransient builds a payload that runs code in a fresh namespace seeded
// from state and reports every JSON-representable top-level binding.
func (c *Codec) WrapTransient(code string, state map[string]any) (string, error) {
	if state == nil {
		state = map[string]any{}
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}

	payload := strings.NewReplacer(
		placeholderSource, encode(code),
		placeholderState, base64.StdEncoding.EncodeToString(stateJSON),
	).Replace(transientTemplate)

	return payload, checkSize(payload)
}

// WrapPersistent builds a payload that runs code against the namespace kept
// in the sandbox's store and writes the updated namespace back.
func (c *Codec) WrapPersistent(code string) (string, error) {
	payload := strings.NewReplacer(
		placeholderSource, encode(code),
		placeholderStore, encode(c.storePath),
	).Replace(persistentTemplate)

	return payload, checkSize(payload)
}

// Command returns the argv that runs payload.
func (c *Codec) Command(payload string) []string {
	return []string{c.pythonBin, "-c", payload}
}

// ParseResult extracts the framed JSON result from raw output. The second
// return value reports whether a structured result was found; when it is
// false the raw output is returned as Stdout.
func ParseResult(raw string) (Result, bool) {
	body, ok := extract(raw)
	if !ok {
		return Result{Stdout: raw}, false
	}

	var wire *Result
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil || wire == nil {
		return Result{Stdout: raw}, false
	}
	if dec.More() {
		return Result{Stdout: raw}, false
	}

	return *wire, true
}

// extract returns the text between the first start marker and the last end
// marker.
func extract(raw string) (string, bool) {
	start := strings.Index(raw, StartMarker)
	end := strings.LastIndex(raw, EndMarker)
	if start < 0 || end < 0 {
		return "", false
	}
	start += len(StartMarker)
	if end < start {
		return "", false
	}
	return strings.TrimSpace(raw[start:end]), true
}

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func checkSize(payload string) error {
	if len(payload) > MaxPayloadBytes {
		return fmt.Errorf("payload of %d bytes exceeds the %d byte limit", len(payload), MaxPayloadBytes)
	}
	return nil
}
