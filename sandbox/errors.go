package sandbox

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrTimeout reports that a run exceeded its wall-clock budget.
var ErrTimeout = errors.New("execution timed out")

// ErrNotFound reports an unknown sandbox or session.
var ErrNotFound = errors.New("not found")

// MaxLogTail bounds the captured output carried by an InfrastructureError.
const MaxLogTail = 4096

// InfrastructureError reports that the runtime, rather than the executed code,
// failed: the sandbox did not start, exec failed, or the process exited
// non-zero outside the result protocol.
type InfrastructureError struct {
	Op       string
	ExitCode int
	LogTail  string
	Err      error
}

func (e *InfrastructureError) Error() string {
	msg := "sandbox " + e.Op + " failed"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.LogTail != "" {
		msg += "\n" + e.LogTail
	}
	return msg
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Tail returns at most MaxLogTail trailing bytes of s, cut on a rune
// boundary.
func Tail(s string) string {
	if len(s) <= MaxLogTail {
		return s
	}
	start := len(s) - MaxLogTail
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "..." + s[start:]
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsInfrastructure reports whether err is an InfrastructureError.
func IsInfrastructure(err error) bool {
	var infraErr *InfrastructureError
	return errors.As(err, &infraErr)
}
