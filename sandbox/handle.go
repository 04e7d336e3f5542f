package sandbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

// State is the lifecycle state of a Handle.
type State int32

const (
	StateWarm State = iota
	StateInUse
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateWarm:
		return "warm"
	case StateInUse:
		return "in_use"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DefaultStopTimeout is the grace period given to a sandbox on Destroy.
const DefaultStopTimeout = 5 * time.Second

// Handle is a façade over one running sandbox.
//
// A Handle is owned by exactly one registry at a time (a pool free list, a
// pool in-use set, or a session). The owner is responsible for state changes.
type Handle struct {
	id        string
	runtime   Runtime
	state     atomic.Int32
	createdAt atomic.Int64
}

// NewHandle wraps an already-created sandbox.
func NewHandle(rt Runtime, id string, createdAt time.Time) *Handle {
	h := &Handle{id: id, runtime: rt}
	h.createdAt.Store(createdAt.UnixNano())
	return h
}

// Create creates and starts a sandbox and returns its handle in the Warm state.
func Create(ctx context.Context, rt Runtime, opts CreateOptions) (*Handle, error) {
	id, err := rt.Create(ctx, opts)
	if err != nil {
		return nil, &InfrastructureError{Op: "create", Err: err}
	}
	return NewHandle(rt, id, time.Now()), nil
}

// ID returns the runtime id of the sandbox.
func (h *Handle) ID() string { return h.id }

// ShortID returns the first 12 characters of the id, for logs.
func (h *Handle) ShortID() string {
	if len(h.id) > 12 {
		return h.id[:12]
	}
	return h.id
}

func (h *Handle) State() State { return State(h.state.Load()) }

func (h *Handle) SetState(s State) { h.state.Store(int32(s)) }

// CreatedAt returns the time the handle was created or last refreshed.
func (h *Handle) CreatedAt() time.Time { return time.Unix(0, h.createdAt.Load()) }

// Touch resets the handle's age to now.
func (h *Handle) Touch(now time.Time) { h.createdAt.Store(now.UnixNano()) }

// Age returns how long ago the handle was created or refreshed.
func (h *Handle) Age(now time.Time) time.Duration { return now.Sub(h.CreatedAt()) }

func (h *Handle) Exec(ctx context.Context, cmd []string, opts ExecOptions) (ExecResult, error) {
	return h.runtime.Exec(ctx, h.id, cmd, opts)
}

func (h *Handle) Wait(ctx context.Context) (int, error) {
	return h.runtime.Wait(ctx, h.id)
}

func (h *Handle) Logs(ctx context.Context) (stdout, stderr string, err error) {
	return h.runtime.Logs(ctx, h.id)
}

func (h *Handle) Stop(ctx context.Context, timeout time.Duration) error {
	return h.runtime.Stop(ctx, h.id, timeout)
}

func (h *Handle) Remove(ctx context.Context, force bool) error {
	return h.runtime.Remove(ctx, h.id, force)
}

func (h *Handle) Inspect(ctx context.Context) (Status, error) {
	return h.runtime.Inspect(ctx, h.id)
}

func (h *Handle) ConnectNetwork(ctx context.Context, network string) error {
	return h.runtime.ConnectNetwork(ctx, h.id, network)
}

func (h *Handle) DisconnectNetwork(ctx context.Context, network string) error {
	return h.runtime.DisconnectNetwork(ctx, h.id, network)
}

// Destroy stops the sandbox if it is still running and force-removes it.
// It never panics and always attempts removal; failures are combined into the
// returned error for the caller to log.
func (h *Handle) Destroy(ctx context.Context) error {
	h.SetState(StateTerminating)

	var err error
	if st, inspectErr := h.runtime.Inspect(ctx, h.id); inspectErr == nil && st.Running {
		err = multierr.Append(err, h.runtime.Stop(ctx, h.id, DefaultStopTimeout))
	}
	err = multierr.Append(err, h.runtime.Remove(ctx, h.id, true))
	if err != nil {
		return fmt.Errorf("destroy sandbox %s: %w", h.ShortID(), err)
	}
	return nil
}
