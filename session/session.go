package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isdmx/pybox/sandbox"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configure a Registry.
type Options struct {
	// Sandbox is the template every session sandbox is created from.
	// Command, NetworkMode and the session labels are set by the registry.
	Sandbox sandbox.CreateOptions
	// NetworkDisabled detaches new sandboxes from every network once they
	// are running.
	NetworkDisabled bool
	// StorePath is the namespace store removed before a sandbox is torn down.
	StorePath string
}

// Session is a caller-visible id bound to one sandbox.
type Session struct {
	ID              string
	Handle          *sandbox.Handle
	CreatedAt       time.Time
	NetworkDisabled bool
}

type entry struct {
	mu      sync.Mutex
	session *Session
}

// Registry owns all session sandboxes.
type Registry struct {
	logger  *zap.Logger
	runtime sandbox.Runtime
	opts    Options

	mu         sync.RWMutex
	entries    map[string]*entry
	containers map[string]string
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// New creates an empty registry.
func New(logger *zap.Logger, runtime sandbox.Runtime, opts Options) *Registry {
	return &Registry{
		logger:     logger,
		runtime:    runtime,
		opts:       opts,
		entries:    make(map[string]*entry),
		containers: make(map[string]string),
	}
}

// GetOrCreate returns the session for id, provisioning its sandbox if the
// session does not exist yet. An empty id creates a session with a generated
// id. The boolean reports whether the session was created by this call.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	if id == "" {
		id = NewID()
	}

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{}
		r.entries[id] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		return e.session, false, nil
	}

	s, err := r.provision(ctx, id)
	if err != nil {
		r.mu.Lock()
		if r.entries[id] == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		return nil, false, err
	}

	e.session = s
	r.mu.Lock()
	r.containers[s.Handle.ID()] = id
	r.mu.Unlock()

	r.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("container", s.Handle.ShortID()),
		zap.Bool("network_disabled", s.NetworkDisabled),
	)
	return s, true, nil
}

// Get returns an existing session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, e.session != nil
}

// Destroy forgets a session and tears down its sandbox. It reports whether
// the session existed. Teardown failures are logged, never returned.
func (r *Registry) Destroy(ctx context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()
	if s == nil {
		return false
	}

	r.mu.Lock()
	delete(r.containers, s.Handle.ID())
	r.mu.Unlock()

	r.teardown(ctx, s)
	return true
}

// DestroyAll tears down every session concurrently.
func (r *Registry) DestroyAll(ctx context.Context) {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.containers = make(map[string]string)
	r.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			e.mu.Lock()
			s := e.session
			e.session = nil
			e.mu.Unlock()
			if s != nil {
				r.teardown(ctx, s)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("all sessions destroyed", zap.Int("count", len(entries)))
}

// Owns reports whether a container belongs to a live session.
func (r *Registry) Owns(containerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.containers[containerID]
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.containers)
}

func (r *Registry) provision(ctx context.Context, id string) (*Session, error) {
	opts := r.opts.Sandbox
	opts.Command = []string{"sleep", "infinity"}
	opts.NetworkMode = sandbox.NetworkBridge
	// installs write to site-packages
	opts.ReadOnlyRootFS = false
	opts.Labels = maps.Clone(opts.Labels)
	if opts.Labels == nil {
		opts.Labels = make(map[string]string)
	}
	opts.Labels[sandbox.LabelSessionID] = id
	opts.Labels[sandbox.LabelNetworkDisabled] = strconv.FormatBool(r.opts.NetworkDisabled)
	opts.Labels[sandbox.LabelCreated] = strconv.FormatInt(time.Now().Unix(), 10)

	h, err := sandbox.Create(ctx, r.runtime, opts)
	if err != nil {
		return nil, err
	}
	h.SetState(sandbox.StateInUse)

	if r.opts.NetworkDisabled {
		if err := r.isolate(ctx, h); err != nil {
			if destroyErr := h.Destroy(context.WithoutCancel(ctx)); destroyErr != nil {
				r.logger.Warn("failed to destroy session sandbox", zap.String("container", h.ShortID()), zap.Error(destroyErr))
			}
			return nil, &sandbox.InfrastructureError{Op: "isolate", Err: err}
		}
	}

	return &Session{
		ID:              id,
		Handle:          h,
		CreatedAt:       h.CreatedAt(),
		NetworkDisabled: r.opts.NetworkDisabled,
	}, nil
}

// isolate detaches the sandbox from every network it is attached to.
func (r *Registry) isolate(ctx context.Context, h *sandbox.Handle) error {
	st, err := h.Inspect(ctx)
	if err != nil {
		return err
	}
	for _, name := range st.Networks {
		if err := h.DisconnectNetwork(ctx, name); err != nil {
			return fmt.Errorf("disconnect %s: %w", name, err)
		}
	}
	return nil
}

func (r *Registry) teardown(ctx context.Context, s *Session) {
	log := r.logger.With(zap.String("session_id", s.ID), zap.String("container", s.Handle.ShortID()))

	if r.opts.StorePath != "" {
		res, err := s.Handle.Exec(ctx, []string{"rm", "-f", r.opts.StorePath}, sandbox.ExecOptions{User: "root"})
		if err != nil {
			log.Debug("failed to remove namespace store", zap.Error(err))
		} else if res.ExitCode != 0 {
			log.Debug("failed to remove namespace store", zap.Int("exit_code", res.ExitCode), zap.String("output", res.Output()))
		}
	}

	if err := s.Handle.Destroy(ctx); err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			log.Info("session sandbox already gone")
			return
		}
		log.Warn("failed to destroy session sandbox", zap.Error(err))
		return
	}
	log.Info("session destroyed")
}
