package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isdmx/pybox/sandbox"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Acquire after Drain.
var ErrClosed = errors.New("pool is closed")

var errNotRunning = errors.New("sandbox not running")

// destroyTimeout bounds background destruction of evicted sandboxes.
const destroyTimeout = 30 * time.Second

// Factory creates a new warm sandbox for the pool.
type Factory func(ctx context.Context) (*sandbox.Handle, error)

// Options configure a Pool.
type Options struct {
	// Size is the maximum number of free sandboxes kept for reuse.
	Size int
	// MaxAge evicts free sandboxes older than this. Zero disables eviction.
	MaxAge time.Duration
	// MaxConcurrentCreations caps simultaneous Factory calls.
	MaxConcurrentCreations int
	// ResetCommand is run as root when a sandbox is released.
	ResetCommand []string
	// StrictReset destroys a released sandbox whose reset failed instead of
	// reusing it.
	StrictReset bool
	// Meter records pool metrics. The global meter is used when nil.
	Meter metric.Meter
	// Now is the clock. time.Now when nil.
	Now func() time.Time
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Free  int
	InUse int
}

// Pool owns warm transient sandboxes.
type Pool struct {
	logger  *zap.Logger
	factory Factory
	opts    Options
	sem     *semaphore.Weighted
	metrics *metrics

	mu     sync.Mutex
	free   []*sandbox.Handle
	inUse  map[string]*sandbox.Handle
	closed bool

	background sync.WaitGroup
}

// New creates an empty pool.
func New(logger *zap.Logger, factory Factory, opts Options) (*Pool, error) {
	if opts.Size < 0 {
		return nil, fmt.Errorf("pool size must be non-negative, got %d", opts.Size)
	}
	if opts.MaxConcurrentCreations <= 0 {
		opts.MaxConcurrentCreations = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pool{
		logger:  logger,
		factory: factory,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrentCreations)),
		inUse:   make(map[string]*sandbox.Handle),
	}

	m, err := newMetrics(opts.Meter, p)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool metrics: %w", err)
	}
	p.metrics = m

	return p, nil
}

// WarmUp creates up to n sandboxes concurrently and adds them to the free
// list. Creation failures are logged and skipped. It returns how many
// sandboxes were added.
func (p *Pool) WarmUp(ctx context.Context, n int) int {
	if n > p.opts.Size {
		n = p.opts.Size
	}

	var (
		g     errgroup.Group
		added atomic.Int32
	)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			h, err := p.create(ctx)
			if err != nil {
				p.logger.Warn("failed to warm sandbox", zap.Error(err))
				return nil
			}

			p.mu.Lock()
			ok := !p.closed && len(p.free) < p.opts.Size
			if ok {
				p.free = append(p.free, h)
			}
			p.mu.Unlock()

			if !ok {
				p.destroy(ctx, h)
				return nil
			}
			added.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("sandbox pool warmed",
		zap.Int("requested", n),
		zap.Int32("added", added.Load()),
	)
	return int(added.Load())
}

// Acquire returns a warm sandbox, creating a new one when none is free.
// Free sandboxes older than MaxAge are evicted first and never returned.
func (p *Pool) Acquire(ctx context.Context) (*sandbox.Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	expired := p.evictLocked()
	var h *sandbox.Handle
	if n := len(p.free); n > 0 {
		h = p.free[n-1]
		p.free = p.free[:n-1]
		h.SetState(sandbox.StateInUse)
		p.inUse[h.ID()] = h
	}
	p.mu.Unlock()

	p.destroyInBackground(expired)

	if h != nil {
		p.metrics.acquired(ctx, "hit")
		p.logger.Debug("reusing pooled sandbox", zap.String("container", h.ShortID()))
		return h, nil
	}

	p.metrics.acquired(ctx, "miss")
	h, err := p.create(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(ctx, h)
		return nil, ErrClosed
	}
	h.SetState(sandbox.StateInUse)
	p.inUse[h.ID()] = h
	p.mu.Unlock()

	return h, nil
}

// Release resets a sandbox and returns it to the free list, or destroys it
// when the pool is full, closed or the reset failed under StrictReset.
// Release never fails; problems are logged.
func (p *Pool) Release(ctx context.Context, h *sandbox.Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	_, owned := p.inUse[h.ID()]
	delete(p.inUse, h.ID())
	closed := p.closed
	p.mu.Unlock()

	if !owned {
		p.logger.Warn("release of sandbox not held by the pool", zap.String("container", h.ShortID()))
		return
	}
	if closed {
		p.destroy(ctx, h)
		return
	}

	if err := p.reset(ctx, h); err != nil {
		if p.opts.StrictReset || errors.Is(err, errNotRunning) {
			p.logger.Warn("sandbox reset failed, discarding", zap.String("container", h.ShortID()), zap.Error(err))
			p.destroy(ctx, h)
			return
		}
		p.logger.Warn("sandbox reset failed", zap.String("container", h.ShortID()), zap.Error(err))
	}

	p.mu.Lock()
	if !p.closed && len(p.free) < p.opts.Size {
		h.Touch(p.opts.Now())
		h.SetState(sandbox.StateWarm)
		p.free = append(p.free, h)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.destroy(ctx, h)
}

// Drain destroys every free sandbox and every in-use sandbox for which owned
// returns false, then closes the pool. owned may be nil.
func (p *Pool) Drain(ctx context.Context, owned func(id string) bool) {
	p.mu.Lock()
	p.closed = true
	victims := p.free
	for id, h := range p.inUse {
		if owned == nil || !owned(id) {
			victims = append(victims, h)
		}
	}
	p.free = nil
	p.inUse = make(map[string]*sandbox.Handle)
	p.mu.Unlock()

	var g errgroup.Group
	for _, h := range victims {
		g.Go(func() error {
			p.destroy(ctx, h)
			return nil
		})
	}
	_ = g.Wait()
	p.background.Wait()

	p.logger.Info("sandbox pool drained", zap.Int("destroyed", len(victims)))
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Free: len(p.free), InUse: len(p.inUse)}
}

func (p *Pool) create(ctx context.Context) (*sandbox.Handle, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	h, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	p.metrics.created.Add(ctx, 1)
	p.logger.Debug("created pooled sandbox", zap.String("container", h.ShortID()))
	return h, nil
}

// evictLocked removes every free sandbox older than MaxAge. p.mu must be held.
func (p *Pool) evictLocked() []*sandbox.Handle {
	if p.opts.MaxAge <= 0 || len(p.free) == 0 {
		return nil
	}

	now := p.opts.Now()
	var expired []*sandbox.Handle
	kept := p.free[:0]
	for _, h := range p.free {
		if h.Age(now) > p.opts.MaxAge {
			expired = append(expired, h)
			continue
		}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(p.free); i++ {
		p.free[i] = nil
	}
	p.free = kept
	return expired
}

func (p *Pool) reset(ctx context.Context, h *sandbox.Handle) error {
	st, err := h.Inspect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", errNotRunning, err)
	}
	if !st.Running {
		return fmt.Errorf("%w: sandbox is %s", errNotRunning, st.Status)
	}

	if len(p.opts.ResetCommand) == 0 {
		return nil
	}
	res, err := h.Exec(ctx, p.opts.ResetCommand, sandbox.ExecOptions{User: "root"})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("reset exited with code %d: %s", res.ExitCode, sandbox.Tail(res.Output()))
	}
	return nil
}

func (p *Pool) destroyInBackground(handles []*sandbox.Handle) {
	if len(handles) == 0 {
		return
	}
	p.metrics.evicted.Add(context.Background(), int64(len(handles)))

	for _, h := range handles {
		p.logger.Info("evicting expired sandbox", zap.String("container", h.ShortID()))
		p.background.Add(1)
		go func() {
			defer p.background.Done()
			ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
			defer cancel()
			p.destroy(ctx, h)
		}()
	}
}

func (p *Pool) destroy(ctx context.Context, h *sandbox.Handle) {
	if err := h.Destroy(ctx); err != nil {
		p.logger.Warn("failed to destroy sandbox", zap.String("container", h.ShortID()), zap.Error(err))
	}
	p.metrics.destroyed.Add(ctx, 1)
}
