// Package pool keeps a bounded set of warm, reusable sandboxes for transient
// runs.
//
// The free list and in-use set are only touched under the pool mutex.
// Creating and destroying sandboxes happens outside it; creation is bounded by
// a semaphore so a burst of misses cannot flood the container runtime.
//
// Basic usage:
//
//	p, err := pool.New(logger, factory, pool.Options{Size: 4, MaxAge: 5 * time.Minute})
//	p.WarmUp(ctx, 4)
//
//	h, err := p.Acquire(ctx)
//	if err != nil {
//		// run unpooled
//	}
//	defer p.Release(context.WithoutCancel(ctx), h)
package pool
