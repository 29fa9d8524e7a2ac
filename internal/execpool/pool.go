// Package execpool wraps github.com/panjf2000/ants/v2 with safe task
// submission (panic recovery), lifecycle management, and basic counters,
// for components that need a concurrency-capped background worker pool
// rather than bare goroutines.
package execpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kart-io/logger"
)

// Config tunes one pool's capacity and lifecycle behavior.
type Config struct {
	Capacity         int
	ExpiryDuration   time.Duration
	PreAlloc         bool
	Nonblocking      bool
	MaxBlockingTasks int
	DisablePurge     bool
	PanicHandler     func(any)
}

// DefaultConfig returns a blocking, moderately sized pool configuration.
func DefaultConfig(capacity int) Config {
	if capacity <= 0 {
		capacity = 10
	}
	return Config{
		Capacity:       capacity,
		ExpiryDuration: 10 * time.Second,
	}
}

// Stats is a point-in-time snapshot of a pool's task counters.
type Stats struct {
	Submitted      int64
	Completed      int64
	Rejected       int64
	PanicRecovered int64
}

// Pool is a named, concurrency-capped worker pool with panic-safe
// submission.
type Pool struct {
	name   string
	pool   *ants.Pool
	mu     sync.Mutex
	closed atomic.Bool
	stats  struct {
		submitted, completed, rejected, panics atomic.Int64
	}
}

// New creates a pool named name with the given config.
func New(name string, cfg Config) (*Pool, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}

	p := &Pool{name: name}
	panicHandler := cfg.PanicHandler
	if panicHandler == nil {
		panicHandler = p.defaultPanicHandler
	}

	antsPool, err := ants.NewPool(cfg.Capacity,
		ants.WithExpiryDuration(cfg.ExpiryDuration),
		ants.WithPreAlloc(cfg.PreAlloc),
		ants.WithNonblocking(cfg.Nonblocking),
		ants.WithMaxBlockingTasks(cfg.MaxBlockingTasks),
		ants.WithDisablePurge(cfg.DisablePurge),
		ants.WithPanicHandler(panicHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool %q: %w", name, err)
	}
	p.pool = antsPool
	return p, nil
}

func (p *Pool) defaultPanicHandler(r any) {
	p.stats.panics.Add(1)
	logger.Errorw("goroutine panic recovered in pool",
		"pool", p.name, "panic", fmt.Sprintf("%v", r), "stack", string(debug.Stack()))
}

// Name returns the pool's label, used in logs and metrics.
func (p *Pool) Name() string { return p.name }

// Submit queues task for execution, returning ants.ErrPoolOverload if the
// pool is nonblocking and full, or an error if the pool is closed.
func (p *Pool) Submit(task func()) error {
	if p.closed.Load() {
		return fmt.Errorf("pool %q is closed", p.name)
	}

	p.stats.submitted.Add(1)
	err := p.pool.Submit(func() {
		defer p.stats.completed.Add(1)
		task()
	})
	if err != nil {
		p.stats.rejected.Add(1)
		return fmt.Errorf("submit to pool %q: %w", p.name, err)
	}
	return nil
}

// SubmitWithContext skips the task entirely if ctx is already done by the
// time a worker picks it up.
func (p *Pool) SubmitWithContext(ctx context.Context, task func()) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return p.Submit(func() {
		select {
		case <-ctx.Done():
		default:
			task()
		}
	})
}

// Running returns the number of workers currently executing a task.
func (p *Pool) Running() int { return p.pool.Running() }

// Cap returns the pool's configured capacity.
func (p *Pool) Cap() int { return p.pool.Cap() }

// Stats returns a snapshot of the pool's task counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:      p.stats.submitted.Load(),
		Completed:      p.stats.completed.Load(),
		Rejected:       p.stats.rejected.Load(),
		PanicRecovered: p.stats.panics.Load(),
	}
}

// Release stops accepting new tasks and closes the underlying ants pool.
// It does not wait for tasks that are already running to finish.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Swap(true) {
		return
	}
	p.pool.Release()
}
