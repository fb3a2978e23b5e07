// Package pool runs client operations on a bounded worker pool. Every
// running operation is registered in an op table so it can be listed and
// killed, and may carry a time limit.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sethvargo/go-retry"

	"github.com/kartikbazzad/bunbase/bunstore/internal/logger"
	"github.com/kartikbazzad/bunbase/bunstore/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// Options configure an Executor.
type Options struct {
	Size     int // concurrent operations
	MaxQueue int // operations waiting for a worker; 0 is unbounded

	// RetryBase and MaxRetries shape the backoff of RunRetryable.
	RetryBase  time.Duration
	MaxRetries uint64

	Logger *slog.Logger
}

// DefaultOptions returns executor options for a pool of size workers.
func DefaultOptions(size int) Options {
	return Options{
		Size:       size,
		MaxQueue:   1024,
		RetryBase:  5 * time.Millisecond,
		MaxRetries: 10,
	}
}

// RunOptions describe one operation.
type RunOptions struct {
	Name    string
	MaxTime time.Duration // zero means no limit
}

// OpInfo describes a running operation.
type OpInfo struct {
	ID      uint64        `json:"opid"`
	Name    string        `json:"op"`
	Started time.Time     `json:"started"`
	Running time.Duration `json:"running"`
	Killed  bool          `json:"killed"`
}

type op struct {
	id      uint64
	name    string
	started time.Time
	killed  atomic.Bool
	cancel  context.CancelCauseFunc
}

var errKilled = errors.New("operation was killed")

// Executor is a fixed-size pool of workers with an op table.
type Executor struct {
	opts   Options
	pool   *ants.Pool
	log    *slog.Logger
	nextID atomic.Uint64

	mu  sync.Mutex
	ops map[uint64]*op
}

// New creates an executor.
func New(opts Options) (*Executor, error) {
	if opts.Size <= 0 {
		return nil, storeerr.New(storeerr.CodeInvalidOptions, "worker pool size must be positive")
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 5 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = logger.For("pool")
	}
	e := &Executor{
		opts: opts,
		log:  log,
		ops:  make(map[uint64]*op),
	}
	p, err := ants.NewPool(opts.Size,
		ants.WithMaxBlockingTasks(opts.MaxQueue),
		ants.WithPanicHandler(func(v any) {
			log.Error("worker panic", "panic", v)
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	e.pool = p
	return e, nil
}

// Run executes fn on a worker and waits for it to return. The context passed
// to fn is cancelled when the caller's context ends, MaxTime elapses or the
// operation is killed; fn is expected to stop promptly with the context's
// error. A full queue is TemporarilyUnavailable.
func (e *Executor) Run(ctx context.Context, opts RunOptions, fn func(ctx context.Context) error) error {
	if err := storeerr.CheckContext(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if opts.MaxTime > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, opts.MaxTime)
		defer stop()
	}

	o := &op{id: e.nextID.Add(1), name: opts.Name, started: time.Now(), cancel: cancel}
	e.mu.Lock()
	e.ops[o.id] = o
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.ops, o.id)
		e.mu.Unlock()
	}()

	done := make(chan error, 1)
	err := e.pool.Submit(func() {
		metrics.RunningOps.Inc()
		defer metrics.RunningOps.Dec()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("operation panicked", "op", o.name, "opid", o.id, "panic", r)
				done <- storeerr.Newf(storeerr.CodeUnknown, "operation %s panicked: %v", o.name, r)
			}
		}()
		done <- fn(ctx)
	})
	switch {
	case errors.Is(err, ants.ErrPoolOverload):
		return storeerr.Wrap(storeerr.CodeTemporarilyUnavailable, err, "operation queue is full")
	case errors.Is(err, ants.ErrPoolClosed):
		return storeerr.Wrap(storeerr.CodeInterrupted, err, "executor is shut down")
	case err != nil:
		return err
	}

	err = <-done
	if err != nil && o.killed.Load() {
		return storeerr.Wrap(storeerr.CodeInterrupted, errKilled, fmt.Sprintf("operation %d", o.id))
	}
	return storeerr.FromContext(err)
}

// RunRetryable runs fn like Run and re-runs it with exponential backoff
// while it fails with a retryable conflict or resource error. fn must be a
// complete unit of work, such as a whole transaction. Interruption, a time
// limit or a kill ends the retries.
func (e *Executor) RunRetryable(ctx context.Context, opts RunOptions, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(e.opts.RetryBase)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(time.Second, b)
	if e.opts.MaxRetries > 0 {
		b = retry.WithMaxRetries(e.opts.MaxRetries, b)
	}

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := e.Run(ctx, opts, fn)
		if err == nil {
			return nil
		}
		if storeerr.IsRetryable(err) && ctx.Err() == nil {
			metrics.RetriesTotal.WithLabelValues(storeerr.CodeOf(err).String()).Inc()
			e.log.Debug("retrying operation", "op", opts.Name, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	return storeerr.FromContext(err)
}

// KillOp cancels a running operation. It reports whether the id was found.
func (e *Executor) KillOp(id uint64) bool {
	e.mu.Lock()
	o, ok := e.ops[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	o.killed.Store(true)
	o.cancel(errKilled)
	e.log.Info("operation killed", "opid", id, "op", o.name)
	return true
}

// Ops lists the running operations by id.
func (e *Executor) Ops() []OpInfo {
	now := time.Now()
	e.mu.Lock()
	out := make([]OpInfo, 0, len(e.ops))
	for _, o := range e.ops {
		out = append(out, OpInfo{
			ID:      o.id,
			Name:    o.name,
			Started: o.started,
			Running: now.Sub(o.started),
			Killed:  o.killed.Load(),
		})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Running returns the number of busy workers.
func (e *Executor) Running() int {
	return e.pool.Running()
}

// Close kills every running operation and waits up to timeout for the
// workers to exit.
func (e *Executor) Close(timeout time.Duration) error {
	e.mu.Lock()
	for _, o := range e.ops {
		o.killed.Store(true)
		o.cancel(errKilled)
	}
	e.mu.Unlock()
	return e.pool.ReleaseTimeout(timeout)
}
