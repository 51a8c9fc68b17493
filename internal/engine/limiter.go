package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter caps concurrent calls per engine. Acquire waits briefly for a
// slot and returns ErrBusy when none frees up, leaving the caller to
// requeue the work.
type Limiter interface {
	Acquire(ctx context.Context, engine string) (release func(), err error)
}

// LocalLimiter enforces ceilings within a single process.
type LocalLimiter struct {
	sems map[string]*semaphore.Weighted
	wait time.Duration
}

func NewLocalLimiter(limits map[string]int, wait time.Duration) *LocalLimiter {
	sems := make(map[string]*semaphore.Weighted, len(limits))
	for name, n := range limits {
		if n < 1 {
			n = 1
		}
		sems[name] = semaphore.NewWeighted(int64(n))
	}
	return &LocalLimiter{sems: sems, wait: wait}
}

func (l *LocalLimiter) Acquire(ctx context.Context, engine string) (func(), error) {
	sem, ok := l.sems[engine]
	if !ok {
		return nil, fmt.Errorf("no concurrency limit registered for engine %s", engine)
	}

	if sem.TryAcquire(1) {
		return func() { sem.Release(1) }, nil
	}
	if l.wait <= 0 {
		return nil, fmt.Errorf("engine %s at capacity: %w", engine, ErrBusy)
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	if err := sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("engine %s at capacity: %w", engine, ErrBusy)
		}
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
