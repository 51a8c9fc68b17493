// Package pipeline runs voice preparation and synthesis against the engine
// registry and the storage and persistence collaborators. It knows nothing
// about the queue that delivers the work; callers pass the attempt number
// and act on the returned error class.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nikhilbhutani/awaaztwin/internal/engine"
	"github.com/nikhilbhutani/awaaztwin/internal/observability"
)

// Attempt identifies one delivery of a task. Number counts from zero; Max is
// the attempt ceiling. The queue keeps one delivery in reserve past Max so
// that a task which never recorded an outcome still gets one.
type Attempt struct {
	Number int
	Max    int
}

// Final reports whether a retryable failure on this attempt is terminal.
func (a Attempt) Final() bool {
	return a.Max <= 0 || a.Number+1 >= a.Max
}

// Exhausted reports whether this is the reserve delivery after the ceiling.
// It never reaches an engine; it only records a terminal status if none
// exists yet.
func (a Attempt) Exhausted() bool {
	return a.Max > 0 && a.Number >= a.Max
}

func exhaustedErr(a Attempt) error {
	return fmt.Errorf("no outcome recorded within %d attempts", a.Max)
}

// Engines is the view of the registry the pipelines need.
type Engines interface {
	Resolve(name string) (engine.Adapter, error)
	Default() (string, error)
	Identity(name string) (engine.Identity, bool)
}

// Locker is an optional per-id lock that avoids duplicate concurrent work.
// Correctness never depends on it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// shouldFail reports whether err ends the task now rather than leaving it
// for another attempt.
func shouldFail(err error, attempt Attempt) bool {
	if engine.IsBusy(err) {
		return false
	}
	return engine.IsPermanent(err) || attempt.Final()
}

// callEngine runs fn under the engine's concurrency slot and timeout. A
// timeout becomes a retryable ExecutionError.
func callEngine(ctx context.Context, limiter engine.Limiter, metrics *observability.Metrics,
	id engine.Identity, op string, fn func(ctx context.Context) error) error {

	release, err := limiter.Acquire(ctx, id.Name)
	if err != nil {
		return err
	}
	defer release()

	callCtx := ctx
	if id.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, id.Timeout)
		defer cancel()
	}

	done := metrics.EngineCall(id.Name, op)
	err = fn(callCtx)
	done()

	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, engine.ErrExecution) {
		return &engine.ExecutionError{
			Engine: id.Name,
			Op:     op,
			Err:    fmt.Errorf("timed out after %s: %w", id.Timeout, err),
		}
	}
	return err
}

func identityOf(engines Engines, a engine.Adapter) engine.Identity {
	if id, ok := engines.Identity(a.Name()); ok {
		return id
	}
	return engine.Identity{Name: a.Name()}
}
