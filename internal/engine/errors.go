package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks bad input shape or size. Permanent.
	ErrValidation = errors.New("validation error")

	// ErrVoiceMismatch marks a voice ref used against an engine other than
	// the one that produced it. Permanent.
	ErrVoiceMismatch = errors.New("voice mismatch")

	// ErrUnknownEngine marks a lookup of an engine that is not configured
	// or not enabled. Permanent.
	ErrUnknownEngine = errors.New("unknown engine")

	// ErrNoUsableSamples marks a preparation where every sample was lost
	// during download or normalization. Permanent.
	ErrNoUsableSamples = errors.New("no usable samples")

	// ErrExecution marks a model or runtime failure inside an engine.
	// Retryable.
	ErrExecution = errors.New("engine execution error")

	// ErrBusy means the engine is at its concurrency ceiling or the same id
	// is already being worked on. It is neither success nor failure.
	ErrBusy = errors.New("engine busy")
)

// UnknownEngineError reports the requested name along with the sorted set
// of names the registry can resolve.
type UnknownEngineError struct {
	Name  string
	Known []string
}

func (e *UnknownEngineError) Error() string {
	return fmt.Sprintf("unknown engine %q (known: %s)", e.Name, strings.Join(e.Known, ", "))
}

func (e *UnknownEngineError) Is(target error) bool { return target == ErrUnknownEngine }

// ExecutionError wraps a failure raised while an engine ran op.
type ExecutionError struct {
	Engine string
	Op     string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("engine %s %s: %v", e.Engine, e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// MismatchError reports a voice ref attributed to RefEngine being used
// against Engine.
type MismatchError struct {
	RefEngine string
	Engine    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("voice ref belongs to engine %q, cannot synthesize with %q", e.RefEngine, e.Engine)
}

func (e *MismatchError) Is(target error) bool { return target == ErrVoiceMismatch }

// Validationf builds an error that matches ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func execErr(engine, op string, err error) error {
	return &ExecutionError{Engine: engine, Op: op, Err: err}
}

// IsPermanent reports whether err must fail a task without consuming retry
// budget.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrVoiceMismatch) ||
		errors.Is(err, ErrUnknownEngine) ||
		errors.Is(err, ErrNoUsableSamples)
}

// IsBusy reports whether err only signals contention.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// Classify names the error class for logs and metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrVoiceMismatch):
		return "voice_mismatch"
	case errors.Is(err, ErrUnknownEngine):
		return "unknown_engine"
	case errors.Is(err, ErrNoUsableSamples):
		return "no_usable_samples"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrExecution):
		return "execution"
	}
	return "transient"
}
