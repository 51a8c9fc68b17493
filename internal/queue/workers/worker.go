// Package workers adapts the pipelines to asynq handlers.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/awaaztwin/internal/engine"
	"github.com/nikhilbhutani/awaaztwin/internal/observability"
	"github.com/nikhilbhutani/awaaztwin/internal/pipeline"
)

// attemptOf reads the delivery count asynq attached to ctx. Tasks are
// enqueued with MaxRetry equal to the attempt ceiling, which leaves asynq one
// reserve delivery past it. Outside a server, as in tests, the first attempt
// of fallbackMax is assumed.
func attemptOf(ctx context.Context, fallbackMax int) pipeline.Attempt {
	n, _ := asynq.GetRetryCount(ctx)
	max := fallbackMax
	if maxRetry, ok := asynq.GetMaxRetry(ctx); ok {
		max = maxRetry
	}
	return pipeline.Attempt{Number: n, Max: max}
}

// settle maps a pipeline outcome onto asynq. A recorded outcome is written
// as the task result; a recorded failure is archived without further
// retries. Anything unrecorded goes back to the queue unless it is
// permanent.
func settle(t *asynq.Task, m *observability.Metrics, queueName string, result any, status string, err error) error {
	if result == nil {
		if engine.IsPermanent(err) {
			m.TaskOutcome(queueName, "rejected")
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		m.TaskRetry(queueName, engine.Classify(err))
		return err
	}

	writeResult(t, result)
	m.TaskOutcome(queueName, strings.ToLower(status))
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return nil
}

func writeResult(t *asynq.Task, result any) {
	w := t.ResultWriter()
	if w == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		slog.Warn("encode task result", "type", t.Type(), "error", err)
		return
	}
	if _, err := w.Write(data); err != nil {
		slog.Warn("write task result", "type", t.Type(), "error", err)
	}
}

func malformed(m *observability.Metrics, queueName string, err error) error {
	m.TaskOutcome(queueName, "malformed")
	return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
}
