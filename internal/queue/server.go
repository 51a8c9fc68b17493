package queue

import (
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/awaaztwin/internal/config"
)

// ServerConfig returns the asynq server settings for the two queues. Retry
// timing and busy handling come from RetryPolicy.
func ServerConfig(cfg config.QueueConfig, concurrency int) asynq.Config {
	policy := NewRetryPolicy(cfg)
	return asynq.Config{
		Concurrency:     concurrency,
		Queues:          Priorities(cfg),
		RetryDelayFunc:  policy.RetryDelay,
		IsFailure:       policy.IsFailure,
		ShutdownTimeout: 30 * time.Second,
	}
}
