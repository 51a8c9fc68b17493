package queue

import (
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/awaaztwin/internal/config"
	"github.com/nikhilbhutani/awaaztwin/internal/engine"
)

// RetryPolicy supplies asynq's RetryDelayFunc and IsFailure hooks.
type RetryPolicy struct {
	Base        time.Duration
	Max         time.Duration
	Exponential bool
	Busy        time.Duration
}

func NewRetryPolicy(cfg config.QueueConfig) RetryPolicy {
	p := RetryPolicy{
		Base:        cfg.RetryBaseDelay,
		Max:         cfg.RetryMaxDelay,
		Exponential: cfg.RetryBackoff == "exponential",
		Busy:        cfg.BusyDelay,
	}
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.Busy <= 0 {
		p.Busy = 5 * time.Second
	}
	return p
}

// RetryDelay returns the wait before the next delivery. n is the number of
// retries already made. Busy tasks come back after the short busy delay so
// they wait for a free engine slot without backing off.
func (p RetryPolicy) RetryDelay(n int, err error, _ *asynq.Task) time.Duration {
	if engine.IsBusy(err) {
		return p.Busy
	}
	if !p.Exponential {
		return p.Base
	}
	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// IsFailure keeps busy tasks from consuming retry budget.
func (p RetryPolicy) IsFailure(err error) bool {
	return !engine.IsBusy(err)
}
