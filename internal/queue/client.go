package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/awaaztwin/internal/config"
)

type Client struct {
	client *asynq.Client
	cfg    config.QueueConfig
}

func NewClient(redis config.RedisConfig, cfg config.QueueConfig) *Client {
	return &Client{
		client: asynq.NewClient(RedisOpt(redis)),
		cfg:    cfg,
	}
}

// RedisOpt converts the shared redis settings into asynq's connection option.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueVoicePrep queues one preparation dispatch. The dispatch id doubles
// as the task id, so repeating the same dispatch is a no-op.
func (c *Client) EnqueueVoicePrep(ctx context.Context, payload VoicePrepPayload) error {
	if payload.ProfileID == "" || payload.DispatchID == "" {
		return errors.New("enqueue voice prep: profile_id and dispatch_id are required")
	}
	return c.enqueue(ctx, TypeVoicePrep, payload,
		asynq.Queue(QueueVoicePrep),
		asynq.TaskID("voice-prep:"+payload.DispatchID),
		asynq.MaxRetry(c.maxRetry()),
		asynq.Timeout(timeoutOrDefault(c.cfg.PrepTimeout, 30*time.Minute)),
		asynq.Retention(c.cfg.ResultRetention),
	)
}

// EnqueueSynthesis queues a synthesis job keyed by its job id. A job that is
// still queued or retained is not enqueued again.
func (c *Client) EnqueueSynthesis(ctx context.Context, payload SynthesisPayload) error {
	if payload.JobID == "" {
		return errors.New("enqueue synthesis: job_id is required")
	}
	return c.enqueue(ctx, TypeSynthesis, payload,
		asynq.Queue(QueueSynthesis),
		asynq.TaskID("synthesis:"+payload.JobID),
		asynq.MaxRetry(c.maxRetry()),
		asynq.Timeout(timeoutOrDefault(c.cfg.SynthesisTimeout, 15*time.Minute)),
		asynq.Retention(c.cfg.ResultRetention),
	)
}

// maxRetry hands asynq the attempt ceiling as its retry count. That is one
// delivery more than the ceiling: asynq archives a task whose retries are
// used up without consulting IsFailure, so a busy result on the last
// attempt would otherwise leave no recorded status. The workers treat the
// extra delivery as bookkeeping only.
func (c *Client) maxRetry() int {
	if c.cfg.MaxAttempts < 1 {
		return 1
	}
	return c.cfg.MaxAttempts
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		slog.Info("task already queued", "type", taskType)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	slog.Info("task enqueued", "type", taskType, "task_id", info.ID, "queue", info.Queue)
	return nil
}

// Priorities maps the two queues to their asynq weights.
func Priorities(cfg config.QueueConfig) map[string]int {
	prep, synth := cfg.VoicePrepPriority, cfg.SynthesisPriority
	if prep < 1 {
		prep = 1
	}
	if synth < 1 {
		synth = 1
	}
	return map[string]int{
		QueueVoicePrep: prep,
		QueueSynthesis: synth,
	}
}

func timeoutOrDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
