package queue

import (
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/awaaztwin/internal/config"
)

type QueueStats struct {
	Queue     string `json:"queue"`
	Size      int    `json:"size"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Completed int    `json:"completed"`
	Paused    bool   `json:"paused"`
}

// Inspector reports the state of the voice-prep and synthesis queues.
type Inspector struct {
	inspector *asynq.Inspector
}

func NewInspector(redis config.RedisConfig) *Inspector {
	return &Inspector{inspector: asynq.NewInspector(RedisOpt(redis))}
}

func (i *Inspector) Close() error {
	return i.inspector.Close()
}

// Stats returns one entry per queue. A queue nothing has been enqueued to
// yet reports zeros.
func (i *Inspector) Stats() ([]QueueStats, error) {
	known, err := i.inspector.Queues()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	exists := make(map[string]bool, len(known))
	for _, q := range known {
		exists[q] = true
	}

	out := make([]QueueStats, 0, 2)
	for _, name := range []string{QueueVoicePrep, QueueSynthesis} {
		if !exists[name] {
			out = append(out, QueueStats{Queue: name})
			continue
		}
		info, err := i.inspector.GetQueueInfo(name)
		if err != nil {
			return nil, fmt.Errorf("inspect queue %s: %w", name, err)
		}
		out = append(out, QueueStats{
			Queue:     name,
			Size:      info.Size,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Completed: info.Completed,
			Paused:    info.Paused,
		})
	}
	return out, nil
}
