package workers

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/awaaztwin/internal/observability"
	"github.com/nikhilbhutani/awaaztwin/internal/pipeline"
	"github.com/nikhilbhutani/awaaztwin/internal/queue"
)

type Synthesizer interface {
	Run(ctx context.Context, req pipeline.SynthesisRequest, attempt pipeline.Attempt) (*pipeline.SynthesisResult, error)
}

type SynthesisWorker struct {
	synth       Synthesizer
	metrics     *observability.Metrics
	maxAttempts int
}

func NewSynthesisWorker(synth Synthesizer, metrics *observability.Metrics, maxAttempts int) *SynthesisWorker {
	return &SynthesisWorker{synth: synth, metrics: metrics, maxAttempts: maxAttempts}
}

func (w *SynthesisWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.SynthesisPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return malformed(w.metrics, queue.QueueSynthesis, err)
	}

	res, err := w.synth.Run(ctx, pipeline.SynthesisRequest{
		JobID:      payload.JobID,
		Text:       payload.Text,
		VoiceRef:   payload.VoiceEmbeddingRef,
		EngineName: payload.EngineName,
		Params:     payload.Params,
	}, attemptOf(ctx, w.maxAttempts))
	if res == nil {
		return settle(t, w.metrics, queue.QueueSynthesis, nil, "", err)
	}
	return settle(t, w.metrics, queue.QueueSynthesis, res, res.Status, err)
}
