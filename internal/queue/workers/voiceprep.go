package workers

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/awaaztwin/internal/observability"
	"github.com/nikhilbhutani/awaaztwin/internal/pipeline"
	"github.com/nikhilbhutani/awaaztwin/internal/queue"
)

type VoicePreparer interface {
	Run(ctx context.Context, req pipeline.VoicePrepRequest, attempt pipeline.Attempt) (*pipeline.VoicePrepResult, error)
}

type VoicePrepWorker struct {
	prep        VoicePreparer
	metrics     *observability.Metrics
	maxAttempts int
}

func NewVoicePrepWorker(prep VoicePreparer, metrics *observability.Metrics, maxAttempts int) *VoicePrepWorker {
	return &VoicePrepWorker{prep: prep, metrics: metrics, maxAttempts: maxAttempts}
}

func (w *VoicePrepWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.VoicePrepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return malformed(w.metrics, queue.QueueVoicePrep, err)
	}

	res, err := w.prep.Run(ctx, pipeline.VoicePrepRequest{
		ProfileID:  payload.ProfileID,
		DispatchID: payload.DispatchID,
		SampleURIs: payload.SampleURIs,
		EngineName: payload.EngineName,
	}, attemptOf(ctx, w.maxAttempts))
	if res == nil {
		return settle(t, w.metrics, queue.QueueVoicePrep, nil, "", err)
	}
	status := res.Status
	if res.Superseded {
		status = "superseded"
	}
	return settle(t, w.metrics, queue.QueueVoicePrep, res, status, err)
}
