package workers_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/awaaztwin/internal/engine"
	"github.com/nikhilbhutani/awaaztwin/internal/models"
	"github.com/nikhilbhutani/awaaztwin/internal/observability"
	"github.com/nikhilbhutani/awaaztwin/internal/pipeline"
	"github.com/nikhilbhutani/awaaztwin/internal/queue"
	"github.com/nikhilbhutani/awaaztwin/internal/queue/workers"
)

type stubSynth struct {
	res      *pipeline.SynthesisResult
	err      error
	got      pipeline.SynthesisRequest
	attempts []pipeline.Attempt
}

func (s *stubSynth) Run(_ context.Context, req pipeline.SynthesisRequest, a pipeline.Attempt) (*pipeline.SynthesisResult, error) {
	s.got = req
	s.attempts = append(s.attempts, a)
	return s.res, s.err
}

type stubPrep struct {
	res *pipeline.VoicePrepResult
	err error
	got pipeline.VoicePrepRequest
}

func (s *stubPrep) Run(_ context.Context, req pipeline.VoicePrepRequest, _ pipeline.Attempt) (*pipeline.VoicePrepResult, error) {
	s.got = req
	return s.res, s.err
}

func synthesisTask(t *testing.T, p queue.SynthesisPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return asynq.NewTask(queue.TypeSynthesis, data)
}

func TestSynthesisWorkerPassesPayload(t *testing.T) {
	t.Parallel()

	secs := 1.0
	stub := &stubSynth{res: &pipeline.SynthesisResult{
		JobID: "job-001", Status: pipeline.ResultCompleted, DurationSeconds: &secs, OutputLocator: "local://outputs/job-001.wav",
	}}
	w := workers.NewSynthesisWorker(stub, nil, 3)

	err := w.ProcessTask(context.Background(), synthesisTask(t, queue.SynthesisPayload{
		JobID:             "job-001",
		Text:              "Hello AwaazTwin",
		VoiceEmbeddingRef: `{"engine_name":"XTTS_HI","embedding_locator":"/e.json","metadata":{}}`,
		Params:            map[string]any{"speed": 1.1},
	}))
	require.NoError(t, err)

	assert.Equal(t, "job-001", stub.got.JobID)
	assert.Equal(t, "Hello AwaazTwin", stub.got.Text)
	assert.Equal(t, 1.1, stub.got.Params["speed"])
	assert.Equal(t, []pipeline.Attempt{{Number: 0, Max: 3}}, stub.attempts)
}

func TestSynthesisWorkerErrorMapping(t *testing.T) {
	t.Parallel()

	failed := &pipeline.SynthesisResult{JobID: "job-x", Status: pipeline.ResultFailed, ErrorClass: "validation"}
	cases := map[string]struct {
		res       *pipeline.SynthesisResult
		err       error
		wantErr   bool
		skipRetry bool
		busy      bool
	}{
		"completed":            {res: &pipeline.SynthesisResult{Status: pipeline.ResultCompleted}},
		"recorded failure":     {res: failed, err: engine.Validationf("text is empty"), wantErr: true, skipRetry: true},
		"retryable":            {err: &engine.ExecutionError{Engine: "XTTS_HI", Op: "synthesize", Err: errors.New("oom")}, wantErr: true},
		"busy":                 {err: engine.ErrBusy, wantErr: true, busy: true},
		"unrecorded permanent": {err: engine.Validationf("invalid job id"), wantErr: true, skipRetry: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := workers.NewSynthesisWorker(&stubSynth{res: tc.res, err: tc.err}, nil, 3)
			err := w.ProcessTask(context.Background(), synthesisTask(t, queue.SynthesisPayload{JobID: "job-x", Text: "hi"}))
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.skipRetry, errors.Is(err, asynq.SkipRetry))
			assert.Equal(t, tc.busy, engine.IsBusy(err))
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestMalformedPayloadIsNotRetried(t *testing.T) {
	t.Parallel()

	stub := &stubPrep{}
	w := workers.NewVoicePrepWorker(stub, nil, 3)
	err := w.ProcessTask(context.Background(), asynq.NewTask(queue.TypeVoicePrep, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, stub.got.ProfileID)

	sw := workers.NewSynthesisWorker(&stubSynth{}, nil, 3)
	err = sw.ProcessTask(context.Background(), asynq.NewTask(queue.TypeSynthesis, []byte("[]")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestVoicePrepWorkerRecordsOutcome(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg, "awaaztwin")
	stub := &stubPrep{res: &pipeline.VoicePrepResult{ProfileID: "voice-001", Status: models.ProfileStatusReady}}
	w := workers.NewVoicePrepWorker(stub, metrics, 3)

	data, err := json.Marshal(queue.VoicePrepPayload{
		ProfileID:  "voice-001",
		DispatchID: "d-1",
		SampleURIs: []string{"local://samples/a.wav", "local://samples/b.wav"},
		EngineName: "OPENVOICE_V2",
	})
	require.NoError(t, err)
	require.NoError(t, w.ProcessTask(context.Background(), asynq.NewTask(queue.TypeVoicePrep, data)))

	assert.Equal(t, []string{"local://samples/a.wav", "local://samples/b.wav"}, stub.got.SampleURIs)
	assert.Equal(t, "OPENVOICE_V2", stub.got.EngineName)
	assert.Equal(t, "d-1", stub.got.DispatchID)

	assert.Equal(t, 1.0, outcomeCount(t, reg, queue.QueueVoicePrep, "ready"))
}

func TestVoicePrepWorkerSupersededDispatch(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg, "awaaztwin")
	stub := &stubPrep{res: &pipeline.VoicePrepResult{ProfileID: "voice-001", Status: models.ProfileStatusReady, Superseded: true}}
	w := workers.NewVoicePrepWorker(stub, metrics, 3)

	data, err := json.Marshal(queue.VoicePrepPayload{ProfileID: "voice-001", DispatchID: "d-old", SampleURIs: []string{"a.wav"}})
	require.NoError(t, err)
	require.NoError(t, w.ProcessTask(context.Background(), asynq.NewTask(queue.TypeVoicePrep, data)))

	assert.Equal(t, 1.0, outcomeCount(t, reg, queue.QueueVoicePrep, "superseded"))
	assert.Zero(t, outcomeCount(t, reg, queue.QueueVoicePrep, "ready"))
}

func outcomeCount(t *testing.T, reg *prometheus.Registry, queueName, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "awaaztwin_task_outcomes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["queue"] == queueName && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
