package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nikhilbhutani/awaaztwin/internal/engine"
	"github.com/nikhilbhutani/awaaztwin/internal/models"
	"github.com/nikhilbhutani/awaaztwin/internal/observability"
	"github.com/nikhilbhutani/awaaztwin/internal/storage"
	"github.com/nikhilbhutani/awaaztwin/internal/store"
)

const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

type SynthesisConfig struct {
	MaxTextLength int
	ScratchDir    string
	LockTTL       time.Duration
}

type SynthesisRequest struct {
	JobID      string
	Text       string
	VoiceRef   string
	EngineName string
	Params     map[string]any
}

type SynthesisResult struct {
	JobID           string   `json:"job_id"`
	Status          string   `json:"status"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	OutputLocator   string   `json:"output_locator,omitempty"`
	ErrorClass      string   `json:"error_class,omitempty"`
	Error           string   `json:"error,omitempty"`
}

type Synthesis struct {
	engines Engines
	limiter engine.Limiter
	objects storage.Storage
	records store.Store
	locker  Locker
	metrics *observability.Metrics
	cfg     SynthesisConfig
}

// NewSynthesis builds the synthesis pipeline. locker may be nil.
func NewSynthesis(engines Engines, limiter engine.Limiter, objects storage.Storage, records store.Store,
	locker Locker, metrics *observability.Metrics, cfg SynthesisConfig) *Synthesis {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 20 * time.Minute
	}
	return &Synthesis{
		engines: engines,
		limiter: limiter,
		objects: objects,
		records: records,
		locker:  locker,
		metrics: metrics,
		cfg:     cfg,
	}
}

// Run renders one job. Error semantics match VoicePrep.Run: a result with a
// nil error is terminal and recorded, a result with an error is a recorded
// failure, and a bare error asks for another attempt.
func (s *Synthesis) Run(ctx context.Context, req SynthesisRequest, attempt Attempt) (*SynthesisResult, error) {
	log := slog.With("job_id", req.JobID, "attempt", attempt.Number+1)

	if req.JobID == "" || strings.ContainsAny(req.JobID, "/\\") || req.JobID == ".." {
		return nil, engine.Validationf("invalid job id %q", req.JobID)
	}

	job, err := s.records.GetJob(ctx, req.JobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if job != nil && job.Terminal() {
		log.Info("synthesis already recorded", "status", job.Status)
		return jobResult(job), nil
	}
	if attempt.Exhausted() {
		return s.fail(ctx, log, req.JobID, req.EngineName, exhaustedErr(attempt))
	}

	if err := s.records.UpdateJobStatus(ctx, req.JobID, models.JobStatusProcessing, store.JobResult{}); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			return s.current(ctx, req.JobID)
		}
		return nil, fmt.Errorf("mark job processing: %w", err)
	}

	res, engineName, err := s.render(ctx, log, req)
	if err != nil {
		if !shouldFail(err, attempt) {
			log.Warn("synthesis will be retried", "error", err, "class", engine.Classify(err))
			return nil, err
		}
		return s.fail(ctx, log, req.JobID, engineName, err)
	}

	if err := s.records.UpdateJobStatus(ctx, req.JobID, models.JobStatusCompleted, store.JobResult{
		EngineName:      engineName,
		DurationSeconds: res.DurationSeconds,
		OutputLocator:   res.OutputLocator,
	}); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			log.Info("duplicate delivery finished first")
			return s.current(ctx, req.JobID)
		}
		return nil, fmt.Errorf("mark job completed: %w", err)
	}

	log.Info("synthesis completed", "stage", "completed", "engine", engineName,
		"duration_seconds", *res.DurationSeconds, "output_locator", res.OutputLocator)
	return res, nil
}

func (s *Synthesis) render(ctx context.Context, log *slog.Logger, req SynthesisRequest) (*SynthesisResult, string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, req.EngineName, engine.Validationf("text is empty")
	}
	if n := utf8.RuneCountInString(req.Text); s.cfg.MaxTextLength > 0 && n > s.cfg.MaxTextLength {
		return nil, req.EngineName, engine.Validationf("text has %d characters, limit is %d", n, s.cfg.MaxTextLength)
	}

	ref, err := engine.DecodeVoiceRef(req.VoiceRef)
	if err != nil {
		return nil, req.EngineName, err
	}

	name := req.EngineName
	if name == "" {
		name = ref.EngineName
	}
	log.Info("resolving engine", "stage", "resolving", "engine", name)
	adapter, err := s.engines.Resolve(name)
	if err != nil {
		return nil, name, err
	}
	if err := engine.CheckVoice(adapter.Name(), ref); err != nil {
		return nil, name, err
	}

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, "synthesis:"+req.JobID, s.cfg.LockTTL)
		if err != nil {
			log.Warn("job lock unavailable, continuing without it", "error", err)
		} else if !ok {
			return nil, name, fmt.Errorf("job %s is being rendered elsewhere: %w", req.JobID, engine.ErrBusy)
		} else {
			defer unlock()
		}
	}

	scratch, err := os.MkdirTemp(s.cfg.ScratchDir, "synthesis-")
	if err != nil {
		return nil, name, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	log.Info("rendering audio", "stage", "synthesizing", "engine", name, "chars", utf8.RuneCountInString(req.Text))
	var (
		produced string
		elapsed  time.Duration
	)
	err = callEngine(ctx, s.limiter, s.metrics, identityOf(s.engines, adapter), "synthesize", func(ctx context.Context) error {
		start := time.Now()
		var err error
		produced, err = adapter.Synthesize(ctx, engine.SynthesisRequest{
			Text:       req.Text,
			Voice:      ref,
			Params:     req.Params,
			OutputPath: filepath.Join(scratch, "output.wav"),
		})
		elapsed = time.Since(start)
		return err
	})
	if err != nil {
		return nil, name, err
	}

	log.Info("uploading audio", "stage", "uploading")
	data, err := os.ReadFile(produced)
	if err != nil {
		return nil, name, &engine.ExecutionError{Engine: name, Op: "synthesize", Err: fmt.Errorf("read artifact: %w", err)}
	}
	locator, err := s.objects.Put(ctx, storage.OutputKey(req.JobID), data, "audio/wav")
	if err != nil {
		return nil, name, fmt.Errorf("upload artifact: %w", err)
	}

	secs := elapsed.Seconds()
	return &SynthesisResult{
		JobID:           req.JobID,
		Status:          ResultCompleted,
		DurationSeconds: &secs,
		OutputLocator:   locator,
	}, name, nil
}

func (s *Synthesis) fail(ctx context.Context, log *slog.Logger, jobID, engineName string, cause error) (*SynthesisResult, error) {
	class := engine.Classify(cause)
	log.Error("synthesis failed", "error", cause, "class", class)

	err := s.records.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, store.JobResult{
		EngineName: engineName,
		ErrorClass: class,
		Error:      cause.Error(),
	})
	if errors.Is(err, store.ErrAlreadyTerminal) {
		return s.current(ctx, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("mark job failed: %w (cause: %v)", err, cause)
	}
	return &SynthesisResult{
		JobID:      jobID,
		Status:     ResultFailed,
		ErrorClass: class,
		Error:      cause.Error(),
	}, cause
}

func (s *Synthesis) current(ctx context.Context, id string) (*SynthesisResult, error) {
	job, err := s.records.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return jobResult(job), nil
}

func jobResult(j *models.SynthesisJob) *SynthesisResult {
	res := &SynthesisResult{JobID: j.ID, ErrorClass: j.ErrorClass, Error: j.Error}
	switch j.Status {
	case models.JobStatusCompleted:
		res.Status = ResultCompleted
		res.DurationSeconds = j.DurationSeconds
		res.OutputLocator = j.OutputLocator
	case models.JobStatusFailed:
		res.Status = ResultFailed
	default:
		res.Status = strings.ToLower(j.Status)
	}
	return res
}
