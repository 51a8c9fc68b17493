package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nikhilbhutani/awaaztwin/internal/audio"
	"github.com/nikhilbhutani/awaaztwin/internal/engine"
	"github.com/nikhilbhutani/awaaztwin/internal/models"
	"github.com/nikhilbhutani/awaaztwin/internal/observability"
	"github.com/nikhilbhutani/awaaztwin/internal/storage"
	"github.com/nikhilbhutani/awaaztwin/internal/store"
)

type VoicePrepConfig struct {
	MaxSamples      int
	ScratchDir      string
	DownloadWorkers int
}

type VoicePrepRequest struct {
	ProfileID  string
	DispatchID string
	SampleURIs []string
	EngineName string
}

type VoicePrepResult struct {
	ProfileID string                    `json:"profile_id"`
	Status    string                    `json:"status"`
	Embedding string                    `json:"embedding,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Samples   []models.SampleDiagnostic `json:"samples,omitempty"`

	// Superseded is set when the delivery belonged to an older dispatch and
	// did no work. Status then reflects the newer dispatch.
	Superseded bool `json:"superseded,omitempty"`
}

type VoicePrep struct {
	engines    Engines
	limiter    engine.Limiter
	objects    storage.Storage
	records    store.Store
	normalizer audio.Normalizer
	metrics    *observability.Metrics
	cfg        VoicePrepConfig
}

func NewVoicePrep(engines Engines, limiter engine.Limiter, objects storage.Storage, records store.Store,
	normalizer audio.Normalizer, metrics *observability.Metrics, cfg VoicePrepConfig) *VoicePrep {
	if cfg.DownloadWorkers < 1 {
		cfg.DownloadWorkers = 1
	}
	return &VoicePrep{
		engines:    engines,
		limiter:    limiter,
		objects:    objects,
		records:    records,
		normalizer: normalizer,
		metrics:    metrics,
		cfg:        cfg,
	}
}

// sample tracks one input through download and normalization.
type sample struct {
	raw    string
	usable string
	diag   models.SampleDiagnostic
}

// Run prepares a voice. A nil error means the profile reached a terminal
// state recorded in the result. A non-nil error with a result means the
// profile was failed permanently; without a result the task should be
// retried.
func (p *VoicePrep) Run(ctx context.Context, req VoicePrepRequest, attempt Attempt) (*VoicePrepResult, error) {
	log := slog.With("profile_id", req.ProfileID, "dispatch_id", req.DispatchID, "attempt", attempt.Number+1)

	profile, err := p.records.GetProfile(ctx, req.ProfileID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.Validationf("voice profile %s does not exist", req.ProfileID)
	}
	if err != nil {
		return nil, err
	}
	if profile.DispatchID != req.DispatchID {
		log.Info("voice preparation superseded", "current_dispatch", profile.DispatchID, "status", profile.Status)
		res := profileResult(profile)
		res.Superseded = true
		return res, nil
	}
	if profile.Terminal() {
		log.Info("voice preparation already recorded", "status", profile.Status)
		return profileResult(profile), nil
	}
	if profile.Status != models.ProfileStatusProcessing {
		return nil, engine.Validationf("voice profile %s has no dispatch in flight", req.ProfileID)
	}
	if attempt.Exhausted() {
		return p.fail(ctx, log, req, nil, exhaustedErr(attempt))
	}

	ref, samples, err := p.prepare(ctx, log, req)
	if err != nil {
		if !shouldFail(err, attempt) {
			log.Warn("voice preparation will be retried", "error", err, "class", engine.Classify(err))
			return nil, err
		}
		return p.fail(ctx, log, req, samples, err)
	}

	encoded, err := ref.Encode()
	if err != nil {
		return p.fail(ctx, log, req, samples, err)
	}
	if err := p.records.UpdateProfileStatus(ctx, req.ProfileID, models.ProfileStatusReady, store.ProfileUpdate{
		DispatchID:   req.DispatchID,
		EngineName:   ref.EngineName,
		EmbeddingRef: encoded,
		Diagnostics:  samples,
	}); err != nil {
		if errors.Is(err, store.ErrStaleDispatch) || errors.Is(err, store.ErrAlreadyTerminal) {
			log.Warn("voice preparation superseded", "error", err)
			return p.current(ctx, req.ProfileID)
		}
		return nil, fmt.Errorf("mark profile ready: %w", err)
	}

	log.Info("voice prepared", "stage", "persisted", "engine", ref.EngineName, "samples", len(samples))
	return &VoicePrepResult{
		ProfileID: req.ProfileID,
		Status:    models.ProfileStatusReady,
		Embedding: encoded,
		Samples:   samples,
	}, nil
}

func (p *VoicePrep) prepare(ctx context.Context, log *slog.Logger, req VoicePrepRequest) (engine.VoiceRef, []models.SampleDiagnostic, error) {
	if len(req.SampleURIs) == 0 {
		return engine.VoiceRef{}, nil, engine.Validationf("no sample uris given")
	}
	if p.cfg.MaxSamples > 0 && len(req.SampleURIs) > p.cfg.MaxSamples {
		return engine.VoiceRef{}, nil, engine.Validationf("%d samples exceeds limit of %d", len(req.SampleURIs), p.cfg.MaxSamples)
	}

	scratch, err := os.MkdirTemp(p.cfg.ScratchDir, "voiceprep-")
	if err != nil {
		return engine.VoiceRef{}, nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	samples := make([]sample, len(req.SampleURIs))
	for i, uri := range req.SampleURIs {
		samples[i].diag = models.SampleDiagnostic{Index: i, URI: uri}
	}

	log.Info("acquiring samples", "stage", "downloading", "count", len(samples))
	if err := p.forEach(ctx, samples, func(ctx context.Context, i int, s *sample) {
		p.acquire(ctx, log, scratch, i, s)
	}); err != nil {
		return engine.VoiceRef{}, diagnostics(samples), err
	}

	log.Info("normalizing samples", "stage", "normalizing")
	if err := p.forEach(ctx, samples, func(ctx context.Context, i int, s *sample) {
		if s.raw != "" {
			p.normalize(ctx, log, scratch, i, s)
		}
	}); err != nil {
		return engine.VoiceRef{}, diagnostics(samples), err
	}

	var usable []string
	for i := range samples {
		p.metrics.Sample(samples[i].diag.Outcome)
		if samples[i].usable != "" {
			usable = append(usable, samples[i].usable)
		}
	}
	diags := diagnostics(samples)
	if len(usable) == 0 {
		return engine.VoiceRef{}, diags, fmt.Errorf("all %d samples failed: %w", len(samples), engine.ErrNoUsableSamples)
	}

	name := req.EngineName
	if name == "" {
		if name, err = p.engines.Default(); err != nil {
			return engine.VoiceRef{}, diags, err
		}
	}
	adapter, err := p.engines.Resolve(name)
	if err != nil {
		return engine.VoiceRef{}, diags, err
	}

	log.Info("extracting embedding", "stage", "embedding", "engine", adapter.Name(), "usable_samples", len(usable))
	var ref engine.VoiceRef
	err = callEngine(ctx, p.limiter, p.metrics, identityOf(p.engines, adapter), "prepare_voice", func(ctx context.Context) error {
		var err error
		ref, err = adapter.PrepareVoice(ctx, usable)
		return err
	})
	if err != nil {
		return engine.VoiceRef{}, diags, err
	}

	if ref.EngineName != adapter.Name() {
		return engine.VoiceRef{}, diags, &engine.ExecutionError{
			Engine: adapter.Name(),
			Op:     "prepare_voice",
			Err:    fmt.Errorf("adapter attributed embedding to %q", ref.EngineName),
		}
	}
	if _, ok := ref.MetadataInt(engine.MetaSampleCount); !ok {
		ref = ref.WithMetadata(engine.MetaSampleCount, len(usable))
	}
	return ref, diags, nil
}

// forEach runs fn for every sample with bounded parallelism. Results land
// in the sample's own slot so input order is kept.
func (p *VoicePrep) forEach(ctx context.Context, samples []sample, fn func(ctx context.Context, i int, s *sample)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.DownloadWorkers)
	for i := range samples {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(gctx, i, &samples[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (p *VoicePrep) acquire(ctx context.Context, log *slog.Logger, scratch string, i int, s *sample) {
	uri := s.diag.URI
	if path, ok := localPath(uri); ok {
		if _, err := os.Stat(path); err != nil {
			s.diag.Outcome = models.SampleDownloadFailed
			s.diag.Detail = err.Error()
			log.Warn("sample dropped", "index", i, "uri", uri, "error", err)
			return
		}
		s.raw = path
		return
	}

	data, err := p.objects.Get(ctx, uri)
	if err == nil {
		dst := filepath.Join(scratch, fmt.Sprintf("raw_%02d%s", i, filepath.Ext(uri)))
		err = os.WriteFile(dst, data, 0o644)
		s.raw = dst
	}
	if err != nil {
		s.raw = ""
		s.diag.Outcome = models.SampleDownloadFailed
		s.diag.Detail = err.Error()
		log.Warn("sample dropped", "index", i, "uri", uri, "error", err)
	}
}

func (p *VoicePrep) normalize(ctx context.Context, log *slog.Logger, scratch string, i int, s *sample) {
	out := filepath.Join(scratch, fmt.Sprintf("sample_%02d.wav", i))
	err := p.normalizer.Normalize(ctx, s.raw, out)
	switch {
	case err == nil:
		s.usable = out
		s.diag.Outcome = models.SampleOK
	case errors.Is(err, audio.ErrToolUnavailable):
		s.usable = s.raw
		s.diag.Outcome = models.SampleRawFallback
		s.diag.Detail = err.Error()
		log.Warn("normalizer unavailable, using raw sample", "index", i, "error", err)
	default:
		s.diag.Outcome = models.SampleNormalizeFailed
		s.diag.Detail = err.Error()
		log.Warn("sample dropped", "index", i, "uri", s.diag.URI, "error", err)
		return
	}
	if info, err := audio.Inspect(s.usable); err == nil {
		s.diag.DurationSeconds = info.Duration().Seconds()
	}
}

func (p *VoicePrep) fail(ctx context.Context, log *slog.Logger, req VoicePrepRequest, samples []models.SampleDiagnostic, cause error) (*VoicePrepResult, error) {
	log.Error("voice preparation failed", "error", cause, "class", engine.Classify(cause))
	err := p.records.UpdateProfileStatus(ctx, req.ProfileID, models.ProfileStatusFailed, store.ProfileUpdate{
		DispatchID:  req.DispatchID,
		Diagnostics: samples,
		Error:       cause.Error(),
	})
	if err != nil && !errors.Is(err, store.ErrStaleDispatch) && !errors.Is(err, store.ErrAlreadyTerminal) {
		return nil, fmt.Errorf("mark profile failed: %w (cause: %v)", err, cause)
	}
	return &VoicePrepResult{
		ProfileID: req.ProfileID,
		Status:    models.ProfileStatusFailed,
		Error:     cause.Error(),
		Samples:   samples,
	}, cause
}

func (p *VoicePrep) current(ctx context.Context, id string) (*VoicePrepResult, error) {
	profile, err := p.records.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	return profileResult(profile), nil
}

func profileResult(p *models.VoiceProfile) *VoicePrepResult {
	res := &VoicePrepResult{ProfileID: p.ID, Status: p.Status, Samples: p.Diagnostics}
	if p.Status == models.ProfileStatusReady {
		res.Embedding = p.EmbeddingRef
	} else {
		res.Error = p.Error
	}
	return res
}

func diagnostics(samples []sample) []models.SampleDiagnostic {
	out := make([]models.SampleDiagnostic, len(samples))
	for i := range samples {
		out[i] = samples[i].diag
	}
	return out
}

// localPath treats file:// URIs and scheme-less paths as already acquired.
func localPath(uri string) (string, bool) {
	if rest, ok := strings.CutPrefix(uri, "file://"); ok {
		return rest, true
	}
	if strings.Contains(uri, "://") {
		return "", false
	}
	return uri, true
}
