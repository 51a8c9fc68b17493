package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/awaaztwin/internal/api"
	"github.com/nikhilbhutani/awaaztwin/internal/api/handlers"
	"github.com/nikhilbhutani/awaaztwin/internal/auth"
	"github.com/nikhilbhutani/awaaztwin/internal/config"
	"github.com/nikhilbhutani/awaaztwin/internal/engine"
	"github.com/nikhilbhutani/awaaztwin/internal/models"
	"github.com/nikhilbhutani/awaaztwin/internal/queue"
	"github.com/nikhilbhutani/awaaztwin/internal/storage"
	"github.com/nikhilbhutani/awaaztwin/internal/store"
)

type recordingDispatcher struct {
	mu        sync.Mutex
	prep      []queue.VoicePrepPayload
	synthesis []queue.SynthesisPayload
	err       error
}

func (d *recordingDispatcher) EnqueueVoicePrep(_ context.Context, p queue.VoicePrepPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.prep = append(d.prep, p)
	return nil
}

func (d *recordingDispatcher) EnqueueSynthesis(_ context.Context, p queue.SynthesisPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.synthesis = append(d.synthesis, p)
	return nil
}

type fixedQueues struct{}

func (fixedQueues) Stats() ([]queue.QueueStats, error) {
	return []queue.QueueStats{{Queue: queue.QueueVoicePrep, Pending: 2}, {Queue: queue.QueueSynthesis}}, nil
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

type server struct {
	handler    http.Handler
	records    *store.Memory
	objects    *storage.LocalStore
	dispatcher *recordingDispatcher
}

func newServer(t *testing.T, secret string, checks map[string]handlers.Pinger) *server {
	t.Helper()

	reg, err := engine.NewRegistry([]config.EngineConfig{
		{Name: "XTTS_HI", Family: "xtts", Device: "cpu", Enabled: true, MaxConcurrentJobs: 2},
		{Name: "OPENVOICE_V2", Family: "openvoice", Device: "cpu", Enabled: false, MaxConcurrentJobs: 1},
	})
	require.NoError(t, err)

	objects, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		Server:  config.ServerConfig{AllowedOrigins: []string{"*"}, RateLimitRPS: 1000, RateLimitBurst: 1000},
		Auth:    config.AuthConfig{JWTSecret: secret},
		Storage: config.StorageConfig{PresignTTL: time.Hour},
		Limits:  config.LimitsConfig{MaxTextLength: 20, MaxSamplesPerVoice: 3},
	}
	s := &server{
		records:    store.NewMemory(),
		objects:    objects,
		dispatcher: &recordingDispatcher{},
	}
	router := api.NewRouter(cfg, api.Deps{
		Records:    s.records,
		Objects:    objects,
		Dispatcher: s.dispatcher,
		Engines:    reg,
		Queues:     fixedQueues{},
		Checks:     checks,
	})
	t.Cleanup(router.Close)
	s.handler = router.Setup()
	return s
}

func (s *server) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *server) readyProfile(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.records.CreateProfile(ctx, &models.VoiceProfile{ID: id, Name: "demo"}))
	require.NoError(t, s.records.BeginDispatch(ctx, id, "d"))
	require.NoError(t, s.records.UpdateProfileStatus(ctx, id, models.ProfileStatusReady, store.ProfileUpdate{
		DispatchID:   "d",
		EngineName:   "XTTS_HI",
		EmbeddingRef: `{"engine_name":"XTTS_HI","embedding_locator":"/e.json","metadata":{"sampleCount":1}}`,
	}))
}

func TestVoiceLifecycle(t *testing.T) {
	t.Parallel()
	s := newServer(t, "", nil)

	rec := s.do(t, http.MethodPost, "/api/v1/voices", map[string]string{"name": "Dadi"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode(t, rec)
	id := created["id"].(string)
	assert.Equal(t, models.ProfileStatusPending, created["status"])

	rec = s.do(t, http.MethodPost, "/api/v1/voices/"+id+"/prepare", map[string]any{
		"sample_uris": []string{"local://samples/a.wav", "local://samples/b.wav"},
	}, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, s.dispatcher.prep, 1)
	assert.Equal(t, id, s.dispatcher.prep[0].ProfileID)
	assert.NotEmpty(t, s.dispatcher.prep[0].DispatchID)
	assert.Equal(t, []string{"local://samples/a.wav", "local://samples/b.wav"}, s.dispatcher.prep[0].SampleURIs)

	rec = s.do(t, http.MethodGet, "/api/v1/voices/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/voices/nope", nil, "").Code)
}

func TestPrepareValidation(t *testing.T) {
	t.Parallel()
	s := newServer(t, "", nil)
	require.NoError(t, s.records.CreateProfile(context.Background(), &models.VoiceProfile{ID: "voice-001"}))

	cases := map[string]struct {
		body any
		code int
	}{
		"no samples":      {map[string]any{"sample_uris": []string{}}, http.StatusBadRequest},
		"too many":        {map[string]any{"sample_uris": []string{"a", "b", "c", "d"}}, http.StatusBadRequest},
		"blank uri":       {map[string]any{"sample_uris": []string{" "}}, http.StatusBadRequest},
		"disabled engine": {map[string]any{"sample_uris": []string{"a"}, "engine_name": "OPENVOICE_V2"}, http.StatusBadRequest},
		"bad json":        {"not an object", http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/voices/voice-001/prepare", tc.body, "")
			assert.Equal(t, tc.code, rec.Code)
		})
	}
	assert.Equal(t, http.StatusNotFound,
		s.do(t, http.MethodPost, "/api/v1/voices/missing/prepare", map[string]any{"sample_uris": []string{"a"}}, "").Code)
	assert.Empty(t, s.dispatcher.prep)
}

func TestSubmitSynthesis(t *testing.T) {
	t.Parallel()
	s := newServer(t, "", nil)
	s.readyProfile(t, "voice-001")

	rec := s.do(t, http.MethodPost, "/api/v1/synthesize", map[string]any{
		"job_id":           "job-001",
		"voice_profile_id": "voice-001",
		"text":             "Hello AwaazTwin",
	}, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, s.dispatcher.synthesis, 1)
	p := s.dispatcher.synthesis[0]
	assert.Equal(t, "job-001", p.JobID)
	assert.Contains(t, p.VoiceEmbeddingRef, "XTTS_HI")

	job, err := s.records.GetJob(context.Background(), "job-001")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	rec = s.do(t, http.MethodPost, "/api/v1/synthesize", map[string]any{
		"voice_profile_id": "voice-001",
		"text":             "नमस्ते",
	}, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["job_id"])
}

func TestSubmitSynthesisRejects(t *testing.T) {
	t.Parallel()
	s := newServer(t, "", nil)
	s.readyProfile(t, "voice-001")
	require.NoError(t, s.records.CreateProfile(context.Background(), &models.VoiceProfile{ID: "voice-pending"}))

	cases := map[string]struct {
		body map[string]any
		code int
	}{
		"empty text":      {map[string]any{"voice_profile_id": "voice-001", "text": "  "}, http.StatusBadRequest},
		"text too long":   {map[string]any{"voice_profile_id": "voice-001", "text": strings.Repeat("a", 21)}, http.StatusBadRequest},
		"bad job id":      {map[string]any{"voice_profile_id": "voice-001", "text": "hi", "job_id": "../x"}, http.StatusBadRequest},
		"unknown engine":  {map[string]any{"voice_profile_id": "voice-001", "text": "hi", "engine_name": "TACOTRON"}, http.StatusBadRequest},
		"missing profile": {map[string]any{"voice_profile_id": "nope", "text": "hi"}, http.StatusNotFound},
		"not ready":       {map[string]any{"voice_profile_id": "voice-pending", "text": "hi"}, http.StatusConflict},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.code, s.do(t, http.MethodPost, "/api/v1/synthesize", tc.body, "").Code)
		})
	}
	assert.Empty(t, s.dispatcher.synthesis)
}

func TestResubmitCompletedJob(t *testing.T) {
	t.Parallel()
	s := newServer(t, "", nil)
	s.readyProfile(t, "voice-001")
	ctx := context.Background()

	locator, err := s.objects.Put(ctx, storage.OutputKey("job-001"), []byte("RIFF"), "audio/wav")
	require.NoError(t, err)
	secs := 0.8
	require.NoError(t, s.records.UpdateJobStatus(ctx, "job-001", models.JobStatusCompleted, store.JobResult{
		EngineName: "XTTS_HI", DurationSeconds: &secs, OutputLocator: locator,
	}))

	rec := s.do(t, http.MethodPost, "/api/v1/synthesize", map[string]any{
		"job_id": "job-001", "voice_profile_id": "voice-001", "text": "Hello AwaazTwin",
	}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, s.dispatcher.synthesis)

	rec = s.do(t, http.MethodGet, "/api/v1/jobs/job-001", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, models.JobStatusCompleted, body["status"])
	assert.Equal(t, locator, body["output_locator"])
	assert.True(t, strings.HasPrefix(body["audio_url"].(string), "file://"))

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/jobs/unknown", nil, "").Code)
}

func TestEnqueueFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	s := newServer(t, "", nil)
	s.readyProfile(t, "voice-001")
	s.dispatcher.err = errors.New("redis down")

	rec := s.do(t, http.MethodPost, "/api/v1/synthesize", map[string]any{"voice_profile_id": "voice-001", "text": "hi"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConcurrentPrepareAdmitsOneDispatch(t *testing.T) {
	t.Parallel()
	s := newServer(t, "", nil)
	require.NoError(t, s.records.CreateProfile(context.Background(), &models.VoiceProfile{ID: "voice-001", Name: "demo"}))

	const n = 8
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/voices/voice-001/prepare",
				strings.NewReader(`{"sample_uris":["local://samples/a.wav"]}`))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	var accepted, conflicts int
	for _, c := range codes {
		switch c {
		case http.StatusAccepted:
			accepted++
		case http.StatusConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, conflicts)
	require.Len(t, s.dispatcher.prep, 1)

	p, err := s.records.GetProfile(context.Background(), "voice-001")
	require.NoError(t, err)
	assert.Equal(t, models.ProfileStatusProcessing, p.Status)
	assert.Equal(t, s.dispatcher.prep[0].DispatchID, p.DispatchID, "the profile is owned by the dispatch that was queued")
}

func TestPrepareEnqueueFailureReleasesProfile(t *testing.T) {
	t.Parallel()
	s := newServer(t, "", nil)
	require.NoError(t, s.records.CreateProfile(context.Background(), &models.VoiceProfile{ID: "voice-001", Name: "demo"}))
	body := map[string]any{"sample_uris": []string{"local://samples/a.wav"}}

	s.dispatcher.err = errors.New("redis down")
	rec := s.do(t, http.MethodPost, "/api/v1/voices/voice-001/prepare", body, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	p, err := s.records.GetProfile(context.Background(), "voice-001")
	require.NoError(t, err)
	assert.Equal(t, models.ProfileStatusFailed, p.Status)
	assert.Contains(t, p.Error, "redis down")

	s.dispatcher.mu.Lock()
	s.dispatcher.err = nil
	s.dispatcher.mu.Unlock()
	rec = s.do(t, http.MethodPost, "/api/v1/voices/voice-001/prepare", body, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()
	s := newServer(t, "", nil)

	rec := s.do(t, http.MethodGet, "/api/v1/admin/engines", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "XTTS_HI", body["default"])
	assert.Equal(t, []any{"XTTS_HI"}, body["available"])
	assert.Len(t, body["engines"], 2)

	rec = s.do(t, http.MethodGet, "/api/v1/admin/queues", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["queues"], 2)
}

func TestAuthGuardsAPI(t *testing.T) {
	t.Parallel()
	const secret = "s3cret"
	s := newServer(t, secret, nil)

	token := func(role string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
			Role:             role,
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		}).SignedString([]byte(secret))
		require.NoError(t, err)
		return tok
	}

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/jobs/job-001", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/jobs/job-001", nil, token(auth.RoleUser)).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/admin/engines", nil, token(auth.RoleUser)).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/admin/engines", nil, token(auth.RoleAdmin)).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil, "").Code)
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	ok := newServer(t, "", map[string]handlers.Pinger{"database": store.NewMemory()})
	assert.Equal(t, http.StatusOK, ok.do(t, http.MethodGet, "/readyz", nil, "").Code)

	down := newServer(t, "", map[string]handlers.Pinger{"database": store.NewMemory(), "redis": downPinger{}})
	rec := down.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	checks := decode(t, rec)["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Contains(t, checks["redis"], "connection refused")
}
