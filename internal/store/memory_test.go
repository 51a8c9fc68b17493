package store_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/awaaztwin/internal/models"
	"github.com/nikhilbhutani/awaaztwin/internal/store"
)

func TestMemoryJobTerminalOnce(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, s.UpdateJobStatus(ctx, "job-001", models.JobStatusProcessing, store.JobResult{EngineName: "XTTS_HI"}))

	d := 1.5
	require.NoError(t, s.UpdateJobStatus(ctx, "job-001", models.JobStatusCompleted, store.JobResult{
		DurationSeconds: &d,
		OutputLocator:   "local://outputs/job-001.wav",
	}))

	err := s.UpdateJobStatus(ctx, "job-001", models.JobStatusFailed, store.JobResult{Error: "late"})
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)
	err = s.UpdateJobStatus(ctx, "job-001", models.JobStatusProcessing, store.JobResult{})
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)

	j, err := s.GetJob(ctx, "job-001")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, j.Status)
	assert.Equal(t, "XTTS_HI", j.EngineName)
	assert.Equal(t, "local://outputs/job-001.wav", j.OutputLocator)
	require.NotNil(t, j.DurationSeconds)
	assert.Equal(t, 1.5, *j.DurationSeconds)
	assert.NotNil(t, j.CompletedAt)
}

func TestMemoryCreateJobIsIdempotent(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	ctx := context.Background()

	first, err := s.CreateJob(ctx, &models.SynthesisJob{ID: "job-001", Text: "Hello", VoiceProfileID: "voice-001"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, first.Status)

	second, err := s.CreateJob(ctx, &models.SynthesisJob{ID: "job-001", Text: "different"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", second.Text)
}

func TestMemoryProfileTransitions(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateProfile(ctx, &models.VoiceProfile{ID: "voice-001"}))

	p, err := s.GetProfile(ctx, "voice-001")
	require.NoError(t, err)
	assert.Equal(t, models.ProfileStatusPending, p.Status)

	err = s.UpdateProfileStatus(ctx, "voice-001", models.ProfileStatusReady, store.ProfileUpdate{DispatchID: "d1"})
	require.ErrorIs(t, err, store.ErrAlreadyTerminal, "READY only follows PROCESSING")

	require.NoError(t, s.BeginDispatch(ctx, "voice-001", "d1"))
	err = s.UpdateProfileStatus(ctx, "voice-001", models.ProfileStatusReady, store.ProfileUpdate{DispatchID: "d0"})
	require.ErrorIs(t, err, store.ErrStaleDispatch)
	require.NoError(t, s.UpdateProfileStatus(ctx, "voice-001", models.ProfileStatusFailed, store.ProfileUpdate{
		DispatchID: "d1",
		Error:      "all samples failed",
	}))

	require.NoError(t, s.BeginDispatch(ctx, "voice-001", "d2"))
	p, err = s.GetProfile(ctx, "voice-001")
	require.NoError(t, err)
	assert.Equal(t, models.ProfileStatusProcessing, p.Status)
	assert.Equal(t, "d2", p.DispatchID)
	assert.Empty(t, p.Error, "a new dispatch clears the previous failure")

	err = s.UpdateProfileStatus(ctx, "voice-001", models.ProfileStatusReady, store.ProfileUpdate{DispatchID: "d1"})
	require.ErrorIs(t, err, store.ErrStaleDispatch)

	err = s.UpdateProfileStatus(ctx, "voice-001", models.ProfileStatusProcessing, store.ProfileUpdate{DispatchID: "d1"})
	require.Error(t, err, "PROCESSING is only entered through BeginDispatch")

	require.NoError(t, s.UpdateProfileStatus(ctx, "voice-001", models.ProfileStatusReady, store.ProfileUpdate{
		DispatchID:   "d2",
		EngineName:   "XTTS_HI",
		EmbeddingRef: `{"engine_name":"XTTS_HI","embedding_locator":"a","metadata":null}`,
		Diagnostics:  []models.SampleDiagnostic{{Index: 0, URI: "a.wav", Outcome: models.SampleOK}},
	}))

	p, err = s.GetProfile(ctx, "voice-001")
	require.NoError(t, err)
	assert.Equal(t, models.ProfileStatusReady, p.Status)
	assert.Equal(t, "XTTS_HI", p.EngineName)
	assert.Len(t, p.Diagnostics, 1)

	err = s.UpdateProfileStatus(ctx, "voice-001", models.ProfileStatusFailed, store.ProfileUpdate{DispatchID: "d2"})
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)

	_, err = s.GetProfile(ctx, "voice-404")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryBeginDispatch(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateProfile(ctx, &models.VoiceProfile{ID: "voice-001"}))

	require.ErrorIs(t, s.BeginDispatch(ctx, "voice-404", "d1"), store.ErrNotFound)

	require.NoError(t, s.BeginDispatch(ctx, "voice-001", "d1"))
	require.ErrorIs(t, s.BeginDispatch(ctx, "voice-001", "d2"), store.ErrDispatchInFlight)

	p, err := s.GetProfile(ctx, "voice-001")
	require.NoError(t, err)
	assert.Equal(t, "d1", p.DispatchID, "a refused dispatch leaves the owner in place")

	require.NoError(t, s.UpdateProfileStatus(ctx, "voice-001", models.ProfileStatusReady, store.ProfileUpdate{
		DispatchID:   "d1",
		EngineName:   "XTTS_HI",
		EmbeddingRef: `{"engine_name":"XTTS_HI","embedding_locator":"a","metadata":null}`,
	}))
	require.NoError(t, s.BeginDispatch(ctx, "voice-001", "d2"), "READY profiles can be prepared again")
}

func TestMemoryBeginDispatchConcurrent(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateProfile(ctx, &models.VoiceProfile{ID: "voice-001"}))

	const n = 16
	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.BeginDispatch(ctx, "voice-001", fmt.Sprintf("d%d", i)); err == nil {
				won.Add(1)
			} else {
				assert.ErrorIs(t, err, store.ErrDispatchInFlight)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}
