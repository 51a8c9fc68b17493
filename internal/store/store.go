// Package store is the persistence collaborator for voice profiles and
// synthesis jobs.
package store

import (
	"context"
	"errors"

	"github.com/nikhilbhutani/awaaztwin/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyTerminal is returned when a write would move a record out of
	// a terminal state it already reached.
	ErrAlreadyTerminal = errors.New("record already terminal")

	// ErrStaleDispatch is returned when a preparation result belongs to a
	// dispatch that has since been superseded.
	ErrStaleDispatch = errors.New("stale dispatch")

	// ErrDispatchInFlight is returned when a profile already has a
	// preparation in PROCESSING.
	ErrDispatchInFlight = errors.New("dispatch already in flight")
)

// ProfileUpdate carries the fields that accompany a terminal profile
// transition. READY and FAILED are only accepted for the dispatch
// currently in flight.
type ProfileUpdate struct {
	DispatchID   string
	EngineName   string
	EmbeddingRef string
	Diagnostics  []models.SampleDiagnostic
	Error        string
}

// JobResult carries the fields that accompany a job transition.
type JobResult struct {
	EngineName      string
	DurationSeconds *float64
	OutputLocator   string
	ErrorClass      string
	Error           string
}

type Store interface {
	CreateProfile(ctx context.Context, p *models.VoiceProfile) error
	GetProfile(ctx context.Context, id string) (*models.VoiceProfile, error)

	// BeginDispatch moves a profile that is not PROCESSING into PROCESSING
	// under dispatchID, clearing the previous error and diagnostics. It
	// fails with ErrDispatchInFlight while another dispatch owns the
	// profile.
	BeginDispatch(ctx context.Context, id, dispatchID string) error
	UpdateProfileStatus(ctx context.Context, id, status string, u ProfileUpdate) error

	// CreateJob records a PENDING job. Creating an id that exists is a no-op
	// returning the stored job.
	CreateJob(ctx context.Context, j *models.SynthesisJob) (*models.SynthesisJob, error)
	GetJob(ctx context.Context, id string) (*models.SynthesisJob, error)

	// UpdateJobStatus upserts the job row. Once a job is COMPLETED or FAILED
	// every further update fails with ErrAlreadyTerminal.
	UpdateJobStatus(ctx context.Context, id, status string, r JobResult) error

	Ping(ctx context.Context) error
}
