package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nikhilbhutani/awaaztwin/internal/models"
)

// Memory is an in-process Store with the same transition rules as
// Postgres.
type Memory struct {
	mu       sync.Mutex
	profiles map[string]models.VoiceProfile
	jobs     map[string]models.SynthesisJob
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		profiles: make(map[string]models.VoiceProfile),
		jobs:     make(map[string]models.SynthesisJob),
		now:      time.Now,
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateProfile(_ context.Context, p *models.VoiceProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.ID]; ok {
		return fmt.Errorf("create profile %s: already exists", p.ID)
	}
	now := m.now()
	cp := *p
	if cp.Status == "" {
		cp.Status = models.ProfileStatusPending
	}
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.profiles[p.ID] = cp
	*p = cp
	return nil
}

func (m *Memory) GetProfile(_ context.Context, id string) (*models.VoiceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, fmt.Errorf("get profile %s: %w", id, ErrNotFound)
	}
	p.Diagnostics = append([]models.SampleDiagnostic(nil), p.Diagnostics...)
	return &p, nil
}

func (m *Memory) BeginDispatch(_ context.Context, id, dispatchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return fmt.Errorf("begin dispatch %s: %w", id, ErrNotFound)
	}
	if p.Status == models.ProfileStatusProcessing {
		return fmt.Errorf("begin dispatch %s: %w", id, ErrDispatchInFlight)
	}
	p.Status = models.ProfileStatusProcessing
	p.DispatchID = dispatchID
	p.Error = ""
	p.Diagnostics = nil
	p.UpdatedAt = m.now()
	m.profiles[id] = p
	return nil
}

func (m *Memory) UpdateProfileStatus(_ context.Context, id, status string, u ProfileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return fmt.Errorf("update profile %s: %w", id, ErrNotFound)
	}

	switch status {
	case models.ProfileStatusReady, models.ProfileStatusFailed:
		if p.Status != models.ProfileStatusProcessing {
			return fmt.Errorf("update profile %s to %s: %w", id, status, ErrAlreadyTerminal)
		}
		if p.DispatchID != u.DispatchID {
			return fmt.Errorf("update profile %s to %s: %w", id, status, ErrStaleDispatch)
		}
		if status == models.ProfileStatusReady {
			p.EngineName = u.EngineName
			p.EmbeddingRef = u.EmbeddingRef
		}
		p.Error = u.Error
		p.Diagnostics = append([]models.SampleDiagnostic(nil), u.Diagnostics...)
	default:
		return fmt.Errorf("update profile %s: unsupported status %q", id, status)
	}

	p.Status = status
	p.UpdatedAt = m.now()
	m.profiles[id] = p
	return nil
}

func (m *Memory) CreateJob(_ context.Context, j *models.SynthesisJob) (*models.SynthesisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[j.ID]; ok {
		return &existing, nil
	}
	now := m.now()
	cp := *j
	cp.Status = models.JobStatusPending
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.jobs[j.ID] = cp
	return &cp, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*models.SynthesisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return &j, nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, id, status string, r JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	j, ok := m.jobs[id]
	if !ok {
		j = models.SynthesisJob{ID: id, CreatedAt: now}
	}
	if j.Terminal() {
		return fmt.Errorf("update job %s to %s: %w", id, status, ErrAlreadyTerminal)
	}

	j.Status = status
	if r.EngineName != "" {
		j.EngineName = r.EngineName
	}
	if r.DurationSeconds != nil {
		d := *r.DurationSeconds
		j.DurationSeconds = &d
	}
	if r.OutputLocator != "" {
		j.OutputLocator = r.OutputLocator
	}
	j.ErrorClass = r.ErrorClass
	j.Error = r.Error
	j.UpdatedAt = now
	if j.Terminal() {
		j.CompletedAt = &now
	}
	m.jobs[id] = j
	return nil
}
