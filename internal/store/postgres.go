package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/awaaztwin/internal/models"
)

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Postgres) CreateProfile(ctx context.Context, p *models.VoiceProfile) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO voice_profiles (id, name) VALUES ($1, $2)
		 RETURNING status, created_at, updated_at`,
		p.ID, p.Name,
	).Scan(&p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

func (s *Postgres) GetProfile(ctx context.Context, id string) (*models.VoiceProfile, error) {
	var (
		p     models.VoiceProfile
		diags []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, name, status, engine_name, embedding_ref, dispatch_id, diagnostics, error, created_at, updated_at
		 FROM voice_profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Status, &p.EngineName, &p.EmbeddingRef, &p.DispatchID, &diags, &p.Error, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get profile %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if err := json.Unmarshal(diags, &p.Diagnostics); err != nil {
		return nil, fmt.Errorf("decode profile diagnostics: %w", err)
	}
	return &p, nil
}

func (s *Postgres) BeginDispatch(ctx context.Context, id, dispatchID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE voice_profiles
		 SET status = 'PROCESSING', dispatch_id = $2, error = '', diagnostics = '[]', updated_at = now()
		 WHERE id = $1 AND status <> 'PROCESSING'`,
		id, dispatchID)
	if err != nil {
		return fmt.Errorf("begin dispatch %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetProfile(ctx, id); err != nil {
		return fmt.Errorf("begin dispatch %s: %w", id, err)
	}
	return fmt.Errorf("begin dispatch %s: %w", id, ErrDispatchInFlight)
}

func (s *Postgres) UpdateProfileStatus(ctx context.Context, id, status string, u ProfileUpdate) error {
	diags, err := json.Marshal(u.Diagnostics)
	if err != nil {
		return fmt.Errorf("encode profile diagnostics: %w", err)
	}
	if u.Diagnostics == nil {
		diags = []byte("[]")
	}

	var tag pgconn.CommandTag
	switch status {
	case models.ProfileStatusReady:
		tag, err = s.db.Exec(ctx,
			`UPDATE voice_profiles
			 SET status = $2, engine_name = $4, embedding_ref = $5, diagnostics = $6, error = '', updated_at = now()
			 WHERE id = $1 AND status = 'PROCESSING' AND dispatch_id = $3`,
			id, status, u.DispatchID, u.EngineName, u.EmbeddingRef, diags)
	case models.ProfileStatusFailed:
		tag, err = s.db.Exec(ctx,
			`UPDATE voice_profiles
			 SET status = $2, diagnostics = $4, error = $5, updated_at = now()
			 WHERE id = $1 AND status = 'PROCESSING' AND dispatch_id = $3`,
			id, status, u.DispatchID, diags, u.Error)
	default:
		return fmt.Errorf("update profile %s: unsupported status %q", id, status)
	}
	if err != nil {
		return fmt.Errorf("update profile %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := s.GetProfile(ctx, id)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", id, err)
	}
	if current.Status != models.ProfileStatusProcessing {
		return fmt.Errorf("update profile %s to %s: %w", id, status, ErrAlreadyTerminal)
	}
	return fmt.Errorf("update profile %s to %s: %w", id, status, ErrStaleDispatch)
}

func (s *Postgres) CreateJob(ctx context.Context, j *models.SynthesisJob) (*models.SynthesisJob, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO synthesis_jobs (id, voice_profile_id, text, engine_name, status)
		 VALUES ($1, NULLIF($2, ''), $3, $4, 'PENDING')
		 ON CONFLICT (id) DO NOTHING`,
		j.ID, j.VoiceProfileID, j.Text, j.EngineName)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return s.GetJob(ctx, j.ID)
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*models.SynthesisJob, error) {
	var (
		j         models.SynthesisJob
		profileID *string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, voice_profile_id, text, engine_name, status, duration_seconds, output_locator,
		        error_class, error, created_at, updated_at, completed_at
		 FROM synthesis_jobs WHERE id = $1`, id,
	).Scan(&j.ID, &profileID, &j.Text, &j.EngineName, &j.Status, &j.DurationSeconds, &j.OutputLocator,
		&j.ErrorClass, &j.Error, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if profileID != nil {
		j.VoiceProfileID = *profileID
	}
	return &j, nil
}

func (s *Postgres) UpdateJobStatus(ctx context.Context, id, status string, r JobResult) error {
	terminal := status == models.JobStatusCompleted || status == models.JobStatusFailed
	tag, err := s.db.Exec(ctx,
		`INSERT INTO synthesis_jobs AS j (id, engine_name, status, duration_seconds, output_locator, error_class, error, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, CASE WHEN $8 THEN now() END)
		 ON CONFLICT (id) DO UPDATE SET
		   engine_name      = COALESCE(NULLIF(EXCLUDED.engine_name, ''), j.engine_name),
		   status           = EXCLUDED.status,
		   duration_seconds = COALESCE(EXCLUDED.duration_seconds, j.duration_seconds),
		   output_locator   = COALESCE(NULLIF(EXCLUDED.output_locator, ''), j.output_locator),
		   error_class      = EXCLUDED.error_class,
		   error            = EXCLUDED.error,
		   completed_at     = EXCLUDED.completed_at,
		   updated_at       = now()
		 WHERE j.status NOT IN ('COMPLETED', 'FAILED')`,
		id, r.EngineName, status, r.DurationSeconds, r.OutputLocator, r.ErrorClass, r.Error, terminal)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s to %s: %w", id, status, ErrAlreadyTerminal)
	}
	return nil
}
