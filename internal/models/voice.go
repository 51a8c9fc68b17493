package models

import (
	"time"
)

const (
	ProfileStatusPending    = "PENDING"
	ProfileStatusProcessing = "PROCESSING"
	ProfileStatusReady      = "READY"
	ProfileStatusFailed     = "FAILED"
)

const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
)

// Per-sample outcomes recorded during voice preparation.
const (
	SampleOK              = "ok"
	SampleRawFallback     = "raw-fallback"
	SampleDownloadFailed  = "download-failed"
	SampleNormalizeFailed = "normalize-failed"
)

type VoiceProfile struct {
	ID           string             `json:"id" db:"id"`
	Name         string             `json:"name,omitempty" db:"name"`
	Status       string             `json:"status" db:"status"`
	EngineName   string             `json:"engine_name,omitempty" db:"engine_name"`
	EmbeddingRef string             `json:"embedding_ref,omitempty" db:"embedding_ref"`
	DispatchID   string             `json:"dispatch_id,omitempty" db:"dispatch_id"`
	Diagnostics  []SampleDiagnostic `json:"diagnostics,omitempty" db:"diagnostics"`
	Error        string             `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" db:"updated_at"`
}

type SampleDiagnostic struct {
	Index           int     `json:"index"`
	URI             string  `json:"uri"`
	Outcome         string  `json:"outcome"`
	Detail          string  `json:"detail,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

type SynthesisJob struct {
	ID              string     `json:"id" db:"id"`
	VoiceProfileID  string     `json:"voice_profile_id,omitempty" db:"voice_profile_id"`
	Text            string     `json:"text,omitempty" db:"text"`
	EngineName      string     `json:"engine_name,omitempty" db:"engine_name"`
	Status          string     `json:"status" db:"status"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty" db:"duration_seconds"`
	OutputLocator   string     `json:"output_locator,omitempty" db:"output_locator"`
	ErrorClass      string     `json:"error_class,omitempty" db:"error_class"`
	Error           string     `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

func (j *SynthesisJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

func (p *VoiceProfile) Terminal() bool {
	return p.Status == ProfileStatusReady || p.Status == ProfileStatusFailed
}
