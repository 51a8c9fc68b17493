// Package engine defines the capability boundary around voice-cloning
// inference backends and the registry that constructs them.
package engine

import (
	"context"
	"time"
)

type Family string

const (
	FamilyXTTS      Family = "xtts"
	FamilyOpenVoice Family = "openvoice"
)

type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
	DeviceMPS  Device = "mps"
)

// Identity describes one configured engine. Device is always concrete once
// the registry has built it.
type Identity struct {
	Name              string            `json:"name"`
	Family            Family            `json:"family"`
	Device            Device            `json:"device"`
	ModelPath         string            `json:"model_path"`
	Enabled           bool              `json:"enabled"`
	MaxConcurrentJobs int               `json:"max_concurrent_jobs"`
	Timeout           time.Duration     `json:"timeout"`
	Options           map[string]string `json:"options,omitempty"`
}

// SynthesisRequest is one synthesize call. OutputPath is chosen by the
// caller; the adapter writes the rendered audio there.
type SynthesisRequest struct {
	Text       string
	Voice      VoiceRef
	Params     map[string]any
	OutputPath string
}

// Adapter is implemented by every engine family. Implementations must be
// safe for concurrent use and keep per-call state local to the call.
type Adapter interface {
	// Name equals the Identity.Name the adapter was built from.
	Name() string

	// PrepareVoice turns normalized mono 16-bit PCM samples into a ref whose
	// EngineName is Name().
	PrepareVoice(ctx context.Context, samples []string) (VoiceRef, error)

	// Synthesize renders req.Text in the voice of req.Voice and returns the
	// path of the written artifact.
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)
}

// CheckVoice rejects a ref that another engine produced.
func CheckVoice(engineName string, ref VoiceRef) error {
	if ref.EngineName != engineName {
		return &MismatchError{RefEngine: ref.EngineName, Engine: engineName}
	}
	return nil
}
