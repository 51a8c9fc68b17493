package queue

const (
	TypeVoicePrep = "voice:prepare"
	TypeSynthesis = "synthesis:render"
)

const (
	QueueVoicePrep = "voice-prep"
	QueueSynthesis = "synthesis"
)

// VoicePrepPayload asks a worker to prepare a profile. DispatchID is minted
// per API request so a redelivered task can be told apart from a new one.
type VoicePrepPayload struct {
	ProfileID  string   `json:"profile_id"`
	DispatchID string   `json:"dispatch_id"`
	SampleURIs []string `json:"sample_uris"`
	EngineName string   `json:"engine_name,omitempty"`
}

type SynthesisPayload struct {
	JobID             string         `json:"job_id"`
	Text              string         `json:"text"`
	VoiceEmbeddingRef string         `json:"voice_embedding_ref"`
	EngineName        string         `json:"engine_name,omitempty"`
	Params            map[string]any `json:"params,omitempty"`
}
