package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	xttsCloneEndpoint = "/clone_speaker"
	xttsTTSEndpoint   = "/tts_to_audio"
)

// XTTS drives an XTTS v2 inference server. Speaker latents returned by the
// server are stored as the embedding file.
type XTTS struct {
	id           Identity
	serverURL    string
	language     string
	embeddingDir string
	httpClient   *http.Client
}

// xttsLatents is the body of POST /clone_speaker and the voice half of
// POST /tts_to_audio.
type xttsLatents struct {
	GPTCondLatent    json.RawMessage `json:"gpt_cond_latent"`
	SpeakerEmbedding json.RawMessage `json:"speaker_embedding"`
}

// NewXTTS builds an XTTS adapter. Options: server_url (required), language
// (default "hi"), embedding_dir (default <model_path>/embeddings).
func NewXTTS(id Identity) (Adapter, error) {
	serverURL := strings.TrimRight(id.Options["server_url"], "/")
	if serverURL == "" {
		return nil, errors.New("xtts: options.server_url is required")
	}
	lang := id.Options["language"]
	if lang == "" {
		lang = "hi"
	}
	dir := id.Options["embedding_dir"]
	if dir == "" {
		dir = filepath.Join(id.ModelPath, "embeddings")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("xtts: create embedding dir: %w", err)
	}
	return &XTTS{
		id:           id,
		serverURL:    serverURL,
		language:     lang,
		embeddingDir: dir,
		// Calls are bounded by the caller's context.
		httpClient: &http.Client{},
	}, nil
}

func (x *XTTS) Name() string { return x.id.Name }

func (x *XTTS) PrepareVoice(ctx context.Context, samples []string) (VoiceRef, error) {
	if len(samples) == 0 {
		return VoiceRef{}, Validationf("prepare voice needs at least one sample")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for i, path := range samples {
		data, err := os.ReadFile(path)
		if err != nil {
			return VoiceRef{}, Validationf("read sample %d: %v", i, err)
		}
		fw, err := mw.CreateFormFile("wav_files", fmt.Sprintf("sample_%02d.wav", i))
		if err != nil {
			return VoiceRef{}, fmt.Errorf("xtts: create form file: %w", err)
		}
		if _, err := fw.Write(data); err != nil {
			return VoiceRef{}, fmt.Errorf("xtts: write form file: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return VoiceRef{}, fmt.Errorf("xtts: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.serverURL+xttsCloneEndpoint, &body)
	if err != nil {
		return VoiceRef{}, fmt.Errorf("xtts: create clone request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	raw, err := x.do(req)
	if err != nil {
		return VoiceRef{}, execErr(x.id.Name, "prepare_voice", err)
	}

	var latents xttsLatents
	if err := json.Unmarshal(raw, &latents); err != nil {
		return VoiceRef{}, execErr(x.id.Name, "prepare_voice", fmt.Errorf("decode latents: %w", err))
	}
	if len(latents.SpeakerEmbedding) == 0 || string(latents.SpeakerEmbedding) == "null" {
		return VoiceRef{}, execErr(x.id.Name, "prepare_voice", errors.New("server returned no speaker embedding"))
	}

	locator := filepath.Join(x.embeddingDir, uuid.NewString()+".json")
	if err := os.WriteFile(locator, raw, 0o644); err != nil {
		return VoiceRef{}, execErr(x.id.Name, "prepare_voice", fmt.Errorf("write latents: %w", err))
	}

	return NewVoiceRef(x.id.Name, locator, map[string]any{
		MetaSampleCount: len(samples),
		"family":        string(FamilyXTTS),
		"language":      x.language,
		"device":        string(x.id.Device),
	}), nil
}

func (x *XTTS) Synthesize(ctx context.Context, sr SynthesisRequest) (string, error) {
	if err := CheckVoice(x.id.Name, sr.Voice); err != nil {
		return "", err
	}
	if strings.TrimSpace(sr.Text) == "" {
		return "", Validationf("text is empty")
	}

	raw, err := os.ReadFile(sr.Voice.EmbeddingLocator)
	if err != nil {
		return "", execErr(x.id.Name, "synthesize", fmt.Errorf("read latents: %w", err))
	}
	var latents xttsLatents
	if err := json.Unmarshal(raw, &latents); err != nil {
		return "", execErr(x.id.Name, "synthesize", fmt.Errorf("decode latents: %w", err))
	}

	body := make(map[string]any, len(sr.Params)+4)
	for k, v := range sr.Params {
		body[k] = v
	}
	if _, ok := body["language"]; !ok {
		body["language"] = x.language
	}
	body["text"] = sr.Text
	body["gpt_cond_latent"] = latents.GPTCondLatent
	body["speaker_embedding"] = latents.SpeakerEmbedding

	data, err := json.Marshal(body)
	if err != nil {
		return "", Validationf("encode synthesis params: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.serverURL+xttsTTSEndpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("xtts: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	wav, err := x.do(req)
	if err != nil {
		return "", execErr(x.id.Name, "synthesize", err)
	}
	if len(wav) == 0 {
		return "", execErr(x.id.Name, "synthesize", errors.New("server returned empty audio"))
	}

	if err := os.MkdirAll(filepath.Dir(sr.OutputPath), 0o755); err != nil {
		return "", fmt.Errorf("xtts: create output dir: %w", err)
	}
	if err := os.WriteFile(sr.OutputPath, wav, 0o644); err != nil {
		return "", fmt.Errorf("xtts: write audio: %w", err)
	}
	return sr.OutputPath, nil
}

func (x *XTTS) do(req *http.Request) ([]byte, error) {
	resp, err := x.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("POST %s returned status %d: %s", req.URL.Path, resp.StatusCode, truncate(string(data), 256))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
