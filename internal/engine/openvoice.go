package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// OpenVoice runs the OpenVoice tone-color converter through its CLI. The
// process loads the checkpoint per call, so the adapter itself holds no
// model state.
type OpenVoice struct {
	id           Identity
	command      string
	embeddingDir string
}

// NewOpenVoice builds an OpenVoice adapter. Options: command (default
// "openvoice-cli"), embedding_dir (default <model_path>/embeddings).
func NewOpenVoice(id Identity) (Adapter, error) {
	command := id.Options["command"]
	if command == "" {
		command = "openvoice-cli"
	}
	dir := id.Options["embedding_dir"]
	if dir == "" {
		dir = filepath.Join(id.ModelPath, "embeddings")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("openvoice: create embedding dir: %w", err)
	}
	return &OpenVoice{id: id, command: command, embeddingDir: dir}, nil
}

func (o *OpenVoice) Name() string { return o.id.Name }

func (o *OpenVoice) PrepareVoice(ctx context.Context, samples []string) (VoiceRef, error) {
	if len(samples) == 0 {
		return VoiceRef{}, Validationf("prepare voice needs at least one sample")
	}
	for i, path := range samples {
		if _, err := os.Stat(path); err != nil {
			return VoiceRef{}, Validationf("sample %d: %v", i, err)
		}
	}

	locator := filepath.Join(o.embeddingDir, uuid.NewString()+".pth")
	args := append(o.baseArgs("extract"), "--output", locator, "--")
	args = append(args, samples...)

	if err := o.run(ctx, args, ""); err != nil {
		return VoiceRef{}, execErr(o.id.Name, "prepare_voice", err)
	}
	if _, err := os.Stat(locator); err != nil {
		return VoiceRef{}, execErr(o.id.Name, "prepare_voice", errors.New("extractor wrote no embedding"))
	}

	return NewVoiceRef(o.id.Name, locator, map[string]any{
		MetaSampleCount: len(samples),
		"family":        string(FamilyOpenVoice),
		"device":        string(o.id.Device),
	}), nil
}

func (o *OpenVoice) Synthesize(ctx context.Context, sr SynthesisRequest) (string, error) {
	if err := CheckVoice(o.id.Name, sr.Voice); err != nil {
		return "", err
	}
	if strings.TrimSpace(sr.Text) == "" {
		return "", Validationf("text is empty")
	}
	if err := os.MkdirAll(filepath.Dir(sr.OutputPath), 0o755); err != nil {
		return "", fmt.Errorf("openvoice: create output dir: %w", err)
	}

	args := append(o.baseArgs("synthesize"),
		"--embedding", sr.Voice.EmbeddingLocator,
		"--output", sr.OutputPath,
	)
	for _, key := range []string{"language", "speed", "speaker"} {
		if v, ok := sr.Params[key]; ok {
			args = append(args, "--"+key, fmt.Sprint(v))
		}
	}

	if err := o.run(ctx, args, sr.Text); err != nil {
		return "", execErr(o.id.Name, "synthesize", err)
	}
	if _, err := os.Stat(sr.OutputPath); err != nil {
		return "", execErr(o.id.Name, "synthesize", errors.New("synthesizer wrote no audio"))
	}
	return sr.OutputPath, nil
}

func (o *OpenVoice) baseArgs(sub string) []string {
	return []string{sub, "--ckpt", o.id.ModelPath, "--device", string(o.id.Device)}
}

// run pipes stdin into the CLI and folds stderr into the error.
func (o *OpenVoice) run(ctx context.Context, args []string, stdin string) error {
	cmd := exec.CommandContext(ctx, o.command, args...)
	cmd.Stdin = strings.NewReader(stdin)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", o.command, args[0], ctx.Err())
		}
		return fmt.Errorf("%s %s failed: %w (stderr: %s)", o.command, args[0], err, truncate(stderr.String(), 512))
	}
	return nil
}
