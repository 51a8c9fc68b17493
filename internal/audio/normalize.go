// Package audio normalizes voice samples to the canonical format engines
// expect: mono, 16-bit signed PCM, 22050 Hz.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

// ErrToolUnavailable means the normalizer binary cannot be run at all, as
// opposed to failing on a particular input.
var ErrToolUnavailable = errors.New("audio normalizer unavailable")

type Normalizer interface {
	Normalize(ctx context.Context, in, out string) error
}

// FFmpeg normalizes with an ffmpeg subprocess.
type FFmpeg struct {
	bin string
}

func NewFFmpeg(bin string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpeg{bin: bin}
}

func (f *FFmpeg) Normalize(ctx context.Context, in, out string) error {
	path, err := exec.LookPath(f.bin)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrToolUnavailable, err)
	}

	cmd := exec.CommandContext(ctx, path,
		"-y", "-loglevel", "error",
		"-i", in,
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"-sample_fmt", "s16",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrToolUnavailable, err)
		}
		return fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}
