// Package mock provides an in-process engine adapter for tests. It never
// appears in the registry's family table.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nikhilbhutani/awaaztwin/internal/audio"
	"github.com/nikhilbhutani/awaaztwin/internal/engine"
)

// FakeAdapter derives embeddings by hashing sample bytes and renders one
// second of silence per synthesize call.
type FakeAdapter struct {
	name string
	dir  string

	mu         sync.Mutex
	prepareErr error
	synthErr   error
	delay      time.Duration
	lastSample []string

	prepareCalls atomic.Int64
	synthCalls   atomic.Int64
	inFlight     atomic.Int64
	maxInFlight  atomic.Int64
}

type Option func(*FakeAdapter)

func WithPrepareError(err error) Option {
	return func(f *FakeAdapter) { f.prepareErr = err }
}

func WithSynthesizeError(err error) Option {
	return func(f *FakeAdapter) { f.synthErr = err }
}

// WithDelay makes every call block for d or until the context ends.
func WithDelay(d time.Duration) Option {
	return func(f *FakeAdapter) { f.delay = d }
}

// New returns a fake named name that writes embeddings under dir.
func New(name, dir string, opts ...Option) *FakeAdapter {
	f := &FakeAdapter{name: name, dir: dir}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Constructor adapts New to engine.Constructor for registry tests.
func Constructor(dir string, opts ...Option) engine.Constructor {
	return func(id engine.Identity) (engine.Adapter, error) {
		return New(id.Name, dir, opts...), nil
	}
}

func (f *FakeAdapter) Name() string { return f.name }

func (f *FakeAdapter) PrepareVoice(ctx context.Context, samples []string) (engine.VoiceRef, error) {
	f.prepareCalls.Add(1)
	defer f.track()()

	f.mu.Lock()
	f.lastSample = append([]string(nil), samples...)
	prepErr := f.prepareErr
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return engine.VoiceRef{}, &engine.ExecutionError{Engine: f.name, Op: "prepare_voice", Err: err}
	}
	if prepErr != nil {
		return engine.VoiceRef{}, prepErr
	}
	if len(samples) == 0 {
		return engine.VoiceRef{}, engine.Validationf("prepare voice needs at least one sample")
	}

	h := sha256.New()
	for i, s := range samples {
		fh, err := os.Open(s)
		if err != nil {
			return engine.VoiceRef{}, engine.Validationf("sample %d: %v", i, err)
		}
		_, err = io.Copy(h, fh)
		fh.Close()
		if err != nil {
			return engine.VoiceRef{}, engine.Validationf("sample %d: %v", i, err)
		}
	}
	digest := hex.EncodeToString(h.Sum(nil))

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return engine.VoiceRef{}, err
	}
	locator := filepath.Join(f.dir, fmt.Sprintf("%s-%s.emb", strings.ToLower(f.name), digest[:16]))
	if err := os.WriteFile(locator, []byte(digest), 0o644); err != nil {
		return engine.VoiceRef{}, err
	}

	return engine.NewVoiceRef(f.name, locator, map[string]any{
		engine.MetaSampleCount: len(samples),
		"digest":               digest,
	}), nil
}

func (f *FakeAdapter) Synthesize(ctx context.Context, req engine.SynthesisRequest) (string, error) {
	f.synthCalls.Add(1)
	defer f.track()()

	if err := engine.CheckVoice(f.name, req.Voice); err != nil {
		return "", err
	}
	if err := f.wait(ctx); err != nil {
		return "", &engine.ExecutionError{Engine: f.name, Op: "synthesize", Err: err}
	}

	f.mu.Lock()
	synthErr := f.synthErr
	f.mu.Unlock()
	if synthErr != nil {
		return "", synthErr
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return "", err
	}
	if err := audio.WriteSilence(req.OutputPath, time.Second); err != nil {
		return "", err
	}
	return req.OutputPath, nil
}

// SetPrepareError swaps the error PrepareVoice returns from now on.
func (f *FakeAdapter) SetPrepareError(err error) {
	f.mu.Lock()
	f.prepareErr = err
	f.mu.Unlock()
}

// SetSynthesizeError swaps the error Synthesize returns from now on.
func (f *FakeAdapter) SetSynthesizeError(err error) {
	f.mu.Lock()
	f.synthErr = err
	f.mu.Unlock()
}

func (f *FakeAdapter) PrepareCalls() int    { return int(f.prepareCalls.Load()) }
func (f *FakeAdapter) SynthesizeCalls() int { return int(f.synthCalls.Load()) }
func (f *FakeAdapter) MaxInFlight() int     { return int(f.maxInFlight.Load()) }

// LastSamples returns the sample paths of the latest PrepareVoice call.
func (f *FakeAdapter) LastSamples() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lastSample...)
}

func (f *FakeAdapter) track() func() {
	n := f.inFlight.Add(1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *FakeAdapter) wait(ctx context.Context) error {
	if f.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
