package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nikhilbhutani/awaaztwin/internal/config"
)

// Constructor builds an adapter for a resolved identity. It may load model
// weights and is called at most once per engine per registry.
type Constructor func(id Identity) (Adapter, error)

// families is the static table of supported engine families.
var families = map[Family]Constructor{
	FamilyXTTS:      NewXTTS,
	FamilyOpenVoice: NewOpenVoice,
}

type Option func(*Registry)

// WithConstructor overrides the constructor used for family.
func WithConstructor(f Family, c Constructor) Option {
	return func(r *Registry) { r.constructors[f] = c }
}

// WithProber replaces host probing during device resolution.
func WithProber(p Prober) Option {
	return func(r *Registry) { r.prober = p }
}

type slot struct {
	mu      sync.Mutex
	adapter Adapter
}

// Registry maps engine names to adapters. The engine table is fixed at
// construction; adapters are built lazily and then reused for the life of
// the process.
type Registry struct {
	constructors map[Family]Constructor
	prober       Prober

	identities map[string]Identity
	order      []string // every configured name, config order
	slots      map[string]*slot

	built int
	mu    sync.Mutex
}

// NewRegistry validates the engine table and resolves every auto device
// once. No adapter is constructed until Resolve or Warm.
func NewRegistry(engines []config.EngineConfig, opts ...Option) (*Registry, error) {
	r := &Registry{
		constructors: make(map[Family]Constructor, len(families)),
		prober:       SystemProber(),
		identities:   make(map[string]Identity, len(engines)),
		slots:        make(map[string]*slot),
	}
	for f, c := range families {
		r.constructors[f] = c
	}
	for _, opt := range opts {
		opt(r)
	}

	var probed Device
	for _, e := range engines {
		if _, dup := r.identities[e.Name]; dup {
			return nil, fmt.Errorf("engine %q configured twice", e.Name)
		}
		family := Family(e.Family)
		if _, ok := r.constructors[family]; !ok {
			return nil, fmt.Errorf("engine %q: unsupported family %q", e.Name, e.Family)
		}

		device := Device(e.Device)
		if device == DeviceAuto || device == "" {
			if probed == "" {
				probed = ResolveDevice(DeviceAuto, r.prober)
			}
			device = probed
		}

		timeout := e.Timeout()

		maxJobs := e.MaxConcurrentJobs
		if maxJobs < 1 {
			maxJobs = 1
		}

		opts := make(map[string]string, len(e.Options))
		for k, v := range e.Options {
			opts[k] = v
		}

		r.identities[e.Name] = Identity{
			Name:              e.Name,
			Family:            family,
			Device:            device,
			ModelPath:         e.ModelPath,
			Enabled:           e.Enabled,
			MaxConcurrentJobs: maxJobs,
			Timeout:           timeout,
			Options:           opts,
		}
		r.order = append(r.order, e.Name)
		if e.Enabled {
			r.slots[e.Name] = &slot{}
		}
	}

	return r, nil
}

// Resolve returns the adapter for name, constructing it on first use.
// Disabled and unconfigured names fail with *UnknownEngineError.
func (r *Registry) Resolve(name string) (Adapter, error) {
	s, ok := r.slots[name]
	if !ok {
		return nil, &UnknownEngineError{Name: name, Known: r.ListAvailable()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter != nil {
		return s.adapter, nil
	}

	id := r.identities[name]
	start := time.Now()
	a, err := r.constructors[id.Family](id)
	if err != nil {
		return nil, fmt.Errorf("construct engine %s: %w", name, err)
	}
	if a.Name() != name {
		return nil, fmt.Errorf("construct engine %s: adapter reports name %q", name, a.Name())
	}
	s.adapter = a

	r.mu.Lock()
	r.built++
	r.mu.Unlock()

	slog.Info("engine loaded",
		"engine", name,
		"family", id.Family,
		"device", id.Device,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return a, nil
}

// ListAvailable returns the sorted names of enabled engines.
func (r *Registry) ListAvailable() []string {
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the first enabled engine in configuration order.
func (r *Registry) Default() (string, error) {
	for _, name := range r.order {
		if r.identities[name].Enabled {
			return name, nil
		}
	}
	return "", &UnknownEngineError{Name: "", Known: r.ListAvailable()}
}

// Identity returns the resolved identity for any configured engine.
func (r *Registry) Identity(name string) (Identity, bool) {
	id, ok := r.identities[name]
	return id, ok
}

// Identities returns every configured engine, enabled or not, in
// configuration order.
func (r *Registry) Identities() []Identity {
	out := make([]Identity, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.identities[name])
	}
	return out
}

// Limits maps each enabled engine to its concurrency ceiling.
func (r *Registry) Limits() map[string]int {
	out := make(map[string]int, len(r.slots))
	for name := range r.slots {
		out[name] = r.identities[name].MaxConcurrentJobs
	}
	return out
}

// Warm constructs every enabled engine so the first task does not pay the
// load cost.
func (r *Registry) Warm(ctx context.Context) error {
	for _, name := range r.ListAvailable() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.Resolve(name); err != nil {
			return err
		}
	}
	return nil
}

// Constructed reports how many adapters have been built so far.
func (r *Registry) Constructed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.built
}
