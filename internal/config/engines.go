package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Known engine families and devices. The engine package owns the
// constructors; these lists only gate configuration.
var (
	knownFamilies = map[string]bool{"xtts": true, "openvoice": true}
	knownDevices  = map[string]bool{"auto": true, "cpu": true, "cuda": true, "mps": true}
)

type engineFile struct {
	Engines []EngineConfig `yaml:"engines"`
}

// LoadEngines reads the engine table from the YAML file at path. A missing
// file falls back to DefaultEngines.
func LoadEngines(path string) ([]EngineConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("engine config file not found, using env defaults", "path", path)
		return DefaultEngines(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read engine config %s: %w", path, err)
	}
	return ParseEngines(data)
}

// ParseEngines decodes an engine table and fills per-entry defaults.
func ParseEngines(data []byte) ([]EngineConfig, error) {
	var f engineFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}
	for i := range f.Engines {
		applyEngineDefaults(&f.Engines[i])
	}
	return f.Engines, nil
}

// DefaultEngines mirrors the deployment defaults: XTTS Hindi enabled,
// OpenVoice v2 present but disabled. Each can be tuned with
// AWAAZTWIN_ENGINE_<NAME>_{PATH,DEVICE,ENABLED}.
func DefaultEngines() []EngineConfig {
	engines := []EngineConfig{
		{
			Name:      "XTTS_HI",
			Family:    "xtts",
			ModelPath: getEnv("AWAAZTWIN_ENGINE_XTTS_HI_PATH", "/models/xtts-hindi"),
			Device:    getEnv("AWAAZTWIN_ENGINE_XTTS_HI_DEVICE", "auto"),
			Enabled:   getEnvBool("AWAAZTWIN_ENGINE_XTTS_HI_ENABLED", true),
			Options: map[string]string{
				"server_url": getEnv("AWAAZTWIN_ENGINE_XTTS_HI_URL", "http://localhost:8020"),
				"language":   "hi",
			},
		},
		{
			Name:      "OPENVOICE_V2",
			Family:    "openvoice",
			ModelPath: getEnv("AWAAZTWIN_ENGINE_OPENVOICE_PATH", "/models/openvoice-v2"),
			Device:    getEnv("AWAAZTWIN_ENGINE_OPENVOICE_DEVICE", "auto"),
			Enabled:   getEnvBool("AWAAZTWIN_ENGINE_OPENVOICE_ENABLED", false),
			Options: map[string]string{
				"command": getEnv("AWAAZTWIN_ENGINE_OPENVOICE_COMMAND", "openvoice-cli"),
			},
		},
	}
	for i := range engines {
		applyEngineDefaults(&engines[i])
	}
	return engines
}

// familyTimeouts bound one engine call when timeout_seconds is unset.
var familyTimeouts = map[string]time.Duration{
	"xtts":      300 * time.Second,
	"openvoice": 180 * time.Second,
}

// Timeout is the bound on one engine call: timeout_seconds when set, else
// the family default.
func (e EngineConfig) Timeout() time.Duration {
	if e.TimeoutSeconds > 0 {
		return time.Duration(e.TimeoutSeconds) * time.Second
	}
	if d, ok := familyTimeouts[e.Family]; ok {
		return d
	}
	return 5 * time.Minute
}

func applyEngineDefaults(e *EngineConfig) {
	e.Name = strings.TrimSpace(e.Name)
	e.Family = strings.ToLower(strings.TrimSpace(e.Family))
	e.Device = strings.ToLower(strings.TrimSpace(e.Device))
	if e.Device == "" {
		e.Device = "auto"
	}
	if e.MaxConcurrentJobs == 0 {
		e.MaxConcurrentJobs = 2
	}
	if e.Options == nil {
		e.Options = map[string]string{}
	}
}

// ValidateEngines rejects tables the registry cannot serve.
func ValidateEngines(engines []EngineConfig) error {
	var problems []string
	seen := make(map[string]bool, len(engines))
	enabled := 0
	for i, e := range engines {
		if e.Name == "" {
			problems = append(problems, fmt.Sprintf("engine #%d has no name", i))
			continue
		}
		if seen[e.Name] {
			problems = append(problems, fmt.Sprintf("engine %q is configured twice", e.Name))
		}
		seen[e.Name] = true
		if !knownFamilies[e.Family] {
			problems = append(problems, fmt.Sprintf("engine %q has unknown family %q", e.Name, e.Family))
		}
		if !knownDevices[e.Device] {
			problems = append(problems, fmt.Sprintf("engine %q has unknown device %q", e.Name, e.Device))
		}
		if e.MaxConcurrentJobs < 1 {
			problems = append(problems, fmt.Sprintf("engine %q max_concurrent_jobs must be >= 1", e.Name))
		}
		if e.TimeoutSeconds < 0 {
			problems = append(problems, fmt.Sprintf("engine %q timeout_seconds must be >= 0", e.Name))
		}
		if e.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		problems = append(problems, "no enabled engine configured")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
