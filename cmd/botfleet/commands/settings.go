package commands

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/botfleet/pkg/config"
	"github.com/openfroyo/botfleet/pkg/telemetry"
)

// defaultSettingsFile is read from the working directory when --config is not set.
const defaultSettingsFile = "botfleet.yaml"

// Settings is the botfleet.yaml file.
type Settings struct {
	// Telemetry configures logging, tracing and metrics.
	Telemetry *telemetry.Config `yaml:"telemetry"`

	// PacksDir holds custom policy pack files.
	PacksDir string `yaml:"packsDir"`

	// Environment is the default environment for policy evaluate.
	Environment string `yaml:"environment"`

	// StarlarkTimeout bounds each Starlark layer script.
	StarlarkTimeout time.Duration `yaml:"starlarkTimeout"`

	// Strategies are merge strategies applied on top of the manifest defaults,
	// keyed by dotted path.
	Strategies map[string]string `yaml:"strategies"`
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() *Settings {
	return &Settings{
		Telemetry:       telemetry.DefaultConfig(),
		Environment:     "dev",
		StarlarkTimeout: 5 * time.Second,
		Strategies:      map[string]string{},
	}
}

// LoadSettings reads path on top of DefaultSettings. An empty path falls back
// to botfleet.yaml in the working directory; a missing default file yields the
// defaults, a missing explicit file is an error.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	explicit := path != ""
	if !explicit {
		path = defaultSettingsFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	if s.Telemetry == nil {
		s.Telemetry = telemetry.DefaultConfig()
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings file %s: %w", path, err)
	}
	return s, nil
}

// Validate checks the telemetry section and the strategy map.
func (s *Settings) Validate() error {
	if err := s.Telemetry.Validate(); err != nil {
		return err
	}
	if s.StarlarkTimeout <= 0 {
		return fmt.Errorf("starlarkTimeout must be positive, got %s", s.StarlarkTimeout)
	}
	_, err := s.MergeStrategies()
	return err
}

// MergeStrategies returns the manifest defaults overlaid with the configured
// strategies.
func (s *Settings) MergeStrategies() (config.MergeStrategies, error) {
	extra := make(config.MergeStrategies, len(s.Strategies))
	for path, mode := range s.Strategies {
		strategy, err := config.ParseStrategy(mode)
		if err != nil {
			return nil, fmt.Errorf("strategy for %s: %w", path, err)
		}
		extra[path] = strategy
	}
	return config.DefaultManifestStrategies().With(extra), nil
}
