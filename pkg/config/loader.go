package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

// PriorityStep separates the default priorities of plain source files, so
// that a descriptor can slot a layer between two of them.
const PriorityStep = 10

var descriptorSuffixes = []string{".layer.yaml", ".layer.yml", ".layer.json"}

var sourceExtensions = map[string]bool{
	".yaml": true,
	".yml":  true,
	".json": true,
	".cue":  true,
	".star": true,
}

// layerDescriptor is the on-disk form of a layer with explicit metadata.
// Config may be given inline or through Source, a path relative to the
// descriptor pointing at a YAML, JSON, CUE or Starlark file.
type layerDescriptor struct {
	Type     string                 `yaml:"type" validate:"required,oneof=template profile overlay instance"`
	ID       string                 `yaml:"id" validate:"required"`
	Priority *int                   `yaml:"priority"`
	Source   string                 `yaml:"source"`
	Config   map[string]interface{} `yaml:"config"`
}

// Loader turns files into configuration layers.
type Loader struct {
	logger   zerolog.Logger
	cue      *CUESource
	starlark *StarlarkEvaluator
	validate *validator.Validate

	// Vars are bound as predeclared globals in Starlark layer scripts.
	Vars map[string]interface{}
}

// NewLoader creates a loader. Starlark scripts are bounded by starlarkTimeout.
func NewLoader(logger zerolog.Logger, starlarkTimeout time.Duration) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "layer-loader").Logger(),
		cue:      NewCUESource(),
		starlark: NewStarlarkEvaluator(starlarkTimeout),
		validate: validator.New(),
		Vars:     make(map[string]interface{}),
	}
}

// IsDescriptor reports whether path names a layer descriptor file.
func IsDescriptor(path string) bool {
	for _, suffix := range descriptorSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// LoadFiles loads one layer per path. Paths may be files or directories;
// directories contribute their supported files in lexical order. Plain
// sources are overlay layers whose priority follows argument order.
func (l *Loader) LoadFiles(ctx context.Context, paths []string) ([]Layer, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		dirFiles, err := listSources(path)
		if err != nil {
			return nil, err
		}
		files = append(files, dirFiles...)
	}

	layers := make([]Layer, 0, len(files))
	for i, file := range files {
		layer, err := l.LoadFile(ctx, file, i*PriorityStep)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// LoadFile loads a single layer. defaultPriority applies unless a descriptor
// sets its own.
func (l *Loader) LoadFile(ctx context.Context, path string, defaultPriority int) (Layer, error) {
	if IsDescriptor(path) {
		return l.loadDescriptor(ctx, path, defaultPriority)
	}

	tree, err := l.loadSource(ctx, path)
	if err != nil {
		return Layer{}, err
	}

	layer := Layer{
		Type:     LayerOverlay,
		ID:       layerID(path),
		Priority: defaultPriority,
		Config:   tree,
	}
	l.logger.Debug().
		Str("path", path).
		Str("layer", layer.ID).
		Int("priority", layer.Priority).
		Msg("Loaded configuration layer")
	return layer, nil
}

func (l *Loader) loadDescriptor(ctx context.Context, path string, defaultPriority int) (Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layer{}, fmt.Errorf("failed to read layer descriptor %s: %w", path, err)
	}

	var desc layerDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return Layer{}, fmt.Errorf("failed to parse layer descriptor %s: %w", path, err)
	}
	if err := l.validate.Struct(desc); err != nil {
		return Layer{}, fmt.Errorf("invalid layer descriptor %s: %w", path, err)
	}

	layerType, err := ParseLayerType(desc.Type)
	if err != nil {
		return Layer{}, fmt.Errorf("invalid layer descriptor %s: %w", path, err)
	}

	tree := configtree.NormalizeTree(desc.Config)
	if desc.Source != "" {
		if len(desc.Config) > 0 {
			return Layer{}, fmt.Errorf("layer descriptor %s sets both config and source", path)
		}
		sourcePath := desc.Source
		if !filepath.IsAbs(sourcePath) {
			sourcePath = filepath.Join(filepath.Dir(path), sourcePath)
		}
		tree, err = l.loadSource(ctx, sourcePath)
		if err != nil {
			return Layer{}, err
		}
	}

	priority := defaultPriority
	if desc.Priority != nil {
		priority = *desc.Priority
	}

	l.logger.Debug().
		Str("path", path).
		Str("layer", desc.ID).
		Str("type", desc.Type).
		Int("priority", priority).
		Msg("Loaded layer descriptor")

	return Layer{
		Type:     layerType,
		ID:       desc.ID,
		Priority: priority,
		Config:   tree,
	}, nil
}

func (l *Loader) loadSource(ctx context.Context, path string) (configtree.Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layer %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML layer %s: %w", path, err)
		}
		return configtree.NormalizeTree(raw), nil

	case ".json":
		var raw map[string]interface{}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse JSON layer %s: %w", path, err)
		}
		return configtree.NormalizeTree(raw), nil

	case ".cue":
		tree, err := l.cue.Evaluate(path, data)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate CUE layer %s: %w", path, err)
		}
		return tree, nil

	case ".star":
		return l.starlark.EvaluateLayer(ctx, path, string(data), l.Vars)

	default:
		return nil, fmt.Errorf("unsupported layer format %q for %s", ext, path)
	}
}

func listSources(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if IsDescriptor(name) || sourceExtensions[strings.ToLower(filepath.Ext(name))] {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

func layerID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
