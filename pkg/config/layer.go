package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/botfleet/pkg/configtree"
	"github.com/openfroyo/botfleet/pkg/telemetry"
)

// LayerType classifies where a configuration layer comes from.
type LayerType string

const (
	LayerTemplate LayerType = "template"
	LayerProfile  LayerType = "profile"
	LayerOverlay  LayerType = "overlay"
	LayerInstance LayerType = "instance"
)

// ParseLayerType converts a string into a LayerType.
func ParseLayerType(s string) (LayerType, error) {
	switch t := LayerType(strings.ToLower(s)); t {
	case LayerTemplate, LayerProfile, LayerOverlay, LayerInstance:
		return t, nil
	default:
		return "", fmt.Errorf("unknown layer type %q (must be template, profile, overlay or instance)", s)
	}
}

// Layer is one partial configuration tree with a priority. Higher priority
// layers are merged later and win on conflicts.
type Layer struct {
	Type     LayerType       `json:"type" yaml:"type"`
	ID       string          `json:"id" yaml:"id"`
	Priority int             `json:"priority" yaml:"priority"`
	Config   configtree.Tree `json:"config" yaml:"config"`
}

// MergeStrategy controls how a value at a path combines with what lower
// priority layers already produced.
type MergeStrategy string

const (
	// StrategyOverride replaces the existing value. It is the default.
	StrategyOverride MergeStrategy = "override"

	// StrategyMerge recurses into objects and concatenates arrays.
	StrategyMerge MergeStrategy = "merge"

	// StrategyPrepend puts the new array in front of the existing one.
	StrategyPrepend MergeStrategy = "prepend"

	// StrategyAppend puts the new array after the existing one.
	StrategyAppend MergeStrategy = "append"
)

// ParseStrategy converts a string into a MergeStrategy.
func ParseStrategy(s string) (MergeStrategy, error) {
	switch m := MergeStrategy(strings.ToLower(s)); m {
	case StrategyOverride, StrategyMerge, StrategyPrepend, StrategyAppend:
		return m, nil
	default:
		return "", fmt.Errorf("unknown merge strategy %q (must be override, merge, prepend or append)", s)
	}
}

// MergeStrategies maps dotted paths to strategies. Paths not listed use override.
type MergeStrategies map[string]MergeStrategy

// For returns the strategy for path.
func (s MergeStrategies) For(path string) MergeStrategy {
	if strategy, ok := s[path]; ok {
		return strategy
	}
	return StrategyOverride
}

// With returns a copy of s overlaid with other.
func (s MergeStrategies) With(other MergeStrategies) MergeStrategies {
	out := make(MergeStrategies, len(s)+len(other))
	for path, strategy := range s {
		out[path] = strategy
	}
	for path, strategy := range other {
		out[path] = strategy
	}
	return out
}

// ParseStrategyFlag parses "path=strategy".
func ParseStrategyFlag(flag string) (string, MergeStrategy, error) {
	path, mode, ok := strings.Cut(flag, "=")
	if !ok || path == "" {
		return "", "", fmt.Errorf("invalid strategy %q (expected path=strategy)", flag)
	}
	strategy, err := ParseStrategy(mode)
	if err != nil {
		return "", "", err
	}
	return path, strategy, nil
}

// DefaultManifestStrategies marks the object paths of a BotInstance manifest
// as merge so that layered manifests combine field by field.
func DefaultManifestStrategies() MergeStrategies {
	return MergeStrategies{
		"metadata":             StrategyMerge,
		"metadata.labels":      StrategyMerge,
		"spec":                 StrategyMerge,
		"spec.runtime":         StrategyMerge,
		"spec.runtime.env":     StrategyMerge,
		"spec.network":         StrategyMerge,
		"spec.network.egress":  StrategyMerge,
		"spec.network.ingress": StrategyMerge,
		"spec.observability":   StrategyMerge,
		"spec.policy":          StrategyMerge,
		"spec.botConfig":       StrategyMerge,
	}
}

// Resolve merges layers into a single tree. Layers are applied in ascending
// priority; layers with equal priority keep their input order. Neither the
// layers nor their configs are modified, and resolution never fails.
func Resolve(layers []Layer, strategies MergeStrategies) configtree.Tree {
	ordered := make([]Layer, len(layers))
	copy(ordered, layers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	result := configtree.Tree{}
	for _, layer := range ordered {
		if layer.Config == nil {
			continue
		}
		// Normalize deep-copies, so the result never aliases layer input.
		mergeInto(result, configtree.NormalizeTree(layer.Config), "", strategies)
	}
	return result
}

// mergeInto applies source onto target. target is owned by the resolver.
func mergeInto(target, source configtree.Tree, prefix string, strategies MergeStrategies) {
	for key, value := range source {
		if value == nil {
			continue
		}

		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		strategy := strategies.For(path)

		switch v := value.(type) {
		case []interface{}:
			existing, _ := target[key].([]interface{})
			switch strategy {
			case StrategyAppend, StrategyMerge:
				merged := make([]interface{}, 0, len(existing)+len(v))
				target[key] = append(append(merged, existing...), v...)
			case StrategyPrepend:
				merged := make([]interface{}, 0, len(existing)+len(v))
				target[key] = append(append(merged, v...), existing...)
			default:
				target[key] = v
			}

		case map[string]interface{}:
			if strategy != StrategyMerge {
				target[key] = v
				continue
			}
			existing, ok := target[key].(map[string]interface{})
			if !ok {
				existing = configtree.Tree{}
			}
			mergeInto(existing, v, path, strategies)
			target[key] = existing

		default:
			target[key] = v
		}
	}
}

// Resolver is Resolve with logging, metrics and a fixed strategy map.
type Resolver struct {
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	strategies MergeStrategies
}

// NewResolver creates a resolver. A nil strategies map means override everywhere.
func NewResolver(logger zerolog.Logger, metrics *telemetry.Metrics, strategies MergeStrategies) *Resolver {
	return &Resolver{
		logger:     logger.With().Str("component", "config-resolver").Logger(),
		metrics:    metrics,
		strategies: strategies,
	}
}

// Strategies returns the resolver's strategy map.
func (r *Resolver) Strategies() MergeStrategies {
	return r.strategies
}

// Resolve merges layers with the resolver's strategies.
func (r *Resolver) Resolve(layers []Layer) configtree.Tree {
	result := Resolve(layers, r.strategies)

	r.metrics.RecordResolution(len(layers))
	if e := r.logger.Debug(); e.Enabled() {
		ids := make([]string, len(layers))
		for i, layer := range layers {
			ids[i] = fmt.Sprintf("%s/%s@%d", layer.Type, layer.ID, layer.Priority)
		}
		e.Strs("layers", ids).Int("keys", len(result)).Msg("Resolved configuration layers")
	}
	return result
}
