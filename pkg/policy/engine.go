package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/botfleet/pkg/configtree"
	"github.com/openfroyo/botfleet/pkg/manifest"
	"github.com/openfroyo/botfleet/pkg/telemetry"
)

// Engine holds the built-in and loaded policy packs and evaluates them.
type Engine struct {
	mu       sync.RWMutex
	loaded   map[string]PolicyPack
	registry *Registry
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// PackOutcome is the result of one pack inside a Report.
type PackOutcome struct {
	PackResult
	PackName string `json:"packName"`
	Enforced bool   `json:"enforced"`
}

// Report is the result of evaluating a set of packs against one resource.
type Report struct {
	ID          string        `json:"id"`
	ResourceID  string        `json:"resourceId"`
	EvaluatedAt time.Time     `json:"evaluatedAt"`
	Duration    time.Duration `json:"duration"`
	Results     []PackOutcome `json:"results"`

	// Allowed is true when every enforced pack is valid.
	Allowed bool `json:"allowed"`

	// Incomplete is set when the context was cancelled before all packs ran.
	Incomplete bool `json:"incomplete,omitempty"`
}

// BlockingViolations returns the ERROR violations of enforced packs.
func (r *Report) BlockingViolations() []Violation {
	var out []Violation
	for _, res := range r.Results {
		if res.Enforced {
			out = append(out, res.Violations...)
		}
	}
	return out
}

// Findings returns every violation and warning across packs.
func (r *Report) Findings() []Violation {
	var out []Violation
	for _, res := range r.Results {
		out = append(out, res.Violations...)
		out = append(out, res.Warnings...)
	}
	return out
}

// NewEngine creates a policy engine using the default rule registry.
func NewEngine(logger zerolog.Logger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		loaded:   make(map[string]PolicyPack),
		registry: DefaultRegistry(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		metrics:  metrics,
	}
}

// ValidatePack checks the structural requirements of a pack.
func ValidatePack(pack PolicyPack) error {
	if strings.TrimSpace(pack.ID) == "" {
		return fmt.Errorf("pack ID is required")
	}
	if strings.TrimSpace(pack.Name) == "" {
		return fmt.Errorf("pack %s: name is required", pack.ID)
	}
	if _, err := semver.NewVersion(pack.Version); err != nil {
		return fmt.Errorf("pack %s: version %q is not semver: %w", pack.ID, pack.Version, err)
	}
	if len(pack.Rules) == 0 {
		return fmt.Errorf("pack %s: at least one rule is required", pack.ID)
	}

	seen := make(map[string]bool, len(pack.Rules))
	for i, rule := range pack.Rules {
		if rule.ID == "" {
			return fmt.Errorf("pack %s: rule %d has no ID", pack.ID, i)
		}
		if seen[rule.ID] {
			return fmt.Errorf("pack %s: duplicate rule ID %s", pack.ID, rule.ID)
		}
		seen[rule.ID] = true
		if rule.Type == "" {
			return fmt.Errorf("pack %s: rule %s has no type", pack.ID, rule.ID)
		}
		if rule.Severity != "" {
			if _, err := ParseSeverity(string(rule.Severity)); err != nil {
				return fmt.Errorf("pack %s: rule %s: %w", pack.ID, rule.ID, err)
			}
		}
	}
	return nil
}

// AddPack registers a custom pack. Built-in pack IDs cannot be replaced.
func (e *Engine) AddPack(pack PolicyPack) error {
	if err := ValidatePack(pack); err != nil {
		return err
	}
	if IsBuiltinPackID(pack.ID) {
		return fmt.Errorf("pack %s: cannot replace a built-in pack", pack.ID)
	}

	pack = pack.Clone()
	pack.IsBuiltin = false

	e.mu.Lock()
	e.loaded[pack.ID] = pack
	e.mu.Unlock()

	e.logger.Debug().
		Str("pack", pack.ID).
		Str("version", pack.Version).
		Int("rules", len(pack.Rules)).
		Msg("Policy pack added")
	return nil
}

// SetLoadedPacks replaces every custom pack at once. Nothing changes if any
// pack is invalid.
func (e *Engine) SetLoadedPacks(packs []PolicyPack) error {
	next := make(map[string]PolicyPack, len(packs))
	for _, pack := range packs {
		if err := ValidatePack(pack); err != nil {
			return err
		}
		if IsBuiltinPackID(pack.ID) {
			return fmt.Errorf("pack %s: cannot replace a built-in pack", pack.ID)
		}
		if _, dup := next[pack.ID]; dup {
			return fmt.Errorf("pack %s: defined more than once", pack.ID)
		}
		pack = pack.Clone()
		pack.IsBuiltin = false
		next[pack.ID] = pack
	}

	e.mu.Lock()
	e.loaded = next
	e.mu.Unlock()

	e.logger.Info().Int("packs", len(next)).Msg("Custom policy packs replaced")
	return nil
}

// Packs returns copies of all packs, highest priority first.
func (e *Engine) Packs() []PolicyPack {
	out := BuiltinPacks()

	e.mu.RLock()
	for _, pack := range e.loaded {
		out = append(out, pack.Clone())
	}
	e.mu.RUnlock()

	sortPacks(out)
	return out
}

// Pack returns a copy of the pack with the given ID.
func (e *Engine) Pack(id string) (PolicyPack, bool) {
	if pack, ok := BuiltinPack(id); ok {
		return pack, true
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	pack, ok := e.loaded[id]
	if !ok {
		return PolicyPack{}, false
	}
	return pack.Clone(), true
}

// ApplicablePacks returns the auto-applied packs plus the packs the manifest
// requests, highest priority first. Unknown requested IDs are an error.
func (e *Engine) ApplicablePacks(m *manifest.Manifest) ([]PolicyPack, error) {
	selected := make(map[string]PolicyPack)
	for _, pack := range e.Packs() {
		if pack.AutoApply {
			selected[pack.ID] = pack
		}
	}

	var missing []string
	if m != nil {
		for _, id := range m.Spec.Policy.Packs {
			if _, ok := selected[id]; ok {
				continue
			}
			pack, ok := e.Pack(id)
			if !ok {
				missing = append(missing, id)
				continue
			}
			selected[id] = pack
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("unknown policy packs: %s", strings.Join(missing, ", "))
	}

	out := make([]PolicyPack, 0, len(selected))
	for _, pack := range selected {
		out = append(out, pack)
	}
	sortPacks(out)
	return out, nil
}

// EvaluatePack evaluates one pack, recording metrics and logging rule types
// that have no evaluator.
func (e *Engine) EvaluatePack(pack PolicyPack, resourceID string, cfg configtree.Tree, ectx *EvaluationContext) PackResult {
	result := e.registry.EvaluatePolicyPack(pack, resourceID, cfg, ectx, func(rule PolicyRule, rr RuleResult) {
		switch {
		case rr.Unknown:
			e.metrics.RecordRuleEvaluation(string(rule.Type), "unknown")
			e.metrics.RecordUnknownRuleType(string(rule.Type))
			e.logger.Warn().
				Str("pack", pack.ID).
				Str("rule", rule.ID).
				Str("rule_type", string(rule.Type)).
				Msg("No evaluator for rule type, rule passes")
		case rr.Passed:
			e.metrics.RecordRuleEvaluation(string(rule.Type), "pass")
		default:
			e.metrics.RecordRuleEvaluation(string(rule.Type), "fail")
			e.metrics.RecordViolation(string(rr.Violation.Severity))
		}
	})

	e.logger.Debug().
		Str("pack", pack.ID).
		Str("resource", resourceID).
		Bool("valid", result.Valid).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Int("skipped", len(result.Skipped)).
		Msg("Policy pack evaluated")
	return result
}

// Evaluate runs packs against cfg and returns a report. Evaluation stops early
// if ctx is cancelled; the report is then marked incomplete and not allowed.
func (e *Engine) Evaluate(ctx context.Context, resourceID string, cfg configtree.Tree, ectx *EvaluationContext, packs []PolicyPack) *Report {
	start := time.Now()
	if ectx == nil {
		ectx = &EvaluationContext{}
	}
	evaluatedAt := ectx.Now
	if evaluatedAt.IsZero() {
		evaluatedAt = start
	}

	report := &Report{
		ID:          uuid.New().String(),
		ResourceID:  resourceID,
		EvaluatedAt: evaluatedAt,
		Results:     make([]PackOutcome, 0, len(packs)),
		Allowed:     true,
	}

	for _, pack := range packs {
		if err := ctx.Err(); err != nil {
			e.logger.Warn().Err(err).Str("resource", resourceID).Msg("Policy evaluation cancelled")
			report.Incomplete = true
			report.Allowed = false
			break
		}

		result := e.EvaluatePack(pack, resourceID, cfg, ectx)
		report.Results = append(report.Results, PackOutcome{
			PackResult: result,
			PackName:   pack.Name,
			Enforced:   pack.IsEnforced,
		})
		if pack.IsEnforced && !result.Valid {
			report.Allowed = false
		}
	}
	report.Duration = time.Since(start)

	e.logger.Info().
		Str("report", report.ID).
		Str("resource", resourceID).
		Int("packs", len(report.Results)).
		Bool("allowed", report.Allowed).
		Dur("duration", report.Duration).
		Msg("Policy evaluation completed")
	return report
}
