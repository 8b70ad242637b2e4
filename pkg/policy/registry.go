package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

// Finding is what an evaluator reports when a rule fails.
type Finding struct {
	Message        string
	Field          string
	CurrentValue   interface{}
	SuggestedValue interface{}
}

// EvaluatorFunc checks a resolved configuration against one rule payload.
// It returns nil when the rule passes. Evaluators must not modify cfg.
type EvaluatorFunc func(cfg configtree.Tree, payload map[string]interface{}, ectx *EvaluationContext) *Finding

// Evaluator is a registered rule implementation.
type Evaluator struct {
	Type            RuleType
	DefaultSeverity Severity
	Fn              EvaluatorFunc
}

// Registry maps rule types to evaluators. Registration is not synchronized;
// complete it before evaluating concurrently.
type Registry struct {
	evaluators map[RuleType]Evaluator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{evaluators: make(map[RuleType]Evaluator)}
}

// Register adds or replaces the evaluator for a rule type.
func (r *Registry) Register(ruleType RuleType, severity Severity, fn EvaluatorFunc) {
	r.evaluators[ruleType] = Evaluator{Type: ruleType, DefaultSeverity: severity, Fn: fn}
}

// Lookup returns the evaluator for a rule type.
func (r *Registry) Lookup(ruleType RuleType) (Evaluator, bool) {
	ev, ok := r.evaluators[ruleType]
	return ev, ok
}

// Types returns the registered rule types, sorted.
func (r *Registry) Types() []RuleType {
	out := make([]RuleType, 0, len(r.evaluators))
	for t := range r.evaluators {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EvaluateRule evaluates a single rule type outside of any pack. The
// violation carries the rule type as its ID and the evaluator's default severity.
func (r *Registry) EvaluateRule(ruleType RuleType, cfg configtree.Tree, ruleConfig map[string]interface{}, ectx *EvaluationContext) RuleResult {
	return r.evaluate(PolicyRule{ID: string(ruleType), Type: ruleType, Config: ruleConfig, Enabled: true}, cfg, ectx)
}

func (r *Registry) evaluate(rule PolicyRule, cfg configtree.Tree, ectx *EvaluationContext) RuleResult {
	ev, ok := r.evaluators[rule.Type]
	if !ok {
		return RuleResult{Passed: true, Unknown: true}
	}
	if ectx == nil {
		ectx = &EvaluationContext{}
	}
	if cfg == nil {
		cfg = configtree.Tree{}
	}

	finding := ev.Fn(cfg, rule.Config, ectx)
	if finding == nil {
		return RuleResult{Passed: true}
	}

	severity := rule.Severity
	if severity == "" {
		severity = ev.DefaultSeverity
	}
	return RuleResult{
		Passed: false,
		Violation: &Violation{
			RuleID:         rule.ID,
			RuleName:       rule.DisplayName(),
			Severity:       severity,
			Message:        finding.Message,
			Field:          finding.Field,
			CurrentValue:   finding.CurrentValue,
			SuggestedValue: finding.SuggestedValue,
		},
	}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the registry holding every built-in rule type.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		r := NewRegistry()
		registerGatewayRules(r)
		registerChannelRules(r)
		registerToolRules(r)
		registerAgentRules(r)
		registerSkillRules(r)
		registerSecurityRules(r)
		registerCustomRules(r)
		defaultRegistry = r
	})
	return defaultRegistry
}

// EvaluateRule evaluates a rule type with the default registry.
func EvaluateRule(ruleType RuleType, cfg configtree.Tree, ruleConfig map[string]interface{}, ectx *EvaluationContext) RuleResult {
	return DefaultRegistry().EvaluateRule(ruleType, cfg, ruleConfig, ectx)
}

var (
	payloadValidator     *validator.Validate
	payloadValidatorOnce sync.Once
)

func validatePayload() *validator.Validate {
	payloadValidatorOnce.Do(func() {
		payloadValidator = validator.New()
		payloadValidator.RegisterTagNameFunc(jsonFieldName)
		_ = payloadValidator.RegisterValidation("octalmode", func(fl validator.FieldLevel) bool {
			_, ok := parseMode(fl.Field().String())
			return ok
		})
	})
	return payloadValidator
}

// typed adapts a check over a typed payload P into an EvaluatorFunc. The raw
// payload is decoded over the value returned by defaults and then validated.
// An undecodable or invalid payload fails the rule.
func typed[P any](defaults func() P, check func(cfg configtree.Tree, p P, ectx *EvaluationContext) *Finding) EvaluatorFunc {
	return func(cfg configtree.Tree, payload map[string]interface{}, ectx *EvaluationContext) *Finding {
		p := defaults()
		if err := decodePayload(payload, &p); err != nil {
			return &Finding{Message: fmt.Sprintf("invalid rule config: %v", err)}
		}
		return check(cfg, p, ectx)
	}
}

// untyped adapts a check that takes no payload.
func untyped(check func(cfg configtree.Tree, ectx *EvaluationContext) *Finding) EvaluatorFunc {
	return func(cfg configtree.Tree, _ map[string]interface{}, ectx *EvaluationContext) *Finding {
		return check(cfg, ectx)
	}
}

func decodePayload(payload map[string]interface{}, out interface{}) error {
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, out); err != nil {
			return err
		}
	}

	if err := validatePayload().Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
			}
			return errors.New(strings.Join(msgs, ", "))
		}
		return err
	}
	return nil
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return fld.Name
	}
	return name
}
