package policy

import (
	"fmt"
	"strings"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

type sandboxConfig struct {
	AllowedModes []string `json:"allowedModes" validate:"min=1"`
}

type modelGuardrailsConfig struct {
	RequireMaxTokens bool     `json:"requireMaxTokens"`
	MaxTemperature   *float64 `json:"maxTemperature" validate:"omitempty,gte=0"`
}

type approvedModelsConfig struct {
	AllowedModels []string `json:"allowedModels" validate:"min=1"`
}

type sessionIsolationConfig struct {
	AllowedScopes []string `json:"allowedScopes" validate:"min=1"`
}

func registerAgentRules(r *Registry) {
	r.Register(RuleRequireSandbox, SeverityError, typed(
		func() sandboxConfig { return sandboxConfig{AllowedModes: []string{"all", "non-main"}} },
		checkSandbox,
	))
	r.Register(RuleRequireModelGuardrails, SeverityError, typed(
		func() modelGuardrailsConfig { return modelGuardrailsConfig{} },
		checkModelGuardrails,
	))
	r.Register(RuleRequireApprovedModels, SeverityError, typed(
		func() approvedModelsConfig { return approvedModelsConfig{} },
		checkApprovedModels,
	))
	r.Register(RuleRequireWorkspaceIsolation, SeverityError, untyped(checkWorkspaceIsolation))
	r.Register(RuleLimitAgentConcurrency, SeverityWarning, typed(
		func() limitConfig { return limitConfig{} },
		checkAgentConcurrency,
	))
	r.Register(RuleRequireSessionIsolation, SeverityWarning, typed(
		func() sessionIsolationConfig {
			return sessionIsolationConfig{AllowedScopes: []string{"per-peer", "per-channel-peer"}}
		},
		checkSessionIsolation,
	))
}

func checkSandbox(cfg configtree.Tree, p sandboxConfig, _ *EvaluationContext) *Finding {
	mode, ok := configtree.LookupString(defaultAgent(cfg), "sandbox.mode")
	if ok && contains(p.AllowedModes, mode) {
		return nil
	}
	f := &Finding{
		Message:        fmt.Sprintf("Default agent sandbox mode must be one of %s", quoteAll(p.AllowedModes)),
		Field:          "agents.defaults.sandbox.mode",
		SuggestedValue: p.AllowedModes[0],
	}
	if ok {
		f.CurrentValue = mode
	}
	return f
}

// agentModel returns the default agent's model as an object. A bare string
// model is treated as {primary: <string>}.
func agentModel(cfg configtree.Tree) configtree.Tree {
	switch m := defaultAgent(cfg)["model"].(type) {
	case string:
		return configtree.Tree{"primary": m}
	case map[string]interface{}:
		return m
	default:
		return configtree.Tree{}
	}
}

func checkModelGuardrails(cfg configtree.Tree, p modelGuardrailsConfig, _ *EvaluationContext) *Finding {
	model := agentModel(cfg)

	if p.RequireMaxTokens {
		if _, ok := configtree.LookupNumber(model, "maxTokens"); !ok {
			return &Finding{
				Message: "Default agent model must set maxTokens",
				Field:   "agents.defaults.model.maxTokens",
			}
		}
	}
	if p.MaxTemperature != nil {
		if temp, ok := configtree.LookupNumber(model, "temperature"); ok && temp > *p.MaxTemperature {
			return &Finding{
				Message:        fmt.Sprintf("Default agent model temperature %g exceeds %g", temp, *p.MaxTemperature),
				Field:          "agents.defaults.model.temperature",
				CurrentValue:   temp,
				SuggestedValue: *p.MaxTemperature,
			}
		}
	}
	return nil
}

func checkApprovedModels(cfg configtree.Tree, p approvedModelsConfig, _ *EvaluationContext) *Finding {
	primary, ok := configtree.LookupString(agentModel(cfg), "primary")
	if ok && contains(p.AllowedModels, primary) {
		return nil
	}
	f := &Finding{
		Message: fmt.Sprintf("Default agent model must be one of %s", quoteAll(p.AllowedModels)),
		Field:   "agents.defaults.model.primary",
	}
	if ok {
		f.CurrentValue = primary
	}
	return f
}

func checkWorkspaceIsolation(cfg configtree.Tree, ectx *EvaluationContext) *Finding {
	workspace, _ := configtree.LookupString(defaultAgent(cfg), "workspace")
	if strings.TrimSpace(workspace) == "" {
		return &Finding{
			Message: "Default agent workspace is not set",
			Field:   "agents.defaults.workspace",
		}
	}
	for _, other := range ectx.OtherInstances {
		if other.Workspace == workspace {
			return &Finding{
				Message:      fmt.Sprintf("Agent workspace %s is shared with instance %s", workspace, other.ID),
				Field:        "agents.defaults.workspace",
				CurrentValue: workspace,
			}
		}
	}
	return nil
}

func checkAgentConcurrency(cfg configtree.Tree, p limitConfig, _ *EvaluationContext) *Finding {
	current, ok := configtree.LookupNumber(cfg, "agents.defaults.maxConcurrent")
	if !ok || current <= float64(*p.Max) {
		return nil
	}
	return &Finding{
		Message:        fmt.Sprintf("agents.defaults.maxConcurrent %g exceeds %d", current, *p.Max),
		Field:          "agents.defaults.maxConcurrent",
		CurrentValue:   current,
		SuggestedValue: *p.Max,
	}
}

func checkSessionIsolation(cfg configtree.Tree, p sessionIsolationConfig, _ *EvaluationContext) *Finding {
	scope, ok := configtree.LookupString(cfg, "session.dmScope")
	if ok && contains(p.AllowedScopes, scope) {
		return nil
	}
	f := &Finding{
		Message:        fmt.Sprintf("session.dmScope must be one of %s", quoteAll(p.AllowedScopes)),
		Field:          "session.dmScope",
		SuggestedValue: p.AllowedScopes[0],
	}
	if ok {
		f.CurrentValue = scope
	}
	return f
}
