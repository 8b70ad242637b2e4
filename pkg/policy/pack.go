package policy

import (
	"github.com/openfroyo/botfleet/pkg/configtree"
)

// ResourceTypeBotInstance is the resource type every evaluated configuration has.
const ResourceTypeBotInstance = "BotInstance"

// RuleObserver is called after each evaluated rule.
type RuleObserver func(rule PolicyRule, result RuleResult)

// EvaluatePolicyPack evaluates every rule of pack against cfg with the
// default registry.
func EvaluatePolicyPack(pack PolicyPack, resourceID string, cfg configtree.Tree, ectx *EvaluationContext) PackResult {
	return DefaultRegistry().EvaluatePolicyPack(pack, resourceID, cfg, ectx, nil)
}

// EvaluatePolicyPack evaluates the rules of pack in order. Disabled rules are
// ignored; rules excluded by pack or rule targeting are listed in Skipped.
// Every rule is evaluated, so all violations are reported in one pass.
func (r *Registry) EvaluatePolicyPack(pack PolicyPack, resourceID string, cfg configtree.Tree, ectx *EvaluationContext, observe RuleObserver) PackResult {
	if ectx == nil {
		ectx = &EvaluationContext{}
	}
	result := PackResult{
		PackID:     pack.ID,
		ResourceID: resourceID,
		Violations: []Violation{},
		Warnings:   []Violation{},
	}

	packApplies := targets(pack.TargetEnvironments, pack.TargetWorkspaces, pack.TargetTags, ectx)

	for _, rule := range pack.Rules {
		if !rule.Enabled {
			continue
		}
		if !packApplies || !ruleApplies(rule, ectx) {
			result.Skipped = append(result.Skipped, rule.ID)
			continue
		}

		rr := r.evaluate(rule, cfg, ectx)
		if observe != nil {
			observe(rule, rr)
		}
		if rr.Unknown {
			result.UnknownRules = append(result.UnknownRules, rule.ID)
			continue
		}
		if rr.Passed || rr.Violation == nil {
			continue
		}
		if rr.Violation.Severity.Blocking() {
			result.Violations = append(result.Violations, *rr.Violation)
		} else {
			result.Warnings = append(result.Warnings, *rr.Violation)
		}
	}

	result.Valid = len(result.Violations) == 0
	return result
}

func ruleApplies(rule PolicyRule, ectx *EvaluationContext) bool {
	if len(rule.TargetResourceTypes) > 0 && !contains(rule.TargetResourceTypes, ResourceTypeBotInstance) {
		return false
	}
	return targets(rule.TargetEnvironments, rule.TargetWorkspaces, rule.TargetTags, ectx)
}

// targets reports whether an evaluation context matches every non-empty
// target list. Tags match when any context tag is targeted.
func targets(environments, workspaces, tags []string, ectx *EvaluationContext) bool {
	if len(environments) > 0 && !contains(environments, ectx.Environment) {
		return false
	}
	if len(workspaces) > 0 && !contains(workspaces, ectx.Workspace) {
		return false
	}
	if len(tags) > 0 {
		for _, tag := range ectx.Tags {
			if contains(tags, tag) {
				return true
			}
		}
		return false
	}
	return true
}
