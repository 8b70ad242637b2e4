package policy

import (
	"fmt"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

type toolProfileConfig struct {
	ForbiddenProfiles []string `json:"forbiddenProfiles"`
}

type toolListConfig struct {
	Tools []string `json:"tools" validate:"min=1"`
}

type execApprovalConfig struct {
	AllowedSecurity []string `json:"allowedSecurity" validate:"min=1"`
}

func registerToolRules(r *Registry) {
	r.Register(RuleForbidElevatedTools, SeverityWarning, untyped(checkElevatedTools))
	r.Register(RuleLimitToolProfile, SeverityWarning, typed(
		func() toolProfileConfig { return toolProfileConfig{ForbiddenProfiles: []string{"full"}} },
		checkToolProfile,
	))
	r.Register(RuleForbidTools, SeverityError, typed(
		func() toolListConfig { return toolListConfig{} },
		checkForbiddenTools,
	))
	r.Register(RuleRequireToolDeny, SeverityError, typed(
		func() toolListConfig { return toolListConfig{} },
		checkToolDeny,
	))
	r.Register(RuleRequireExecApproval, SeverityError, typed(
		func() execApprovalConfig { return execApprovalConfig{AllowedSecurity: []string{"deny", "allowlist"}} },
		checkExecApproval,
	))
	r.Register(RuleForbidBrowser, SeverityWarning, untyped(checkBrowser))
}

func checkElevatedTools(cfg configtree.Tree, _ *EvaluationContext) *Finding {
	if !isTrue(cfg, "tools.elevated.enabled") {
		return nil
	}
	allowFrom, _ := configtree.Lookup(cfg, "tools.elevated.allowFrom")
	if !configtree.IsEmpty(allowFrom) {
		return nil
	}
	return &Finding{
		Message:      "Elevated tools are enabled for every sender: restrict tools.elevated.allowFrom",
		Field:        "tools.elevated.allowFrom",
		CurrentValue: allowFrom,
	}
}

func checkToolProfile(cfg configtree.Tree, p toolProfileConfig, _ *EvaluationContext) *Finding {
	profile, ok := configtree.LookupString(cfg, "tools.profile")
	if !ok || !contains(p.ForbiddenProfiles, profile) {
		return nil
	}
	return &Finding{
		Message:        fmt.Sprintf("Tool profile %q is not allowed", profile),
		Field:          "tools.profile",
		CurrentValue:   profile,
		SuggestedValue: "minimal",
	}
}

func checkForbiddenTools(cfg configtree.Tree, p toolListConfig, _ *EvaluationContext) *Finding {
	allow, ok := configtree.LookupStrings(cfg, "tools.allow")
	if !ok {
		return nil
	}
	var forbidden []string
	for _, tool := range allow {
		if tool == "*" || contains(p.Tools, tool) {
			forbidden = append(forbidden, tool)
		}
	}
	if len(forbidden) == 0 {
		return nil
	}
	return &Finding{
		Message:      fmt.Sprintf("tools.allow grants forbidden tools: %s", quoteAll(forbidden)),
		Field:        "tools.allow",
		CurrentValue: allow,
	}
}

func checkToolDeny(cfg configtree.Tree, p toolListConfig, _ *EvaluationContext) *Finding {
	deny, _ := configtree.LookupStrings(cfg, "tools.deny")
	var missing []string
	for _, tool := range p.Tools {
		if !contains(deny, tool) {
			missing = append(missing, tool)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	suggested := append(append([]string{}, deny...), missing...)
	return &Finding{
		Message:        fmt.Sprintf("tools.deny must include %s", quoteAll(missing)),
		Field:          "tools.deny",
		CurrentValue:   deny,
		SuggestedValue: suggested,
	}
}

func checkExecApproval(cfg configtree.Tree, p execApprovalConfig, _ *EvaluationContext) *Finding {
	security, ok := configtree.LookupString(cfg, "tools.exec.security")
	if ok && contains(p.AllowedSecurity, security) {
		return nil
	}
	f := &Finding{
		Message:        fmt.Sprintf("tools.exec.security must be one of %s", quoteAll(p.AllowedSecurity)),
		Field:          "tools.exec.security",
		SuggestedValue: p.AllowedSecurity[0],
	}
	if ok {
		f.CurrentValue = security
	}
	return f
}

func checkBrowser(cfg configtree.Tree, _ *EvaluationContext) *Finding {
	if !isTrue(cfg, "browser.enabled") {
		return nil
	}
	return &Finding{
		Message:        "Browser automation is enabled",
		Field:          "browser.enabled",
		CurrentValue:   true,
		SuggestedValue: false,
	}
}
