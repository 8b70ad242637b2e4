package policy

import (
	"fmt"
	"sort"

	"github.com/openfroyo/botfleet/pkg/configtree"
	"github.com/openfroyo/botfleet/pkg/evolution"
)

type forbidSkillsConfig struct {
	Skills []string `json:"skills" validate:"min=1"`
}

type mcpServersConfig struct {
	AllowedServers []string `json:"allowedServers"`
	Max            *int     `json:"max" validate:"omitempty,gte=0"`
}

func registerSkillRules(r *Registry) {
	r.Register(RuleForbidSkills, SeverityError, typed(
		func() forbidSkillsConfig { return forbidSkillsConfig{} },
		checkForbiddenSkills,
	))
	r.Register(RuleRequireSkillAllowlist, SeverityWarning, untyped(checkSkillAllowlist))
	r.Register(RuleLimitMCPServers, SeverityError, typed(
		func() mcpServersConfig { return mcpServersConfig{} },
		checkMCPServers,
	))
}

// installedSkills returns entries not explicitly disabled plus allowBundled.
func installedSkills(cfg configtree.Tree) []string {
	set := make(map[string]struct{})
	if entries, ok := configtree.LookupMap(cfg, "skills.entries"); ok {
		for name, raw := range entries {
			if entry, ok := raw.(map[string]interface{}); ok {
				if enabled, ok := entry["enabled"].(bool); ok && !enabled {
					continue
				}
			}
			set[name] = struct{}{}
		}
	}
	bundled, _ := configtree.LookupStrings(cfg, "skills.allowBundled")
	for _, name := range bundled {
		set[name] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func checkForbiddenSkills(cfg configtree.Tree, p forbidSkillsConfig, _ *EvaluationContext) *Finding {
	var forbidden []string
	for _, name := range installedSkills(cfg) {
		if contains(p.Skills, name) {
			forbidden = append(forbidden, name)
		}
	}
	if len(forbidden) == 0 {
		return nil
	}
	return &Finding{
		Message:      fmt.Sprintf("Forbidden skills are installed: %s", quoteAll(forbidden)),
		Field:        "skills",
		CurrentValue: forbidden,
	}
}

func checkSkillAllowlist(cfg configtree.Tree, _ *EvaluationContext) *Finding {
	bundled, ok := configtree.LookupStrings(cfg, "skills.allowBundled")
	if ok && len(bundled) > 0 && !contains(bundled, "*") {
		return nil
	}
	f := &Finding{
		Message: "skills.allowBundled must list the bundled skills explicitly",
		Field:   "skills.allowBundled",
	}
	if ok {
		f.CurrentValue = bundled
	}
	return f
}

func checkMCPServers(cfg configtree.Tree, p mcpServersConfig, _ *EvaluationContext) *Finding {
	servers := evolution.ExtractMCPServers(cfg)

	if len(p.AllowedServers) > 0 {
		var unapproved []string
		for _, name := range servers {
			if !contains(p.AllowedServers, name) {
				unapproved = append(unapproved, name)
			}
		}
		if len(unapproved) > 0 {
			return &Finding{
				Message:      fmt.Sprintf("MCP servers are not approved: %s", quoteAll(unapproved)),
				Field:        "skills.entries",
				CurrentValue: unapproved,
			}
		}
	}
	if p.Max != nil && len(servers) > *p.Max {
		return &Finding{
			Message:        fmt.Sprintf("%d MCP servers configured; at most %d allowed", len(servers), *p.Max),
			Field:          "skills.entries",
			CurrentValue:   len(servers),
			SuggestedValue: *p.Max,
		}
	}
	return nil
}
