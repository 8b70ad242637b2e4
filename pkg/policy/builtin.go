package policy

import "sort"

// Built-in pack IDs.
const (
	PackSecurityBaseline     = "security-baseline"
	PackProductionHardening  = "production-hardening"
	PackChannelSafety        = "channel-safety"
	builtinPackVersion       = "1.0.0"
	productionMaxTemperature = 1.0
)

var builtinPacks = map[string]PolicyPack{
	PackSecurityBaseline:    securityBaselinePack(),
	PackProductionHardening: productionHardeningPack(),
	PackChannelSafety:       channelSafetyPack(),
}

// BuiltinPacks returns copies of the built-in packs, highest priority first.
func BuiltinPacks() []PolicyPack {
	out := make([]PolicyPack, 0, len(builtinPacks))
	for _, pack := range builtinPacks {
		out = append(out, pack.Clone())
	}
	sortPacks(out)
	return out
}

// BuiltinPack returns a copy of the built-in pack with the given ID.
func BuiltinPack(id string) (PolicyPack, bool) {
	pack, ok := builtinPacks[id]
	if !ok {
		return PolicyPack{}, false
	}
	return pack.Clone(), true
}

// IsBuiltinPackID reports whether id names a built-in pack.
func IsBuiltinPackID(id string) bool {
	_, ok := builtinPacks[id]
	return ok
}

// sortPacks orders packs by descending priority, then ID.
func sortPacks(packs []PolicyPack) {
	sort.SliceStable(packs, func(i, j int) bool {
		if packs[i].Priority != packs[j].Priority {
			return packs[i].Priority > packs[j].Priority
		}
		return packs[i].ID < packs[j].ID
	})
}

func rule(id string, ruleType RuleType, name string, config map[string]interface{}) PolicyRule {
	return PolicyRule{
		ID:      id,
		Name:    name,
		Type:    ruleType,
		Config:  config,
		Enabled: true,
	}
}

// securityBaselinePack applies to every bot and blocks on auth, DM and
// permission problems.
func securityBaselinePack() PolicyPack {
	return PolicyPack{
		ID:          PackSecurityBaseline,
		Name:        "Security Baseline",
		Version:     builtinPackVersion,
		Description: "Minimum security posture for every bot instance",
		IsBuiltin:   true,
		AutoApply:   true,
		IsEnforced:  true,
		Priority:    100,
		Rules: []PolicyRule{
			rule("sb-gateway-auth", RuleRequireGatewayAuth, "Gateway requires authentication", nil),
			rule("sb-dm-policy", RuleRequireDMPolicy, "Direct messages are not open", map[string]interface{}{
				"forbiddenValues": []interface{}{"open"},
			}),
			rule("sb-elevated-tools", RuleForbidElevatedTools, "Elevated tools are restricted", nil),
			rule("sb-config-permissions", RuleRequireConfigPermissions, "Config files are private", map[string]interface{}{
				"configFileMode": "0600",
				"stateDirMode":   "0700",
			}),
			rule("sb-plaintext-secrets", RuleForbidPlaintextSecrets, "Secrets use environment references", nil),
			rule("sb-log-redaction", RuleRequireLogRedaction, "Sensitive values are redacted in logs", nil),
		},
	}
}

// productionHardeningPack only targets prod.
func productionHardeningPack() PolicyPack {
	return PolicyPack{
		ID:                 PackProductionHardening,
		Name:               "Production Hardening",
		Version:            builtinPackVersion,
		Description:        "Isolation and guardrails required in production",
		IsBuiltin:          true,
		IsEnforced:         true,
		Priority:           80,
		TargetEnvironments: []string{"prod"},
		Rules: []PolicyRule{
			rule("ph-sandbox", RuleRequireSandbox, "Agents run sandboxed", nil),
			rule("ph-model-guardrails", RuleRequireModelGuardrails, "Model output is bounded", map[string]interface{}{
				"maxTemperature":   productionMaxTemperature,
				"requireMaxTokens": true,
			}),
			rule("ph-workspace-isolation", RuleRequireWorkspaceIsolation, "Workspaces are not shared", nil),
			rule("ph-port-spacing", RuleRequirePortSpacing, "Gateway ports are spaced", map[string]interface{}{
				"minimumGap": 20,
			}),
			rule("ph-tool-profile", RuleLimitToolProfile, "Full tool profile is not used", nil),
			rule("ph-gateway-tls", RuleRequireGatewayTLS, "Exposed gateways use TLS", nil),
			rule("ph-exec-approval", RuleRequireExecApproval, "Command execution needs approval", nil),
			rule("ph-control-ui", RuleForbidControlUI, "Control UI is disabled", nil),
		},
	}
}

// channelSafetyPack is advisory.
func channelSafetyPack() PolicyPack {
	return PolicyPack{
		ID:          PackChannelSafety,
		Name:        "Channel Safety",
		Version:     builtinPackVersion,
		Description: "Advisory checks for group and channel exposure",
		IsBuiltin:   true,
		AutoApply:   true,
		Priority:    60,
		Rules: []PolicyRule{
			rule("cs-group-policy", RuleForbidOpenGroupPolicy, "Groups are not open", nil),
			rule("cs-channel-allowlist", RuleRequireChannelAllowlist, "Allowlists are populated", nil),
			rule("cs-mention-gating", RuleRequireMentionGating, "Bots answer only when mentioned", nil),
		},
	}
}
