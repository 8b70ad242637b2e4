package policy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/botfleet/pkg/configtree"
	"github.com/openfroyo/botfleet/pkg/manifest"
	"github.com/openfroyo/botfleet/pkg/telemetry"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	return NewEngine(zerolog.New(nil).Level(zerolog.Disabled), metrics)
}

func insecureConfig() configtree.Tree {
	return configtree.Tree{
		"gateway": map[string]interface{}{"port": 18789},
		"channels": map[string]interface{}{
			"slack": map[string]interface{}{"dmPolicy": "open"},
		},
		"tools": map[string]interface{}{
			"elevated": map[string]interface{}{"enabled": true},
		},
	}
}

func hardenedConfig() configtree.Tree {
	return configtree.Tree{
		"gateway": map[string]interface{}{
			"port": 18789,
			"bind": "loopback",
			"auth": map[string]interface{}{"token": "${GATEWAY_TOKEN}"},
		},
		"channels": map[string]interface{}{
			"slack": map[string]interface{}{
				"dmPolicy":       "pairing",
				"groupPolicy":    "allowlist",
				"allowFrom":      []interface{}{"U123"},
				"requireMention": true,
			},
		},
		"tools": map[string]interface{}{
			"profile": "coding",
			"exec":    map[string]interface{}{"security": "allowlist"},
		},
		"agents": map[string]interface{}{
			"defaults": map[string]interface{}{
				"workspace": "/srv/bots/support",
				"sandbox":   map[string]interface{}{"mode": "all"},
				"model": map[string]interface{}{
					"primary":     "anthropic/claude-sonnet-4",
					"maxTokens":   4096,
					"temperature": 0.3,
				},
			},
		},
		"filePermissions": map[string]interface{}{"configFileMode": "0600", "stateDirMode": "0700"},
		"logging":         map[string]interface{}{"level": "info", "redactSensitive": "tools"},
	}
}

func TestSecurityBaselineRejectsInsecureConfig(t *testing.T) {
	pack, ok := BuiltinPack(PackSecurityBaseline)
	if !ok {
		t.Fatal("Security baseline pack not found")
	}

	result := EvaluatePolicyPack(pack, "bot-1", insecureConfig(), &EvaluationContext{Environment: "dev"})
	if result.Valid {
		t.Error("Expected insecure config to be invalid")
	}
	if n := len(result.Violations) + len(result.Warnings); n < 3 {
		t.Errorf("Expected at least 3 findings, got %d: %+v", n, result)
	}

	found := make(map[string]bool)
	for _, v := range append(result.Violations, result.Warnings...) {
		found[v.RuleID] = true
	}
	for _, id := range []string{"sb-gateway-auth", "sb-dm-policy", "sb-elevated-tools"} {
		if !found[id] {
			t.Errorf("Expected a finding for %s", id)
		}
	}
	for _, v := range result.Warnings {
		if v.Severity == SeverityError {
			t.Errorf("ERROR violation %s routed to warnings", v.RuleID)
		}
	}
}

func TestBuiltinPacksAcceptHardenedConfig(t *testing.T) {
	ectx := &EvaluationContext{Environment: "prod", Workspace: "support"}
	for _, pack := range BuiltinPacks() {
		t.Run(pack.ID, func(t *testing.T) {
			result := EvaluatePolicyPack(pack, "bot-1", hardenedConfig(), ectx)
			if !result.Valid || len(result.Warnings) > 0 {
				t.Errorf("Expected hardened config to pass cleanly, got %+v", result)
			}
		})
	}
}

func TestPackTargeting(t *testing.T) {
	pack, _ := BuiltinPack(PackProductionHardening)

	result := EvaluatePolicyPack(pack, "bot-1", configtree.Tree{}, &EvaluationContext{Environment: "dev"})
	if !result.Valid {
		t.Error("Expected production pack to be skipped outside prod")
	}
	if len(result.Skipped) != len(pack.Rules) {
		t.Errorf("Expected all %d rules skipped, got %v", len(pack.Rules), result.Skipped)
	}

	result = EvaluatePolicyPack(pack, "bot-1", configtree.Tree{}, &EvaluationContext{Environment: "prod"})
	if result.Valid {
		t.Error("Expected empty config to fail production hardening")
	}

	custom := PolicyPack{
		ID:      "tagged",
		Name:    "Tagged",
		Version: "0.1.0",
		Rules: []PolicyRule{
			{ID: "browser", Type: RuleForbidBrowser, Severity: SeverityError, Enabled: true, TargetTags: []string{"public"}},
			{ID: "ws", Type: RuleForbidControlUI, Severity: SeverityError, Enabled: true, TargetWorkspaces: []string{"ops"}},
			{ID: "off", Type: RuleForbidBrowser, Enabled: false},
			{ID: "other-kind", Type: RuleForbidBrowser, Enabled: true, TargetResourceTypes: []string{"Gateway"}},
		},
	}
	cfg := configtree.Tree{
		"browser": map[string]interface{}{"enabled": true},
		"gateway": map[string]interface{}{"controlUi": map[string]interface{}{"enabled": true}},
	}

	result = EvaluatePolicyPack(custom, "bot-1", cfg, &EvaluationContext{Workspace: "ops", Tags: []string{"internal"}})
	if len(result.Violations) != 1 || result.Violations[0].RuleID != "ws" {
		t.Errorf("Expected only the workspace rule to fire, got %+v", result.Violations)
	}
	if len(result.Skipped) != 2 {
		t.Errorf("Expected tag and resource-type rules skipped, got %v", result.Skipped)
	}

	result = EvaluatePolicyPack(custom, "bot-1", cfg, &EvaluationContext{Workspace: "dev", Tags: []string{"public"}})
	if len(result.Violations) != 1 || result.Violations[0].RuleID != "browser" {
		t.Errorf("Expected only the tag rule to fire, got %+v", result.Violations)
	}
}

func TestPackReportsUnknownRulesAndSeverityOverride(t *testing.T) {
	pack := PolicyPack{
		ID:      "mixed",
		Name:    "Mixed",
		Version: "1.0.0",
		Rules: []PolicyRule{
			{ID: "future", Type: "require_future_check", Enabled: true},
			{ID: "browser-info", Type: RuleForbidBrowser, Severity: SeverityInfo, Enabled: true},
			{ID: "hooks", Type: RuleRequireHooksToken, Enabled: true},
		},
	}
	cfg := configtree.Tree{
		"browser": map[string]interface{}{"enabled": true},
		"hooks":   map[string]interface{}{"enabled": true},
	}

	result := EvaluatePolicyPack(pack, "bot-1", cfg, nil)
	if len(result.UnknownRules) != 1 || result.UnknownRules[0] != "future" {
		t.Errorf("Expected unknown rule recorded, got %v", result.UnknownRules)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Severity != SeverityInfo {
		t.Errorf("Expected browser finding as INFO warning, got %+v", result.Warnings)
	}
	if len(result.Violations) != 1 || result.Violations[0].RuleID != "hooks" {
		t.Errorf("Expected hooks violation with default ERROR severity, got %+v", result.Violations)
	}
	if result.Valid {
		t.Error("Expected pack to be invalid")
	}
}

func TestBuiltinPacksAreImmutable(t *testing.T) {
	pack, _ := BuiltinPack(PackSecurityBaseline)
	pack.Rules[0].Enabled = false
	pack.Rules[1].Config["forbiddenValues"] = []interface{}{}

	again, _ := BuiltinPack(PackSecurityBaseline)
	if !again.Rules[0].Enabled {
		t.Error("Expected built-in rule to stay enabled")
	}
	if len(again.Rules[1].Config["forbiddenValues"].([]interface{})) != 1 {
		t.Error("Expected built-in rule config to be unchanged")
	}

	packs := BuiltinPacks()
	if len(packs) != 3 || packs[0].ID != PackSecurityBaseline || packs[2].ID != PackChannelSafety {
		t.Errorf("Unexpected built-in pack order: %v", packs)
	}
}

func TestEngineApplicablePacks(t *testing.T) {
	eng := newTestEngine(t)

	m := &manifest.Manifest{}
	packs, err := eng.ApplicablePacks(m)
	if err != nil {
		t.Fatalf("ApplicablePacks() failed: %v", err)
	}
	if len(packs) != 2 || packs[0].ID != PackSecurityBaseline || packs[1].ID != PackChannelSafety {
		t.Errorf("Expected auto-applied packs only, got %v", packIDs(packs))
	}

	m.Spec.Policy.Packs = []string{PackProductionHardening}
	packs, err = eng.ApplicablePacks(m)
	if err != nil {
		t.Fatalf("ApplicablePacks() failed: %v", err)
	}
	if len(packs) != 3 || packs[1].ID != PackProductionHardening {
		t.Errorf("Expected requested pack ordered by priority, got %v", packIDs(packs))
	}

	m.Spec.Policy.Packs = []string{"missing-pack"}
	if _, err := eng.ApplicablePacks(m); err == nil {
		t.Error("Expected unknown pack to be an error")
	}
}

func TestEngineAddPack(t *testing.T) {
	eng := newTestEngine(t)

	custom := PolicyPack{
		ID:         "team",
		Name:       "Team",
		Version:    "2.1.0",
		AutoApply:  true,
		IsEnforced: true,
		Priority:   90,
		Rules:      []PolicyRule{{ID: "browser", Type: RuleForbidBrowser, Severity: SeverityError, Enabled: true}},
	}
	if err := eng.AddPack(custom); err != nil {
		t.Fatalf("AddPack() failed: %v", err)
	}
	if got, ok := eng.Pack("team"); !ok || got.IsBuiltin {
		t.Errorf("Expected custom pack to be retrievable, got %+v", got)
	}
	if ids := packIDs(eng.Packs()); len(ids) != 4 || ids[1] != "team" {
		t.Errorf("Unexpected pack order %v", ids)
	}

	tests := []struct {
		name string
		pack PolicyPack
	}{
		{name: "builtin id", pack: PolicyPack{ID: PackSecurityBaseline, Name: "x", Version: "1.0.0", Rules: custom.Rules}},
		{name: "bad version", pack: PolicyPack{ID: "x", Name: "x", Version: "one", Rules: custom.Rules}},
		{name: "no rules", pack: PolicyPack{ID: "x", Name: "x", Version: "1.0.0"}},
		{name: "duplicate rule", pack: PolicyPack{ID: "x", Name: "x", Version: "1.0.0", Rules: append(custom.Rules, custom.Rules...)}},
		{name: "bad severity", pack: PolicyPack{ID: "x", Name: "x", Version: "1.0.0", Rules: []PolicyRule{{ID: "r", Type: RuleForbidBrowser, Severity: "FATAL"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.AddPack(tt.pack); err == nil {
				t.Error("Expected AddPack to fail")
			}
		})
	}
}

func TestEngineEvaluate(t *testing.T) {
	eng := newTestEngine(t)
	packs := BuiltinPacks()

	report := eng.Evaluate(context.Background(), "bot-1", insecureConfig(), &EvaluationContext{Environment: "dev"}, packs)
	if report.ID == "" {
		t.Error("Expected report ID")
	}
	if report.Allowed {
		t.Error("Expected insecure config to be denied")
	}
	if len(report.Results) != len(packs) {
		t.Errorf("Expected %d pack results, got %d", len(packs), len(report.Results))
	}
	if len(report.BlockingViolations()) == 0 {
		t.Error("Expected blocking violations")
	}

	// channel-safety is not enforced, so its violations never block.
	advisory, _ := BuiltinPack(PackChannelSafety)
	cfg := configtree.Tree{"channels": map[string]interface{}{"slack": map[string]interface{}{"groupPolicy": "open"}}}
	report = eng.Evaluate(context.Background(), "bot-1", cfg, nil, []PolicyPack{advisory})
	if !report.Allowed {
		t.Error("Expected advisory pack failures to be allowed")
	}
	if len(report.Findings()) == 0 {
		t.Error("Expected advisory findings to be reported")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report = eng.Evaluate(ctx, "bot-1", hardenedConfig(), nil, packs)
	if !report.Incomplete || report.Allowed {
		t.Error("Expected cancelled evaluation to be incomplete and not allowed")
	}
}

func TestLegacyPolicyEngine(t *testing.T) {
	pe, err := NewPolicyEngine(zerolog.New(nil).Level(zerolog.Disabled), nil)
	if err != nil {
		t.Fatalf("Failed to create policy engine: %v", err)
	}

	base := func() configtree.Tree {
		return configtree.Tree{
			"apiVersion": manifest.APIVersion,
			"kind":       manifest.Kind,
			"metadata":   map[string]interface{}{"name": "support-bot", "workspace": "acme", "environment": "prod"},
			"spec": map[string]interface{}{
				"runtime": map[string]interface{}{"image": "ghcr.io/acme/bot:v1.2.3", "cpu": 1, "memory": 512},
				"skills":  map[string]interface{}{"mode": "ALL"},
			},
		}
	}

	t.Run("schema failure short-circuits", func(t *testing.T) {
		tree := base()
		tree["spec"].(map[string]interface{})["runtime"].(map[string]interface{})["image"] = "nginx:latest"
		result := pe.Validate(tree)
		if result.Valid || len(result.Violations) != 1 || result.Violations[0].RuleID != RuleIDSchemaInvalid {
			t.Errorf("Expected a single SCHEMA_INVALID violation, got %+v", result)
		}
	})

	t.Run("clean manifest", func(t *testing.T) {
		result := pe.Validate(base())
		if !result.Valid || len(result.Violations) != 0 {
			t.Errorf("Expected clean manifest to pass, got %+v", result.Violations)
		}
	})

	t.Run("every check reported", func(t *testing.T) {
		tree := base()
		spec := tree["spec"].(map[string]interface{})
		spec["channels"] = []interface{}{map[string]interface{}{"type": "webhook"}}
		spec["network"] = map[string]interface{}{"egress": map[string]interface{}{"preset": "permissive"}}

		result := pe.Validate(tree)
		if result.Valid {
			t.Error("Expected unverified webhook to be invalid")
		}
		ids := make(map[string]Severity)
		for _, v := range result.Violations {
			ids[v.RuleID] = v.Severity
		}
		if ids[RuleIDWebhookVerifyToken] != SeverityError {
			t.Error("Expected webhook verification ERROR")
		}
		if ids[RuleIDChannelsNoSecrets] != SeverityWarning {
			t.Error("Expected channels-without-secrets WARNING")
		}
		if ids[RuleIDPermissiveEgress] != SeverityWarning {
			t.Error("Expected permissive egress WARNING")
		}
	})

	t.Run("secret providers", func(t *testing.T) {
		tree := base()
		tree["spec"].(map[string]interface{})["secrets"] = []interface{}{
			map[string]interface{}{"name": "slack", "provider": "aws-secrets-manager", "key": "bots/slack"},
			map[string]interface{}{"name": "openai", "provider": "vault", "key": "kv/openai"},
		}
		result := pe.Validate(tree)
		if result.Valid || len(result.Violations) != 1 || result.Violations[0].RuleID != RuleIDSecretProvider {
			t.Errorf("Expected one SECRET_PROVIDER violation, got %+v", result.Violations)
		}
	})

	t.Run("forbidPublicAdmin off", func(t *testing.T) {
		tree := base()
		spec := tree["spec"].(map[string]interface{})
		spec["channels"] = []interface{}{map[string]interface{}{"type": "webhook"}}
		spec["secrets"] = []interface{}{map[string]interface{}{"name": "hook", "provider": "aws-secrets-manager", "key": "k"}}
		spec["policy"] = map[string]interface{}{"forbidPublicAdmin": false}
		result := pe.Validate(tree)
		if !result.Valid {
			t.Errorf("Expected webhook without verification to pass, got %+v", result.Violations)
		}
	})
}

func packIDs(packs []PolicyPack) []string {
	ids := make([]string, len(packs))
	for i, p := range packs {
		ids[i] = p.ID
	}
	return ids
}

func TestCheckManifestWebhookCurrentValue(t *testing.T) {
	disabled := false
	m := &manifest.Manifest{}
	m.Spec.Channels = []manifest.Channel{
		{Type: manifest.ChannelWebhook},
		{Type: manifest.ChannelWebhook, VerifyToken: &disabled},
	}

	var webhook []Violation
	for _, v := range CheckManifest(m) {
		if v.RuleID == RuleIDWebhookVerifyToken {
			webhook = append(webhook, v)
		}
	}
	if len(webhook) != 2 {
		t.Fatalf("Expected 2 webhook violations, got %+v", webhook)
	}

	unset, err := json.Marshal(webhook[0])
	if err != nil {
		t.Fatalf("Failed to marshal violation: %v", err)
	}
	if strings.Contains(string(unset), "currentValue") {
		t.Errorf("Expected no currentValue for an unset verifyToken, got %s", unset)
	}
	if webhook[1].CurrentValue != false {
		t.Errorf("Expected currentValue false, got %v", webhook[1].CurrentValue)
	}
}
