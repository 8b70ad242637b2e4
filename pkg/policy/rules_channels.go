package policy

import (
	"fmt"
	"strings"

	"github.com/openfroyo/botfleet/pkg/configtree"
	"github.com/openfroyo/botfleet/pkg/evolution"
)

type channelPolicyConfig struct {
	ForbiddenValues []string `json:"forbiddenValues"`
	AllowedValues   []string `json:"allowedValues"`
}

type forbidChannelTypesConfig struct {
	ForbiddenTypes []string `json:"forbiddenTypes" validate:"min=1"`
}

type limitConfig struct {
	Max *int `json:"max" validate:"required,gte=0"`
}

func registerChannelRules(r *Registry) {
	r.Register(RuleRequireDMPolicy, SeverityError, typed(
		func() channelPolicyConfig { return channelPolicyConfig{ForbiddenValues: []string{"open"}} },
		func(cfg configtree.Tree, p channelPolicyConfig, _ *EvaluationContext) *Finding {
			return checkChannelPolicy(cfg, "dmPolicy", p, "pairing")
		},
	))
	r.Register(RuleForbidOpenGroupPolicy, SeverityError, typed(
		func() channelPolicyConfig { return channelPolicyConfig{ForbiddenValues: []string{"open"}} },
		func(cfg configtree.Tree, p channelPolicyConfig, _ *EvaluationContext) *Finding {
			return checkChannelPolicy(cfg, "groupPolicy", p, "allowlist")
		},
	))
	r.Register(RuleRequireChannelAllowlist, SeverityError, untyped(checkChannelAllowlist))
	r.Register(RuleForbidChannelTypes, SeverityError, typed(
		func() forbidChannelTypesConfig { return forbidChannelTypesConfig{} },
		checkForbiddenChannelTypes,
	))
	r.Register(RuleLimitChannelCount, SeverityWarning, typed(
		func() limitConfig { return limitConfig{} },
		checkChannelCount,
	))
	r.Register(RuleRequireMentionGating, SeverityWarning, untyped(checkMentionGating))
}

// checkChannelPolicy fails when any channel sets key to a forbidden value, or
// to a value outside AllowedValues when that list is given.
func checkChannelPolicy(cfg configtree.Tree, key string, p channelPolicyConfig, suggested string) *Finding {
	var offending []string
	var first *Finding
	for _, ch := range channelEntries(cfg) {
		value, ok := ch.config[key].(string)
		if !ok {
			continue
		}
		if !contains(p.ForbiddenValues, value) && (len(p.AllowedValues) == 0 || contains(p.AllowedValues, value)) {
			continue
		}
		offending = append(offending, fmt.Sprintf("%s=%s", ch.name, value))
		if first == nil {
			first = &Finding{
				Field:          fmt.Sprintf("channels.%s.%s", ch.name, key),
				CurrentValue:   value,
				SuggestedValue: suggested,
			}
		}
	}
	if first == nil {
		return nil
	}
	first.Message = fmt.Sprintf("Channel %s is not allowed: %s", key, strings.Join(offending, ", "))
	return first
}

func checkChannelAllowlist(cfg configtree.Tree, _ *EvaluationContext) *Finding {
	for _, ch := range channelEntries(cfg) {
		dm, _ := ch.config["dmPolicy"].(string)
		group, _ := ch.config["groupPolicy"].(string)
		if dm != "allowlist" && group != "allowlist" {
			continue
		}
		if !configtree.IsEmpty(ch.config["allowFrom"]) {
			continue
		}
		return &Finding{
			Message:      fmt.Sprintf("Channel %s uses an allowlist policy with an empty allowFrom", ch.name),
			Field:        fmt.Sprintf("channels.%s.allowFrom", ch.name),
			CurrentValue: ch.config["allowFrom"],
		}
	}
	return nil
}

func checkForbiddenChannelTypes(cfg configtree.Tree, p forbidChannelTypesConfig, _ *EvaluationContext) *Finding {
	var forbidden []string
	for _, name := range evolution.ExtractEnabledChannels(cfg) {
		if contains(p.ForbiddenTypes, name) {
			forbidden = append(forbidden, name)
		}
	}
	if len(forbidden) == 0 {
		return nil
	}
	return &Finding{
		Message:      fmt.Sprintf("Forbidden channel types are enabled: %s", quoteAll(forbidden)),
		Field:        "channels." + forbidden[0],
		CurrentValue: forbidden,
	}
}

func checkChannelCount(cfg configtree.Tree, p limitConfig, _ *EvaluationContext) *Finding {
	enabled := evolution.ExtractEnabledChannels(cfg)
	if len(enabled) <= *p.Max {
		return nil
	}
	return &Finding{
		Message:        fmt.Sprintf("%d channels are enabled; at most %d allowed", len(enabled), *p.Max),
		Field:          "channels",
		CurrentValue:   len(enabled),
		SuggestedValue: *p.Max,
	}
}

func checkMentionGating(cfg configtree.Tree, _ *EvaluationContext) *Finding {
	for _, ch := range channelEntries(cfg) {
		if required, ok := ch.config["requireMention"].(bool); ok && !required {
			return &Finding{
				Message:        fmt.Sprintf("Channel %s answers without being mentioned", ch.name),
				Field:          fmt.Sprintf("channels.%s.requireMention", ch.name),
				CurrentValue:   false,
				SuggestedValue: true,
			}
		}
	}
	return nil
}
