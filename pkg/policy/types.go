package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityError blocks acceptance of a configuration.
	SeverityError Severity = "ERROR"

	// SeverityWarning is reported but never blocks.
	SeverityWarning Severity = "WARNING"

	// SeverityInfo is informational.
	SeverityInfo Severity = "INFO"
)

// ParseSeverity parses a severity name, ignoring case.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityError, SeverityWarning, SeverityInfo:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Blocking reports whether violations of this severity reject a configuration.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// RuleType selects the evaluator that checks a rule.
type RuleType string

const (
	RuleRequireGatewayAuth        RuleType = "require_gateway_auth"
	RuleRequireGatewayBind        RuleType = "require_gateway_bind"
	RuleRequireGatewayTLS         RuleType = "require_gateway_tls"
	RuleRequirePortSpacing        RuleType = "require_port_spacing"
	RuleForbidControlUI           RuleType = "forbid_control_ui"
	RuleRequireDMPolicy           RuleType = "require_dm_policy"
	RuleForbidOpenGroupPolicy     RuleType = "forbid_open_group_policy"
	RuleRequireChannelAllowlist   RuleType = "require_channel_allowlist"
	RuleForbidChannelTypes        RuleType = "forbid_channel_types"
	RuleLimitChannelCount         RuleType = "limit_channel_count"
	RuleRequireMentionGating      RuleType = "require_mention_gating"
	RuleForbidElevatedTools       RuleType = "forbid_elevated_tools"
	RuleLimitToolProfile          RuleType = "limit_tool_profile"
	RuleForbidTools               RuleType = "forbid_tools"
	RuleRequireToolDeny           RuleType = "require_tool_deny"
	RuleRequireExecApproval       RuleType = "require_exec_approval"
	RuleForbidBrowser             RuleType = "forbid_browser"
	RuleRequireSandbox            RuleType = "require_sandbox"
	RuleRequireModelGuardrails    RuleType = "require_model_guardrails"
	RuleRequireApprovedModels     RuleType = "require_approved_models"
	RuleRequireWorkspaceIsolation RuleType = "require_workspace_isolation"
	RuleLimitAgentConcurrency     RuleType = "limit_agent_concurrency"
	RuleRequireSessionIsolation   RuleType = "require_session_isolation"
	RuleForbidSkills              RuleType = "forbid_skills"
	RuleRequireSkillAllowlist     RuleType = "require_skill_allowlist"
	RuleLimitMCPServers           RuleType = "limit_mcp_servers"
	RuleRequireConfigPermissions  RuleType = "require_config_permissions"
	RuleForbidPlaintextSecrets    RuleType = "forbid_plaintext_secrets"
	RuleRequireLogRedaction       RuleType = "require_log_redaction"
	RuleRequireLoggingLevel       RuleType = "require_logging_level"
	RuleRequireHooksToken         RuleType = "require_hooks_token"
	RuleCustomRego                RuleType = "custom_rego"
	RuleCustomCEL                 RuleType = "custom_cel"
)

// PolicyRule is one check inside a pack.
type PolicyRule struct {
	// ID is unique within the pack.
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// Type selects the evaluator.
	Type RuleType `json:"type"`

	// Severity overrides the evaluator's default severity when set.
	Severity Severity `json:"severity,omitempty"`

	TargetResourceTypes []string `json:"targetResourceTypes,omitempty"`
	TargetEnvironments  []string `json:"targetEnvironments,omitempty"`
	TargetWorkspaces    []string `json:"targetWorkspaces,omitempty"`
	TargetTags          []string `json:"targetTags,omitempty"`

	// Config is the type-specific payload handed to the evaluator.
	Config map[string]interface{} `json:"config,omitempty"`

	AllowOverride bool `json:"allowOverride,omitempty"`
	Enabled       bool `json:"enabled"`
}

// DisplayName returns Name, falling back to ID.
func (r PolicyRule) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// PolicyPack is a versioned, named set of rules.
type PolicyPack struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Description string       `json:"description,omitempty"`
	Rules       []PolicyRule `json:"rules"`

	IsBuiltin  bool `json:"isBuiltin"`
	AutoApply  bool `json:"autoApply"`
	IsEnforced bool `json:"isEnforced"`

	// Priority orders packs; higher runs first.
	Priority int `json:"priority"`

	TargetEnvironments []string `json:"targetEnvironments,omitempty"`
	TargetWorkspaces   []string `json:"targetWorkspaces,omitempty"`
	TargetTags         []string `json:"targetTags,omitempty"`
}

// Clone returns a deep copy of the pack.
func (p PolicyPack) Clone() PolicyPack {
	out := p
	out.TargetEnvironments = cloneStrings(p.TargetEnvironments)
	out.TargetWorkspaces = cloneStrings(p.TargetWorkspaces)
	out.TargetTags = cloneStrings(p.TargetTags)
	out.Rules = make([]PolicyRule, len(p.Rules))
	for i, rule := range p.Rules {
		rule.TargetResourceTypes = cloneStrings(rule.TargetResourceTypes)
		rule.TargetEnvironments = cloneStrings(rule.TargetEnvironments)
		rule.TargetWorkspaces = cloneStrings(rule.TargetWorkspaces)
		rule.TargetTags = cloneStrings(rule.TargetTags)
		rule.Config = configtree.CloneTree(rule.Config)
		out.Rules[i] = rule
	}
	return out
}

// Violation describes a failed rule.
type Violation struct {
	RuleID         string      `json:"ruleId"`
	RuleName       string      `json:"ruleName"`
	Severity       Severity    `json:"severity"`
	Message        string      `json:"message"`
	Field          string      `json:"field,omitempty"`
	CurrentValue   interface{} `json:"currentValue,omitempty"`
	SuggestedValue interface{} `json:"suggestedValue,omitempty"`
}

// RuleResult is the outcome of evaluating one rule.
type RuleResult struct {
	Passed    bool       `json:"passed"`
	Violation *Violation `json:"violation,omitempty"`

	// Unknown is set when no evaluator is registered for the rule type.
	// Such rules pass.
	Unknown bool `json:"unknown,omitempty"`
}

// InstanceRef describes another bot instance in the same fleet.
type InstanceRef struct {
	ID          string `json:"id"`
	Workspace   string `json:"workspace,omitempty"`
	GatewayPort *int   `json:"gatewayPort,omitempty"`
}

// EvaluationContext carries the facts a rule may need beyond the
// configuration itself.
type EvaluationContext struct {
	Environment    string        `json:"environment,omitempty"`
	Workspace      string        `json:"workspace,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	OtherInstances []InstanceRef `json:"otherInstances,omitempty"`

	// Now is supplied by the caller; evaluators never read the clock.
	Now time.Time `json:"now,omitempty"`
}

// PackResult is the outcome of evaluating a pack against one resource.
type PackResult struct {
	PackID     string `json:"packId"`
	ResourceID string `json:"resourceId"`

	// Valid is true when no ERROR violation was found.
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
	Warnings   []Violation `json:"warnings"`

	// Skipped lists rule IDs not evaluated because of targeting.
	Skipped []string `json:"skipped,omitempty"`

	// UnknownRules lists rule IDs whose type has no evaluator.
	UnknownRules []string `json:"unknownRules,omitempty"`
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
