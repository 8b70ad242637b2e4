package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

type permissionsConfig struct {
	ConfigFileMode string `json:"configFileMode" validate:"required,octalmode"`
	StateDirMode   string `json:"stateDirMode" validate:"required,octalmode"`
}

type plaintextSecretsConfig struct {
	Paths []string `json:"paths" validate:"min=1"`
}

type loggingLevelConfig struct {
	AllowedLevels []string `json:"allowedLevels" validate:"min=1"`
}

func registerSecurityRules(r *Registry) {
	r.Register(RuleRequireConfigPermissions, SeverityError, typed(
		func() permissionsConfig { return permissionsConfig{ConfigFileMode: "0600", StateDirMode: "0700"} },
		checkConfigPermissions,
	))
	r.Register(RuleForbidPlaintextSecrets, SeverityWarning, typed(
		func() plaintextSecretsConfig {
			return plaintextSecretsConfig{Paths: []string{"gateway.auth.token", "gateway.auth.password", "hooks.token"}}
		},
		checkPlaintextSecrets,
	))
	r.Register(RuleRequireLogRedaction, SeverityWarning, untyped(checkLogRedaction))
	r.Register(RuleRequireLoggingLevel, SeverityInfo, typed(
		func() loggingLevelConfig { return loggingLevelConfig{AllowedLevels: []string{"info", "warn", "error"}} },
		checkLoggingLevel,
	))
}

// parseMode reads a file mode written as an octal string ("0600", "0o600",
// "600") or as a number already decoded from YAML octal.
func parseMode(v interface{}) (uint64, bool) {
	switch m := v.(type) {
	case string:
		s := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(m), "0o"), "0O")
		mode, err := strconv.ParseUint(s, 8, 32)
		return mode, err == nil
	default:
		n, ok := configtree.ToNumber(v)
		if !ok || n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
}

func checkConfigPermissions(cfg configtree.Tree, p permissionsConfig, _ *EvaluationContext) *Finding {
	checks := []struct {
		field    string
		required string
	}{
		{field: "filePermissions.configFileMode", required: p.ConfigFileMode},
		{field: "filePermissions.stateDirMode", required: p.StateDirMode},
	}

	var mismatched []string
	var first *Finding
	for _, c := range checks {
		want, _ := parseMode(c.required)
		raw, present := configtree.Lookup(cfg, c.field)
		if got, ok := parseMode(raw); present && ok && got == want {
			continue
		}
		mismatched = append(mismatched, fmt.Sprintf("%s should be %s", c.field, c.required))
		if first == nil {
			first = &Finding{Field: c.field, CurrentValue: raw, SuggestedValue: c.required}
		}
	}
	if first == nil {
		return nil
	}
	first.Message = "File permissions are too broad: " + strings.Join(mismatched, ", ")
	return first
}

func checkPlaintextSecrets(cfg configtree.Tree, p plaintextSecretsConfig, _ *EvaluationContext) *Finding {
	var literal []string
	for _, path := range p.Paths {
		value, ok := configtree.LookupString(cfg, path)
		if !ok || strings.TrimSpace(value) == "" || isEnvReference(value) {
			continue
		}
		literal = append(literal, path)
	}
	if len(literal) == 0 {
		return nil
	}
	return &Finding{
		Message:        fmt.Sprintf("Secrets are stored in plain text at %s; use ${ENV_VAR} references", strings.Join(literal, ", ")),
		Field:          literal[0],
		CurrentValue:   "[redacted]",
		SuggestedValue: "${" + envVarName(literal[0]) + "}",
	}
}

// envVarName derives a conventional variable name from a config path,
// e.g. gateway.auth.token -> GATEWAY_AUTH_TOKEN.
func envVarName(path string) string {
	return strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

func checkLogRedaction(cfg configtree.Tree, _ *EvaluationContext) *Finding {
	value, ok := configtree.Lookup(cfg, "logging.redactSensitive")
	if !ok {
		return nil
	}
	off := false
	switch v := value.(type) {
	case string:
		off = strings.EqualFold(v, "off")
	case bool:
		off = !v
	}
	if !off {
		return nil
	}
	return &Finding{
		Message:        "Log redaction of sensitive values is turned off",
		Field:          "logging.redactSensitive",
		CurrentValue:   value,
		SuggestedValue: "tools",
	}
}

func checkLoggingLevel(cfg configtree.Tree, p loggingLevelConfig, _ *EvaluationContext) *Finding {
	level, ok := configtree.LookupString(cfg, "logging.level")
	if !ok || contains(p.AllowedLevels, level) {
		return nil
	}
	return &Finding{
		Message:        fmt.Sprintf("Logging level %q is not allowed (allowed: %s)", level, quoteAll(p.AllowedLevels)),
		Field:          "logging.level",
		CurrentValue:   level,
		SuggestedValue: firstOr(p.AllowedLevels, "info"),
	}
}
