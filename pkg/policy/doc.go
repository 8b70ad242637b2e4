// Package policy evaluates bot configurations against policy packs.
//
// # Rules
//
// A PolicyRule names a RuleType and carries a type-specific Config payload.
// Each rule type has exactly one evaluator in a Registry; DefaultRegistry
// holds the built-in types, from require_gateway_auth to custom_rego and
// custom_cel. A rule type without an evaluator passes and is reported as
// unknown, so a pack written for a newer release never blocks a deployment
// on an older one. The Engine logs such rules and counts them in the
// policy_unknown_rule_types_total metric.
//
// Evaluation is pure: given the resolved configuration tree, the payload and
// an EvaluationContext it returns a RuleResult. A failed rule describes the
// offending field, its current value and, where one exists, a safe suggested
// value.
//
// # Packs
//
// A PolicyPack groups rules with a semver version, a priority and optional
// environment, workspace and tag targeting. EvaluatePolicyPack evaluates every
// applicable rule and splits the failures into Violations (ERROR) and
// Warnings (WARNING, INFO); a pack is valid when it has no violations.
//
// Three packs are built in: security-baseline and channel-safety apply to
// every bot, production-hardening to the prod environment. Custom packs are
// YAML or JSON documents loaded by Loader:
//
//	id: team-guardrails
//	name: Team guardrails
//	version: 1.2.0
//	isEnforced: true
//	rules:
//	  - id: no-browser
//	    type: forbid_browser
//	    severity: error
//	  - id: approved-models
//	    type: require_approved_models
//	    config:
//	      allowedModels: [anthropic/claude-sonnet-4]
//	  - id: port-floor
//	    type: custom_cel
//	    config:
//	      expression: "config.gateway.port >= 18000"
//	      message: gateway port must be 18000 or above
//
// # Manifest checks
//
// PolicyEngine validates a manifest tree against the schema and then runs the
// manifest-level checks on secrets, channels and egress.
package policy
