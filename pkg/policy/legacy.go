package policy

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/botfleet/pkg/configtree"
	"github.com/openfroyo/botfleet/pkg/manifest"
	"github.com/openfroyo/botfleet/pkg/telemetry"
)

// Rule IDs reported by PolicyEngine.
const (
	RuleIDSchemaInvalid       = "SCHEMA_INVALID"
	RuleIDWebhookVerifyToken  = "WEBHOOK_VERIFY_TOKEN"
	RuleIDSecretProvider      = "SECRET_PROVIDER"
	RuleIDChannelsNoSecrets   = "CHANNELS_WITHOUT_SECRETS"
	RuleIDPermissiveEgress    = "PERMISSIVE_EGRESS"
	legacySchemaInvalidPrefix = "Manifest failed schema validation"
)

// ValidationResult is the outcome of PolicyEngine.Validate.
type ValidationResult struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
}

// PolicyEngine runs the manifest-level checks that predate policy packs.
type PolicyEngine struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	schemas *manifest.SchemaRegistry
}

// NewPolicyEngine creates a legacy policy engine using the default manifest schema.
func NewPolicyEngine(logger zerolog.Logger, metrics *telemetry.Metrics) (*PolicyEngine, error) {
	schemas, err := manifest.DefaultSchemaRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest schema: %w", err)
	}
	return &PolicyEngine{
		logger:  logger.With().Str("component", "manifest-policy").Logger(),
		metrics: metrics,
		schemas: schemas,
	}, nil
}

// Validate validates the tree against the manifest schema and, if it is
// structurally valid, runs the manifest checks. A schema failure is reported
// as a single SCHEMA_INVALID violation.
func (pe *PolicyEngine) Validate(tree configtree.Tree) ValidationResult {
	m, err := manifest.ValidateWith(pe.schemas, tree)
	pe.metrics.RecordSchemaValidation(err == nil)
	if err != nil {
		msg := err.Error()
		var schemaErr *manifest.SchemaError
		if errors.As(err, &schemaErr) {
			msg = fmt.Sprintf("%s: %s", legacySchemaInvalidPrefix, schemaErr.Error())
		}
		pe.logger.Debug().Err(err).Msg("Manifest rejected by schema")
		return ValidationResult{
			Valid: false,
			Violations: []Violation{{
				RuleID:   RuleIDSchemaInvalid,
				RuleName: "Manifest schema",
				Severity: SeverityError,
				Message:  msg,
			}},
		}
	}
	return pe.ValidateManifest(m)
}

// ValidateManifest runs the manifest checks on an already validated manifest.
func (pe *PolicyEngine) ValidateManifest(m *manifest.Manifest) ValidationResult {
	violations := CheckManifest(m)
	valid := true
	for _, v := range violations {
		pe.metrics.RecordViolation(string(v.Severity))
		if v.Severity.Blocking() {
			valid = false
		}
	}
	pe.logger.Debug().
		Str("instance", m.Metadata.Name).
		Bool("valid", valid).
		Int("violations", len(violations)).
		Msg("Manifest checks completed")
	return ValidationResult{Valid: valid, Violations: violations}
}

// CheckManifest returns the findings of the manifest checks:
//   - a webhook channel must verify tokens while forbidPublicAdmin is on
//   - every secret must come from AWS Secrets Manager
//   - channels without any secrets are suspicious
//   - permissive egress is discouraged
func CheckManifest(m *manifest.Manifest) []Violation {
	violations := []Violation{}

	if m.Spec.Policy.ForbidsPublicAdmin() {
		for i, ch := range m.Spec.Channels {
			if ch.Type == manifest.ChannelWebhook && !ch.VerifiesToken() {
				v := Violation{
					RuleID:         RuleIDWebhookVerifyToken,
					RuleName:       "Webhook token verification",
					Severity:       SeverityError,
					Message:        "Webhook channel must verify tokens while forbidPublicAdmin is enabled",
					Field:          fmt.Sprintf("spec.channels.%d.verifyToken", i),
					SuggestedValue: true,
				}
				if ch.VerifyToken != nil {
					v.CurrentValue = *ch.VerifyToken
				}
				violations = append(violations, v)
			}
		}
	}

	for i, secret := range m.Spec.Secrets {
		if secret.Provider != manifest.SecretProviderAWSSecretsManager {
			violations = append(violations, Violation{
				RuleID:         RuleIDSecretProvider,
				RuleName:       "Secret provider",
				Severity:       SeverityError,
				Message:        fmt.Sprintf("Secret %s uses provider %s; only %s is supported", secret.Name, secret.Provider, manifest.SecretProviderAWSSecretsManager),
				Field:          fmt.Sprintf("spec.secrets.%d.provider", i),
				CurrentValue:   string(secret.Provider),
				SuggestedValue: string(manifest.SecretProviderAWSSecretsManager),
			})
		}
	}

	if len(m.Spec.Channels) > 0 && len(m.Spec.Secrets) == 0 {
		violations = append(violations, Violation{
			RuleID:   RuleIDChannelsNoSecrets,
			RuleName: "Channel credentials",
			Severity: SeverityWarning,
			Message:  "Channels are configured but no secrets are declared",
			Field:    "spec.secrets",
		})
	}

	if m.Spec.Network.Egress.Preset == manifest.EgressPermissive {
		violations = append(violations, Violation{
			RuleID:         RuleIDPermissiveEgress,
			RuleName:       "Egress preset",
			Severity:       SeverityWarning,
			Message:        "Egress preset permissive allows outbound traffic to any destination",
			Field:          "spec.network.egress.preset",
			CurrentValue:   string(manifest.EgressPermissive),
			SuggestedValue: string(manifest.EgressRestricted),
		})
	}

	return violations
}
