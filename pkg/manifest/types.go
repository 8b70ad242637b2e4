// Package manifest defines the BotInstance manifest: the fully specified,
// validated desired configuration for one bot instance.
//
// Untyped trees produced by the resolution engine enter the typed world only
// through Validate, which runs the structural CUE schema followed by the field
// invariants and reports every problem in a single *SchemaError.
package manifest

import (
	"github.com/openfroyo/botfleet/pkg/configtree"
)

const (
	// APIVersion is the only accepted apiVersion literal.
	APIVersion = "fleet.openfroyo.io/v1"

	// Kind is the only accepted kind literal.
	Kind = "BotInstance"
)

// Environment is the deployment environment of an instance.
type Environment string

const (
	EnvironmentDev     Environment = "dev"
	EnvironmentStaging Environment = "staging"
	EnvironmentProd    Environment = "prod"
)

// SecretProvider identifies the backend that holds a secret value.
type SecretProvider string

const (
	SecretProviderAWSSecretsManager SecretProvider = "aws-secrets-manager"
	SecretProviderVault             SecretProvider = "vault"
	SecretProviderGCPSecretManager  SecretProvider = "gcp-secret-manager"
	SecretProviderAzureKeyVault     SecretProvider = "azure-key-vault"
	SecretProviderEnv               SecretProvider = "env"
)

// ChannelType identifies a messaging integration.
type ChannelType string

const (
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelTelegram ChannelType = "telegram"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelSignal   ChannelType = "signal"
	ChannelMSTeams  ChannelType = "msteams"
	ChannelWebhook  ChannelType = "webhook"
)

// SkillsMode is the tag of the skills policy variant.
type SkillsMode string

const (
	SkillsAllowlist SkillsMode = "ALLOWLIST"
	SkillsDenylist  SkillsMode = "DENYLIST"
	SkillsAll       SkillsMode = "ALL"
)

// EgressPreset selects the outbound network profile.
type EgressPreset string

const (
	EgressNone       EgressPreset = "none"
	EgressRestricted EgressPreset = "restricted"
	EgressPermissive EgressPreset = "permissive"
)

// Manifest is the desired state of one bot instance.
type Manifest struct {
	APIVersion string   `json:"apiVersion" validate:"eq=fleet.openfroyo.io/v1"`
	Kind       string   `json:"kind" validate:"eq=BotInstance"`
	Metadata   Metadata `json:"metadata"`
	Spec       Spec     `json:"spec"`
}

// Metadata identifies the instance.
type Metadata struct {
	// Name is a DNS label: lowercase alphanumerics and single hyphens, 1-63 characters.
	Name string `json:"name" validate:"required,dnslabel"`

	// Workspace groups instances that share an operator.
	Workspace string `json:"workspace" validate:"required"`

	// Environment scopes environment-targeted policy packs.
	Environment Environment `json:"environment" validate:"required,oneof=dev staging prod"`

	// Labels are free-form key/value tags.
	Labels map[string]string `json:"labels,omitempty"`
}

// Spec is the desired runtime shape of the instance.
type Spec struct {
	Runtime       Runtime       `json:"runtime"`
	Secrets       []Secret      `json:"secrets" validate:"unique=Name,dive"`
	Channels      []Channel     `json:"channels" validate:"unique=Type,dive"`
	Skills        SkillsPolicy  `json:"skills"`
	Network       Network       `json:"network"`
	Observability Observability `json:"observability"`
	Policy        PolicyToggles `json:"policy"`

	// BotConfig is the runtime configuration handed to the bot process. Policy
	// packs and the drift engine inspect it.
	BotConfig map[string]interface{} `json:"botConfig,omitempty"`
}

// Runtime describes the container that runs the bot.
type Runtime struct {
	Image    string            `json:"image" validate:"required,pinnedimage"`
	CPU      float64           `json:"cpu" validate:"gte=0.25,lte=16"`
	Memory   int               `json:"memory" validate:"gte=256,lte=65536"`
	Replicas int               `json:"replicas" validate:"gte=1,lte=100"`
	Env      map[string]string `json:"env,omitempty"`
}

// Secret references a secret held by an external provider.
type Secret struct {
	Name     string         `json:"name" validate:"required"`
	Provider SecretProvider `json:"provider" validate:"required,oneof=aws-secrets-manager vault gcp-secret-manager azure-key-vault env"`
	Key      string         `json:"key" validate:"required"`
}

// Channel is one messaging integration. At most one channel per type.
type Channel struct {
	Type        ChannelType            `json:"type" validate:"required,oneof=slack discord telegram whatsapp signal msteams webhook"`
	Enabled     *bool                  `json:"enabled,omitempty"`
	SecretRef   string                 `json:"secretRef,omitempty"`
	VerifyToken *bool                  `json:"verifyToken,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
}

// IsEnabled reports whether the channel is enabled; channels default to enabled.
func (c Channel) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// VerifiesToken reports whether inbound requests are token-verified.
func (c Channel) VerifiesToken() bool {
	return c.VerifyToken != nil && *c.VerifyToken
}

// SkillsPolicy is the tagged skills variant: ALLOWLIST and DENYLIST carry a
// non-empty name list, ALL carries none.
type SkillsPolicy struct {
	Mode  SkillsMode `json:"mode" validate:"required,oneof=ALLOWLIST DENYLIST ALL"`
	Names []string   `json:"names,omitempty" validate:"omitempty,dive,skillname"`
}

// Allows reports whether the policy admits the named skill.
func (s SkillsPolicy) Allows(name string) bool {
	switch s.Mode {
	case SkillsAllowlist:
		return containsString(s.Names, name)
	case SkillsDenylist:
		return !containsString(s.Names, name)
	case SkillsAll:
		return true
	default:
		return false
	}
}

// Network holds ingress and egress settings.
type Network struct {
	Egress  Egress  `json:"egress"`
	Ingress Ingress `json:"ingress"`
}

// Egress controls outbound traffic.
type Egress struct {
	Preset       EgressPreset `json:"preset" validate:"omitempty,oneof=none restricted permissive"`
	AllowDomains []string     `json:"allowDomains,omitempty"`
}

// Ingress controls inbound exposure.
type Ingress struct {
	Public bool `json:"public"`
}

// Observability configures logs, metrics and traces of the instance.
type Observability struct {
	LogLevel string `json:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	Metrics  *bool  `json:"metrics,omitempty"`
	Tracing  bool   `json:"tracing"`
}

// PolicyToggles are per-instance switches consulted by the policy engine.
type PolicyToggles struct {
	ForbidPublicAdmin *bool    `json:"forbidPublicAdmin,omitempty"`
	Enforce           *bool    `json:"enforce,omitempty"`
	Packs             []string `json:"packs,omitempty"`
}

// ForbidsPublicAdmin defaults to true.
func (p PolicyToggles) ForbidsPublicAdmin() bool {
	return p.ForbidPublicAdmin == nil || *p.ForbidPublicAdmin
}

// Enforced defaults to true.
func (p PolicyToggles) Enforced() bool {
	return p.Enforce == nil || *p.Enforce
}

// ToTree returns the manifest as a normalized untyped tree.
func (m *Manifest) ToTree() (configtree.Tree, error) {
	return configtree.FromValue(m)
}

// Digest returns the canonical sha256 digest of the manifest.
func (m *Manifest) Digest() (string, error) {
	tree, err := m.ToTree()
	if err != nil {
		return "", err
	}
	return configtree.Digest(tree)
}

// BotConfigTree returns a deep copy of the bot configuration, never nil.
func (m *Manifest) BotConfigTree() configtree.Tree {
	if m.Spec.BotConfig == nil {
		return configtree.Tree{}
	}
	return configtree.CloneTree(m.Spec.BotConfig)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
