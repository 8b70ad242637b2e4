package policy

import (
	"fmt"
	"math"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

type gatewayAuthConfig struct {
	Enabled *bool `json:"enabled"`
}

type gatewayBindConfig struct {
	AllowedBinds []string `json:"allowedBinds" validate:"min=1"`
}

type portSpacingConfig struct {
	MinimumGap int `json:"minimumGap" validate:"gte=0"`
}

func registerGatewayRules(r *Registry) {
	r.Register(RuleRequireGatewayAuth, SeverityError, typed(
		func() gatewayAuthConfig { return gatewayAuthConfig{} },
		checkGatewayAuth,
	))
	r.Register(RuleRequireGatewayBind, SeverityError, typed(
		func() gatewayBindConfig { return gatewayBindConfig{AllowedBinds: []string{"loopback"}} },
		checkGatewayBind,
	))
	r.Register(RuleRequireGatewayTLS, SeverityError, untyped(checkGatewayTLS))
	r.Register(RuleRequirePortSpacing, SeverityError, typed(
		func() portSpacingConfig { return portSpacingConfig{MinimumGap: 20} },
		checkPortSpacing,
	))
	r.Register(RuleForbidControlUI, SeverityWarning, untyped(checkControlUI))
	r.Register(RuleRequireHooksToken, SeverityError, untyped(checkHooksToken))
}

func checkGatewayAuth(cfg configtree.Tree, p gatewayAuthConfig, _ *EvaluationContext) *Finding {
	if p.Enabled != nil && !*p.Enabled {
		return nil
	}
	if hasValue(cfg, "gateway.auth.token") || hasValue(cfg, "gateway.auth.password") {
		return nil
	}
	current, _ := configtree.Lookup(cfg, "gateway.auth")
	return &Finding{
		Message:      "Gateway authentication is not configured: set gateway.auth.token or gateway.auth.password",
		Field:        "gateway.auth",
		CurrentValue: current,
	}
}

func checkGatewayBind(cfg configtree.Tree, p gatewayBindConfig, _ *EvaluationContext) *Finding {
	bind, ok := configtree.LookupString(cfg, "gateway.bind")
	if !ok || contains(p.AllowedBinds, bind) {
		return nil
	}
	return &Finding{
		Message:        fmt.Sprintf("Gateway bind %q is not allowed (allowed: %s)", bind, quoteAll(p.AllowedBinds)),
		Field:          "gateway.bind",
		CurrentValue:   bind,
		SuggestedValue: p.AllowedBinds[0],
	}
}

func checkGatewayTLS(cfg configtree.Tree, _ *EvaluationContext) *Finding {
	bind, ok := configtree.LookupString(cfg, "gateway.bind")
	if !ok || isLoopbackBind(bind) || isTrue(cfg, "gateway.tls.enabled") {
		return nil
	}
	current, _ := configtree.Lookup(cfg, "gateway.tls.enabled")
	return &Finding{
		Message:        fmt.Sprintf("Gateway bound to %q must enable TLS", bind),
		Field:          "gateway.tls.enabled",
		CurrentValue:   current,
		SuggestedValue: true,
	}
}

func checkPortSpacing(cfg configtree.Tree, p portSpacingConfig, ectx *EvaluationContext) *Finding {
	port, ok := configtree.LookupNumber(cfg, "gateway.port")
	if !ok {
		return nil
	}
	for _, other := range ectx.OtherInstances {
		if other.GatewayPort == nil {
			continue
		}
		gap := int(math.Abs(port - float64(*other.GatewayPort)))
		if gap >= p.MinimumGap {
			continue
		}
		name := other.ID
		if name == "" {
			name = "another instance"
		}
		return &Finding{
			Message: fmt.Sprintf("Gateway port %d is %d away from port %d used by %s; minimum gap is %d",
				int(port), gap, *other.GatewayPort, name, p.MinimumGap),
			Field:        "gateway.port",
			CurrentValue: int(port),
		}
	}
	return nil
}

func checkControlUI(cfg configtree.Tree, _ *EvaluationContext) *Finding {
	if !isTrue(cfg, "gateway.controlUi.enabled") {
		return nil
	}
	return &Finding{
		Message:        "Gateway control UI is enabled",
		Field:          "gateway.controlUi.enabled",
		CurrentValue:   true,
		SuggestedValue: false,
	}
}

func checkHooksToken(cfg configtree.Tree, _ *EvaluationContext) *Finding {
	if !isTrue(cfg, "hooks.enabled") || hasValue(cfg, "hooks.token") {
		return nil
	}
	return &Finding{
		Message: "Hooks are enabled without hooks.token",
		Field:   "hooks.token",
	}
}
