package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/botfleet/pkg/config"
	"github.com/openfroyo/botfleet/pkg/configtree"
	"github.com/openfroyo/botfleet/pkg/policy"
	"github.com/openfroyo/botfleet/pkg/telemetry"
)

type recordingDeployer struct {
	requests []DeployRequest
	err      error
}

func (d *recordingDeployer) Deploy(_ context.Context, req DeployRequest) (*DeployResult, error) {
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	return &DeployResult{
		DeploymentID: "dep-" + req.Manifest.Metadata.Name,
		DeployedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

type memorySecretStore struct {
	values map[string][]byte
	err    error
}

func (s *memorySecretStore) StoreSecret(_ context.Context, name string, value []byte) error {
	s.values[name] = value
	return nil
}

func (s *memorySecretStore) GetSecret(_ context.Context, name string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	v, ok := s.values[name]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return v, nil
}

func (s *memorySecretStore) DeleteSecret(_ context.Context, name string) error {
	delete(s.values, name)
	return nil
}

func templateLayer() config.Layer {
	return config.Layer{
		Type:     config.LayerTemplate,
		ID:       "base",
		Priority: 0,
		Config: configtree.Tree{
			"apiVersion": "fleet.openfroyo.io/v1",
			"kind":       "BotInstance",
			"spec": map[string]interface{}{
				"runtime": map[string]interface{}{
					"image":  "ghcr.io/acme/bot:v1.2.3",
					"cpu":    1,
					"memory": 512,
				},
				"secrets": []interface{}{
					map[string]interface{}{"name": "slack_token", "provider": "aws-secrets-manager", "key": "bots/slack"},
				},
				"channels": []interface{}{
					map[string]interface{}{"type": "slack", "secretRef": "slack_token"},
				},
				"skills": map[string]interface{}{"mode": "ALL"},
				"botConfig": map[string]interface{}{
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
					"filePermissions": map[string]interface{}{"configFileMode": "0600", "stateDirMode": "0700"},
					"logging":         map[string]interface{}{"level": "info", "redactSensitive": "tools"},
				},
			},
		},
	}
}

func instanceLayer(spec map[string]interface{}) config.Layer {
	cfg := configtree.Tree{
		"metadata": map[string]interface{}{
			"name":        "support-bot",
			"workspace":   "acme",
			"environment": "dev",
		},
	}
	if spec != nil {
		cfg["spec"] = spec
	}
	return config.Layer{Type: config.LayerInstance, ID: "support-bot", Priority: 100, Config: cfg}
}

func newTestPipeline(t *testing.T, deployer Deployer) *Pipeline {
	t.Helper()
	var opts []Option
	if deployer != nil {
		opts = append(opts, WithDeployer(deployer))
	}
	p, err := NewPipeline(telemetry.Nop(), nil, opts...)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	return p
}

func TestPipelineAcceptsAndDeploys(t *testing.T) {
	deployer := &recordingDeployer{}
	p := newTestPipeline(t, deployer)

	result, err := p.Run(context.Background(), Request{
		Layers: []config.Layer{instanceLayer(nil), templateLayer()},
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if !result.Accepted || !result.Enforced {
		t.Errorf("Expected enforced and accepted result, got %+v", result)
	}
	if result.Manifest.Metadata.Name != "support-bot" || result.Manifest.Spec.Runtime.Replicas != 1 {
		t.Errorf("Expected merged manifest with defaults, got %+v", result.Manifest.Metadata)
	}
	if len(deployer.requests) != 1 {
		t.Fatalf("Expected one deployment, got %d", len(deployer.requests))
	}
	if deployer.requests[0].Digest != result.Digest || deployer.requests[0].RunID != result.RunID {
		t.Error("Deployer did not receive the run's digest and ID")
	}
	if result.Deployment == nil || result.Deployment.DeploymentID != "dep-support-bot" {
		t.Errorf("Unexpected deployment %+v", result.Deployment)
	}
	if result.Report == nil || !result.Report.Allowed {
		t.Errorf("Expected an allowed policy report, got %+v", result.Report)
	}
}

func TestPipelineRejections(t *testing.T) {
	tests := []struct {
		name      string
		layers    []config.Layer
		wantCode  string
		wantRule  string
		permanent bool
	}{
		{
			name:      "no layers",
			wantCode:  ErrCodeValidation,
			permanent: true,
		},
		{
			name:      "schema",
			layers:    []config.Layer{instanceLayer(map[string]interface{}{"runtime": map[string]interface{}{"memory": 64}}), templateLayer()},
			wantCode:  ErrCodeSchemaInvalid,
			permanent: true,
		},
		{
			name: "pack rule",
			layers: []config.Layer{templateLayer(), instanceLayer(map[string]interface{}{
				"botConfig": map[string]interface{}{
					"gateway": map[string]interface{}{"port": 18789},
				},
			})},
			wantCode:  ErrCodePolicyDenied,
			wantRule:  "sb-gateway-auth",
			permanent: true,
		},
		{
			name: "manifest check",
			layers: []config.Layer{templateLayer(), instanceLayer(map[string]interface{}{
				"secrets": []interface{}{
					map[string]interface{}{"name": "slack_token", "provider": "vault", "key": "bots/slack"},
				},
			})},
			wantCode:  ErrCodePolicyDenied,
			wantRule:  policy.RuleIDSecretProvider,
			permanent: true,
		},
		{
			name: "unknown pack",
			layers: []config.Layer{templateLayer(), instanceLayer(map[string]interface{}{
				"policy": map[string]interface{}{"packs": []interface{}{"does-not-exist"}},
			})},
			wantCode:  ErrCodeNotFound,
			permanent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deployer := &recordingDeployer{}
			p := newTestPipeline(t, deployer)

			result, err := p.Run(context.Background(), Request{Layers: tt.layers})
			if err == nil {
				t.Fatal("Expected run to fail")
			}
			if result == nil {
				t.Fatal("Expected a partial result")
			}
			if code := ErrorCode(err); code != tt.wantCode {
				t.Errorf("Expected code %s, got %s (%v)", tt.wantCode, code, err)
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent() = %v, want %v", IsPermanent(err), tt.permanent)
			}
			if len(deployer.requests) != 0 {
				t.Error("Rejected configuration must not be deployed")
			}
			if tt.wantRule != "" {
				var engineErr *EngineError
				if !errors.As(err, &engineErr) {
					t.Fatalf("Expected *EngineError, got %T", err)
				}
				rules, _ := engineErr.Details["rules"].([]string)
				if !containsRule(rules, tt.wantRule) {
					t.Errorf("Expected %s in denied rules %v", tt.wantRule, rules)
				}
			}
		})
	}
}

func containsRule(rules []string, id string) bool {
	for _, r := range rules {
		if r == id {
			return true
		}
	}
	return false
}

func TestPipelineAdvisoryWhenNotEnforced(t *testing.T) {
	deployer := &recordingDeployer{}
	p := newTestPipeline(t, deployer)

	result, err := p.Run(context.Background(), Request{
		Layers: []config.Layer{templateLayer(), instanceLayer(map[string]interface{}{
			"policy": map[string]interface{}{"enforce": false},
			"botConfig": map[string]interface{}{
				"gateway": map[string]interface{}{"port": 18789, "bind": "loopback"},
			},
		})},
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Enforced || !result.Accepted {
		t.Errorf("Expected advisory acceptance, got enforced=%v accepted=%v", result.Enforced, result.Accepted)
	}
	if len(result.Blocking()) == 0 {
		t.Error("Expected violations to be reported even when not enforced")
	}
	if len(deployer.requests) != 1 {
		t.Error("Expected advisory run to deploy")
	}
}

func TestPipelineDryRun(t *testing.T) {
	deployer := &recordingDeployer{}
	p := newTestPipeline(t, deployer)

	result, err := p.Run(context.Background(), Request{
		Layers: []config.Layer{templateLayer(), instanceLayer(nil)},
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !result.Accepted || result.Deployment != nil || len(deployer.requests) != 0 {
		t.Error("Dry run must accept without deploying")
	}
}

func TestPipelineDeployFailure(t *testing.T) {
	t.Run("plain error is transient", func(t *testing.T) {
		p := newTestPipeline(t, &recordingDeployer{err: errors.New("connection refused")})

		_, err := p.Run(context.Background(), Request{Layers: []config.Layer{templateLayer(), instanceLayer(nil)}})
		if ErrorCode(err) != ErrCodeDeployFailed {
			t.Errorf("Expected DEPLOY_FAILED, got %v", err)
		}
		if !IsRetryable(err) {
			t.Error("Expected plain deploy errors to be retryable")
		}
	})

	t.Run("classified error is kept", func(t *testing.T) {
		conflict := NewConflictError("revision changed", nil)
		p := newTestPipeline(t, &recordingDeployer{err: conflict})

		_, err := p.Run(context.Background(), Request{Layers: []config.Layer{templateLayer(), instanceLayer(nil)}})
		if !IsConflict(err) {
			t.Errorf("Expected conflict error, got %v", err)
		}
		var engineErr *EngineError
		if !errors.As(err, &engineErr) || engineErr.Resource != "support-bot" || engineErr.Operation != StageDeploy {
			t.Errorf("Expected resource and operation context, got %v", err)
		}
	})
}

func TestPipelineChecksSecrets(t *testing.T) {
	layers := []config.Layer{templateLayer(), instanceLayer(nil)}

	tests := []struct {
		name       string
		store      *memorySecretStore
		wantCode   string
		wantDeploy bool
	}{
		{
			name:       "present",
			store:      &memorySecretStore{values: map[string][]byte{"bots/slack": []byte("xoxb")}},
			wantDeploy: true,
		},
		{
			name:     "missing",
			store:    &memorySecretStore{values: map[string][]byte{}},
			wantCode: ErrCodeNotFound,
		},
		{
			name:     "store unavailable",
			store:    &memorySecretStore{err: errors.New("timeout")},
			wantCode: ErrCodeDeployFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deployer := &recordingDeployer{}
			p, err := NewPipeline(telemetry.Nop(), nil, WithDeployer(deployer), WithSecretStore(tt.store))
			if err != nil {
				t.Fatalf("Failed to create pipeline: %v", err)
			}

			_, err = p.Run(context.Background(), Request{Layers: layers})
			if ErrorCode(err) != tt.wantCode {
				t.Errorf("Expected code %q, got %v", tt.wantCode, err)
			}
			if got := len(deployer.requests) == 1; got != tt.wantDeploy {
				t.Errorf("Expected deployed=%t, got %t", tt.wantDeploy, got)
			}
		})
	}

	t.Run("missing is permanent", func(t *testing.T) {
		p, err := NewPipeline(telemetry.Nop(), nil,
			WithDeployer(&recordingDeployer{}),
			WithSecretStore(&memorySecretStore{values: map[string][]byte{}}))
		if err != nil {
			t.Fatalf("Failed to create pipeline: %v", err)
		}
		_, err = p.Run(context.Background(), Request{Layers: layers})
		if !IsPermanent(err) || !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("Expected permanent not-found error, got %v", err)
		}
	})
}

func TestPipelineCancelled(t *testing.T) {
	p := newTestPipeline(t, &recordingDeployer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := p.Run(ctx, Request{Layers: []config.Layer{templateLayer(), instanceLayer(nil)}})
	if ErrorCode(err) != ErrCodeCancelled || !IsTransient(err) {
		t.Errorf("Expected transient CANCELLED error, got %v", err)
	}
	if result.Accepted {
		t.Error("Cancelled run must not be accepted")
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("Expected the context error in the chain")
	}
}

func TestPipelineStrategies(t *testing.T) {
	p, err := NewPipeline(nil, nil, WithStrategies(config.MergeStrategies{"spec.secrets": config.StrategyAppend}))
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	result, err := p.Run(context.Background(), Request{
		Layers: []config.Layer{templateLayer(), instanceLayer(map[string]interface{}{
			"secrets": []interface{}{
				map[string]interface{}{"name": "openai_key", "provider": "aws-secrets-manager", "key": "bots/openai"},
			},
		})},
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if n := len(result.Manifest.Spec.Secrets); n != 2 {
		t.Errorf("Expected appended secrets, got %d", n)
	}
}
