package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/botfleet/pkg/config"
)

const testSettings = `telemetry:
  serviceName: botfleet
  serviceVersion: test
  logging:
    level: error
    format: json
  metrics:
    enabled: false
environment: dev
`

const baseLayer = `apiVersion: fleet.openfroyo.io/v1
kind: BotInstance
spec:
  runtime:
    image: ghcr.io/acme/bot:v1.2.3
    cpu: 1
    memory: 512
  secrets:
    - {name: slack_token, provider: aws-secrets-manager, key: bots/slack}
  channels:
    - {type: slack, secretRef: slack_token}
  skills:
    mode: ALL
  botConfig:
    gateway:
      port: 18789
      bind: loopback
      auth:
        token: ${GATEWAY_TOKEN}
    channels:
      slack:
        dmPolicy: pairing
        groupPolicy: allowlist
        allowFrom: [U123]
        requireMention: true
    filePermissions:
      configFileMode: "0600"
      stateDirMode: "0700"
    logging:
      level: info
      redactSensitive: tools
`

const instanceLayer = `metadata:
  name: support-bot
  workspace: acme
  environment: dev
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	settings := writeFile(t, dir, "botfleet.yaml", testSettings)

	var out bytes.Buffer
	root := newRootCommand("test", "none", "today")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", settings}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()

	t.Run("explicit file", func(t *testing.T) {
		path := writeFile(t, dir, "settings.yaml", testSettings+"packsDir: ./packs\nstrategies:\n  spec.secrets: append\n")
		s, err := LoadSettings(path)
		if err != nil {
			t.Fatalf("LoadSettings() failed: %v", err)
		}
		if s.PacksDir != "./packs" || s.Telemetry.ServiceVersion != "test" {
			t.Errorf("Unexpected settings %+v", s)
		}
		if s.Telemetry.Logging.Output != "stderr" {
			t.Errorf("Expected unset telemetry fields to keep defaults, got %q", s.Telemetry.Logging.Output)
		}
		strategies, err := s.MergeStrategies()
		if err != nil {
			t.Fatalf("MergeStrategies() failed: %v", err)
		}
		if strategies.For("spec.secrets") != config.StrategyAppend || strategies.For("spec.runtime") != config.StrategyMerge {
			t.Errorf("Unexpected strategies %v", strategies)
		}
	})

	t.Run("missing explicit file", func(t *testing.T) {
		if _, err := LoadSettings(filepath.Join(dir, "nope.yaml")); err == nil {
			t.Error("Expected error for a missing explicit settings file")
		}
	})

	t.Run("invalid strategy", func(t *testing.T) {
		path := writeFile(t, dir, "bad.yaml", "strategies:\n  spec.secrets: shuffle\n")
		if _, err := LoadSettings(path); err == nil {
			t.Error("Expected error for an unknown strategy")
		}
	})
}

func TestResolveCommand(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", baseLayer)
	extra := writeFile(t, dir, "extra.json", `{"spec": {"secrets": [{"name": "openai_key", "provider": "aws-secrets-manager", "key": "bots/openai"}]}}`)

	out, err := runCLI(t, dir, "resolve", "--format", "json", "--strategy", "spec.secrets=append", base, extra)
	if err != nil {
		t.Fatalf("resolve failed: %v\n%s", err, out)
	}

	var resolved map[string]interface{}
	if err := json.Unmarshal([]byte(out), &resolved); err != nil {
		t.Fatalf("Failed to parse output: %v\n%s", err, out)
	}
	spec := resolved["spec"].(map[string]interface{})
	if n := len(spec["secrets"].([]interface{})); n != 2 {
		t.Errorf("Expected 2 secrets after append, got %d", n)
	}
	if _, ok := spec["runtime"]; !ok {
		t.Error("Expected spec.runtime to survive the merge")
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", baseLayer)
	instance := writeFile(t, dir, "instance.yaml", instanceLayer)

	t.Run("accepted", func(t *testing.T) {
		out, err := runCLI(t, dir, "validate", base, instance)
		if err != nil {
			t.Fatalf("validate failed: %v\n%s", err, out)
		}
		if !strings.Contains(out, "support-bot") {
			t.Errorf("Expected instance name in output, got %q", out)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		open := writeFile(t, dir, "open.yaml", instanceLayer+"spec:\n  botConfig:\n    gateway:\n      port: 18789\n")
		out, err := runCLI(t, dir, "validate", base, open)
		if !errors.Is(err, errRejected) {
			t.Fatalf("Expected rejection, got %v\n%s", err, out)
		}
		if !strings.Contains(out, "sb-gateway-auth") {
			t.Errorf("Expected the failing rule in output, got %q", out)
		}
	})

	t.Run("schema", func(t *testing.T) {
		out, err := runCLI(t, dir, "--json", "validate", base)
		if !errors.Is(err, errRejected) {
			t.Fatalf("Expected rejection, got %v\n%s", err, out)
		}
		var res struct {
			Accepted bool `json:"accepted"`
			Error    struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(out), &res); err != nil {
			t.Fatalf("Failed to parse output: %v\n%s", err, out)
		}
		if res.Accepted || res.Error.Code != "SCHEMA_INVALID" {
			t.Errorf("Unexpected result %+v", res)
		}
	})
}

func TestPolicyPacksCommand(t *testing.T) {
	dir := t.TempDir()
	packs := filepath.Join(dir, "packs")
	if err := os.Mkdir(packs, 0755); err != nil {
		t.Fatalf("Failed to create packs dir: %v", err)
	}
	writeFile(t, packs, "team.yaml", "id: team\nname: Team\nversion: 1.0.0\nrules:\n  - {id: no-browser, type: forbid_browser}\n")

	out, err := runCLI(t, dir, "--json", "--packs-dir", packs, "policy", "packs")
	if err != nil {
		t.Fatalf("policy packs failed: %v\n%s", err, out)
	}

	var listed []packSummary
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("Failed to parse output: %v\n%s", err, out)
	}
	ids := make(map[string]bool)
	for _, p := range listed {
		ids[p.ID] = true
	}
	for _, id := range []string{"security-baseline", "production-hardening", "channel-safety", "team"} {
		if !ids[id] {
			t.Errorf("Expected pack %s in %v", id, listed)
		}
	}
}

func TestPolicyEvaluateCommand(t *testing.T) {
	dir := t.TempDir()
	insecure := writeFile(t, dir, "bot.json", `{"gateway": {"port": 18789}, "tools": {"elevated": {"enabled": true}}}`)

	out, err := runCLI(t, dir, "policy", "evaluate", "--pack", "security-baseline", insecure)
	if !errors.Is(err, errRejected) {
		t.Fatalf("Expected rejection, got %v\n%s", err, out)
	}
	for _, want := range []string{"security-baseline (enforced)", "sb-gateway-auth", "sb-elevated-tools", "Denied"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}

	if _, err := runCLI(t, dir, "policy", "evaluate", "--pack", "missing", insecure); err == nil {
		t.Error("Expected unknown pack to fail")
	}
}

func TestDriftDetectCommand(t *testing.T) {
	dir := t.TempDir()
	deployed := writeFile(t, dir, "deployed.json", `{"skills": {"entries": {"weather": {}}}, "tools": {"profile": "coding"}}`)
	live := writeFile(t, dir, "live.yaml", "tools:\n  profile: coding\nskills:\n  entries:\n    weather: {}\n    browser: {}\n")

	out, err := runCLI(t, dir, "drift", "detect", "--summary", deployed, live)
	if err != nil {
		t.Fatalf("drift detect failed: %v\n%s", err, out)
	}
	if strings.TrimSpace(out) != "drifted: 1 change (skills: 1)" {
		t.Errorf("Unexpected summary %q", out)
	}

	if _, err := runCLI(t, dir, "drift", "detect", "--fail-on-drift", deployed, live); err == nil {
		t.Error("Expected --fail-on-drift to fail on drift")
	}

	out, err = runCLI(t, dir, "drift", "detect", deployed, deployed)
	if err != nil || !strings.Contains(out, "In sync") {
		t.Errorf("Expected in-sync output, got %q (%v)", out, err)
	}
}
