package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const teamPackYAML = `id: team-guardrails
name: Team guardrails
version: 1.2.0
isEnforced: true
priority: 70
targetEnvironments: [staging, prod]
rules:
  - id: no-browser
    type: forbid_browser
    severity: error
  - id: approved-models
    type: require_approved_models
    enabled: false
    config:
      allowedModels: [anthropic/claude-sonnet-4]
`

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	loader, err := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	return loader
}

func writePack(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoadFile_YAML(t *testing.T) {
	loader := newTestLoader(t)
	path := writePack(t, t.TempDir(), "team.yaml", teamPackYAML)

	pack, err := loader.LoadFile(path)
	if err != nil {
		t.Fatalf("Failed to load pack: %v", err)
	}

	if pack.ID != "team-guardrails" || pack.Version != "1.2.0" || pack.Priority != 70 {
		t.Errorf("Unexpected pack metadata: %+v", pack)
	}
	if pack.IsBuiltin {
		t.Error("Loaded pack must not be built-in")
	}
	if len(pack.Rules) != 2 {
		t.Fatalf("Expected 2 rules, got %d", len(pack.Rules))
	}
	if pack.Rules[0].Severity != SeverityError {
		t.Errorf("Expected severity normalized to ERROR, got %s", pack.Rules[0].Severity)
	}
	if !pack.Rules[0].Enabled {
		t.Error("Rules should be enabled by default")
	}
	if pack.Rules[1].Enabled {
		t.Error("Explicitly disabled rule should stay disabled")
	}
}

func TestLoadFile_JSON(t *testing.T) {
	loader := newTestLoader(t)
	path := writePack(t, t.TempDir(), "cel.json", `{
  "id": "cel-pack",
  "name": "CEL pack",
  "version": "0.3.0",
  "rules": [{
    "id": "port-floor",
    "type": "custom_cel",
    "config": {"expression": "config.gateway.port >= 18000"}
  }]
}`)

	pack, err := loader.LoadFile(path)
	if err != nil {
		t.Fatalf("Failed to load pack: %v", err)
	}
	if pack.Rules[0].Type != RuleCustomCEL {
		t.Errorf("Unexpected rule type %s", pack.Rules[0].Type)
	}
	if pack.Rules[0].Config["expression"] != "config.gateway.port >= 18000" {
		t.Errorf("Unexpected rule config %v", pack.Rules[0].Config)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing rules", content: "id: x\nname: x\nversion: 1.0.0\n"},
		{name: "empty rules", content: "id: x\nname: x\nversion: 1.0.0\nrules: []\n"},
		{name: "unknown field", content: "id: x\nname: x\nversion: 1.0.0\nowner: me\nrules:\n  - {id: r, type: forbid_browser}\n"},
		{name: "claims builtin", content: "id: x\nname: x\nversion: 1.0.0\nisBuiltin: true\nrules:\n  - {id: r, type: forbid_browser}\n"},
		{name: "bad severity", content: "id: x\nname: x\nversion: 1.0.0\nrules:\n  - {id: r, type: forbid_browser, severity: fatal}\n"},
		{name: "bad environment", content: "id: x\nname: x\nversion: 1.0.0\ntargetEnvironments: [qa]\nrules:\n  - {id: r, type: forbid_browser}\n"},
		{name: "not semver", content: "id: x\nname: x\nversion: latest\nrules:\n  - {id: r, type: forbid_browser}\n"},
		{name: "duplicate rule IDs", content: "id: x\nname: x\nversion: 1.0.0\nrules:\n  - {id: r, type: forbid_browser}\n  - {id: r, type: forbid_control_ui}\n"},
		{name: "fractional priority", content: "id: x\nname: x\nversion: 1.0.0\npriority: 1.5\nrules:\n  - {id: r, type: forbid_browser}\n"},
		{name: "not yaml", content: "id: [unterminated\n"},
	}

	loader := newTestLoader(t)
	dir := t.TempDir()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePack(t, dir, strings.ReplaceAll(tt.name, " ", "-")+".yaml", tt.content)
			if _, err := loader.LoadFile(path); err == nil {
				t.Error("Expected pack to be rejected")
			}
		})
	}
}

func TestToJSONValueKeepsNumbers(t *testing.T) {
	doc, err := toJSONValue(map[string]interface{}{"priority": 70.0, "rules": []interface{}{"r"}})
	if err != nil {
		t.Fatalf("toJSONValue() failed: %v", err)
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected an object, got %T", doc)
	}
	if n, ok := obj["priority"].(json.Number); !ok || n.String() != "70" {
		t.Errorf("Expected priority as json.Number 70, got %T %v", obj["priority"], obj["priority"])
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	loader := newTestLoader(t)
	dir := t.TempDir()
	writePack(t, dir, "b.yaml", teamPackYAML)
	writePack(t, dir, "a.json", `{"id": "a-pack", "name": "A", "version": "1.0.0", "rules": [{"id": "r", "type": "forbid_browser"}]}`)
	writePack(t, dir, "notes.txt", "ignored")

	packs, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() failed: %v", err)
	}
	if len(packs) != 2 || packs[0].ID != "a-pack" || packs[1].ID != "team-guardrails" {
		t.Errorf("Expected packs in file order, got %v", packIDs(packs))
	}

	writePack(t, dir, "c.yaml", "id: broken\n")
	if _, err := loader.LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Error("Expected a broken pack to fail the directory load")
	}
}

func TestLoaderCache(t *testing.T) {
	loader := newTestLoader(t)
	path := writePack(t, t.TempDir(), "team.yaml", teamPackYAML)

	first, err := loader.LoadFile(path)
	if err != nil {
		t.Fatalf("Failed to load pack: %v", err)
	}
	first.Rules[0].ID = "mutated"

	if err := os.WriteFile(path, []byte("garbage"), 0644); err != nil {
		t.Fatalf("Failed to overwrite pack: %v", err)
	}
	cached, err := loader.LoadFile(path)
	if err != nil {
		t.Fatalf("Expected cached pack, got error: %v", err)
	}
	if cached.Rules[0].ID != "no-browser" {
		t.Error("Expected cached copy to be isolated from callers")
	}

	loader.ClearCache()
	if _, err := loader.LoadFile(path); err == nil {
		t.Error("Expected reload after ClearCache to see the broken file")
	}
}

func TestLoaderWatchFeedsEngine(t *testing.T) {
	loader := newTestLoader(t)
	eng := newTestEngine(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	reloaded := make(chan struct{}, 1)
	err := loader.Watch(ctx, dir, func(packs []PolicyPack) error {
		mu.Lock()
		defer mu.Unlock()
		if err := eng.SetLoadedPacks(packs); err != nil {
			return err
		}
		select {
		case reloaded <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	writePack(t, dir, "team.yaml", teamPackYAML)

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
	if _, ok := eng.Pack("team-guardrails"); !ok {
		t.Error("Expected watched pack to be loaded into the engine")
	}
}
