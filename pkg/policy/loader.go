package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

const packSchemaURL = "https://schemas.openfroyo.io/botfleet/policy-pack.schema.json"

// packSchema is the JSON Schema every pack document must satisfy.
const packSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "version", "rules"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9-]*$"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "isBuiltin": {"const": false},
    "autoApply": {"type": "boolean"},
    "isEnforced": {"type": "boolean"},
    "priority": {"type": "integer"},
    "targetEnvironments": {"$ref": "#/$defs/environments"},
    "targetWorkspaces": {"$ref": "#/$defs/strings"},
    "targetTags": {"$ref": "#/$defs/strings"},
    "rules": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/rule"}}
  },
  "$defs": {
    "strings": {"type": "array", "items": {"type": "string"}},
    "environments": {"type": "array", "items": {"enum": ["dev", "staging", "prod"]}},
    "rule": {
      "type": "object",
      "required": ["id", "type"],
      "additionalProperties": false,
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "description": {"type": "string"},
        "type": {"type": "string", "pattern": "^[a-z][a-z_]*$"},
        "severity": {"type": "string", "pattern": "^(?i)(error|warning|info)$"},
        "targetResourceTypes": {"$ref": "#/$defs/strings"},
        "targetEnvironments": {"$ref": "#/$defs/environments"},
        "targetWorkspaces": {"$ref": "#/$defs/strings"},
        "targetTags": {"$ref": "#/$defs/strings"},
        "config": {"type": "object"},
        "allowOverride": {"type": "boolean"},
        "enabled": {"type": "boolean"}
      }
    }
  }
}`

var packExtensions = map[string]bool{
	".yaml": true,
	".yml":  true,
	".json": true,
}

// Loader reads custom policy packs from files.
type Loader struct {
	logger  zerolog.Logger
	schema  *jsonschema.Schema
	cache   map[string]PolicyPack
	mu      sync.RWMutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new pack loader.
func NewLoader(logger zerolog.Logger) (*Loader, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(packSchemaURL, strings.NewReader(packSchema)); err != nil {
		return nil, fmt.Errorf("pack schema load failed: %w", err)
	}
	schema, err := c.Compile(packSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("pack schema compile failed: %w", err)
	}

	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		schema: schema,
		cache:  make(map[string]PolicyPack),
	}, nil
}

// LoadFromPaths loads packs from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]PolicyPack, error) {
	var allPacks []PolicyPack

	for _, path := range paths {
		packs, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		allPacks = append(allPacks, packs...)
	}

	l.logger.Info().
		Int("total", len(allPacks)).
		Int("sources", len(paths)).
		Msg("Policy packs loaded from paths")

	return allPacks, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]PolicyPack, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	pack, err := l.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []PolicyPack{pack}, nil
}

// loadFromDirectory loads every pack file under dirPath in lexical order. A
// broken file fails the whole load so that a reload never silently drops a pack.
func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]PolicyPack, error) {
	var files []string
	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPackFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	packs := make([]PolicyPack, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pack, err := l.LoadFile(file)
		if err != nil {
			return nil, err
		}
		packs = append(packs, pack)
	}
	return packs, nil
}

// LoadFile loads, schema-checks and validates a single pack file. Results
// are cached by path until the file changes or the cache is cleared.
func (l *Loader) LoadFile(filePath string) (PolicyPack, error) {
	l.mu.RLock()
	if cached, exists := l.cache[filePath]; exists {
		l.mu.RUnlock()
		return cached.Clone(), nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return PolicyPack{}, fmt.Errorf("failed to read file: %w", err)
	}

	pack, err := l.Parse(data)
	if err != nil {
		return PolicyPack{}, fmt.Errorf("invalid policy pack %s: %w", filePath, err)
	}

	l.mu.Lock()
	l.cache[filePath] = pack
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Str("pack", pack.ID).
		Str("version", pack.Version).
		Msg("Policy pack loaded from file")

	return pack.Clone(), nil
}

// Parse decodes a YAML or JSON pack document. Rules without an enabled key
// are enabled and severities are upper-cased.
func (l *Loader) Parse(data []byte) (PolicyPack, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return PolicyPack{}, fmt.Errorf("failed to parse pack: %w", err)
	}
	tree := configtree.NormalizeTree(raw)

	doc, err := toJSONValue(tree)
	if err != nil {
		return PolicyPack{}, err
	}
	if err := l.schema.Validate(doc); err != nil {
		return PolicyPack{}, fmt.Errorf("schema validation failed: %w", err)
	}

	rules, _ := tree["rules"].([]interface{})
	for _, r := range rules {
		if obj, ok := r.(map[string]interface{}); ok {
			if _, set := obj["enabled"]; !set {
				obj["enabled"] = true
			}
		}
	}

	var pack PolicyPack
	if err := configtree.Decode(tree, &pack); err != nil {
		return PolicyPack{}, err
	}
	for i := range pack.Rules {
		if pack.Rules[i].Severity == "" {
			continue
		}
		sev, err := ParseSeverity(string(pack.Rules[i].Severity))
		if err != nil {
			return PolicyPack{}, fmt.Errorf("rule %s: %w", pack.Rules[i].ID, err)
		}
		pack.Rules[i].Severity = sev
	}
	if err := ValidatePack(pack); err != nil {
		return PolicyPack{}, err
	}
	return pack, nil
}

// toJSONValue converts a tree into the value model jsonschema validates.
func toJSONValue(tree configtree.Tree) (interface{}, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pack: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode pack: %w", err)
	}
	return v, nil
}

func isPackFile(path string) bool {
	return packExtensions[strings.ToLower(filepath.Ext(path))]
}

// Watch watches dir and calls reloadFn with the full set of packs after
// changes settle. It returns once watching has started.
func (l *Loader) Watch(ctx context.Context, dir string, reloadFn func([]PolicyPack) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	if err := l.watchDirectory(watcher, dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	go l.processEvents(ctx, watcher, dir, reloadFn)

	l.logger.Info().
		Str("dir", dir).
		Msg("Started watching policy packs")

	return nil
}

func (l *Loader) watchDirectory(watcher *fsnotify.Watcher, dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, dir string, reloadFn func([]PolicyPack) error) {
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPackFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy pack changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.triggerReload(ctx, dir, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policy packs")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) triggerReload(ctx context.Context, dir string, reloadFn func([]PolicyPack) error) error {
	l.logger.Info().Msg("Reloading policy packs")

	packs, err := l.LoadFromPaths(ctx, []string{dir})
	if err != nil {
		return fmt.Errorf("failed to reload policy packs: %w", err)
	}
	if err := reloadFn(packs); err != nil {
		return fmt.Errorf("failed to apply reloaded policy packs: %w", err)
	}

	l.logger.Info().
		Int("count", len(packs)).
		Msg("Policy packs reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	watcher := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

// ClearCache clears the pack cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string]PolicyPack)
	l.logger.Debug().Msg("Policy pack cache cleared")
}
