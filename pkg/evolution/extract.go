package evolution

import (
	"sort"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

// ToolProfile is the tool section of a bot configuration, copied verbatim.
type ToolProfile struct {
	Profile interface{}   `json:"profile,omitempty"`
	Allow   []interface{} `json:"allow,omitempty"`
	Deny    []interface{} `json:"deny,omitempty"`
}

// ExtractSkills returns the installed skills: the keys of skills.entries
// together with skills.allowBundled, sorted and deduplicated.
func ExtractSkills(cfg configtree.Tree) []string {
	set := make(map[string]struct{})
	if entries, ok := configtree.LookupMap(cfg, "skills.entries"); ok {
		for name := range entries {
			set[name] = struct{}{}
		}
	}
	if bundled, ok := configtree.LookupStrings(cfg, "skills.allowBundled"); ok {
		for _, name := range bundled {
			set[name] = struct{}{}
		}
	}
	return sortedSet(set)
}

// ExtractMCPServers returns the names of skill and plugin entries that carry an
// MCP marker: an mcpServers or mcp key, or type "mcp".
func ExtractMCPServers(cfg configtree.Tree) []string {
	set := make(map[string]struct{})
	for _, path := range []string{"skills.entries", "plugins.entries"} {
		entries, ok := configtree.LookupMap(cfg, path)
		if !ok {
			continue
		}
		for name, raw := range entries {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if isMCPEntry(entry) {
				set[name] = struct{}{}
			}
		}
	}
	return sortedSet(set)
}

func isMCPEntry(entry map[string]interface{}) bool {
	if _, ok := entry["mcpServers"]; ok {
		return true
	}
	if _, ok := entry["mcp"]; ok {
		return true
	}
	kind, _ := entry["type"].(string)
	return kind == "mcp"
}

// ExtractEnabledChannels returns the keys of the channels map whose value is
// not false and not an object with enabled set to false, sorted.
func ExtractEnabledChannels(cfg configtree.Tree) []string {
	channels, ok := configtree.LookupMap(cfg, "channels")
	if !ok {
		return []string{}
	}

	out := make([]string, 0, len(channels))
	for name, raw := range channels {
		switch v := raw.(type) {
		case bool:
			if !v {
				continue
			}
		case map[string]interface{}:
			if enabled, ok := v["enabled"].(bool); ok && !enabled {
				continue
			}
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ExtractToolProfile returns profile, allow and deny from the tools block.
func ExtractToolProfile(cfg configtree.Tree) ToolProfile {
	var tp ToolProfile
	tools, ok := configtree.LookupMap(cfg, "tools")
	if !ok {
		return tp
	}
	tp.Profile = tools["profile"]
	if allow, ok := configtree.LookupSlice(tools, "allow"); ok {
		tp.Allow = allow
	}
	if deny, ok := configtree.LookupSlice(tools, "deny"); ok {
		tp.Deny = deny
	}
	return tp
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
