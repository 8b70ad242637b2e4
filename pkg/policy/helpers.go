package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

var envReference = regexp.MustCompile(`^\$\{[A-Za-z_][A-Za-z0-9_]*\}$`)

// isEnvReference reports whether s is a ${VAR} placeholder rather than a literal.
func isEnvReference(s string) bool {
	return envReference.MatchString(strings.TrimSpace(s))
}

func isLoopbackBind(bind string) bool {
	switch strings.ToLower(bind) {
	case "loopback", "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// hasValue reports whether path holds a non-empty string.
func hasValue(cfg configtree.Tree, path string) bool {
	s, ok := configtree.LookupString(cfg, path)
	return ok && strings.TrimSpace(s) != ""
}

func isTrue(cfg configtree.Tree, path string) bool {
	b, ok := configtree.LookupBool(cfg, path)
	return ok && b
}

// channelEntry is one object in the channels map.
type channelEntry struct {
	name   string
	config configtree.Tree
}

// channelEntries returns the object-valued channels in name order.
func channelEntries(cfg configtree.Tree) []channelEntry {
	channels, ok := configtree.LookupMap(cfg, "channels")
	if !ok {
		return nil
	}
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]channelEntry, 0, len(names))
	for _, name := range names {
		if obj, ok := channels[name].(map[string]interface{}); ok {
			out = append(out, channelEntry{name: name, config: obj})
		}
	}
	return out
}

// defaultAgent returns agents.defaults overlaid with the agents.list entry
// marked default. The result is a copy.
func defaultAgent(cfg configtree.Tree) configtree.Tree {
	agent := configtree.Tree{}
	if defaults, ok := configtree.LookupMap(cfg, "agents.defaults"); ok {
		agent = configtree.CloneTree(defaults)
	}
	list, _ := configtree.LookupSlice(cfg, "agents.list")
	for _, raw := range list {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if isDefault, _ := entry["default"].(bool); isDefault {
			overlay(agent, entry)
			break
		}
	}
	return agent
}

func overlay(dst, src map[string]interface{}) {
	for k, v := range src {
		if srcObj, ok := v.(map[string]interface{}); ok {
			if dstObj, ok := dst[k].(map[string]interface{}); ok {
				overlay(dstObj, srcObj)
				continue
			}
		}
		dst[k] = configtree.Clone(v)
	}
}

func quoteAll(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}
	return strings.Join(quoted, ", ")
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
