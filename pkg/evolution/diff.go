package evolution

import (
	"sort"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

// Category groups changes by the part of the configuration they touch.
type Category string

const (
	CategorySkills     Category = "skills"
	CategoryTools      Category = "tools"
	CategoryChannels   Category = "channels"
	CategoryMCPServers Category = "mcpServers"
	CategoryConfig     Category = "config"
)

// ChangeType classifies a single change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// Change is one semantic difference between a deployed and a live configuration.
type Change struct {
	Category      Category    `json:"category"`
	Field         string      `json:"field"`
	ChangeType    ChangeType  `json:"changeType"`
	DeployedValue interface{} `json:"deployedValue,omitempty"`
	LiveValue     interface{} `json:"liveValue,omitempty"`
}

// Diff is the ordered list of changes between two configurations.
type Diff struct {
	Changes      []Change `json:"changes"`
	HasEvolved   bool     `json:"hasEvolved"`
	TotalChanges int      `json:"totalChanges"`
}

// structuredKeys are compared through their projections rather than as raw values.
var structuredKeys = map[string]bool{
	"skills":   true,
	"tools":    true,
	"channels": true,
}

// DiffArrays returns the elements only in live (added) and only in deployed
// (removed), both sorted. Duplicates collapse.
func DiffArrays(deployed, live []string) (added, removed []string) {
	deployedSet := toSet(deployed)
	liveSet := toSet(live)

	added = []string{}
	for item := range liveSet {
		if _, ok := deployedSet[item]; !ok {
			added = append(added, item)
		}
	}
	removed = []string{}
	for item := range deployedSet {
		if _, ok := liveSet[item]; !ok {
			removed = append(removed, item)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// ComputeDiff compares a deployed configuration with the live one. Changes are
// ordered skills, MCP servers, channels, tool profile, then the remaining
// top-level keys in sorted order.
func ComputeDiff(deployed, live configtree.Tree) Diff {
	var changes []Change

	changes = appendSetChanges(changes, CategorySkills, "skills.entries.",
		ExtractSkills(deployed), ExtractSkills(live))
	changes = appendSetChanges(changes, CategoryMCPServers, "mcpServers.",
		ExtractMCPServers(deployed), ExtractMCPServers(live))
	changes = appendSetChanges(changes, CategoryChannels, "channels.",
		ExtractEnabledChannels(deployed), ExtractEnabledChannels(live))

	deployedTools := ExtractToolProfile(deployed)
	liveTools := ExtractToolProfile(live)
	if !configtree.Equal(deployedTools.Profile, liveTools.Profile) {
		changes = append(changes, modified(CategoryTools, "tools.profile", deployedTools.Profile, liveTools.Profile))
	}
	if !configtree.Equal(deployedTools.Allow, liveTools.Allow) {
		changes = append(changes, modified(CategoryTools, "tools.allow", deployedTools.Allow, liveTools.Allow))
	}
	if !configtree.Equal(deployedTools.Deny, liveTools.Deny) {
		changes = append(changes, modified(CategoryTools, "tools.deny", deployedTools.Deny, liveTools.Deny))
	}

	for _, key := range remainingKeys(deployed, live) {
		dv, inDeployed := deployed[key]
		lv, inLive := live[key]
		switch {
		case !inDeployed:
			changes = append(changes, Change{Category: CategoryConfig, Field: key, ChangeType: ChangeAdded, LiveValue: lv})
		case !inLive:
			changes = append(changes, Change{Category: CategoryConfig, Field: key, ChangeType: ChangeRemoved, DeployedValue: dv})
		case !configtree.Equal(dv, lv):
			changes = append(changes, modified(CategoryConfig, key, dv, lv))
		}
	}

	if changes == nil {
		changes = []Change{}
	}
	return Diff{
		Changes:      changes,
		HasEvolved:   len(changes) > 0,
		TotalChanges: len(changes),
	}
}

func appendSetChanges(changes []Change, category Category, prefix string, deployed, live []string) []Change {
	added, removed := DiffArrays(deployed, live)
	for _, name := range added {
		changes = append(changes, Change{Category: category, Field: prefix + name, ChangeType: ChangeAdded, LiveValue: name})
	}
	for _, name := range removed {
		changes = append(changes, Change{Category: category, Field: prefix + name, ChangeType: ChangeRemoved, DeployedValue: name})
	}
	return changes
}

func modified(category Category, field string, deployed, live interface{}) Change {
	return Change{
		Category:      category,
		Field:         field,
		ChangeType:    ChangeModified,
		DeployedValue: deployed,
		LiveValue:     live,
	}
}

func remainingKeys(deployed, live configtree.Tree) []string {
	set := make(map[string]struct{}, len(deployed)+len(live))
	for k := range deployed {
		if !structuredKeys[k] {
			set[k] = struct{}{}
		}
	}
	for k := range live {
		if !structuredKeys[k] {
			set[k] = struct{}{}
		}
	}
	return sortedSet(set)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
