package evolution

import (
	"fmt"
	"sort"
	"strings"
)

// Summary rolls a Diff up for display.
type Summary struct {
	TotalChanges int                `json:"totalChanges"`
	ByCategory   map[Category]int   `json:"byCategory"`
	ByChangeType map[ChangeType]int `json:"byChangeType"`
	Categories   []Category         `json:"categories"`
}

// Summarize counts changes per category and change type.
func Summarize(diff Diff) Summary {
	s := Summary{
		TotalChanges: len(diff.Changes),
		ByCategory:   make(map[Category]int),
		ByChangeType: make(map[ChangeType]int),
		Categories:   []Category{},
	}
	for _, change := range diff.Changes {
		if s.ByCategory[change.Category] == 0 {
			s.Categories = append(s.Categories, change.Category)
		}
		s.ByCategory[change.Category]++
		s.ByChangeType[change.ChangeType]++
	}
	sort.Slice(s.Categories, func(i, j int) bool { return s.Categories[i] < s.Categories[j] })
	return s
}

// String renders a one-line description such as "3 changes (channels: 1, skills: 2)".
func (s Summary) String() string {
	if s.TotalChanges == 0 {
		return "no changes"
	}
	parts := make([]string, len(s.Categories))
	for i, c := range s.Categories {
		parts[i] = fmt.Sprintf("%s: %d", c, s.ByCategory[c])
	}
	noun := "changes"
	if s.TotalChanges == 1 {
		noun = "change"
	}
	return fmt.Sprintf("%d %s (%s)", s.TotalChanges, noun, strings.Join(parts, ", "))
}
