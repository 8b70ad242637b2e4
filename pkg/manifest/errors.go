package manifest

import (
	"fmt"
	"strings"
)

// Issue is one schema problem located by its dotted path.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// SchemaError aggregates every problem found while validating a manifest.
type SchemaError struct {
	Issues []Issue `json:"issues"`
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if len(e.Issues) == 0 {
		return "manifest schema validation failed"
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return fmt.Sprintf("manifest schema validation failed: %s", strings.Join(parts, "; "))
}

// HasPath reports whether any issue is located at path.
func (e *SchemaError) HasPath(path string) bool {
	for _, issue := range e.Issues {
		if issue.Path == path {
			return true
		}
	}
	return false
}
