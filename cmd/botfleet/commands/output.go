package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/botfleet/pkg/policy"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// writeFormatted writes v as json or yaml, to path when set and w otherwise.
func writeFormatted(w io.Writer, path, format string, v interface{}) error {
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch strings.ToLower(format) {
	case "json":
		return writeJSON(w, v)
	case "yaml", "yml":
		return writeYAML(w, v)
	default:
		return fmt.Errorf("unknown output format %q (must be json or yaml)", format)
	}
}

// printViolations writes one line per finding.
func printViolations(w io.Writer, violations []policy.Violation) {
	for _, v := range violations {
		fmt.Fprintf(w, "  %-7s %s: %s\n", v.Severity, v.RuleID, v.Message)
		if v.Field != "" {
			fmt.Fprintf(w, "          field: %s", v.Field)
			if v.SuggestedValue != nil {
				fmt.Fprintf(w, " (suggested: %v)", v.SuggestedValue)
			}
			fmt.Fprintln(w)
		}
	}
}
