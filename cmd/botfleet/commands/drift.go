package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/botfleet/pkg/engine"
	"github.com/openfroyo/botfleet/pkg/evolution"
)

func newDriftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Drift detection",
		Long: `Detect drift between the bot configuration that was deployed and the one
running live.

Drift is reported per category: skills, MCP servers, channels, the tool
profile and any other top-level key.`,
	}

	cmd.AddCommand(newDriftDetectCommand())

	return cmd
}

func newDriftDetectCommand() *cobra.Command {
	var (
		summaryOnly bool
		failOnDrift bool
		reportFile  string
	)

	cmd := &cobra.Command{
		Use:   "detect DEPLOYED LIVE",
		Short: "Compare a deployed and a live bot configuration",
		Long: `Compare a deployed and a live bot configuration.

Both files are bot configurations as YAML, JSON, CUE or Starlark. Object key
order and number formatting never count as drift.`,
		Example: `  # Show every change
  botfleet drift detect deployed.json live.json

  # One-line summary, exit non-zero on drift
  botfleet drift detect --summary --fail-on-drift deployed.json live.json

  # Write the full report
  botfleet drift detect --report drift.json deployed.json live.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.close()

			deployed, err := loadTree(cmd.Context(), r, args[0])
			if err != nil {
				return err
			}
			live, err := loadTree(cmd.Context(), r, args[1])
			if err != nil {
				return err
			}

			detection, err := engine.NewDriftDetector(r.logger, r.tel.Metrics).
				Detect(live.ID, deployed.Config, live.Config)
			if err != nil {
				return err
			}

			if reportFile != "" {
				if err := writeFormatted(nil, reportFile, "json", detection); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			switch {
			case jsonOutput && summaryOnly:
				err = writeJSON(w, detection.Summary)
			case jsonOutput:
				err = writeJSON(w, detection)
			case summaryOnly:
				_, err = fmt.Fprintf(w, "%s: %s\n", detection.Status, detection.Summary)
			default:
				printChanges(cmd, detection)
			}
			if err != nil {
				return err
			}

			if failOnDrift && detection.Status == engine.DriftStatusDrifted {
				return fmt.Errorf("drift detected: %s", detection.Summary)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&summaryOnly, "summary", false, "print only the change summary")
	cmd.Flags().BoolVar(&failOnDrift, "fail-on-drift", false, "exit non-zero when drift is found")
	cmd.Flags().StringVar(&reportFile, "report", "", "write the full JSON report to a file")

	return cmd
}

func printChanges(cmd *cobra.Command, detection *engine.DriftDetection) {
	w := cmd.OutOrStdout()
	if detection.Status == engine.DriftStatusInSync {
		fmt.Fprintln(w, "✓ In sync: no changes")
		return
	}

	fmt.Fprintf(w, "! Drifted: %s\n", detection.Summary)
	for _, c := range detection.Diff.Changes {
		switch c.ChangeType {
		case evolution.ChangeAdded:
			fmt.Fprintf(w, "  + [%s] %s\n", c.Category, c.Field)
		case evolution.ChangeRemoved:
			fmt.Fprintf(w, "  - [%s] %s\n", c.Category, c.Field)
		default:
			fmt.Fprintf(w, "  ~ [%s] %s: %v -> %v\n", c.Category, c.Field, c.DeployedValue, c.LiveValue)
		}
	}
}
