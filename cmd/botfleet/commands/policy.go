package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/botfleet/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy pack management and evaluation",
		Long: `List policy packs, evaluate a bot configuration against them and watch a
packs directory for changes.`,
	}

	cmd.AddCommand(newPolicyPacksCommand())
	cmd.AddCommand(newPolicyEvaluateCommand())
	cmd.AddCommand(newPolicyWatchCommand())

	return cmd
}

type packSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Priority    int      `json:"priority"`
	Builtin     bool     `json:"builtin"`
	AutoApply   bool     `json:"autoApply"`
	Enforced    bool     `json:"enforced"`
	Rules       int      `json:"rules"`
	Environment []string `json:"targetEnvironments,omitempty"`
}

func summarizePacks(packs []policy.PolicyPack) []packSummary {
	out := make([]packSummary, 0, len(packs))
	for _, p := range packs {
		out = append(out, packSummary{
			ID:          p.ID,
			Name:        p.Name,
			Version:     p.Version,
			Priority:    p.Priority,
			Builtin:     p.IsBuiltin,
			AutoApply:   p.AutoApply,
			Enforced:    p.IsEnforced,
			Rules:       len(p.Rules),
			Environment: p.TargetEnvironments,
		})
	}
	return out
}

func newPolicyPacksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "packs",
		Short: "List built-in and loaded policy packs",
		Example: `  # List built-in packs
  botfleet policy packs

  # Include custom packs
  botfleet policy packs --packs-dir ./packs --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.close()

			if err := r.loadPacks(cmd.Context()); err != nil {
				return err
			}

			packs := summarizePacks(r.policies.Packs())
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), packs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVERSION\tPRIORITY\tBUILTIN\tAUTO-APPLY\tENFORCED\tRULES\tENVIRONMENTS")
			for _, p := range packs {
				envs := "all"
				if len(p.Environment) > 0 {
					envs = strings.Join(p.Environment, ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%t\t%t\t%d\t%s\n",
					p.ID, p.Version, p.Priority, p.Builtin, p.AutoApply, p.Enforced, p.Rules, envs)
			}
			return tw.Flush()
		},
	}
}

func newPolicyEvaluateCommand() *cobra.Command {
	var (
		packIDs     []string
		environment string
		workspace   string
		contextPath string
	)

	cmd := &cobra.Command{
		Use:   "evaluate CONFIG",
		Short: "Evaluate a bot configuration against policy packs",
		Long: `Evaluate a bot configuration against policy packs.

CONFIG is the bot configuration itself (the botConfig section of a manifest)
as YAML, JSON, CUE or Starlark. Without --pack the auto-applied packs are
evaluated. The command exits non-zero when an enforced pack fails.`,
		Example: `  # Evaluate against the auto-applied packs
  botfleet policy evaluate bot.json

  # Evaluate production hardening for the prod environment
  botfleet policy evaluate --pack production-hardening --env prod bot.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.close()

			if err := r.loadPacks(cmd.Context()); err != nil {
				return err
			}
			packs, err := selectPacks(r.policies, packIDs)
			if err != nil {
				return err
			}

			fleet, err := loadContextFile(contextPath)
			if err != nil {
				return err
			}
			ectx := &policy.EvaluationContext{
				Environment:    firstNonEmpty(environment, fleet.Environment, r.settings.Environment),
				Workspace:      firstNonEmpty(workspace, fleet.Workspace),
				Tags:           fleet.Tags,
				OtherInstances: fleet.instances(),
			}

			layer, err := loadTree(cmd.Context(), r, args[0])
			if err != nil {
				return err
			}

			report := r.policies.Evaluate(cmd.Context(), layer.ID, layer.Config, ectx, packs)
			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printReport(cmd, report)
			}

			if !report.Allowed {
				return errRejected
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&packIDs, "pack", nil, "pack ID to evaluate (repeatable)")
	cmd.Flags().StringVar(&environment, "env", "", "environment of the instance (dev, staging, prod)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace of the instance")
	cmd.Flags().StringVar(&contextPath, "context", "", "YAML file with environment, tags and other fleet instances")

	return cmd
}

func selectPacks(eng *policy.Engine, ids []string) ([]policy.PolicyPack, error) {
	if len(ids) == 0 {
		return eng.ApplicablePacks(nil)
	}
	packs := make([]policy.PolicyPack, 0, len(ids))
	for _, id := range ids {
		pack, ok := eng.Pack(id)
		if !ok {
			return nil, fmt.Errorf("unknown policy pack: %s", id)
		}
		packs = append(packs, pack)
	}
	return packs, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func printReport(cmd *cobra.Command, report *policy.Report) {
	w := cmd.OutOrStdout()
	for _, res := range report.Results {
		status := "✓"
		if !res.Valid {
			status = "✗"
		}
		mode := "advisory"
		if res.Enforced {
			mode = "enforced"
		}
		fmt.Fprintf(w, "%s %s (%s): %d violations, %d warnings, %d skipped\n",
			status, res.PackID, mode, len(res.Violations), len(res.Warnings), len(res.Skipped))
		printViolations(w, res.Violations)
		printViolations(w, res.Warnings)
		if len(res.UnknownRules) > 0 {
			fmt.Fprintf(w, "  rules with unknown types passed: %s\n", strings.Join(res.UnknownRules, ", "))
		}
	}
	if report.Allowed {
		fmt.Fprintln(w, "Allowed")
	} else {
		fmt.Fprintln(w, "Denied")
	}
}

func newPolicyWatchCommand() *cobra.Command {
	var serveMetrics bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the packs directory and report reloads",
		Long: `Load the packs directory, then reload it whenever a pack file changes.
Every reload is validated; a broken pack keeps the previous set active.`,
		Example: `  # Watch custom packs and expose metrics
  botfleet policy watch --packs-dir ./packs --metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.close()

			dir := r.settings.PacksDir
			if dir == "" {
				return fmt.Errorf("a packs directory is required (--packs-dir or packsDir in settings)")
			}
			if err := r.loadPacks(cmd.Context()); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			err = r.loader.Watch(ctx, dir, func(packs []policy.PolicyPack) error {
				if err := r.policies.SetLoadedPacks(packs); err != nil {
					return err
				}
				log.Info().Int("packs", len(packs)).Msg("Policy packs active")
				return nil
			})
			if err != nil {
				return err
			}
			defer func() { _ = r.loader.StopWatching() }()

			if serveMetrics {
				go func() {
					if err := r.tel.Metrics.Serve(ctx); err != nil {
						log.Error().Err(err).Msg("Metrics server failed")
						cancel()
					}
				}()
			}

			log.Info().Str("dir", dir).Msg("Watching policy packs, press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&serveMetrics, "metrics", false, "serve Prometheus metrics while watching")

	return cmd
}
