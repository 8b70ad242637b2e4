package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/botfleet/pkg/config"
	"github.com/openfroyo/botfleet/pkg/configtree"
)

func newResolveCommand() *cobra.Command {
	var (
		strategyFlags []string
		outputFile    string
		format        string
		vars          map[string]string
	)

	cmd := &cobra.Command{
		Use:   "resolve LAYER...",
		Short: "Resolve configuration layers into one configuration",
		Long: `Resolve configuration layers into one configuration.

Each LAYER is a YAML, JSON, CUE or Starlark file, a *.layer.yaml descriptor
that sets the layer type and priority, or a directory of such files. Plain
files are overlay layers whose priority follows argument order.

Object paths of the manifest merge field by field; everything else is
overridden by higher priority layers unless --strategy says otherwise.`,
		Example: `  # Resolve a template, profile and instance
  botfleet resolve base.yaml profiles/support.cue instances/support-bot.yaml

  # Append secrets instead of replacing them
  botfleet resolve --strategy spec.secrets=append base.yaml instance.yaml

  # Pass variables to Starlark layers and write JSON
  botfleet resolve --var region=eu --format json --output resolved.json layers/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.close()

			strategies, err := r.settings.MergeStrategies()
			if err != nil {
				return err
			}
			for _, flag := range strategyFlags {
				path, strategy, err := config.ParseStrategyFlag(flag)
				if err != nil {
					return err
				}
				strategies[path] = strategy
			}

			resolved, err := resolveLayers(cmd.Context(), r, args, strategies, vars)
			if err != nil {
				return err
			}

			if jsonOutput {
				format = "json"
			}
			return writeFormatted(cmd.OutOrStdout(), outputFile, format, resolved)
		},
	}

	cmd.Flags().StringArrayVar(&strategyFlags, "strategy", nil, "merge strategy as path=override|merge|prepend|append (repeatable)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "write the result to a file")
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "output format (json, yaml)")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "variable for Starlark layers as key=value (repeatable)")

	return cmd
}

func loadLayers(ctx context.Context, r *runtime, paths []string, vars map[string]string) ([]config.Layer, error) {
	loader := config.NewLoader(r.logger, r.settings.StarlarkTimeout)
	for k, v := range vars {
		loader.Vars[k] = v
	}
	layers, err := loader.LoadFiles(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to load layers: %w", err)
	}
	return layers, nil
}

// loadTree loads a single configuration file as one layer.
func loadTree(ctx context.Context, r *runtime, path string) (config.Layer, error) {
	layer, err := config.NewLoader(r.logger, r.settings.StarlarkTimeout).LoadFile(ctx, path, 0)
	if err != nil {
		return config.Layer{}, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return layer, nil
}

func resolveLayers(ctx context.Context, r *runtime, paths []string, strategies config.MergeStrategies, vars map[string]string) (configtree.Tree, error) {
	layers, err := loadLayers(ctx, r, paths, vars)
	if err != nil {
		return nil, err
	}
	return config.NewResolver(r.logger, r.tel.Metrics, strategies).Resolve(layers), nil
}
