package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/botfleet/pkg/policy"
	"github.com/openfroyo/botfleet/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	packsDir   string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "botfleet",
		Short: "botfleet - bot manifest resolution, policy and drift",
		Long: `botfleet resolves layered bot instance manifests, validates them against the
manifest schema, enforces policy packs and reports drift between deployed and
live bot configurations.

Features:
  - Layers in YAML, JSON, CUE or Starlark with per-path merge strategies
  - Built-in and custom policy packs, including Rego and CEL rules
  - Semantic drift reports over skills, tools, channels and MCP servers`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path (default ./botfleet.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&packsDir, "packs-dir", "", "directory of custom policy packs")

	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newDriftCommand())

	return rootCmd
}

// runtime is what every command builds from the global flags and settings.
type runtime struct {
	settings *Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	policies *policy.Engine
	loader   *policy.Loader
}

func newRuntime() (*runtime, error) {
	settings, err := LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if packsDir != "" {
		settings.PacksDir = packsDir
	}
	if verbose {
		settings.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	loader, err := policy.NewLoader(logger)
	if err != nil {
		return nil, err
	}

	return &runtime{
		settings: settings,
		tel:      tel,
		logger:   logger,
		policies: policy.NewEngine(logger, tel.Metrics),
		loader:   loader,
	}, nil
}

// loadPacks loads the custom packs of the packs directory, if one is set.
func (r *runtime) loadPacks(ctx context.Context) error {
	if r.settings.PacksDir == "" {
		return nil
	}
	packs, err := r.loader.LoadFromPaths(ctx, []string{r.settings.PacksDir})
	if err != nil {
		return err
	}
	return r.policies.SetLoadedPacks(packs)
}

func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}
