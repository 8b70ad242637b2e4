package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/botfleet/pkg/engine"
	"github.com/openfroyo/botfleet/pkg/policy"
)

// errRejected makes the process exit non-zero after the findings were printed.
var errRejected = errors.New("configuration rejected")

// contextFile is the --context document: facts about the fleet that rules
// cannot read from the configuration itself.
type contextFile struct {
	Environment    string   `yaml:"environment"`
	Workspace      string   `yaml:"workspace"`
	Tags           []string `yaml:"tags"`
	OtherInstances []struct {
		ID          string `yaml:"id"`
		Workspace   string `yaml:"workspace"`
		GatewayPort *int   `yaml:"gatewayPort"`
	} `yaml:"otherInstances"`
}

func loadContextFile(path string) (*contextFile, error) {
	cf := &contextFile{}
	if path == "" {
		return cf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}
	if err := yaml.Unmarshal(data, cf); err != nil {
		return nil, fmt.Errorf("failed to parse context file %s: %w", path, err)
	}
	return cf, nil
}

func (cf *contextFile) instances() []policy.InstanceRef {
	refs := make([]policy.InstanceRef, 0, len(cf.OtherInstances))
	for _, inst := range cf.OtherInstances {
		refs = append(refs, policy.InstanceRef{
			ID:          inst.ID,
			Workspace:   inst.Workspace,
			GatewayPort: inst.GatewayPort,
		})
	}
	return refs
}

func newValidateCommand() *cobra.Command {
	var (
		contextPath string
		vars        map[string]string
	)

	cmd := &cobra.Command{
		Use:   "validate LAYER...",
		Short: "Validate a bot instance manifest",
		Long: `Resolve LAYER... into a manifest and check it before deployment.

This command checks:
  - Manifest schema conformance
  - Manifest checks on secrets, channels and egress
  - Auto-applied policy packs and the packs listed in spec.policy.packs

The command exits non-zero when the manifest is rejected. With
spec.policy.enforce set to false, ERROR findings are reported but do not
reject the manifest.`,
		Example: `  # Validate an instance
  botfleet validate base.yaml instances/support-bot.yaml

  # Include fleet facts for cross-instance rules
  botfleet validate --context fleet.yaml base.yaml instances/support-bot.yaml

  # Use custom packs
  botfleet validate --packs-dir ./packs base.yaml instance.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.close()

			if err := r.loadPacks(cmd.Context()); err != nil {
				return err
			}
			fleet, err := loadContextFile(contextPath)
			if err != nil {
				return err
			}
			layers, err := loadLayers(cmd.Context(), r, args, vars)
			if err != nil {
				return err
			}
			strategies, err := r.settings.MergeStrategies()
			if err != nil {
				return err
			}

			pipeline, err := engine.NewPipeline(r.tel, r.policies, engine.WithStrategies(strategies))
			if err != nil {
				return err
			}

			log.Debug().Strs("layers", args).Msg("Validating manifest")
			result, runErr := pipeline.Run(cmd.Context(), engine.Request{
				Layers:         layers,
				Tags:           fleet.Tags,
				OtherInstances: fleet.instances(),
				DryRun:         true,
			})

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), validateOutput(result, runErr)); err != nil {
					return err
				}
			} else {
				printValidation(cmd.OutOrStdout(), result, runErr)
			}

			switch {
			case runErr == nil:
				return nil
			case engine.ErrorCode(runErr) == engine.ErrCodeSchemaInvalid,
				engine.ErrorCode(runErr) == engine.ErrCodePolicyDenied:
				return errRejected
			default:
				return runErr
			}
		},
	}

	cmd.Flags().StringVar(&contextPath, "context", "", "YAML file with tags and other fleet instances")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "variable for Starlark layers as key=value (repeatable)")

	return cmd
}

type validateResult struct {
	Accepted bool                `json:"accepted"`
	Error    *engine.EngineError `json:"error,omitempty"`
	Result   *engine.Result      `json:"result"`
	Findings []policy.Violation  `json:"findings"`
}

func validateOutput(result *engine.Result, runErr error) validateResult {
	out := validateResult{
		Accepted: runErr == nil && result.Accepted,
		Result:   result,
		Findings: findings(result),
	}
	var engineErr *engine.EngineError
	if errors.As(runErr, &engineErr) {
		out.Error = engineErr
	}
	return out
}

func findings(result *engine.Result) []policy.Violation {
	out := append([]policy.Violation{}, result.Checks.Violations...)
	if result.Report != nil {
		out = append(out, result.Report.Findings()...)
	}
	return out
}

func printValidation(w io.Writer, result *engine.Result, runErr error) {
	if engine.ErrorCode(runErr) == engine.ErrCodeSchemaInvalid {
		fmt.Fprintf(w, "✗ Manifest failed schema validation\n%v\n", errors.Unwrap(runErr))
		return
	}

	all := findings(result)
	if runErr == nil {
		name := result.Manifest.Metadata.Name
		if len(all) == 0 {
			fmt.Fprintf(w, "✓ %s passed every check\n", name)
			return
		}
		if result.Enforced {
			fmt.Fprintf(w, "✓ %s accepted with %d findings\n", name, len(all))
		} else {
			fmt.Fprintf(w, "! %s accepted with %d findings (policy not enforced)\n", name, len(all))
		}
		printViolations(w, all)
		return
	}

	if engine.ErrorCode(runErr) == engine.ErrCodePolicyDenied {
		fmt.Fprintf(w, "✗ %s rejected by policy\n", result.Manifest.Metadata.Name)
		printViolations(w, all)
		return
	}
	fmt.Fprintf(w, "✗ %v\n", runErr)
}
