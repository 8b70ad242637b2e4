package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/botfleet/pkg/config"
	"github.com/openfroyo/botfleet/pkg/configtree"
	"github.com/openfroyo/botfleet/pkg/manifest"
	"github.com/openfroyo/botfleet/pkg/policy"
	"github.com/openfroyo/botfleet/pkg/telemetry"
)

// Pipeline stages. Each stage is a span and a pipeline_duration_seconds series.
const (
	StageResolve  = "resolve"
	StageValidate = "validate"
	StagePolicy   = "policy"
	StageDeploy   = "deploy"
)

// Request is one pass of layers through the pipeline.
type Request struct {
	// Layers are the configuration layers to resolve.
	Layers []config.Layer

	// Tags are matched against pack and rule tag targeting.
	Tags []string

	// OtherInstances feeds cross-instance rules such as require_port_spacing.
	OtherInstances []policy.InstanceRef

	// DryRun stops after the policy stage even when a Deployer is configured.
	DryRun bool
}

// Result records what each stage produced. Fields of stages that did not run
// are left empty.
type Result struct {
	RunID    string             `json:"runId"`
	Config   configtree.Tree    `json:"config,omitempty"`
	Digest   string             `json:"digest,omitempty"`
	Manifest *manifest.Manifest `json:"manifest,omitempty"`

	// Checks holds the manifest-level checks.
	Checks policy.ValidationResult `json:"checks"`

	// Report holds the policy pack results.
	Report *policy.Report `json:"report,omitempty"`

	// Enforced mirrors spec.policy.enforce of the manifest.
	Enforced bool `json:"enforced"`

	// Accepted is true when the configuration passed every enforced check.
	Accepted bool `json:"accepted"`

	Deployment *DeployResult `json:"deployment,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Blocking returns the ERROR findings that reject the configuration when
// policy is enforced.
func (r *Result) Blocking() []policy.Violation {
	var out []policy.Violation
	for _, v := range r.Checks.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	if r.Report != nil {
		out = append(out, r.Report.BlockingViolations()...)
	}
	return out
}

// Pipeline resolves layers, validates the manifest, enforces policy and hands
// accepted manifests to a Deployer.
type Pipeline struct {
	strategies config.MergeStrategies
	resolver   *config.Resolver
	schemas    *manifest.SchemaRegistry
	checks     *policy.PolicyEngine
	policies   *policy.Engine
	deployer   Deployer
	secrets    SecretStore
	tracer     *telemetry.Tracer
	metrics    *telemetry.Metrics
	logger     *telemetry.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDeployer sets the deployment target. Without one the pipeline stops
// after the policy stage.
func WithDeployer(d Deployer) Option {
	return func(p *Pipeline) {
		p.deployer = d
	}
}

// WithSecretStore makes the deploy stage check that every secret the
// manifest declares exists in store before handing it to the deployer.
func WithSecretStore(store SecretStore) Option {
	return func(p *Pipeline) {
		p.secrets = store
	}
}

// WithStrategies layers extra merge strategies over the manifest defaults.
func WithStrategies(strategies config.MergeStrategies) Option {
	return func(p *Pipeline) {
		p.strategies = p.strategies.With(strategies)
	}
}

// NewPipeline creates a pipeline. A nil tel discards telemetry and a nil
// policies engine is replaced by one holding only the built-in packs.
func NewPipeline(tel *telemetry.Telemetry, policies *policy.Engine, opts ...Option) (*Pipeline, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	logger := tel.Logger.Zerolog()

	schemas, err := manifest.DefaultSchemaRegistry()
	if err != nil {
		return nil, NewPermanentError("failed to load manifest schema", err).WithCode(ErrCodeInternal)
	}
	checks, err := policy.NewPolicyEngine(logger, tel.Metrics)
	if err != nil {
		return nil, NewPermanentError("failed to create manifest checks", err).WithCode(ErrCodeInternal)
	}
	if policies == nil {
		policies = policy.NewEngine(logger, tel.Metrics)
	}

	p := &Pipeline{
		strategies: config.DefaultManifestStrategies(),
		schemas:    schemas,
		checks:     checks,
		policies:   policies,
		tracer:     tel.Tracer,
		metrics:    tel.Metrics,
		logger:     tel.Logger.NewComponentLogger("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.resolver = config.NewResolver(logger, tel.Metrics, p.strategies)
	return p, nil
}

// Run passes req through every stage. The returned Result is never nil and
// holds whatever the completed stages produced; the error is an *EngineError.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	result := &Result{RunID: uuid.New().String()}
	logger := p.logger.WithField("run", result.RunID)

	err := p.run(ctx, req, result, logger)
	result.Duration = time.Since(start)
	if err != nil {
		zlog := logger.WithError(err).Zerolog()
		zlog.Error().Str("code", ErrorCode(err)).Msg("Pipeline run failed")
		return result, err
	}

	zlog := logger.Zerolog()
	zlog.Info().
		Bool("accepted", result.Accepted).
		Bool("deployed", result.Deployment != nil).
		Dur("duration", result.Duration).
		Msg("Pipeline run completed")
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, result *Result, runLogger *telemetry.Logger) error {
	if err := p.stage(ctx, StageResolve, "", "", func(context.Context) error {
		return p.resolve(req, result)
	}); err != nil {
		return err
	}

	if err := p.stage(ctx, StageValidate, "", "", func(context.Context) error {
		return p.validate(result)
	}); err != nil {
		return err
	}

	m := result.Manifest
	workspace, instance := m.Metadata.Workspace, m.Metadata.Name
	logger := runLogger.WithInstance(workspace, instance).Zerolog()

	if err := p.stage(ctx, StagePolicy, workspace, instance, func(ctx context.Context) error {
		return p.enforce(ctx, req, result, logger)
	}); err != nil {
		return err
	}

	if p.deployer == nil || req.DryRun {
		logger.Debug().Bool("dry_run", req.DryRun).Msg("Skipping deployment")
		return nil
	}
	return p.stage(ctx, StageDeploy, workspace, instance, func(ctx context.Context) error {
		return p.deploy(ctx, result)
	})
}

func (p *Pipeline) stage(ctx context.Context, name, workspace, instance string, fn func(context.Context) error) error {
	ctx, span := p.tracer.StartStageSpan(ctx, name, workspace, instance)
	defer span.End()

	timer := telemetry.NewTimer()
	err := fn(ctx)
	p.metrics.ObserveStage(name, timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
		p.metrics.RecordError(ErrorCode(err))
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

func (p *Pipeline) resolve(req Request, result *Result) error {
	if len(req.Layers) == 0 {
		return NewPermanentError("no configuration layers", nil).
			WithCode(ErrCodeValidation).
			WithOperation(StageResolve)
	}

	result.Config = p.resolver.Resolve(req.Layers)
	digest, err := configtree.Digest(result.Config)
	if err != nil {
		return NewPermanentError("failed to digest resolved configuration", err).
			WithCode(ErrCodeValidation).
			WithOperation(StageResolve)
	}
	result.Digest = digest
	return nil
}

func (p *Pipeline) validate(result *Result) error {
	m, err := manifest.ValidateWith(p.schemas, result.Config)
	p.metrics.RecordSchemaValidation(err == nil)
	if err != nil {
		engineErr := NewPermanentError("manifest failed schema validation", err).
			WithCode(ErrCodeSchemaInvalid).
			WithOperation(StageValidate)
		var schemaErr *manifest.SchemaError
		if errors.As(err, &schemaErr) {
			engineErr.WithDetail("issues", len(schemaErr.Issues))
		}
		return engineErr
	}
	result.Manifest = m
	return nil
}

func (p *Pipeline) enforce(ctx context.Context, req Request, result *Result, logger zerolog.Logger) error {
	m := result.Manifest
	result.Enforced = m.Spec.Policy.Enforced()
	result.Checks = p.checks.ValidateManifest(m)

	packs, err := p.policies.ApplicablePacks(m)
	if err != nil {
		return NewPermanentError("failed to select policy packs", err).
			WithCode(ErrCodeNotFound).
			WithResource(m.Metadata.Name).
			WithOperation(StagePolicy)
	}

	ectx := &policy.EvaluationContext{
		Environment:    string(m.Metadata.Environment),
		Workspace:      m.Metadata.Workspace,
		Tags:           req.Tags,
		OtherInstances: req.OtherInstances,
	}
	result.Report = p.policies.Evaluate(ctx, m.Metadata.Name, m.BotConfigTree(), ectx, packs)
	if result.Report.Incomplete {
		return NewTransientError("policy evaluation cancelled", ctx.Err()).
			WithCode(ErrCodeCancelled).
			WithResource(m.Metadata.Name).
			WithOperation(StagePolicy)
	}

	blocking := result.Blocking()
	if len(blocking) == 0 {
		result.Accepted = true
		return nil
	}

	if !result.Enforced {
		logger.Warn().
			Int("violations", len(blocking)).
			Msg("Policy violations found but enforcement is disabled")
		result.Accepted = true
		return nil
	}

	ruleIDs := make([]string, len(blocking))
	for i, v := range blocking {
		ruleIDs[i] = v.RuleID
	}
	return NewPermanentError("configuration rejected by policy", nil).
		WithCode(ErrCodePolicyDenied).
		WithResource(m.Metadata.Name).
		WithOperation(StagePolicy).
		WithDetail("violations", len(blocking)).
		WithDetail("rules", ruleIDs)
}

func (p *Pipeline) deploy(ctx context.Context, result *Result) error {
	m := result.Manifest
	if err := p.checkSecrets(ctx, m); err != nil {
		return err
	}
	deployment, err := p.deployer.Deploy(ctx, DeployRequest{
		RunID:    result.RunID,
		Manifest: m,
		Config:   result.Config,
		Digest:   result.Digest,
	})
	if err != nil {
		var engineErr *EngineError
		if !errors.As(err, &engineErr) {
			engineErr = NewTransientError("deployment failed", err)
		}
		if engineErr.Code == "" {
			engineErr.WithCode(ErrCodeDeployFailed)
		}
		return engineErr.WithResource(m.Metadata.Name).WithOperation(StageDeploy)
	}
	result.Deployment = deployment
	return nil
}

// checkSecrets looks up every declared secret key. A missing key is
// permanent; any other store failure is transient.
func (p *Pipeline) checkSecrets(ctx context.Context, m *manifest.Manifest) error {
	if p.secrets == nil {
		return nil
	}
	for _, secret := range m.Spec.Secrets {
		if _, err := p.secrets.GetSecret(ctx, secret.Key); err != nil {
			var engineErr *EngineError
			if errors.Is(err, ErrSecretNotFound) {
				engineErr = NewPermanentError(fmt.Sprintf("secret %s is not in the secret store", secret.Name), err).
					WithCode(ErrCodeNotFound)
			} else {
				engineErr = NewTransientError(fmt.Sprintf("failed to look up secret %s", secret.Name), err).
					WithCode(ErrCodeDeployFailed)
			}
			return engineErr.
				WithResource(m.Metadata.Name).
				WithOperation(StageDeploy).
				WithDetail("secret", secret.Name).
				WithDetail("key", secret.Key)
		}
	}
	return nil
}
