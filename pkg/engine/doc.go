// Package engine orchestrates the botfleet core around a bot instance.
//
// # Pipeline
//
// A Pipeline runs a Request through four stages, each traced as a span and
// timed in the pipeline_duration_seconds histogram:
//
//  1. resolve - merge the configuration layers (config.Resolver)
//  2. validate - check the result against the manifest schema
//  3. policy - run the manifest checks and the applicable policy packs
//  4. deploy - hand the accepted manifest to a Deployer, if one is set
//
// When spec.policy.enforce is false, ERROR findings are reported in the
// Result but do not stop the run.
//
//	p, err := engine.NewPipeline(tel, policies, engine.WithDeployer(d))
//	result, err := p.Run(ctx, engine.Request{Layers: layers})
//	if engine.ErrorCode(err) == engine.ErrCodePolicyDenied {
//	    for _, v := range result.Blocking() {
//	        fmt.Println(v.RuleID, v.Message)
//	    }
//	}
//
// # Drift
//
// DriftDetector compares the bot configuration that was deployed with the one
// observed live and reports the evolution.Diff together with canonical digests
// of both sides.
//
// # Error Classification
//
// Pipeline errors are *EngineError values with a class and a code:
//
//   - Permanent: SCHEMA_INVALID, POLICY_DENIED, NOT_FOUND, VALIDATION_ERROR
//   - Transient: CANCELLED, and DEPLOY_FAILED for unclassified Deployer errors
//   - Conflict: returned by Deployers when the target changed underneath them
//
// Use IsRetryable to decide whether a failed run may be retried.
package engine
