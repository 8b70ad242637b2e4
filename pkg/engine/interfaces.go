package engine

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/botfleet/pkg/configtree"
	"github.com/openfroyo/botfleet/pkg/manifest"
)

// ErrSecretNotFound is returned by SecretStore.GetSecret for unknown names.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore holds the secret material referenced by manifests. The
// pipeline only checks that referenced keys exist before deployment and
// discards the values; implementations live with the deployment target.
type SecretStore interface {
	// StoreSecret writes value under name, replacing any previous value.
	StoreSecret(ctx context.Context, name string, value []byte) error

	// GetSecret returns the value stored under name, or ErrSecretNotFound.
	GetSecret(ctx context.Context, name string) ([]byte, error)

	// DeleteSecret removes name. Deleting a missing secret is not an error.
	DeleteSecret(ctx context.Context, name string) error
}

// Deployer hands an accepted manifest to a deployment target.
type Deployer interface {
	// Deploy applies the manifest. Errors that are not *EngineError are
	// treated as transient.
	Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error)
}

// DeployRequest is what the pipeline passes to a Deployer.
type DeployRequest struct {
	// RunID identifies the pipeline run.
	RunID string `json:"runId"`

	// Manifest is the validated manifest with schema defaults applied.
	Manifest *manifest.Manifest `json:"manifest"`

	// Config is the resolved configuration tree the manifest was decoded from.
	Config configtree.Tree `json:"config"`

	// Digest is the canonical digest of Config.
	Digest string `json:"digest"`
}

// DeployResult reports what the deployment target did.
type DeployResult struct {
	// DeploymentID is the target's identifier for the rollout.
	DeploymentID string `json:"deploymentId"`

	// Revision is the target's revision after the rollout, if it has one.
	Revision string `json:"revision,omitempty"`

	// DeployedAt is when the target accepted the rollout.
	DeployedAt time.Time `json:"deployedAt"`
}
