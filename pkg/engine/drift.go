package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/botfleet/pkg/configtree"
	"github.com/openfroyo/botfleet/pkg/evolution"
	"github.com/openfroyo/botfleet/pkg/telemetry"
)

// DriftStatus is the outcome of comparing a deployed and a live configuration.
type DriftStatus string

const (
	// DriftStatusInSync means the live configuration matches what was deployed.
	DriftStatusInSync DriftStatus = "in_sync"

	// DriftStatusDrifted means the live configuration has evolved.
	DriftStatusDrifted DriftStatus = "drifted"
)

// Validate checks if the drift status is valid.
func (s DriftStatus) Validate() error {
	switch s {
	case DriftStatusInSync, DriftStatusDrifted:
		return nil
	default:
		return fmt.Errorf("invalid drift status: %s", s)
	}
}

// DriftDetection is the drift report for one bot instance.
type DriftDetection struct {
	ResourceID     string            `json:"resourceId"`
	Status         DriftStatus       `json:"status"`
	DetectedAt     time.Time         `json:"detectedAt"`
	DeployedDigest string            `json:"deployedDigest"`
	LiveDigest     string            `json:"liveDigest"`
	Diff           evolution.Diff    `json:"diff"`
	Summary        evolution.Summary `json:"summary"`
}

// DriftDetector compares deployed and live bot configurations.
type DriftDetector struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewDriftDetector creates a drift detector.
func NewDriftDetector(logger zerolog.Logger, metrics *telemetry.Metrics) *DriftDetector {
	return &DriftDetector{
		logger:  logger.With().Str("component", "drift-detector").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// Detect diffs deployed against live and records one metric per change.
// Nil trees are treated as empty configurations.
func (d *DriftDetector) Detect(resourceID string, deployed, live configtree.Tree) (*DriftDetection, error) {
	if deployed == nil {
		deployed = configtree.Tree{}
	}
	if live == nil {
		live = configtree.Tree{}
	}

	deployedDigest, err := configtree.Digest(deployed)
	if err != nil {
		return nil, NewPermanentError("failed to digest deployed configuration", err).
			WithCode(ErrCodeValidation).
			WithResource(resourceID)
	}
	liveDigest, err := configtree.Digest(live)
	if err != nil {
		return nil, NewPermanentError("failed to digest live configuration", err).
			WithCode(ErrCodeValidation).
			WithResource(resourceID)
	}

	diff := evolution.ComputeDiff(deployed, live)
	detection := &DriftDetection{
		ResourceID:     resourceID,
		Status:         DriftStatusInSync,
		DetectedAt:     d.now(),
		DeployedDigest: deployedDigest,
		LiveDigest:     liveDigest,
		Diff:           diff,
		Summary:        evolution.Summarize(diff),
	}
	if diff.HasEvolved {
		detection.Status = DriftStatusDrifted
	}

	for _, change := range diff.Changes {
		d.metrics.RecordEvolutionChange(string(change.Category), string(change.ChangeType))
	}
	d.metrics.RecordDriftDetection(string(detection.Status))

	d.logger.Info().
		Str("resource", resourceID).
		Str("status", string(detection.Status)).
		Str("summary", detection.Summary.String()).
		Msg("Drift detection completed")
	return detection, nil
}
