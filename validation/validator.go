// Package validation performs the cheap structural checks a submission must
// pass before the scheduler will even look at it. Semantic checking
// (re-execution, quorum comparison) belongs to the verifier.
package validation

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"training-orchestrator/apiconfig"
	"training-orchestrator/types"
)

type Validator struct {
	cfg apiconfig.ValidationConfig
}

func NewValidator(cfg apiconfig.ValidationConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Check returns nil when the submission is structurally sound. Every
// failure wraps types.ErrInvalidSubmission so callers can branch on the
// class and still log the specific reason.
func (v *Validator) Check(sub types.Submission) error {
	if strings.TrimSpace(sub.UnitID) == "" {
		return errors.Wrap(types.ErrInvalidSubmission, "missing unit id")
	}
	if strings.TrimSpace(sub.NodeID) == "" {
		return errors.Wrap(types.ErrInvalidSubmission, "missing node id")
	}
	if strings.TrimSpace(sub.PayloadRef) == "" {
		return errors.Wrap(types.ErrInvalidSubmission, "missing payload reference")
	}

	m := sub.Metrics
	if !isFinite(m.Loss) {
		return errors.Wrapf(types.ErrInvalidSubmission, "loss is not finite: %f", m.Loss)
	}
	if !isFinite(m.GradientNorm) || m.GradientNorm < 0 {
		return errors.Wrapf(types.ErrInvalidSubmission, "gradient norm out of range: %f", m.GradientNorm)
	}
	if m.StepCount == 0 {
		return errors.Wrap(types.ErrInvalidSubmission, "step count must be positive")
	}
	if v.cfg.MaxStepCount > 0 && m.StepCount > uint64(v.cfg.MaxStepCount) {
		return errors.Wrapf(types.ErrInvalidSubmission, "step count %d exceeds limit %d", m.StepCount, v.cfg.MaxStepCount)
	}
	if m.SizeBytes == 0 {
		return errors.Wrap(types.ErrInvalidSubmission, "artifact size must be positive")
	}
	if m.SizeBytes > uint64(v.cfg.MaxPayloadBytes) {
		return errors.Wrapf(types.ErrInvalidSubmission, "artifact size %d exceeds limit %d", m.SizeBytes, v.cfg.MaxPayloadBytes)
	}
	return nil
}

// CheckShape verifies the submission targets the unit it claims: the
// declared step count must match the unit's shard.
func (v *Validator) CheckShape(sub types.Submission, unit types.WorkUnit) error {
	if want := unit.Shard.Steps(); sub.Metrics.StepCount != want {
		return errors.Wrapf(types.ErrInvalidSubmission,
			"step count %d does not match shard steps %d", sub.Metrics.StepCount, want)
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
