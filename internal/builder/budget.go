package builder

import (
	"time"

	"github.com/narvanalabs/buildengine/internal/models"
)

// BudgetPolicy decides how long a single phase may run. A zero budget
// leaves the phase bounded only by the overall build timeout.
type BudgetPolicy interface {
	PhaseBudget(phase models.PhaseType, timeout time.Duration) time.Duration
}

// FixedCeiling gives every phase the same budget, never more than the build timeout.
type FixedCeiling struct {
	Ceiling time.Duration
}

// PhaseBudget implements BudgetPolicy.
func (f FixedCeiling) PhaseBudget(_ models.PhaseType, timeout time.Duration) time.Duration {
	if f.Ceiling <= 0 || f.Ceiling > timeout {
		return 0
	}
	return f.Ceiling
}

// Proportional gives each phase a share of the build timeout. Phases
// without a share are unbounded.
type Proportional struct {
	Shares map[models.PhaseType]float64
}

// DefaultProportional returns shares that leave most of the timeout to BUILD.
func DefaultProportional() Proportional {
	return Proportional{Shares: map[models.PhaseType]float64{
		models.PhaseProvisioning:    0.10,
		models.PhaseDownloadSource:  0.25,
		models.PhaseInstall:         0.50,
		models.PhasePreBuild:        0.50,
		models.PhaseBuild:           1.00,
		models.PhasePostBuild:       0.50,
		models.PhaseUploadArtifacts: 0.25,
	}}
}

// PhaseBudget implements BudgetPolicy.
func (p Proportional) PhaseBudget(phase models.PhaseType, timeout time.Duration) time.Duration {
	share, ok := p.Shares[phase]
	if !ok || share <= 0 || share >= 1 {
		return 0
	}
	return time.Duration(float64(timeout) * share)
}

// ParseBudgetPolicy maps a configuration name to a policy. Unknown names
// fall back to proportional shares.
func ParseBudgetPolicy(name string, ceiling time.Duration) BudgetPolicy {
	if name == "fixed" {
		return FixedCeiling{Ceiling: ceiling}
	}
	return DefaultProportional()
}
