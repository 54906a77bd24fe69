package dispatcher

import (
	"github.com/buildbeaver/queue-runner/internal/fairshare"
	"github.com/buildbeaver/queue-runner/internal/models"
)

// candidate pairs a runnable step with the jobset used to fair-share-order
// it, so the comparator below doesn't need a lookup per comparison.
type candidate struct {
	step    *models.Step
	jobset  *fairshare.Jobset
}

// less implements the StepInfo comparator: ascending order = better,
// i.e. less(a, b) true means a should be scheduled before b.
//  1. Higher highest_global_priority first.
//  2. Lower jobset share_used first (ties broken by full jobset name).
//  3. Higher highest_local_priority first.
//  4. Lower lowest_build_id first.
//  5. Earlier runnable_since first.
func less(a, b candidate) bool {
	if ap, bp := a.step.HighestGlobalPriority(), b.step.HighestGlobalPriority(); ap != bp {
		return ap > bp
	}

	au, bu := shareUsed(a.jobset), shareUsed(b.jobset)
	if au != bu {
		return au < bu
	}
	if a.jobset != nil && b.jobset != nil && a.jobset.FullName() != b.jobset.FullName() {
		return a.jobset.FullName() < b.jobset.FullName()
	}

	if ap, bp := a.step.HighestLocalPriority(), b.step.HighestLocalPriority(); ap != bp {
		return ap > bp
	}

	if ai, bi := a.step.LowestBuildID(), b.step.LowestBuildID(); ai != bi {
		return ai < bi
	}

	return a.step.RunnableSince().Before(b.step.RunnableSince())
}

func shareUsed(j *fairshare.Jobset) float64 {
	if j == nil {
		return 0
	}
	return j.ShareUsed()
}
