package queuemonitor

import (
	"context"

	"github.com/buildbeaver/queue-runner/internal/models"
)

// cancelBuild handles both builds_deleted (the row is gone entirely) and
// builds_cancelled (the row remains but is marked cancelled) notifications:
// in either case every step referencing this build drops that reference, and
// a step left with no referencing build is removed. Only when abortInFlight
// is set (builds_cancelled) is every referencing step that is scheduled and
// not finished also aborted on its machine, shared steps included.
func (m *Monitor) cancelBuild(ctx context.Context, payload string, abortInFlight bool) {
	id, err := parseBuildID(payload)
	if err != nil {
		m.log.Errorf("parsing build id from cancellation payload %q: %v", payload, err)
		return
	}

	build, ok := m.indices.GetBuild(id)
	if !ok {
		return
	}

	for _, step := range m.indices.AllSteps() {
		if !step.ReferencesBuild(id) {
			continue
		}
		if abortInFlight && step.AlreadyScheduled() && !step.Finished() {
			m.abortStepEverywhere(step)
		}
		if !step.RemoveBuild(id) {
			m.removeStep(step.DrvPath)
		}
	}

	m.indices.RemoveBuild(id)
	m.log.Infof("removed build %d (%s) from the in-memory graph", id, build.DrvPath)
	m.trigger.TriggerMatch()
}

// abortStepEverywhere sends an Abort to whichever machine currently holds
// drv reserved. The machine index doesn't map step -> machine directly, so
// this scans the (typically small) set of connected machines for the one
// holding the reservation.
func (m *Monitor) abortStepEverywhere(step *models.Step) {
	for _, machine := range m.indices.AllMachines() {
		for _, pending := range machine.PendingSteps() {
			if pending == step.DrvPath {
				m.sessions.Abort(machine.ID, step.DrvPath)
				return
			}
		}
	}
}
