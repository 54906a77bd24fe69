package queuemonitor

import (
	"context"
	"fmt"

	"github.com/buildbeaver/queue-runner/internal/models"
	"github.com/buildbeaver/queue-runner/internal/store"
)

// ingestBuild runs the per-observed-build algorithm: seed/lookup its
// jobset, expand its derivation closure, merge-or-create each step, wire up
// dependency edges, and determine the runnable frontier.
func (m *Monitor) ingestBuild(ctx context.Context, row *store.BuildRow) error {
	jobset, err := m.jobsets.Create(ctx, m.gateway, row.JobsetID, row.ProjectName, row.JobsetName)
	if err != nil {
		return fmt.Errorf("creating/looking up jobset %s:%s: %w", row.ProjectName, row.JobsetName, err)
	}
	_ = jobset // seeded as a side effect; looked up again per-step via the registry when needed

	if existing, ok := m.indices.GetBuild(row.ID); ok {
		existing.SetGlobalPriority(row.GlobalPriority)
		m.bumpBuildSteps(existing)
		return nil
	}

	closure, err := m.localStore.QueryRequisites(ctx, row.DrvPath, true)
	if err != nil {
		return fmt.Errorf("expanding closure of %s: %w", row.DrvPath, err)
	}

	build := models.NewBuild(row.ID, row.DrvPath, row.JobsetID, row.Name, models.NewTime(row.CreatedAt), row.MaxSilentTime, row.Timeout, row.LocalPriority, row.GlobalPriority)

	// include_outputs=true mixes plain output store paths in with the .drv
	// paths; only the latter name a derivation to build a Step around; the
	// former are already-final store paths, relevant only to updateRunnable's
	// IsValidPath check on a step's own declared outputs.
	drvPaths := make([]models.StorePath, 0, len(closure))
	for _, p := range closure {
		if p.IsDerivation() {
			drvPaths = append(drvPaths, p)
		}
	}

	for _, drv := range drvPaths {
		if err := m.ingestStep(ctx, drv, build); err != nil {
			m.markDerivationFailed(ctx, drv, build.ID, err)
			continue
		}
	}
	m.wireDependencies(ctx, drvPaths)
	for _, drv := range drvPaths {
		m.updateRunnable(ctx, drv)
	}

	m.indices.PutBuild(build)
	return nil
}

// bumpBuildSteps re-walks an already-known build's steps and re-applies its
// current priority, so a builds_bumped notification (row.GlobalPriority
// raised after the build was first ingested) actually reaches the
// dispatcher's comparator, which reads each step's own highest-seen
// priority rather than the build's.
func (m *Monitor) bumpBuildSteps(build *models.Build) {
	for _, step := range m.indices.AllSteps() {
		if step.ReferencesBuild(build.ID) {
			step.BumpPriority(build.GlobalPriority(), int64(build.LocalPriority), build.ID)
		}
	}
}

// ingestStep merges priorities into an already-known step, or parses and
// creates a new one, recording build's reference to it either way, and
// upserts the buildsteps row so build/drv pair exists in the database for
// FinishBuildStep's later UPDATE to find.
func (m *Monitor) ingestStep(ctx context.Context, drv models.StorePath, build *models.Build) error {
	step, created := m.indices.GetOrCreateStep(drv, func() *models.Step {
		return models.NewStep(drv, "", nil)
	})

	if created {
		parsed, err := m.localStore.QueryDrv(ctx, drv)
		if err != nil {
			m.removeStep(drv)
			return fmt.Errorf("parsing derivation %s: %w", drv, err)
		}
		if parsed == nil {
			m.removeStep(drv)
			return fmt.Errorf("unknown derivation %s", drv)
		}
		step.RequiredSystem = parsed.RequiredSystem
		step.RequiredFeatures = parsed.RequiredFeatures
		if parsed.IsCA() {
			m.fod.AddCADrvParsed(drv, parsed)
		}
		if m.gcRoots != nil {
			m.gcRoots.Add(drv, m.localStore.PrintStorePath(drv))
		}
	}

	step.BumpPriority(build.GlobalPriority(), int64(build.LocalPriority), build.ID)
	step.AddBuild(build.ID)

	if err := m.gateway.UpsertBuildStep(ctx, nil, build.ID, drv, step.RequiredSystem); err != nil {
		m.log.Errorf("upserting buildsteps row for build %d, step %s: %v", build.ID, drv, err)
	}
	return nil
}

// removeStep evicts drv from the step index and releases any gc-root held
// for it, keeping the two in lockstep so a destroyed step never leaves a
// stale symlink pinning a path in the store forever.
func (m *Monitor) removeStep(drv models.StorePath) {
	m.indices.RemoveStep(drv)
	if m.gcRoots != nil {
		m.gcRoots.Remove(drv)
	}
}

// markDerivationFailed reports a step that could not be parsed as Failed
// against the build that referenced it, per the "unparseable derivation"
// failure semantics.
func (m *Monitor) markDerivationFailed(ctx context.Context, drv models.StorePath, buildID models.BuildID, cause error) {
	m.log.Errorf("derivation %s for build %d could not be parsed: %v", drv, buildID, cause)
	if err := m.gateway.MarkBuildFinished(ctx, nil, buildID, true); err != nil {
		m.log.Errorf("marking build %d finished after parse failure: %v", buildID, err)
	}
}

// wireDependencies creates parent->child dependency/reverse-dependency
// edges across the whole closure, consistent with each step's recorded
// inputs.
func (m *Monitor) wireDependencies(ctx context.Context, closure []models.StorePath) {
	for _, drv := range closure {
		step, ok := m.indices.GetStep(drv)
		if !ok {
			continue
		}
		parsed, err := m.localStore.QueryDrv(ctx, drv)
		if err != nil || parsed == nil {
			continue
		}
		for _, input := range parsed.InputDrvs {
			dep, ok := m.indices.GetStep(input)
			if !ok {
				continue
			}
			step.AddDependency(dep)
		}
	}
}

// updateRunnable recomputes whether drv's step belongs in the runnable
// frontier: its dependency set is empty, its outputs aren't already present
// in the store, and it isn't finished.
func (m *Monitor) updateRunnable(ctx context.Context, drv models.StorePath) {
	step, ok := m.indices.GetStep(drv)
	if !ok || step.Finished() {
		return
	}
	if step.DependencyCount() > 0 {
		step.SetRunnable(false)
		return
	}

	parsed, err := m.localStore.QueryDrv(ctx, drv)
	if err != nil || parsed == nil {
		return
	}
	for _, out := range parsed.Outputs {
		present, err := m.localStore.IsValidPath(ctx, out)
		if err != nil {
			m.log.Errorf("checking validity of output %s for %s: %v", out, drv, err)
			return
		}
		if !present {
			step.SetRunnable(true)
			return
		}
	}
	// every output already present: nothing to build.
	step.SetRunnable(false)
	step.SetFinished(true)
}
