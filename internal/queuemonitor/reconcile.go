package queuemonitor

import (
	"context"
	"fmt"
	"time"

	"github.com/buildbeaver/queue-runner/internal/fairshare"
	"github.com/buildbeaver/queue-runner/internal/models"
	"github.com/buildbeaver/queue-runner/internal/store"
)

// ReconcileSuccess implements buildersession.Reconciler: persists the
// result, unblocks dependents, and schedules the produced outputs for
// upload, per the "Reconciliation on Success" algorithm.
func (m *Monitor) ReconcileSuccess(ctx context.Context, machine models.MachineID, result *models.RemoteBuildResult) error {
	step, ok := m.indices.GetStep(result.DrvPath)
	if !ok {
		return fmt.Errorf("no known step for %s", result.DrvPath)
	}
	buildIDs := step.BuildIDs()

	err := m.gateway.WithTx(ctx, nil, func(tx *store.Tx) error {
		for _, buildID := range buildIDs {
			if err := m.gateway.FinishBuildStep(ctx, tx, result, buildID); err != nil {
				return fmt.Errorf("finishing build step for build %d: %w", buildID, err)
			}
			for name, path := range result.Outputs {
				if err := m.gateway.InsertBuildStepOutput(ctx, tx, buildID, result.DrvPath, name, path); err != nil {
					return fmt.Errorf("recording output %s for build %d: %w", name, buildID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var storePaths []models.StorePath
	for _, p := range result.Outputs {
		storePaths = append(storePaths, p)
	}
	if err := m.uploader.ScheduleUpload(storePaths, result.DrvPath.Hash(), result.LogFile); err != nil {
		m.log.Errorf("scheduling upload for %s: %v", result.DrvPath, err)
	}

	if jobset, ok := m.jobsetForStep(step); ok {
		jobset.AddStep(result.StartTime, result.StopTime.Sub(result.StartTime))
	}

	step.SetFinished(true)
	step.SetRunnable(false)
	for _, rdep := range step.ReverseDependencies() {
		if rdep.RemoveDependency(step.DrvPath) {
			rdep.SetRunnable(true)
		}
	}

	m.finishSettledBuilds(ctx, buildIDs)
	m.trigger.TriggerMatch()
	return nil
}

// ReconcileFailure implements buildersession.Reconciler for every non-success
// terminal status: retryable statuses leave the step runnable again after a
// short back-off; anything else marks it permanently failed and propagates
// DepFailed to every step that (directly or transitively, as the frontier
// advances) depends on it.
func (m *Monitor) ReconcileFailure(ctx context.Context, machine models.MachineID, result *models.RemoteBuildResult) error {
	step, ok := m.indices.GetStep(result.DrvPath)
	if !ok {
		return fmt.Errorf("no known step for %s", result.DrvPath)
	}

	if result.Status.IsRetryable() && step.Tries() < maxRetries {
		step.SetRunnable(false)
		step.SetAlreadyScheduled(false)
		m.log.Infof("step %s failed with retryable status %s (try %d), retrying after backoff", step.DrvPath, result.Status, step.Tries())
		time.AfterFunc(retryBackoff, func() {
			step.SetRunnable(true)
			m.trigger.TriggerMatch()
		})
		return nil
	}

	step.SetPreviousFailure(true)
	step.SetFinished(true)
	step.SetRunnable(false)

	buildIDs := step.BuildIDs()
	if err := m.gateway.WithTx(ctx, nil, func(tx *store.Tx) error {
		for _, buildID := range buildIDs {
			if err := m.gateway.FinishBuildStep(ctx, tx, result, buildID); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		m.log.Errorf("persisting failure of %s: %v", step.DrvPath, err)
	}

	depFailedIDs := m.propagateDepFailed(ctx, step)

	settled := append([]models.BuildID{}, buildIDs...)
	settled = append(settled, depFailedIDs...)
	m.finishSettledBuilds(ctx, settled)

	m.trigger.TriggerMatch()
	return nil
}

// ReconcileDisconnect implements buildersession.Reconciler: returns the
// machine's in-flight steps to the runnable frontier with tries left as-is.
func (m *Monitor) ReconcileDisconnect(ctx context.Context, machine models.MachineID, pending []models.StorePath) {
	for _, drv := range pending {
		step, ok := m.indices.GetStep(drv)
		if !ok {
			continue
		}
		step.SetAlreadyScheduled(false)
		step.SetRunnable(true)
		m.log.Infof("machine %s disconnected mid-build, returning %s to the runnable frontier", machine, drv)
	}
	m.trigger.TriggerMatch()
}

// propagateDepFailed walks step's reverse-dependency closure exactly once
// per step, marking each as finished-with-previous-failure without
// double-counting a diamond dependency, persisting the DepFailed status
// against every build each affected step references, and returning the set
// of build ids touched so the caller can settle them too.
func (m *Monitor) propagateDepFailed(ctx context.Context, step *models.Step) []models.BuildID {
	seen := map[models.StorePath]struct{}{}
	var affectedBuilds []models.BuildID
	var walk func(*models.Step)
	walk = func(s *models.Step) {
		for _, rdep := range s.ReverseDependencies() {
			if _, ok := seen[rdep.DrvPath]; ok {
				continue
			}
			seen[rdep.DrvPath] = struct{}{}
			if rdep.Finished() {
				continue
			}
			rdep.SetPreviousFailure(true)
			rdep.SetFinished(true)
			rdep.SetRunnable(false)

			buildIDs := rdep.BuildIDs()
			affectedBuilds = append(affectedBuilds, buildIDs...)
			result := &models.RemoteBuildResult{
				DrvPath:   rdep.DrvPath,
				Status:    models.StatusDepFailed,
				StartTime: time.Now(),
				StopTime:  time.Now(),
			}
			if err := m.gateway.WithTx(ctx, nil, func(tx *store.Tx) error {
				for _, buildID := range buildIDs {
					if err := m.gateway.FinishBuildStep(ctx, tx, result, buildID); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				m.log.Errorf("persisting dep-failed status of %s: %v", rdep.DrvPath, err)
			}

			walk(rdep)
		}
	}
	walk(step)
	return affectedBuilds
}

// finishSettledBuilds marks finished-in-db any build in buildIDs whose
// entire closure has now finished, whether every step succeeded or some
// failed/dep-failed along the way.
func (m *Monitor) finishSettledBuilds(ctx context.Context, buildIDs []models.BuildID) {
	for _, buildID := range buildIDs {
		build, ok := m.indices.GetBuild(buildID)
		if !ok || build.FinishedInDB() {
			continue
		}
		if !m.buildClosureFinished(buildID) {
			continue
		}
		if err := m.gateway.MarkBuildFinished(ctx, nil, buildID, true); err != nil {
			m.log.Errorf("marking build %d finished: %v", buildID, err)
			continue
		}
		build.SetFinishedInDB(true)
	}
}

// buildClosureFinished reports whether every step referencing buildID is
// finished. O(steps) per call; called only on a step completion, which is
// already the rare path relative to ping/status traffic.
func (m *Monitor) buildClosureFinished(buildID models.BuildID) bool {
	for _, step := range m.indices.AllSteps() {
		if step.ReferencesBuild(buildID) && !step.Finished() {
			return false
		}
	}
	return true
}

func (m *Monitor) jobsetForStep(step *models.Step) (*fairshare.Jobset, bool) {
	build, ok := m.indices.GetBuild(step.LowestBuildID())
	if !ok {
		return nil, false
	}
	return m.jobsets.GetByID(build.JobsetID)
}
