package queuemonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildbeaver/queue-runner/internal/fairshare"
	"github.com/buildbeaver/queue-runner/internal/fodchecker"
	"github.com/buildbeaver/queue-runner/internal/localstore"
	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
	"github.com/buildbeaver/queue-runner/internal/state"
	"github.com/buildbeaver/queue-runner/internal/store"
	"github.com/buildbeaver/queue-runner/internal/uploader"
)

// fakeGateway is an in-memory stand-in for store.Gateway, just enough of the
// contract for the queue monitor's own logic to be exercised without a real
// database.
type fakeGateway struct {
	mu            sync.Mutex
	builds        map[models.BuildID]*store.BuildRow
	finished      map[models.BuildID]bool
	shares        map[models.JobsetID]int32
	upsertedSteps map[models.BuildID][]models.StorePath
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		builds:        make(map[models.BuildID]*store.BuildRow),
		finished:      make(map[models.BuildID]bool),
		shares:        make(map[models.JobsetID]int32),
		upsertedSteps: make(map[models.BuildID][]models.StorePath),
	}
}

func (g *fakeGateway) addBuild(row store.BuildRow) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.builds[row.ID] = &row
	g.shares[row.JobsetID] = 10
}

func (g *fakeGateway) GetJobsetSchedulingShares(ctx context.Context, jobsetID models.JobsetID) (int32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if shares, ok := g.shares[jobsetID]; ok {
		return shares, nil
	}
	return 1, nil
}

func (g *fakeGateway) GetJobsetBuildSteps(ctx context.Context, jobsetID models.JobsetID, window time.Duration) ([]fairshare.StepWindowEntry, error) {
	return nil, nil
}

func (g *fakeGateway) ListJobsetShares(ctx context.Context) (map[fairshare.JobsetKey]int32, error) {
	return nil, nil
}

func (g *fakeGateway) ListUnfinishedBuilds(ctx context.Context) ([]store.BuildRow, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.BuildRow
	for _, row := range g.builds {
		if !g.finished[row.ID] {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (g *fakeGateway) GetBuild(ctx context.Context, id models.BuildID) (*store.BuildRow, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	row, ok := g.builds[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (g *fakeGateway) MarkBuildFinished(ctx context.Context, txOrNil *store.Tx, id models.BuildID, finished bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finished[id] = finished
	return nil
}

func (g *fakeGateway) UpsertBuildStep(ctx context.Context, txOrNil *store.Tx, buildID models.BuildID, drvPath models.StorePath, requiredSystem string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upsertedSteps[buildID] = append(g.upsertedSteps[buildID], drvPath)
	return nil
}

func (g *fakeGateway) hasUpsertedStep(buildID models.BuildID, drvPath models.StorePath) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.upsertedSteps[buildID] {
		if p == drvPath {
			return true
		}
	}
	return false
}

func (g *fakeGateway) FinishBuildStep(ctx context.Context, txOrNil *store.Tx, result *models.RemoteBuildResult, buildID models.BuildID) error {
	return nil
}

func (g *fakeGateway) InsertBuildStepOutput(ctx context.Context, txOrNil *store.Tx, buildID models.BuildID, drvPath models.StorePath, outputName string, path models.StorePath) error {
	return nil
}

func (g *fakeGateway) InsertBuildProduct(ctx context.Context, txOrNil *store.Tx, product models.BuildProduct) error {
	return nil
}

func (g *fakeGateway) InsertBuildMetric(ctx context.Context, txOrNil *store.Tx, metric models.BuildMetric) error {
	return nil
}

func (g *fakeGateway) ClearBusy(ctx context.Context) error { return nil }

func (g *fakeGateway) WithTx(ctx context.Context, txOrNil *store.Tx, fn func(tx *store.Tx) error) error {
	return fn(txOrNil)
}

func (g *fakeGateway) isFinished(id models.BuildID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finished[id]
}

type fakeAborter struct{}

func (fakeAborter) Abort(models.MachineID, models.StorePath) {}

type fakeTrigger struct {
	count int32
}

func (t *fakeTrigger) TriggerMatch() { t.count++ }

func mustPath(t *testing.T, s string) models.StorePath {
	t.Helper()
	p, err := models.ParseStorePath(s)
	require.NoError(t, err)
	return p
}

// newTestMonitor wires a Monitor against a fake gateway and an in-memory
// local store, with no notifier/background polling started.
func newTestMonitor(t *testing.T) (*Monitor, *fakeGateway, *localstore.InMemory, *fakeTrigger) {
	t.Helper()
	gw := newFakeGateway()
	ls := localstore.NewInMemory()
	log := logger.NewNoOpLog()
	up := uploader.New(ls, nil, log)
	trig := &fakeTrigger{}

	m := New(gw, store.NewNoOpNotifier(), ls, state.NewIndices(), fairshare.NewRegistry(log),
		fodchecker.New(ls, log), up, fakeAborter{}, trig, log)
	return m, gw, ls, trig
}

// buildRow C depends on D, both with no required system/features.
func seedChain(t *testing.T, gw *fakeGateway, ls *localstore.InMemory) (c, d models.StorePath, buildID models.BuildID) {
	t.Helper()
	d = mustPath(t, "dddddddddddddddddddddddddddddddd-dep.drv")
	c = mustPath(t, "cccccccccccccccccccccccccccccccc-top.drv")

	ls.Put(&models.Derivation{Path: d, Outputs: map[string]models.StorePath{"out": mustPath(t, "11111111111111111111111111111111-dep")}})
	ls.Put(&models.Derivation{Path: c, InputDrvs: []models.StorePath{d}, Outputs: map[string]models.StorePath{"out": mustPath(t, "22222222222222222222222222222222-top")}})

	buildID = models.BuildID(1)
	gw.addBuild(store.BuildRow{
		ID: buildID, DrvPath: c, JobsetID: 1, ProjectName: "proj", JobsetName: "default",
		Name: "chain", CreatedAt: time.Now(), LocalPriority: 0, GlobalPriority: 0,
	})
	return c, d, buildID
}

func TestIngestBuildWiresDependenciesAndRunnableFrontier(t *testing.T) {
	m, gw, ls, _ := newTestMonitor(t)
	c, d, buildID := seedChain(t, gw, ls)

	row, err := gw.GetBuild(context.Background(), buildID)
	require.NoError(t, err)
	require.NoError(t, m.ingestBuild(context.Background(), row))

	cStep, ok := m.indices.GetStep(c)
	require.True(t, ok)
	dStep, ok := m.indices.GetStep(d)
	require.True(t, ok)

	assert.False(t, cStep.Runnable(), "C depends on D, must not be runnable yet")
	assert.True(t, dStep.Runnable(), "D has no dependencies and is not yet built")

	// reverse edges are consistent with forward edges
	assert.Contains(t, dependencyPaths(dStep.ReverseDependencies()), c)
	assert.Contains(t, dependencyPaths(cStep.Dependencies()), d)

	assert.True(t, gw.hasUpsertedStep(buildID, c), "ingesting a step must upsert its buildsteps row")
	assert.True(t, gw.hasUpsertedStep(buildID, d), "ingesting a step must upsert its buildsteps row")
}

func dependencyPaths(steps []*models.Step) []models.StorePath {
	out := make([]models.StorePath, len(steps))
	for i, s := range steps {
		out[i] = s.DrvPath
	}
	return out
}

func TestIngestBuildIsIdempotent(t *testing.T) {
	m, gw, ls, _ := newTestMonitor(t)
	_, _, buildID := seedChain(t, gw, ls)

	row, err := gw.GetBuild(context.Background(), buildID)
	require.NoError(t, err)
	require.NoError(t, m.ingestBuild(context.Background(), row))
	stepCountFirst := m.indices.StepCount()

	require.NoError(t, m.ingestBuild(context.Background(), row))
	assert.Equal(t, stepCountFirst, m.indices.StepCount(), "re-ingesting the same build must not duplicate steps")
}

func TestIngestBuildBumpPropagatesPriorityToClosureSteps(t *testing.T) {
	m, gw, ls, _ := newTestMonitor(t)
	c, d, buildID := seedChain(t, gw, ls)

	row, err := gw.GetBuild(context.Background(), buildID)
	require.NoError(t, err)
	require.NoError(t, m.ingestBuild(context.Background(), row))

	cStep, _ := m.indices.GetStep(c)
	dStep, _ := m.indices.GetStep(d)
	assert.EqualValues(t, 0, cStep.HighestGlobalPriority())
	assert.EqualValues(t, 0, dStep.HighestGlobalPriority())

	row.GlobalPriority = 50
	gw.addBuild(*row)
	bumped, err := gw.GetBuild(context.Background(), buildID)
	require.NoError(t, err)
	require.NoError(t, m.ingestBuild(context.Background(), bumped))

	assert.EqualValues(t, 50, cStep.HighestGlobalPriority(), "bump must reach the build's own step")
	assert.EqualValues(t, 50, dStep.HighestGlobalPriority(), "bump must propagate through the whole closure, not just the build's top-level step")
}

func TestReconcileSuccessUnblocksDependentAndFinishesBuild(t *testing.T) {
	m, gw, ls, trig := newTestMonitor(t)
	c, d, buildID := seedChain(t, gw, ls)

	row, err := gw.GetBuild(context.Background(), buildID)
	require.NoError(t, err)
	require.NoError(t, m.ingestBuild(context.Background(), row))

	now := time.Now()
	require.NoError(t, m.ReconcileSuccess(context.Background(), "m1", &models.RemoteBuildResult{
		DrvPath: d, Status: models.StatusSuccess, StartTime: now, StopTime: now.Add(5 * time.Second),
		Outputs: map[string]models.StorePath{"out": mustPath(t, "11111111111111111111111111111111-dep")},
	}))

	dStep, _ := m.indices.GetStep(d)
	cStep, _ := m.indices.GetStep(c)
	assert.True(t, dStep.Finished())
	assert.True(t, cStep.Runnable(), "C must become runnable once its only dependency finishes")
	assert.False(t, gw.isFinished(buildID), "build not finished until every step in its closure is done")

	require.NoError(t, m.ReconcileSuccess(context.Background(), "m1", &models.RemoteBuildResult{
		DrvPath: c, Status: models.StatusSuccess, StartTime: now, StopTime: now.Add(3 * time.Second),
		Outputs: map[string]models.StorePath{"out": mustPath(t, "22222222222222222222222222222222-top")},
	}))
	assert.True(t, gw.isFinished(buildID), "build must be marked finished-in-db once its whole closure succeeds")
	assert.True(t, trig.count > 0, "dispatcher must be signalled after reconciliation")
}

func TestReconcileFailurePropagatesDepFailedToReverseDependents(t *testing.T) {
	m, gw, ls, _ := newTestMonitor(t)
	c, d, buildID := seedChain(t, gw, ls)

	row, err := gw.GetBuild(context.Background(), buildID)
	require.NoError(t, err)
	require.NoError(t, m.ingestBuild(context.Background(), row))

	now := time.Now()
	require.NoError(t, m.ReconcileFailure(context.Background(), "m1", &models.RemoteBuildResult{
		DrvPath: d, Status: models.StatusFailed, StartTime: now, StopTime: now.Add(time.Second),
	}))

	dStep, _ := m.indices.GetStep(d)
	cStep, _ := m.indices.GetStep(c)
	assert.True(t, dStep.Finished())
	assert.True(t, dStep.PreviousFailure())
	assert.True(t, cStep.Finished(), "dependent step must be marked finished with DepFailed propagation")
	assert.True(t, cStep.PreviousFailure())
	assert.False(t, cStep.Runnable())
	assert.True(t, gw.isFinished(buildID), "build must be marked finished-in-db once its whole closure has failed/dep-failed")
}

func TestReconcileFailureRetriesRetryableStatusWithoutMarkingPreviousFailure(t *testing.T) {
	m, gw, ls, _ := newTestMonitor(t)
	_, d, buildID := seedChain(t, gw, ls)

	row, err := gw.GetBuild(context.Background(), buildID)
	require.NoError(t, err)
	require.NoError(t, m.ingestBuild(context.Background(), row))

	now := time.Now()
	require.NoError(t, m.ReconcileFailure(context.Background(), "m1", &models.RemoteBuildResult{
		DrvPath: d, Status: models.StatusTimedOut, StartTime: now, StopTime: now.Add(time.Second),
	}))

	dStep, _ := m.indices.GetStep(d)
	assert.False(t, dStep.Finished(), "a retryable failure must not terminally finish the step")
	assert.False(t, dStep.PreviousFailure())
}

func TestCancelBuildRemovesExclusivelyOwnedSteps(t *testing.T) {
	m, gw, ls, trig := newTestMonitor(t)
	c, d, buildID := seedChain(t, gw, ls)

	row, err := gw.GetBuild(context.Background(), buildID)
	require.NoError(t, err)
	require.NoError(t, m.ingestBuild(context.Background(), row))

	m.cancelBuild(context.Background(), "1", false)

	_, ok := m.indices.GetBuild(buildID)
	assert.False(t, ok, "cancelled build must be removed from the build index")
	_, ok = m.indices.GetStep(c)
	assert.False(t, ok, "step exclusively owned by the cancelled build must be removed")
	_, ok = m.indices.GetStep(d)
	assert.False(t, ok)
	assert.True(t, trig.count > 0)
}

func TestCancelBuildKeepsStepsStillReferencedByOtherBuilds(t *testing.T) {
	m, gw, ls, _ := newTestMonitor(t)
	c, _, buildID1 := seedChain(t, gw, ls)

	row1, err := gw.GetBuild(context.Background(), buildID1)
	require.NoError(t, err)
	require.NoError(t, m.ingestBuild(context.Background(), row1))

	buildID2 := models.BuildID(2)
	gw.addBuild(store.BuildRow{
		ID: buildID2, DrvPath: c, JobsetID: 1, ProjectName: "proj", JobsetName: "default",
		Name: "chain-2", CreatedAt: time.Now(), LocalPriority: 0, GlobalPriority: 0,
	})
	row2, err := gw.GetBuild(context.Background(), buildID2)
	require.NoError(t, err)
	require.NoError(t, m.ingestBuild(context.Background(), row2))

	m.cancelBuild(context.Background(), "1", false)

	_, ok := m.indices.GetBuild(buildID1)
	assert.False(t, ok)
	cStep, ok := m.indices.GetStep(c)
	require.True(t, ok, "step still referenced by build 2 must survive build 1's cancellation")
	assert.False(t, cStep.ReferencesBuild(buildID1))
	assert.True(t, cStep.ReferencesBuild(buildID2))
}

func TestReconcileDisconnectReturnsStepsToRunnable(t *testing.T) {
	m, gw, ls, trig := newTestMonitor(t)
	_, d, buildID := seedChain(t, gw, ls)

	row, err := gw.GetBuild(context.Background(), buildID)
	require.NoError(t, err)
	require.NoError(t, m.ingestBuild(context.Background(), row))

	dStep, _ := m.indices.GetStep(d)
	dStep.SetRunnable(false)
	dStep.SetAlreadyScheduled(true)

	m.ReconcileDisconnect(context.Background(), "m1", []models.StorePath{d})

	assert.True(t, dStep.Runnable())
	assert.False(t, dStep.AlreadyScheduled())
	assert.True(t, trig.count > 0)
}
