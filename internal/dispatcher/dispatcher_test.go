package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildbeaver/queue-runner/internal/fairshare"
	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
	"github.com/buildbeaver/queue-runner/internal/state"
)

type fakeSender struct {
	calls []struct {
		machine models.MachineID
		drv     models.StorePath
	}
	err error
}

func (f *fakeSender) Dispatch(ctx context.Context, machine models.MachineID, step *models.Step) error {
	f.calls = append(f.calls, struct {
		machine models.MachineID
		drv     models.StorePath
	}{machine, step.DrvPath})
	return f.err
}

func newRunnableStep(drv models.StorePath, system string) *models.Step {
	s := models.NewStep(drv, system, nil)
	s.SetRunnable(true)
	return s
}

func TestPickMachineFiltersBySystemAndCapacity(t *testing.T) {
	d := New(state.NewIndices(), fairshare.NewRegistry(logger.NewNoOpLog()), nil, logger.NewNoOpLog())

	wrongSystem := models.NewMachine("m1", "m1", []string{"aarch64-linux"}, nil, nil, 1, 2)
	full := models.NewMachine("m2", "m2", []string{"x86_64-linux"}, nil, nil, 1, 1)
	full.Reserve("/nix/store/other.drv")
	ok := models.NewMachine("m3", "m3", []string{"x86_64-linux"}, nil, nil, 1, 2)

	step := newRunnableStep("/nix/store/a.drv", "x86_64-linux")

	best := d.pickMachine(step, []*models.Machine{wrongSystem, full, ok})
	require.NotNil(t, best)
	assert.Equal(t, models.MachineID("m3"), best.ID)
}

func TestPickMachinePrefersHigherSpeedFactor(t *testing.T) {
	d := New(state.NewIndices(), fairshare.NewRegistry(logger.NewNoOpLog()), nil, logger.NewNoOpLog())

	slow := models.NewMachine("slow", "slow", []string{"x86_64-linux"}, nil, nil, 1, 2)
	fast := models.NewMachine("fast", "fast", []string{"x86_64-linux"}, nil, nil, 4, 2)

	step := newRunnableStep("/nix/store/a.drv", "x86_64-linux")
	best := d.pickMachine(step, []*models.Machine{slow, fast})
	require.NotNil(t, best)
	assert.Equal(t, models.MachineID("fast"), best.ID)
}

func TestPickMachineExcludesPressuredMachine(t *testing.T) {
	d := New(state.NewIndices(), fairshare.NewRegistry(logger.NewNoOpLog()), nil, logger.NewNoOpLog())

	m := models.NewMachine("m1", "m1", []string{"x86_64-linux"}, nil, nil, 1, 2)
	d.Pressure().ReportPressure("m1")

	step := newRunnableStep("/nix/store/a.drv", "x86_64-linux")
	best := d.pickMachine(step, []*models.Machine{m})
	assert.Nil(t, best)
}

func TestLessOrdersByGlobalPriorityThenBuildID(t *testing.T) {
	lowPrio := newRunnableStep("/nix/store/low.drv", "x86_64-linux")
	highPrio := newRunnableStep("/nix/store/high.drv", "x86_64-linux")
	highPrio.BumpPriority(10, 0, 1)

	assert.True(t, less(candidate{step: highPrio}, candidate{step: lowPrio}))
	assert.False(t, less(candidate{step: lowPrio}, candidate{step: highPrio}))

	a := newRunnableStep("/nix/store/a.drv", "x86_64-linux")
	a.BumpPriority(0, 0, 1)
	b := newRunnableStep("/nix/store/b.drv", "x86_64-linux")
	b.BumpPriority(0, 0, 2)
	assert.True(t, less(candidate{step: a}, candidate{step: b}), "lower lowest_build_id should sort first when all else ties")
}

func TestMatchDispatchesHighestPriorityCandidateFirst(t *testing.T) {
	indices := state.NewIndices()
	sender := &fakeSender{}
	d := New(indices, fairshare.NewRegistry(logger.NewNoOpLog()), sender, logger.NewNoOpLog())

	low := newRunnableStep("/nix/store/low.drv", "x86_64-linux")
	high := newRunnableStep("/nix/store/high.drv", "x86_64-linux")
	high.BumpPriority(10, 0, 1)
	indices.GetOrCreateStep(low.DrvPath, func() *models.Step { return low })
	indices.GetOrCreateStep(high.DrvPath, func() *models.Step { return high })

	m := models.NewMachine("m1", "m1", []string{"x86_64-linux"}, nil, nil, 1, 1)
	indices.PutMachine(m)

	d.match(context.Background())

	require.Len(t, sender.calls, 1, "only one machine slot exists, so only the highest-priority candidate should be dispatched")
	assert.Equal(t, high.DrvPath, sender.calls[0].drv)
	assert.True(t, high.AlreadyScheduled())
	assert.False(t, low.AlreadyScheduled())
}

func TestMatchRollsBackReservationOnDispatchError(t *testing.T) {
	indices := state.NewIndices()
	sender := &fakeSender{err: assertErr}
	d := New(indices, fairshare.NewRegistry(logger.NewNoOpLog()), sender, logger.NewNoOpLog())

	step := newRunnableStep("/nix/store/a.drv", "x86_64-linux")
	indices.GetOrCreateStep(step.DrvPath, func() *models.Step { return step })
	m := models.NewMachine("m1", "m1", []string{"x86_64-linux"}, nil, nil, 1, 1)
	indices.PutMachine(m)

	d.match(context.Background())

	assert.False(t, step.AlreadyScheduled(), "a failed dispatch must roll back the already-scheduled flag")
	assert.True(t, m.HasCapacity(), "a failed dispatch must release the reserved slot")
}

var assertErr = dispatchError("boom")

type dispatchError string

func (e dispatchError) Error() string { return string(e) }
