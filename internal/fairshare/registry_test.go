package fairshare

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
)

type fakeSeedSource struct {
	shares    int32
	steps     []StepWindowEntry
	allShares map[JobsetKey]int32
}

func (f *fakeSeedSource) GetJobsetSchedulingShares(ctx context.Context, jobsetID models.JobsetID) (int32, error) {
	return f.shares, nil
}

func (f *fakeSeedSource) GetJobsetBuildSteps(ctx context.Context, jobsetID models.JobsetID, window time.Duration) ([]StepWindowEntry, error) {
	return f.steps, nil
}

func (f *fakeSeedSource) ListJobsetShares(ctx context.Context) (map[JobsetKey]int32, error) {
	return f.allShares, nil
}

func TestRegistryCreateSeedsFromSource(t *testing.T) {
	now := time.Now()
	src := &fakeSeedSource{
		shares: 5,
		steps: []StepWindowEntry{
			{StartTime: now.Add(-time.Hour), StopTime: now.Add(-time.Hour + 50*time.Second)},
			{StartTime: now, StopTime: time.Time{}}, // unterminated, skipped
		},
	}
	reg := NewRegistry(logger.NewNoOpLog())

	j, err := reg.Create(context.Background(), src, 1, "proj", "default")
	require.NoError(t, err)
	assert.Equal(t, int32(5), j.Shares())
	assert.Equal(t, int64(50), j.Seconds())

	// A second Create for the same key returns the existing jobset, not a
	// freshly seeded one.
	again, err := reg.Create(context.Background(), src, 1, "proj", "default")
	require.NoError(t, err)
	assert.Same(t, j, again)
	assert.Equal(t, 1, reg.Len())

	byID, ok := reg.GetByID(1)
	require.True(t, ok)
	assert.Same(t, j, byID)
}

func TestRegistryHandleSharesChanged(t *testing.T) {
	src := &fakeSeedSource{shares: 1}
	reg := NewRegistry(logger.NewNoOpLog())
	j, err := reg.Create(context.Background(), src, 1, "proj", "default")
	require.NoError(t, err)

	src.allShares = map[JobsetKey]int32{{ProjectName: "proj", Name: "default"}: 42}
	require.NoError(t, reg.HandleSharesChanged(context.Background(), src))
	assert.Equal(t, int32(42), j.Shares())
}

func TestRegistryPrune(t *testing.T) {
	src := &fakeSeedSource{shares: 1}
	reg := NewRegistry(logger.NewNoOpLog())
	j, err := reg.Create(context.Background(), src, 1, "proj", "default")
	require.NoError(t, err)

	now := time.Now()
	j.AddStep(now.Add(-48*time.Hour), 30*time.Second)
	reg.Prune(now)
	assert.Equal(t, int64(0), j.Seconds())
}
