package fairshare

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobsetShareUsed(t *testing.T) {
	j := NewJobset(1, "proj", "default")

	// Zero shares means maximally saturated, never wins a tie.
	assert.True(t, math.IsInf(j.ShareUsed(), 1))

	require.NoError(t, j.SetShares(10))
	assert.Equal(t, float64(0), j.ShareUsed())

	now := time.Now()
	j.AddStep(now, 100*time.Second)
	assert.Equal(t, float64(10), j.ShareUsed())

	require.Error(t, j.SetShares(0))
	require.Error(t, j.SetShares(-1))
}

func TestJobsetPruneSteps(t *testing.T) {
	j := NewJobset(1, "proj", "default")
	require.NoError(t, j.SetShares(1))

	now := time.Now()
	j.AddStep(now.Add(-48*time.Hour), 10*time.Second)
	j.AddStep(now.Add(-1*time.Hour), 20*time.Second)
	assert.Equal(t, int64(30), j.Seconds())

	j.PruneSteps(now)
	assert.Equal(t, int64(20), j.Seconds())
}

func TestJobsetFullName(t *testing.T) {
	j := NewJobset(1, "proj", "default")
	assert.Equal(t, "proj:default", j.FullName())
}
