// Package fairshare implements per-jobset fair-share accounting: a sliding
// 24-hour window of step durations, from which `share_used = seconds /
// shares` is derived so the dispatcher can order runnable steps fairly.
package fairshare

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildbeaver/queue-runner/internal/models"
)

// SchedulingWindow is the rolling interval fair-share seconds are computed
// over, matching the original scheduler's 24-hour window.
const SchedulingWindow = 24 * time.Hour

// Jobset is a named fair-share accounting unit: a (project, name) pair with
// a sliding window of recent step durations. Seconds and shares are hot
// atomics; the window itself is a small set of recent entries guarded by a
// mutex (there is no ordered-map type in the ecosystem the rest of this
// module's dependencies pull in, so a sorted slice is the plain, idiomatic
// choice for a structure this size).
type Jobset struct {
	ID          models.JobsetID
	ProjectName string
	Name        string

	seconds atomic.Int64
	shares  atomic.Int32

	mu    sync.RWMutex
	steps []stepEntry // sorted ascending by startTime
}

type stepEntry struct {
	startTime time.Time
	duration  time.Duration
}

// NewJobset constructs a Jobset with zeroed accounting state.
func NewJobset(id models.JobsetID, projectName, name string) *Jobset {
	return &Jobset{ID: id, ProjectName: projectName, Name: name}
}

// FullName returns "project:jobset", used as the tie-breaker key when
// ordering steps by share used.
func (j *Jobset) FullName() string {
	return fmt.Sprintf("%s:%s", j.ProjectName, j.Name)
}

// ShareUsed returns seconds/shares; lower means higher scheduling priority.
// A jobset with zero shares is treated as maximally saturated (+Inf) so it
// never wins a fair-share tie against a jobset with shares configured.
func (j *Jobset) ShareUsed() float64 {
	shares := j.shares.Load()
	if shares == 0 {
		return math.Inf(1)
	}
	return float64(j.seconds.Load()) / float64(shares)
}

// SetShares sets the jobset's scheduling shares; n must be positive.
func (j *Jobset) SetShares(n int32) error {
	if n <= 0 {
		return fmt.Errorf("shares must be positive, got %d", n)
	}
	j.shares.Store(n)
	return nil
}

func (j *Jobset) Shares() int32 { return j.shares.Load() }

func (j *Jobset) Seconds() int64 { return j.seconds.Load() }

// AddStep records a completed step's duration against the window.
func (j *Jobset) AddStep(startTime time.Time, duration time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	// Insert keeping the slice sorted by start time; completions normally
	// arrive in roughly chronological order so this is usually an append.
	idx := sort.Search(len(j.steps), func(i int) bool { return !j.steps[i].startTime.Before(startTime) })
	j.steps = append(j.steps, stepEntry{})
	copy(j.steps[idx+1:], j.steps[idx:])
	j.steps[idx] = stepEntry{startTime: startTime, duration: duration}
	j.seconds.Add(int64(duration.Seconds()))
}

// PruneSteps removes entries older than now-SchedulingWindow, decrementing
// seconds by the pruned durations.
func (j *Jobset) PruneSteps(now time.Time) {
	cutoff := now.Add(-SchedulingWindow)
	j.mu.Lock()
	defer j.mu.Unlock()
	i := 0
	var removed int64
	for i < len(j.steps) && j.steps[i].startTime.Before(cutoff) {
		removed += int64(j.steps[i].duration.Seconds())
		i++
	}
	if i > 0 {
		j.steps = j.steps[i:]
		j.seconds.Add(-removed)
	}
}
