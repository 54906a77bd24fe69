package fairshare

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
)

// SeedSource is the subset of the database gateway contract the registry
// needs to seed a newly-created jobset's sliding window.
type SeedSource interface {
	GetJobsetSchedulingShares(ctx context.Context, jobsetID models.JobsetID) (int32, error)
	GetJobsetBuildSteps(ctx context.Context, jobsetID models.JobsetID, window time.Duration) ([]StepWindowEntry, error)
	ListJobsetShares(ctx context.Context) (map[JobsetKey]int32, error)
}

// StepWindowEntry is one (start, stop) pair read back from the store when
// seeding a jobset's sliding window.
type StepWindowEntry struct {
	StartTime time.Time
	StopTime  time.Time
}

// JobsetKey identifies a jobset by its (project, name) pair, the same
// identity the scheduler uses.
type JobsetKey struct {
	ProjectName string
	Name        string
}

type key = JobsetKey

// Registry is the process-wide map of known Jobsets, keyed by
// (project name, jobset name), matching the original's `Jobsets`.
type Registry struct {
	mu      sync.RWMutex
	jobsets map[key]*Jobset
	byID    map[models.JobsetID]*Jobset
	log     logger.Log
}

func NewRegistry(log logger.Log) *Registry {
	return &Registry{
		jobsets: make(map[key]*Jobset, 100),
		byID:    make(map[models.JobsetID]*Jobset, 100),
		log:     log,
	}
}

// GetByID returns the jobset with the given id, if known. Used by the
// dispatcher to resolve the jobset for a build without needing its
// (project, name) pair on hand.
func (r *Registry) GetByID(id models.JobsetID) (*Jobset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.byID[id]
	return j, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobsets)
}

// All returns a snapshot of every known jobset.
func (r *Registry) All() []*Jobset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Jobset, 0, len(r.jobsets))
	for _, j := range r.jobsets {
		out = append(out, j)
	}
	return out
}

// Get returns the jobset for (projectName, name) if already known.
func (r *Registry) Get(projectName, name string) (*Jobset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobsets[key{projectName, name}]
	return j, ok
}

// Create returns the existing jobset for (projectName, name), or creates and
// seeds a new one from src (scheduling shares plus the recent step window).
func (r *Registry) Create(ctx context.Context, src SeedSource, id models.JobsetID, projectName, name string) (*Jobset, error) {
	k := key{projectName, name}

	r.mu.RLock()
	if j, ok := r.jobsets[k]; ok {
		r.mu.RUnlock()
		return j, nil
	}
	r.mu.RUnlock()

	shares, err := src.GetJobsetSchedulingShares(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading scheduling shares for jobset %d: %w", id, err)
	}

	jobset := NewJobset(id, projectName, name)
	if err := jobset.SetShares(shares); err != nil {
		return nil, err
	}

	steps, err := src.GetJobsetBuildSteps(ctx, id, SchedulingWindow)
	if err != nil {
		return nil, fmt.Errorf("loading recent build steps for jobset %d: %w", id, err)
	}
	for _, s := range steps {
		if s.StartTime.IsZero() || s.StopTime.IsZero() {
			continue
		}
		jobset.AddStep(s.StartTime, s.StopTime.Sub(s.StartTime))
	}

	r.mu.Lock()
	if existing, ok := r.jobsets[k]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.jobsets[k] = jobset
	r.byID[id] = jobset
	r.mu.Unlock()

	return jobset, nil
}

// HandleSharesChanged reconciles every known jobset's shares against the
// current values in the store, in response to a jobset_shares_changed
// notification.
func (r *Registry) HandleSharesChanged(ctx context.Context, src SeedSource) error {
	current, err := src.ListJobsetShares(ctx)
	if err != nil {
		return fmt.Errorf("listing jobset shares: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, j := range r.jobsets {
		shares, ok := current[k]
		if !ok {
			continue
		}
		if err := j.SetShares(shares); err != nil {
			r.log.Errorf("failed to update scheduling shares for jobset %s: %v", j.FullName(), err)
		}
	}
	return nil
}

// Prune runs PruneSteps across every known jobset, logging any jobset whose
// share used changed as a result. Invoked periodically.
func (r *Registry) Prune(now time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, j := range r.jobsets {
		before := j.ShareUsed()
		j.PruneSteps(now)
		after := j.ShareUsed()
		if before != after {
			r.log.Debugf("pruned scheduling window of %q from %v to %v", j.FullName(), before, after)
		}
	}
}
