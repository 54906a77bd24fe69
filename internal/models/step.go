package models

import (
	"sync"
	"sync/atomic"
	"time"
)

// Step is the in-memory representation of a single derivation to build,
// linked into the dependency DAG the queue monitor maintains. Scalar fields
// that are updated on the hot path (tries, priorities, the finished/runnable
// flags) are atomics; the dependency and reverse-dependency sets are
// set-valued and therefore live behind a reader-writer lock, per the
// concurrency model: readers (the dispatcher scanning candidates) dominate.
type Step struct {
	DrvPath          StorePath
	RequiredSystem   string
	RequiredFeatures []string

	runnable        atomic.Bool
	finished        atomic.Bool
	previousFailure atomic.Bool
	created         atomic.Bool
	alreadyScheduled atomic.Bool

	tries                  atomic.Int32
	highestGlobalPriority  atomic.Int64
	highestLocalPriority   atomic.Int64
	lowestBuildID          atomic.Int64
	runnableSince          atomic.Int64 // unix seconds; 0 if not runnable

	mu           sync.RWMutex
	dependencies map[StorePath]*Step
	reverseDeps  map[StorePath]*Step
	builds       map[BuildID]struct{}
}

// NewStep constructs a new, not-yet-runnable Step for the given derivation.
func NewStep(drvPath StorePath, requiredSystem string, requiredFeatures []string) *Step {
	s := &Step{
		DrvPath:          drvPath,
		RequiredSystem:   requiredSystem,
		RequiredFeatures: requiredFeatures,
		dependencies:     make(map[StorePath]*Step),
		reverseDeps:      make(map[StorePath]*Step),
		builds:           make(map[BuildID]struct{}),
	}
	s.created.Store(true)
	s.lowestBuildID.Store(int64(^uint64(0) >> 1)) // max int64, lowered on first reference
	return s
}

func (s *Step) Runnable() bool        { return s.runnable.Load() }
func (s *Step) Finished() bool        { return s.finished.Load() }
func (s *Step) PreviousFailure() bool { return s.previousFailure.Load() }
func (s *Step) AlreadyScheduled() bool { return s.alreadyScheduled.Load() }
func (s *Step) Tries() int32          { return s.tries.Load() }
func (s *Step) HighestGlobalPriority() int64 { return s.highestGlobalPriority.Load() }
func (s *Step) HighestLocalPriority() int64  { return s.highestLocalPriority.Load() }
func (s *Step) LowestBuildID() BuildID       { return BuildID(s.lowestBuildID.Load()) }

// RunnableSince returns the time the step became runnable, or the zero Time
// if it is not currently runnable.
func (s *Step) RunnableSince() time.Time {
	sec := s.runnableSince.Load()
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func (s *Step) SetRunnable(v bool) {
	s.runnable.Store(v)
	if v {
		s.runnableSince.CompareAndSwap(0, time.Now().UTC().Unix())
	} else {
		s.runnableSince.Store(0)
	}
}

func (s *Step) SetFinished(v bool)        { s.finished.Store(v) }
func (s *Step) SetPreviousFailure(v bool) { s.previousFailure.Store(v) }
func (s *Step) SetAlreadyScheduled(v bool) { s.alreadyScheduled.Store(v) }
func (s *Step) IncrementTries() int32     { return s.tries.Add(1) }

// BumpPriority raises the step's highest-seen global/local priority and
// lowers its lowest referencing build ID, never moving either backwards.
func (s *Step) BumpPriority(globalPriority, localPriority int64, buildID BuildID) {
	for {
		cur := s.highestGlobalPriority.Load()
		if globalPriority <= cur || s.highestGlobalPriority.CompareAndSwap(cur, globalPriority) {
			break
		}
	}
	for {
		cur := s.highestLocalPriority.Load()
		if localPriority <= cur || s.highestLocalPriority.CompareAndSwap(cur, localPriority) {
			break
		}
	}
	for {
		cur := s.lowestBuildID.Load()
		if int64(buildID) >= cur || s.lowestBuildID.CompareAndSwap(cur, int64(buildID)) {
			break
		}
	}
}

// AddDependency records that s depends on dep, and that dep is depended on
// by s (the reverse edge), keeping both sets consistent.
func (s *Step) AddDependency(dep *Step) {
	s.mu.Lock()
	s.dependencies[dep.DrvPath] = dep
	s.mu.Unlock()

	dep.mu.Lock()
	dep.reverseDeps[s.DrvPath] = s
	dep.mu.Unlock()
}

// RemoveDependency atomically drops dep from s's dependency set and reports
// whether the set is now empty (meaning s may become runnable).
func (s *Step) RemoveDependency(dep StorePath) (empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dependencies, dep)
	return len(s.dependencies) == 0
}

// Dependencies returns a snapshot of the steps this step depends on.
func (s *Step) Dependencies() []*Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Step, 0, len(s.dependencies))
	for _, d := range s.dependencies {
		out = append(out, d)
	}
	return out
}

// ReverseDependencies returns a snapshot of the steps that depend on this one.
func (s *Step) ReverseDependencies() []*Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Step, 0, len(s.reverseDeps))
	for _, d := range s.reverseDeps {
		out = append(out, d)
	}
	return out
}

func (s *Step) DependencyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dependencies)
}

// AddBuild records that build references this step, for reference counting.
func (s *Step) AddBuild(id BuildID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds[id] = struct{}{}
}

// RemoveBuild drops build's reference to this step and reports whether any
// build still references it (false means the step is garbage).
func (s *Step) RemoveBuild(id BuildID) (stillReferenced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.builds, id)
	return len(s.builds) > 0
}

// ReferencesBuild reports whether id is among the builds currently
// referencing this step.
func (s *Step) ReferencesBuild(id BuildID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.builds[id]
	return ok
}

// BuildCount returns how many builds currently reference this step.
func (s *Step) BuildCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.builds)
}

// BuildIDs returns a snapshot of every build currently referencing this step.
func (s *Step) BuildIDs() []BuildID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BuildID, 0, len(s.builds))
	for id := range s.builds {
		out = append(out, id)
	}
	return out
}

// RemoteBuildResult is a per-attempt record of a step's outcome on a builder
// agent.
type RemoteBuildResult struct {
	DrvPath          StorePath
	Status           BuildStatus
	StartTime        time.Time
	StopTime         time.Time
	ErrorMessage     string
	LogFile          string
	Overhead         int64
	TimesBuilt       int32
	NonDeterministic bool
	Outputs          map[string]StorePath
	OutputSizes      map[string]int64
}
