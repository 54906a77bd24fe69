package models

import "sync/atomic"

// Build is a top-level build request, backed by a row in the `builds` table.
// It is created when the queue monitor observes a new row and mutated only
// to update its global priority and finished flag; GlobalPriority and
// FinishedInDB are atomics so the dispatcher's hot path never contends the
// step/build index lock just to read or bump them.
type Build struct {
	ID            BuildID
	DrvPath       StorePath
	JobsetID      JobsetID
	Name          string
	CreatedAt     Time
	MaxSilentTime int
	Timeout       int
	LocalPriority int

	globalPriority atomic.Int64
	finishedInDB   atomic.Bool
}

// NewBuild constructs a Build with the given global priority already set.
func NewBuild(id BuildID, drvPath StorePath, jobsetID JobsetID, name string, createdAt Time, maxSilentTime, timeout, localPriority int, globalPriority int64) *Build {
	b := &Build{
		ID:            id,
		DrvPath:       drvPath,
		JobsetID:      jobsetID,
		Name:          name,
		CreatedAt:     createdAt,
		MaxSilentTime: maxSilentTime,
		Timeout:       timeout,
		LocalPriority: localPriority,
	}
	b.globalPriority.Store(globalPriority)
	return b
}

func (b *Build) GlobalPriority() int64 { return b.globalPriority.Load() }

func (b *Build) SetGlobalPriority(p int64) { b.globalPriority.Store(p) }

func (b *Build) FinishedInDB() bool { return b.finishedInDB.Load() }

func (b *Build) SetFinishedInDB(v bool) { b.finishedInDB.Store(v) }

// BuildProduct is a single named artifact produced by a build step, backed
// by the `buildproducts` table.
type BuildProduct struct {
	BuildID   BuildID
	StepDrv   StorePath
	Type      string
	Subtype   string
	FileName  string
	Path      StorePath
	Sha256Sum string
	FileSize  int64
}

// BuildMetric is a single named numeric measurement reported for a build,
// backed by the `buildmetrics` table.
type BuildMetric struct {
	BuildID BuildID
	Name    string
	Unit    string
	Value   float64
}
