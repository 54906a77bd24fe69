package queuemonitor

import "github.com/buildbeaver/queue-runner/internal/models"

// Snapshot is a point-in-time view of the runner's in-memory state, built in
// response to a dump_status notification (or on every full poll) for the
// HTTP introspection surface to serve without touching the live indices
// directly.
type Snapshot struct {
	StepCount    int
	BuildCount   int
	MachineCount int
	JobsetCount  int
	Machines     []MachineSnapshot
	Jobsets      []JobsetSnapshot
}

type MachineSnapshot struct {
	ID       models.MachineID
	Hostname string
	InFlight int32
	MaxJobs  int32
}

type JobsetSnapshot struct {
	ProjectName string
	Name        string
	Shares      int32
	Seconds     int64
	ShareUsed   float64
}

// publishSnapshot recomputes and stores the current Snapshot atomically, so
// Snapshot() never blocks on or contends the live indices/jobsets locks.
func (m *Monitor) publishSnapshot() {
	machines := m.indices.AllMachines()
	ms := make([]MachineSnapshot, 0, len(machines))
	for _, mach := range machines {
		ms = append(ms, MachineSnapshot{ID: mach.ID, Hostname: mach.Hostname, InFlight: mach.InFlight(), MaxJobs: mach.MaxJobs})
	}

	jobsets := m.jobsets.All()
	js := make([]JobsetSnapshot, 0, len(jobsets))
	for _, j := range jobsets {
		js = append(js, JobsetSnapshot{ProjectName: j.ProjectName, Name: j.Name, Shares: j.Shares(), Seconds: j.Seconds(), ShareUsed: j.ShareUsed()})
	}

	m.snapshot.Store(&Snapshot{
		StepCount:    m.indices.StepCount(),
		BuildCount:   len(m.indices.AllBuilds()),
		MachineCount: len(machines),
		JobsetCount:  len(jobsets),
		Machines:     ms,
		Jobsets:      js,
	})
}

// Snapshot returns the most recently published Snapshot, or an empty one if
// none has been published yet.
func (m *Monitor) Snapshot() *Snapshot {
	if s, ok := m.snapshot.Load().(*Snapshot); ok {
		return s
	}
	return &Snapshot{}
}
