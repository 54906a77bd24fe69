// Package state holds the process-wide in-memory indices the queue runner's
// core subsystems share: the Step index, Build index, and Machine registry.
// Per the concurrency model, these set-valued indices live behind a
// reader-writer lock (readers, i.e. the dispatcher scanning candidates,
// dominate); the scalar fields on the entities they hold are atomics so hot
// updates never have to take the index write lock.
package state

import (
	"sync"

	"github.com/buildbeaver/queue-runner/internal/models"
)

// Indices is the shared, lock-guarded map of Steps, Builds, and Machines.
type Indices struct {
	mu       sync.RWMutex
	steps    map[models.StorePath]*models.Step
	builds   map[models.BuildID]*models.Build
	machines map[models.MachineID]*models.Machine
}

func NewIndices() *Indices {
	return &Indices{
		steps:    make(map[models.StorePath]*models.Step),
		builds:   make(map[models.BuildID]*models.Build),
		machines: make(map[models.MachineID]*models.Machine),
	}
}

// GetStep returns the known step for drvPath, if any.
func (i *Indices) GetStep(drvPath models.StorePath) (*models.Step, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	s, ok := i.steps[drvPath]
	return s, ok
}

// GetOrCreateStep returns the existing step for drvPath, or creates, stores
// and returns a new one via newStep.
func (i *Indices) GetOrCreateStep(drvPath models.StorePath, newStep func() *models.Step) (step *models.Step, created bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if s, ok := i.steps[drvPath]; ok {
		return s, false
	}
	s := newStep()
	i.steps[drvPath] = s
	return s, true
}

// RemoveStep drops drvPath from the index (called once no Build references
// it any longer).
func (i *Indices) RemoveStep(drvPath models.StorePath) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.steps, drvPath)
}

// AllSteps returns a snapshot slice of every known step.
func (i *Indices) AllSteps() []*models.Step {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*models.Step, 0, len(i.steps))
	for _, s := range i.steps {
		out = append(out, s)
	}
	return out
}

func (i *Indices) StepCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.steps)
}

// GetBuild returns the known build for id, if any.
func (i *Indices) GetBuild(id models.BuildID) (*models.Build, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	b, ok := i.builds[id]
	return b, ok
}

// PutBuild inserts or replaces the build at its id.
func (i *Indices) PutBuild(b *models.Build) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.builds[b.ID] = b
}

// RemoveBuild drops id from the build index.
func (i *Indices) RemoveBuild(id models.BuildID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.builds, id)
}

func (i *Indices) AllBuilds() []*models.Build {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*models.Build, 0, len(i.builds))
	for _, b := range i.builds {
		out = append(out, b)
	}
	return out
}

// PutMachine registers a newly connected machine.
func (i *Indices) PutMachine(m *models.Machine) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.machines[m.ID] = m
}

// RemoveMachine deregisters a machine (e.g. on session teardown), returning
// it so the caller can cancel its in-flight steps.
func (i *Indices) RemoveMachine(id models.MachineID) (*models.Machine, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	m, ok := i.machines[id]
	delete(i.machines, id)
	return m, ok
}

func (i *Indices) GetMachine(id models.MachineID) (*models.Machine, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	m, ok := i.machines[id]
	return m, ok
}

// AllMachines returns a snapshot slice of every currently connected machine.
func (i *Indices) AllMachines() []*models.Machine {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*models.Machine, 0, len(i.machines))
	for _, m := range i.machines {
		out = append(out, m)
	}
	return out
}
