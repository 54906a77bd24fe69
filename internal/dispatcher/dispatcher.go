// Package dispatcher matches runnable steps to connected machines. It holds
// no state of its own beyond its candidate ordering and per-machine pressure
// breakers: the step/build/machine indices it reads are owned by the queue
// monitor and shared via *state.Indices.
package dispatcher

import (
	"context"
	"sort"
	"time"

	"github.com/buildbeaver/queue-runner/internal/fairshare"
	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
	"github.com/buildbeaver/queue-runner/internal/state"
	"github.com/buildbeaver/queue-runner/internal/util"
)

// pollInterval is how often the matching loop re-scans for runnable steps
// when it isn't woken early by TriggerMatch.
const pollInterval = 2 * time.Second

// SessionSender is the slice of the builder-session manager the dispatcher
// depends on to actually hand a reserved step to its machine. Defined here
// (rather than imported from buildersession) so the two packages don't need
// to import each other.
type SessionSender interface {
	// Dispatch sends a build command for step to the named machine's active
	// session. An error means the reservation must be rolled back.
	Dispatch(ctx context.Context, machine models.MachineID, step *models.Step) error
}

// Dispatcher matches runnable steps against connected machines in
// fair-share/priority order and reserves a slot for each match.
type Dispatcher struct {
	indices  *state.Indices
	jobsets  *fairshare.Registry
	sessions SessionSender
	pressure *PressureMonitor
	log      logger.Log

	notify chan struct{}
}

// New constructs a Dispatcher over the given shared indices and jobset
// registry, sending matched steps through sessions.
func New(indices *state.Indices, jobsets *fairshare.Registry, sessions SessionSender, log logger.Log) *Dispatcher {
	return &Dispatcher{
		indices:  indices,
		jobsets:  jobsets,
		sessions: sessions,
		pressure: NewPressureMonitor(),
		log:      log,
		notify:   make(chan struct{}, 1),
	}
}

// SetSessions wires the SessionSender after construction, breaking the
// three-way construction cycle between the dispatcher, the builder-session
// manager, and the queue monitor: none of the three can be fully
// constructed before the other two exist, so main wires this edge last.
func (d *Dispatcher) SetSessions(sessions SessionSender) { d.sessions = sessions }

// TriggerMatch wakes the matching loop early, e.g. after a step becomes
// runnable or a machine connects.
func (d *Dispatcher) TriggerMatch() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Pressure returns the dispatcher's per-machine pressure monitor, so the
// builder-session layer can feed it ping/PSI readings.
func (d *Dispatcher) Pressure() *PressureMonitor { return d.pressure }

// Start runs the matching loop as a StatefulService until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) *util.StatefulService {
	svc := util.NewStatefulService(ctx, d.log, func(ctx context.Context) {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			d.match(ctx)
			select {
			case <-ctx.Done():
				return
			case <-d.notify:
			case <-ticker.C:
			}
		}
	})
	svc.Start()
	return svc
}

// match runs one matching pass: it orders every runnable, unscheduled step
// by the StepInfo comparator, then for each in turn finds the best available
// machine and reserves it.
func (d *Dispatcher) match(ctx context.Context) {
	candidates := d.collectCandidates()
	if len(candidates) == 0 {
		return
	}
	sort.SliceStable(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })

	machines := d.indices.AllMachines()
	for _, c := range candidates {
		m := d.pickMachine(c.step, machines)
		if m == nil {
			continue
		}
		if !m.Reserve(c.step.DrvPath) {
			continue
		}
		c.step.SetAlreadyScheduled(true)
		c.step.IncrementTries()

		if err := d.sessions.Dispatch(ctx, m.ID, c.step); err != nil {
			d.log.Errorf("dispatching step %s to machine %s: %v", c.step.DrvPath, m.ID, err)
			m.Release(c.step.DrvPath)
			c.step.SetAlreadyScheduled(false)
			continue
		}
		d.log.Infof("dispatched step %s to machine %s", c.step.DrvPath, m.ID)
	}
}

// collectCandidates gathers every runnable, not-yet-scheduled step along
// with the jobset that orders it. A step whose referencing build or jobset
// isn't (yet) known is kept with a nil jobset, which counts as share used 0.
func (d *Dispatcher) collectCandidates() []candidate {
	var out []candidate
	for _, step := range d.indices.AllSteps() {
		if !step.Runnable() || step.AlreadyScheduled() || step.Finished() {
			continue
		}
		out = append(out, candidate{step: step, jobset: d.resolveJobset(step)})
	}
	return out
}

// resolveJobset finds the jobset that orders step, via the build with the
// lowest id currently referencing it - the same build StepInfo's own
// lowest_build_id tie-break uses, so the two stay consistent.
func (d *Dispatcher) resolveJobset(step *models.Step) *fairshare.Jobset {
	build, ok := d.indices.GetBuild(step.LowestBuildID())
	if !ok {
		return nil
	}
	jobset, ok := d.jobsets.GetByID(build.JobsetID)
	if !ok {
		return nil
	}
	return jobset
}

// pickMachine returns the best machine able to build step, or nil if none
// currently qualify. Eligible machines are filtered by system/feature
// support, spare capacity, and pressure-breaker state; among those, the
// highest speed factor wins, ties broken by fewest in-flight jobs, then by
// the oldest last-dispatch timestamp (round robin).
func (d *Dispatcher) pickMachine(step *models.Step, machines []*models.Machine) *models.Machine {
	var best *models.Machine
	for _, m := range machines {
		if !m.SupportsSystem(step.RequiredSystem) || !m.SupportsFeatures(step.RequiredFeatures) {
			continue
		}
		if !m.HasCapacity() {
			continue
		}
		if !d.pressure.Allow(m.ID) {
			continue
		}
		if best == nil || betterMachine(m, best) {
			best = m
		}
	}
	return best
}

func betterMachine(m, best *models.Machine) bool {
	if m.SpeedFactor != best.SpeedFactor {
		return m.SpeedFactor > best.SpeedFactor
	}
	if m.InFlight() != best.InFlight() {
		return m.InFlight() < best.InFlight()
	}
	return m.LastDispatch().Before(best.LastDispatch())
}
