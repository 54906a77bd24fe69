package models

import (
	"sync"
	"sync/atomic"
	"time"
)

// Machine is a remote builder agent. Supported/mandatory feature sets and
// systems are set once at Join time and read-mostly thereafter, so they sit
// behind a plain RWMutex; in-flight count and last-ping are hot and atomic.
type Machine struct {
	ID                MachineID
	Hostname          string
	SupportedSystems  []string
	SupportedFeatures []string
	MandatoryFeatures []string
	SpeedFactor       float64
	MaxJobs           int32

	inFlight     atomic.Int32
	lastPingUnix atomic.Int64
	lastDispatch atomic.Int64

	mu      sync.RWMutex
	pending map[StorePath]struct{}
}

func NewMachine(id MachineID, hostname string, systems, supportedFeatures, mandatoryFeatures []string, speedFactor float64, maxJobs int32) *Machine {
	m := &Machine{
		ID:                id,
		Hostname:          hostname,
		SupportedSystems:  systems,
		SupportedFeatures: supportedFeatures,
		MandatoryFeatures: mandatoryFeatures,
		SpeedFactor:       speedFactor,
		MaxJobs:           maxJobs,
		pending:           make(map[StorePath]struct{}),
	}
	m.lastPingUnix.Store(time.Now().UTC().Unix())
	return m
}

func (m *Machine) InFlight() int32 { return m.inFlight.Load() }

func (m *Machine) HasCapacity() bool { return m.inFlight.Load() < m.MaxJobs }

// Reserve atomically claims a slot for drv if the machine has capacity.
// Returns false (no mutation) if the machine is already at MaxJobs.
func (m *Machine) Reserve(drv StorePath) bool {
	for {
		cur := m.inFlight.Load()
		if cur >= m.MaxJobs {
			return false
		}
		if m.inFlight.CompareAndSwap(cur, cur+1) {
			m.mu.Lock()
			m.pending[drv] = struct{}{}
			m.mu.Unlock()
			m.lastDispatch.Store(time.Now().UTC().UnixNano())
			return true
		}
	}
}

// Release frees the slot held for drv, e.g. on completion or session teardown.
func (m *Machine) Release(drv StorePath) {
	m.mu.Lock()
	_, had := m.pending[drv]
	delete(m.pending, drv)
	m.mu.Unlock()
	if had {
		m.inFlight.Add(-1)
	}
}

// PendingSteps returns the derivation paths currently reserved on this machine.
func (m *Machine) PendingSteps() []StorePath {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StorePath, 0, len(m.pending))
	for p := range m.pending {
		out = append(out, p)
	}
	return out
}

func (m *Machine) Touch() { m.lastPingUnix.Store(time.Now().UTC().Unix()) }

func (m *Machine) LastPing() time.Time { return time.Unix(m.lastPingUnix.Load(), 0).UTC() }

func (m *Machine) LastDispatch() time.Time { return time.Unix(0, m.lastDispatch.Load()).UTC() }

// SupportsSystem reports whether this machine can build for the given system.
func (m *Machine) SupportsSystem(system string) bool {
	for _, s := range m.SupportedSystems {
		if s == system {
			return true
		}
	}
	return false
}

// SupportsFeatures reports whether requiredFeatures is a subset of this
// machine's supported features, and whether this machine's mandatory
// features is a subset of requested, per the dispatcher's matching rule.
func (m *Machine) SupportsFeatures(requested []string) bool {
	supported := make(map[string]struct{}, len(m.SupportedFeatures))
	for _, f := range m.SupportedFeatures {
		supported[f] = struct{}{}
	}
	for _, f := range requested {
		if _, ok := supported[f]; !ok {
			return false
		}
	}
	requestedSet := make(map[string]struct{}, len(requested))
	for _, f := range requested {
		requestedSet[f] = struct{}{}
	}
	for _, f := range m.MandatoryFeatures {
		if _, ok := requestedSet[f]; !ok {
			return false
		}
	}
	return true
}
