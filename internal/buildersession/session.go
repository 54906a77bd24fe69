// Package buildersession implements the per-agent state machine described
// by the session protocol in internal/rpc: handshake, ping/pong liveness,
// build dispatch, and result reconciliation.
package buildersession

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
	"github.com/buildbeaver/queue-runner/internal/rpc"
)

// State names the session's position in
// Handshake -> Idle -> (Idle | Reserved -> Building -> Reporting -> Idle) -> Terminated.
type State int

const (
	StateHandshake State = iota
	StateIdle
	StateReserved
	StateBuilding
	StateReporting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateIdle:
		return "idle"
	case StateReserved:
		return "reserved"
	case StateBuilding:
		return "building"
	case StateReporting:
		return "reporting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// pingTimeoutFactor: absence of a heartbeat for this many ping intervals
// tears the session down, per the protocol's liveness rule.
const pingTimeoutFactor = 3

// Reconciler is implemented by whatever owns the step/build DAG
// (internal/queuemonitor) to fold a terminal build result back into it.
type Reconciler interface {
	ReconcileSuccess(ctx context.Context, machine models.MachineID, result *models.RemoteBuildResult) error
	ReconcileFailure(ctx context.Context, machine models.MachineID, result *models.RemoteBuildResult) error
	// ReconcileDisconnect returns every step in pending (the machine's
	// in-flight steps at the moment of teardown) to the runnable frontier;
	// tries already consumed are left as-is.
	ReconcileDisconnect(ctx context.Context, machine models.MachineID, pending []models.StorePath)
}

// PressureReporter receives the pressure signals piggybacked on pings,
// implemented by internal/dispatcher.PressureMonitor. Defined here instead
// of imported so buildersession and dispatcher don't need to import each
// other.
type PressureReporter interface {
	ReportPressure(id models.MachineID)
	ReportHealthy(id models.MachineID)
}

// PressureThresholds bound the readings a ping is allowed to carry before
// the machine is considered saturated. These mirror the CLI flags named in
// the configuration module.
type PressureThresholds struct {
	MinFreeSpacePercent float64
	MaxLoad1            float64
	MaxCPUPressure      float64
	MaxMemPressure      float64
	MaxIOPressure       float64
}

func (t PressureThresholds) exceeded(p *rpc.PingMessage) bool {
	return p.FreeSpacePercent < t.MinFreeSpacePercent ||
		p.Load1 > t.MaxLoad1 ||
		p.CPUPressure > t.MaxCPUPressure ||
		p.MemPressure > t.MaxMemPressure ||
		p.IOPressure > t.MaxIOPressure
}

// Session is one connected agent's live stream plus its state-machine
// position. State transitions and the current-step pointer are protected by
// mu since they change only on the few-per-second path (dispatch, result);
// lastPingUnix is read by the watchdog on every tick so it's a plain atomic.
type Session struct {
	Machine *models.Machine

	stream rpc.SessionStream
	log    logger.Log
	outbox chan *rpc.Envelope

	mu         sync.Mutex
	state      State
	currentDrv models.StorePath

	lastPingUnix atomic.Int64
	pingInterval time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(machine *models.Machine, stream rpc.SessionStream, pingInterval time.Duration, log logger.Log) *Session {
	s := &Session{
		Machine:      machine,
		stream:       stream,
		log:          log,
		outbox:       make(chan *rpc.Envelope, 16),
		state:        StateIdle,
		pingInterval: pingInterval,
		closed:       make(chan struct{}),
	}
	s.lastPingUnix.Store(time.Now().UTC().Unix())
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() { s.lastPingUnix.Store(time.Now().UTC().Unix()) }

func (s *Session) stale(now time.Time) bool {
	deadline := time.Duration(pingTimeoutFactor) * s.pingInterval
	last := time.Unix(s.lastPingUnix.Load(), 0).UTC()
	return now.Sub(last) > deadline
}

// sendBuild enqueues a build command for the writer goroutine, reserving
// the session in the Reserved state until a step-status update reporting
// the Building phase moves it to Building.
func (s *Session) sendBuild(drv models.StorePath, cmd *rpc.BuildCommand) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("session for machine %s is not idle (state=%s)", s.Machine.ID, s.state)
	}
	s.state = StateReserved
	s.currentDrv = drv
	s.mu.Unlock()

	select {
	case s.outbox <- &rpc.Envelope{Kind: rpc.KindBuild, Build: cmd}:
		return nil
	case <-s.closed:
		return fmt.Errorf("session for machine %s is closed", s.Machine.ID)
	}
}

// sendAbort requests cancellation of whatever step is currently assigned.
func (s *Session) sendAbort(drv models.StorePath) {
	select {
	case s.outbox <- &rpc.Envelope{Kind: rpc.KindAbort, Abort: &rpc.AbortMessage{DrvPath: string(drv)}}:
	case <-s.closed:
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
