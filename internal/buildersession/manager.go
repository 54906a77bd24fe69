package buildersession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
	"github.com/buildbeaver/queue-runner/internal/rpc"
	"github.com/buildbeaver/queue-runner/internal/state"
	"github.com/buildbeaver/queue-runner/internal/util"
)

// ErrProtocolMismatchCode is the gRPC status code returned when an agent's
// protocol version doesn't match the core's; the agent CLI maps this code
// to process exit 65.
const ErrProtocolMismatchCode = codes.FailedPrecondition

// defaultPingInterval is the ping interval every agent is handed in its
// JoinAck; the configured ping_interval is not applied here.
const defaultPingInterval = 10 * time.Second

// MatchTrigger lets the manager wake the dispatcher as soon as a machine
// connects or a step's status changes, without importing internal/dispatcher.
type MatchTrigger interface {
	TriggerMatch()
}

// ThresholdsSource supplies the current pressure thresholds on every ping,
// so a SIGHUP-triggered config reload (internal/config.Reloader) takes
// effect without restarting any session.
type ThresholdsSource interface {
	Thresholds() PressureThresholds
}

// staticThresholds is a ThresholdsSource that never changes, for callers
// that don't need hot reload (e.g. tests).
type staticThresholds struct{ t PressureThresholds }

func (s staticThresholds) Thresholds() PressureThresholds { return s.t }

// StaticThresholds wraps a fixed PressureThresholds as a ThresholdsSource.
func StaticThresholds(t PressureThresholds) ThresholdsSource { return staticThresholds{t} }

// Manager implements rpc.SessionServer (one call per connected agent) and
// internal/dispatcher.SessionSender (Dispatch), bridging the two.
type Manager struct {
	indices      *state.Indices
	reconciler   Reconciler
	pressure     PressureReporter
	thresholds   ThresholdsSource
	trigger      MatchTrigger
	pingInterval time.Duration
	log          logger.Log

	mu       sync.RWMutex
	sessions map[models.MachineID]*Session
}

func NewManager(
	indices *state.Indices,
	reconciler Reconciler,
	pressure PressureReporter,
	thresholds ThresholdsSource,
	trigger MatchTrigger,
	log logger.Log,
) *Manager {
	return &Manager{
		indices:      indices,
		reconciler:   reconciler,
		pressure:     pressure,
		thresholds:   thresholds,
		trigger:      trigger,
		pingInterval: defaultPingInterval,
		log:          log,
		sessions:     make(map[models.MachineID]*Session),
	}
}

// Dispatch implements internal/dispatcher.SessionSender: hand a reserved
// step to the named machine's active session.
func (m *Manager) Dispatch(ctx context.Context, machine models.MachineID, step *models.Step) error {
	m.mu.RLock()
	sess, ok := m.sessions[machine]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no active session for machine %s", machine)
	}

	cmd := &rpc.BuildCommand{
		DrvPath:        string(step.DrvPath),
		UseSubstitutes: true,
	}
	for _, dep := range step.Dependencies() {
		cmd.InputDrvs = append(cmd.InputDrvs, string(dep.DrvPath))
	}
	if build, ok := m.indices.GetBuild(step.LowestBuildID()); ok {
		cmd.MaxSilentTime = build.MaxSilentTime
		cmd.Timeout = build.Timeout
	}

	return sess.sendBuild(step.DrvPath, cmd)
}

// Session implements rpc.SessionServer: drives one agent's connection from
// handshake through to teardown.
func (m *Manager) Session(stream rpc.SessionStream) error {
	ctx := stream.Context()

	env, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	if env.Kind != rpc.KindJoin || env.Join == nil {
		return fmt.Errorf("expected join message, got %q", env.Kind)
	}
	join := env.Join
	if join.ProtocolVersion != rpc.ProtoAPIVersion {
		m.log.Errorf("rejecting machine %s: protocol version %q != %q", join.Hostname, join.ProtocolVersion, rpc.ProtoAPIVersion)
		return status.Errorf(ErrProtocolMismatchCode, "protocol version mismatch: agent=%q core=%q", join.ProtocolVersion, rpc.ProtoAPIVersion)
	}

	machineID := models.MachineID(join.Hostname)
	machine := models.NewMachine(machineID, join.Hostname, join.Systems, join.SupportedFeatures, join.MandatoryFeatures, join.SpeedFactor, join.MaxJobs)
	sess := newSession(machine, stream, m.pingInterval, m.log)

	m.mu.Lock()
	if old, exists := m.sessions[machineID]; exists {
		m.log.Infof("machine %s reconnected, tearing down previous session", machineID)
		old.close()
	}
	m.sessions[machineID] = sess
	m.mu.Unlock()
	m.indices.PutMachine(machine)

	if err := stream.Send(&rpc.Envelope{Kind: rpc.KindJoinAck, JoinAck: &rpc.JoinAckMessage{PingInterval: m.pingInterval}}); err != nil {
		m.teardown(machineID)
		return fmt.Errorf("sending join ack: %w", err)
	}
	m.log.Infof("machine %s joined (systems=%v, maxJobs=%d)", machineID, join.Systems, join.MaxJobs)
	m.trigger.TriggerMatch()

	svc := util.NewStatefulService(ctx, m.log, func(ctx context.Context) { m.writeLoop(ctx, sess) })
	svc.Start()
	defer svc.Stop()

	watchdog := util.NewStatefulService(ctx, m.log, func(ctx context.Context) { m.watchdog(ctx, sess) })
	watchdog.Start()
	defer watchdog.Stop()

	err = m.readLoop(ctx, sess)
	m.teardown(machineID)
	return err
}

func (m *Manager) writeLoop(ctx context.Context, sess *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.closed:
			return
		case env := <-sess.outbox:
			if err := sess.stream.Send(env); err != nil {
				m.log.Errorf("sending to machine %s: %v", sess.Machine.ID, err)
				sess.close()
				return
			}
		}
	}
}

func (m *Manager) watchdog(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(sess.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.closed:
			return
		case now := <-ticker.C:
			if sess.stale(now) {
				m.log.Errorf("machine %s missed %d pings, tearing down session", sess.Machine.ID, pingTimeoutFactor)
				sess.close()
				return
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, sess *Session) error {
	for {
		env, err := sess.stream.Recv()
		if err != nil {
			return err
		}
		switch env.Kind {
		case rpc.KindPing:
			m.handlePing(sess, env.Ping)
		case rpc.KindStepStatus:
			m.handleStepStatus(sess, env.StepStatus)
		case rpc.KindResult:
			m.handleResult(ctx, sess, env.Result)
		default:
			m.log.Errorf("machine %s sent unexpected message kind %q", sess.Machine.ID, env.Kind)
		}

		select {
		case <-sess.closed:
			return nil
		default:
		}
	}
}

func (m *Manager) handlePing(sess *Session, ping *rpc.PingMessage) {
	sess.touch()
	sess.Machine.Touch()
	if ping == nil {
		return
	}
	if m.thresholds.Thresholds().exceeded(ping) {
		m.pressure.ReportPressure(sess.Machine.ID)
	} else {
		m.pressure.ReportHealthy(sess.Machine.ID)
	}
}

func (m *Manager) handleStepStatus(sess *Session, status *rpc.StepStatusMessage) {
	if status == nil {
		return
	}
	if status.Phase == "Building" {
		sess.setState(StateBuilding)
	}
	m.log.Debugf("machine %s step %s -> %s", sess.Machine.ID, status.DrvPath, status.Phase)
}

func (m *Manager) handleResult(ctx context.Context, sess *Session, result *rpc.BuildResultMessage) {
	if result == nil {
		return
	}
	sess.setState(StateReporting)

	rbr := &models.RemoteBuildResult{
		DrvPath:          models.StorePath(result.DrvPath),
		Status:           models.BuildStatus(result.Status),
		StartTime:        result.StartTime,
		StopTime:         result.StopTime,
		ErrorMessage:     result.ErrorMessage,
		LogFile:          result.LogRemoteKey,
		Overhead:         result.Overhead,
		TimesBuilt:       result.TimesBuilt,
		NonDeterministic: result.NonDeterministic,
		Outputs:          make(map[string]models.StorePath, len(result.Outputs)),
		OutputSizes:      result.OutputSizes,
	}
	for name, path := range result.Outputs {
		rbr.Outputs[name] = models.StorePath(path)
	}

	sess.Machine.Release(rbr.DrvPath)

	var err error
	if models.BuildStatus(result.Status) == models.StatusSuccess {
		err = m.reconciler.ReconcileSuccess(ctx, sess.Machine.ID, rbr)
	} else {
		err = m.reconciler.ReconcileFailure(ctx, sess.Machine.ID, rbr)
	}
	if err != nil {
		m.log.Errorf("reconciling result for %s from machine %s: %v", rbr.DrvPath, sess.Machine.ID, err)
	}

	sess.setState(StateIdle)
	m.trigger.TriggerMatch()
}

// Abort requests cancellation of drv on machineID's session, e.g. because
// the build it belongs to was cancelled upstream. A no-op if the machine
// has no active session.
func (m *Manager) Abort(machineID models.MachineID, drv models.StorePath) {
	m.mu.RLock()
	sess, ok := m.sessions[machineID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	sess.sendAbort(drv)
}

func (m *Manager) teardown(machineID models.MachineID) {
	m.mu.Lock()
	sess, ok := m.sessions[machineID]
	if ok {
		delete(m.sessions, machineID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.close()

	var pending []models.StorePath
	if removed, ok := m.indices.RemoveMachine(machineID); ok {
		pending = removed.PendingSteps()
		for _, drv := range pending {
			removed.Release(drv)
		}
	}
	m.reconciler.ReconcileDisconnect(context.Background(), machineID, pending)
	m.log.Infof("session for machine %s torn down", machineID)
}
