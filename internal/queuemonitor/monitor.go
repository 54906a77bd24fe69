// Package queuemonitor keeps the in-memory Build/Step DAG synchronized with
// the relational store, determines the runnable frontier, and reconciles
// builder-session results back into both the DAG and the store.
package queuemonitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/buildbeaver/queue-runner/internal/buildersession"
	"github.com/buildbeaver/queue-runner/internal/fairshare"
	"github.com/buildbeaver/queue-runner/internal/fodchecker"
	"github.com/buildbeaver/queue-runner/internal/localstore"
	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
	"github.com/buildbeaver/queue-runner/internal/state"
	"github.com/buildbeaver/queue-runner/internal/store"
	"github.com/buildbeaver/queue-runner/internal/uploader"
	"github.com/buildbeaver/queue-runner/internal/util"
)

// fullPollInterval is the catch-up sweep that runs regardless of whether
// any change notifications were delivered, per the "periodic full poll to
// catch missed events" requirement.
const fullPollInterval = 60 * time.Second

// maxRetries bounds the total number of tries a step gets when its failures
// are retryable (Aborted, TimedOut): a retryable failure leaves the step
// runnable again only while fewer than maxRetries tries have been made, so a
// step is re-queued at most maxRetries-1 times before the failure is terminal.
const maxRetries = 3

// retryBackoff is the short pause before a retried step is made runnable
// again, so a flaky machine doesn't spin a step in a tight dispatch loop.
const retryBackoff = 5 * time.Second

// MatchTrigger wakes the dispatcher; implemented by *dispatcher.Dispatcher.
type MatchTrigger interface {
	TriggerMatch()
}

// Aborter sends an Abort to a machine's active session; implemented by
// *buildersession.Manager.
type Aborter interface {
	Abort(machine models.MachineID, drv models.StorePath)
}

// Monitor drives the queue monitor's poll/notify loop and implements
// buildersession.Reconciler.
type Monitor struct {
	gateway    store.Gateway
	notifier   store.Notifier
	localStore localstore.Store
	indices    *state.Indices
	jobsets    *fairshare.Registry
	fod        *fodchecker.Checker
	uploader   *uploader.Uploader
	sessions   Aborter
	trigger    MatchTrigger
	gcRoots    *localstore.GCRoots
	log        logger.Log

	pollNow  chan struct{}
	snapshot atomic.Value // holds *Snapshot
}

var _ buildersession.Reconciler = (*Monitor)(nil)

func New(
	gateway store.Gateway,
	notifier store.Notifier,
	localStore localstore.Store,
	indices *state.Indices,
	jobsets *fairshare.Registry,
	fod *fodchecker.Checker,
	up *uploader.Uploader,
	sessions Aborter,
	trigger MatchTrigger,
	log logger.Log,
) *Monitor {
	return &Monitor{
		gateway:    gateway,
		notifier:   notifier,
		localStore: localStore,
		indices:    indices,
		jobsets:    jobsets,
		fod:        fod,
		uploader:   up,
		sessions:   sessions,
		trigger:    trigger,
		log:        log,
		pollNow:    make(chan struct{}, 1),
	}
}

// SetSessions wires the Aborter after construction, breaking the
// construction cycle between the queue monitor and the builder-session
// manager (each needs a reference to the other).
func (m *Monitor) SetSessions(sessions Aborter) { m.sessions = sessions }

// SetGCRoots wires an optional GC-roots manager: when set, every step the
// monitor creates gets a symlink under the Nix state directory for as long
// as it's tracked, per the §6 persisted-state contract. Left nil, the
// monitor simply skips GC-root bookkeeping (e.g. in tests, or when the
// deployment relies on the native store's own liveness tracking instead).
func (m *Monitor) SetGCRoots(g *localstore.GCRoots) { m.gcRoots = g }

// TriggerPoll wakes the poll loop early, e.g. after the HTTP API requests a
// manual resync.
func (m *Monitor) TriggerPoll() {
	select {
	case m.pollNow <- struct{}{}:
	default:
	}
}

// Start runs the monitor's poll/notify loop as a StatefulService. The
// periodic catch-up sweep and the jobset window pruning both run as jobs on
// one gocron scheduler rather than on raw tickers.
func (m *Monitor) Start(ctx context.Context) *util.StatefulService {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		m.log.Errorf("creating full-poll scheduler: %v, falling back to the startup poll plus notification-driven polling", err)
	}

	svc := util.NewStatefulService(ctx, m.log, func(ctx context.Context) {
		m.fullPoll(ctx)

		if scheduler != nil {
			_, jobErr := scheduler.NewJob(
				gocron.DurationJob(fullPollInterval),
				gocron.NewTask(func() { m.fullPoll(ctx) }),
			)
			if _, pruneErr := scheduler.NewJob(
				gocron.DurationJob(fullPollInterval),
				gocron.NewTask(func() { m.jobsets.Prune(time.Now()) }),
			); pruneErr != nil {
				m.log.Errorf("scheduling jobset prune job: %v", pruneErr)
			}
			if jobErr != nil {
				m.log.Errorf("scheduling full poll job: %v", jobErr)
			} else {
				scheduler.Start()
				defer scheduler.Shutdown()
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.pollNow:
				m.fullPoll(ctx)
			case n := <-m.notifier.Notifications():
				m.handleNotification(ctx, n)
			}
		}
	})
	svc.Start()
	return svc
}

func (m *Monitor) handleNotification(ctx context.Context, n store.Notification) {
	switch n.Channel {
	case store.ChannelBuildsAdded:
		m.pollOneBuild(ctx, n.Payload)
	case store.ChannelBuildsDeleted:
		m.cancelBuild(ctx, n.Payload, false)
	case store.ChannelBuildsCancelled:
		m.cancelBuild(ctx, n.Payload, true)
	case store.ChannelBuildsBumped:
		m.pollOneBuild(ctx, n.Payload)
	case store.ChannelJobsetSharesChanged:
		if err := m.jobsets.HandleSharesChanged(ctx, m.gateway); err != nil {
			m.log.Errorf("handling jobset_shares_changed: %v", err)
		}
	case store.ChannelDumpStatus:
		m.publishSnapshot()
	default:
		m.log.Errorf("unrecognized notification channel %q", n.Channel)
	}
}

func (m *Monitor) pollOneBuild(ctx context.Context, payload string) {
	id, err := parseBuildID(payload)
	if err != nil {
		m.log.Errorf("parsing build id from notification payload %q: %v", payload, err)
		return
	}
	row, err := m.gateway.GetBuild(ctx, id)
	if err != nil {
		m.log.Errorf("reading build %d: %v", id, err)
		return
	}
	if row == nil {
		return
	}
	if err := m.ingestBuild(ctx, row); err != nil {
		m.log.Errorf("ingesting build %d: %v", id, err)
	}
	m.trigger.TriggerMatch()
}

func parseBuildID(payload string) (models.BuildID, error) {
	var id int64
	if _, err := fmt.Sscanf(payload, "%d", &id); err != nil {
		return 0, err
	}
	return models.BuildID(id), nil
}

// fullPoll lists every unfinished build and ingests each, catching anything
// a missed NOTIFY would otherwise have left stale.
func (m *Monitor) fullPoll(ctx context.Context) {
	rows, err := m.gateway.ListUnfinishedBuilds(ctx)
	if err != nil {
		m.log.Errorf("listing unfinished builds: %v", err)
		return
	}
	for _, row := range rows {
		if err := m.ingestBuild(ctx, &row); err != nil {
			m.log.Errorf("ingesting build %d: %v", row.ID, err)
		}
	}
	m.publishSnapshot()
	m.trigger.TriggerMatch()
}
