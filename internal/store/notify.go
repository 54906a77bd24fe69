package store

import (
	"time"

	"github.com/lib/pq"

	"github.com/buildbeaver/queue-runner/internal/logger"
)

// Channel names the six LISTEN channels the queue monitor subscribes to.
type Channel string

const (
	ChannelBuildsAdded          Channel = "builds_added"
	ChannelBuildsDeleted        Channel = "builds_deleted"
	ChannelBuildsBumped         Channel = "builds_bumped"
	ChannelBuildsCancelled      Channel = "builds_cancelled"
	ChannelJobsetSharesChanged Channel = "jobset_shares_changed"
	ChannelDumpStatus           Channel = "dump_status"
)

// Notification is a single LISTEN/NOTIFY event.
type Notification struct {
	Channel Channel
	Payload string
}

// Notifier delivers database change notifications to the queue monitor.
type Notifier interface {
	Notifications() <-chan Notification
	Close() error
}

// pqNotifier wraps a pq.Listener subscribed to every channel the queue
// monitor cares about.
type pqNotifier struct {
	listener *pq.Listener
	out      chan Notification
	log      logger.Log
}

// NewPostgresNotifier subscribes to all six channels over connectionString.
func NewPostgresNotifier(connectionString string, log logger.Log) (Notifier, error) {
	out := make(chan Notification, 64)
	eventCallback := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warnf("listener event error: %v", err)
		}
	}
	listener := pq.NewListener(connectionString, 10*time.Second, time.Minute, eventCallback)

	for _, ch := range []Channel{
		ChannelBuildsAdded, ChannelBuildsDeleted, ChannelBuildsBumped,
		ChannelBuildsCancelled, ChannelJobsetSharesChanged, ChannelDumpStatus,
	} {
		if err := listener.Listen(string(ch)); err != nil {
			listener.Close()
			return nil, err
		}
	}

	n := &pqNotifier{listener: listener, out: out, log: log}
	go n.pump()
	return n, nil
}

func (n *pqNotifier) pump() {
	for notice := range n.listener.Notify {
		if notice == nil {
			continue
		}
		n.out <- Notification{Channel: Channel(notice.Channel), Payload: notice.Extra}
	}
	close(n.out)
}

func (n *pqNotifier) Notifications() <-chan Notification { return n.out }

func (n *pqNotifier) Close() error { return n.listener.Close() }

// noopNotifier is used with drivers that have no LISTEN/NOTIFY support (e.g.
// sqlite); the queue monitor's periodic poll is the only source of truth.
type noopNotifier struct {
	out chan Notification
}

// NewNoOpNotifier returns a Notifier that never delivers anything.
func NewNoOpNotifier() Notifier {
	return &noopNotifier{out: make(chan Notification)}
}

func (n *noopNotifier) Notifications() <-chan Notification { return n.out }
func (n *noopNotifier) Close() error                        { return nil }
