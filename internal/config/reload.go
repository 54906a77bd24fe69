package config

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/util"
)

// Reloader re-reads the config file on SIGHUP and publishes the refreshed
// Thresholds, mirroring the original's spawn_config_reloader task.
// ConfigPath, GatewayEndpoint, GRPCBind/RESTBind and the rest of the static
// fields are intentionally not reloadable: changing a bind address or
// database connection under a live process is out of scope here, matching
// the original's split between "live" config (thresholds, shares) and
// everything resolved once at startup.
type Reloader struct {
	configPath string
	current    atomic.Value // holds Thresholds
	log        logger.Log
}

// NewReloader seeds the reloader with the thresholds resolved at startup.
func NewReloader(configPath string, initial Thresholds, log logger.Log) *Reloader {
	r := &Reloader{configPath: configPath, log: log}
	r.current.Store(initial)
	return r
}

// Thresholds returns the most recently loaded Thresholds.
func (r *Reloader) Thresholds() Thresholds {
	return r.current.Load().(Thresholds)
}

// Start runs the reload loop as a StatefulService, triggered either by
// SIGHUP (the original's mechanism) or by the config file itself changing
// on disk (watched via fsnotify, for editors/config-management tools that
// rewrite the file without signalling the process). A no-op service if no
// config file was configured, since there is nothing to re-read.
func (r *Reloader) Start(ctx context.Context) *util.StatefulService {
	svc := util.NewStatefulService(ctx, r.log, func(ctx context.Context) {
		if r.configPath == "" {
			return
		}

		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)
		defer signal.Stop(sighup)

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			r.log.Errorf("creating config file watcher: %v", err)
			watcher = nil
		} else {
			defer watcher.Close()
			if err := watcher.Add(r.configPath); err != nil {
				r.log.Errorf("watching config file %q: %v", r.configPath, err)
			}
		}

		var fsEvents <-chan fsnotify.Event
		if watcher != nil {
			fsEvents = watcher.Events
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-sighup:
				r.reload()
			case ev, ok := <-fsEvents:
				if !ok {
					fsEvents = nil
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					r.reload()
				}
			}
		}
	})
	svc.Start()
	return svc
}

func (r *Reloader) reload() {
	r.log.Info("reloading configuration")
	cfg, err := Load([]string{"--config_path", r.configPath})
	if err != nil {
		r.log.Errorf("reloading config from %q: %v", r.configPath, err)
		return
	}
	r.current.Store(cfg.Thresholds)
	r.log.Info("configuration reloaded")
}
