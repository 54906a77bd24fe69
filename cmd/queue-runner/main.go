// Command queue-runner is the core of the distributed build queue: it polls
// the relational store for unfinished builds, matches runnable steps to
// connected builder agents over a gRPC session stream, and reconciles their
// results back into the store.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/buildbeaver/queue-runner/internal/buildersession"
	"github.com/buildbeaver/queue-runner/internal/config"
	"github.com/buildbeaver/queue-runner/internal/dispatcher"
	"github.com/buildbeaver/queue-runner/internal/fairshare"
	"github.com/buildbeaver/queue-runner/internal/fodchecker"
	"github.com/buildbeaver/queue-runner/internal/httpapi"
	"github.com/buildbeaver/queue-runner/internal/localstore"
	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/queuemonitor"
	"github.com/buildbeaver/queue-runner/internal/rpc"
	"github.com/buildbeaver/queue-runner/internal/state"
	"github.com/buildbeaver/queue-runner/internal/store"
	"github.com/buildbeaver/queue-runner/internal/uploader"
	"github.com/buildbeaver/queue-runner/internal/util/lockfile"
)

// shutdownTimeout bounds how long graceful shutdown waits for in-flight
// HTTP requests and gRPC streams to drain before main returns anyway.
const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("error parsing configuration: %s", err)
	}
	if cfg.Status {
		fmt.Println("queue-runner: configuration OK")
		return
	}

	logFactory := logger.NewFactory(logrus.InfoLevel)
	rootLog := logFactory("queue-runner")

	lock, err := lockfile.Acquire("/var/run/queue-runner/queue-runner.lock")
	if err != nil {
		rootLog.Fatalf("%s", err)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := store.Open(ctx, store.Config{
		Driver:           cfg.DatabaseDriver,
		ConnectionString: cfg.DatabaseConnectionString,
	})
	if err != nil {
		rootLog.Fatalf("opening database: %s", err)
	}
	defer closeDB()

	if err := store.Migrate(db); err != nil {
		rootLog.Fatalf("running migrations: %s", err)
	}

	gateway := store.NewGateway(db)
	if err := gateway.ClearBusy(ctx); err != nil {
		rootLog.Errorf("clearing stale busy flags: %s", err)
	}

	var notifier store.Notifier
	if cfg.DatabaseDriver == store.Postgres {
		notifier, err = store.NewPostgresNotifier(cfg.DatabaseConnectionString, logFactory("notifier"))
		if err != nil {
			rootLog.Fatalf("subscribing to database notifications: %s", err)
		}
	} else {
		notifier = store.NewNoOpNotifier()
	}
	defer notifier.Close()

	localStore := localstore.NewInMemory()
	indices := state.NewIndices()
	jobsets := fairshare.NewRegistry(logFactory("fairshare"))

	gcRoots, err := localstore.NewGCRoots(nixStoreDir()+"/../var/nix/gcroots/queue-runner", logFactory("gcroots"))
	if err != nil {
		rootLog.Errorf("gc-roots directory unavailable, in-flight steps won't be pinned against GC: %s", err)
		gcRoots = nil
	}

	fod := fodchecker.New(localStore, logFactory("fodchecker"))
	fodSvc := fod.Start(ctx)
	defer fodSvc.Stop()

	up := uploader.New(localStore, nil, logFactory("uploader"))
	uploaderSvc := up.Start(ctx)
	defer uploaderSvc.Stop()

	// The dispatcher, builder-session manager, and queue monitor each need a
	// reference to one of the other two, so none can be fully constructed
	// first: build all three with the cyclic edge left nil, then wire those
	// edges with the Set* setters once every value exists.
	disp := dispatcher.New(indices, jobsets, nil, logFactory("dispatcher"))

	reloader := config.NewReloader(cfg.ConfigPath, cfg.Thresholds, logFactory("config"))
	reloaderSvc := reloader.Start(ctx)
	defer reloaderSvc.Stop()

	monitor := queuemonitor.New(gateway, notifier, localStore, indices, jobsets, fod, up, nil, disp, logFactory("queuemonitor"))
	monitor.SetGCRoots(gcRoots)
	sessions := buildersession.NewManager(indices, monitor, disp.Pressure(), thresholdsAdapter{reloader}, disp, logFactory("buildersession"))
	disp.SetSessions(sessions)
	monitor.SetSessions(sessions)

	dispSvc := disp.Start(ctx)
	defer dispSvc.Stop()
	monitorSvc := monitor.Start(ctx)
	defer monitorSvc.Stop()

	grpcServer := grpc.NewServer()
	rpc.RegisterSessionServer(grpcServer, sessions)
	grpcLis, err := net.Listen("tcp", cfg.GRPCBind)
	if err != nil {
		rootLog.Fatalf("binding grpc listener on %s: %s", cfg.GRPCBind, err)
	}
	go func() {
		if err := grpcServer.Serve(grpcLis); err != nil {
			rootLog.Errorf("grpc server exited: %s", err)
		}
	}()

	httpServer := &http.Server{Addr: cfg.RESTBind, Handler: httpapi.New(monitor, logFactory("httpapi"))}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rootLog.Errorf("http server exited: %s", err)
		}
	}()

	rootLog.Infof("queue-runner started: grpc=%s rest=%s", cfg.GRPCBind, cfg.RESTBind)
	<-ctx.Done()
	rootLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	if err := gateway.ClearBusy(shutdownCtx); err != nil {
		rootLog.Errorf("clearing busy flags on shutdown: %s", err)
	}
}

// nixStoreDir resolves the store root from NIX_STORE_DIR, defaulting to
// /nix/store per the runner's environment contract.
func nixStoreDir() string {
	if d := os.Getenv("NIX_STORE_DIR"); d != "" {
		return d
	}
	return "/nix/store"
}

// thresholdsAdapter maps config.Thresholds (the CLI/file-level shape) onto
// buildersession.PressureThresholds on every read, so a SIGHUP reload
// (internal/config.Reloader) is visible to new pings immediately without
// the two packages importing each other's types directly.
type thresholdsAdapter struct{ r *config.Reloader }

func (a thresholdsAdapter) Thresholds() buildersession.PressureThresholds {
	t := a.r.Thresholds()
	return buildersession.PressureThresholds{
		MinFreeSpacePercent: t.BuildDirAvailThreshold,
		MaxLoad1:            t.Load1Threshold,
		MaxCPUPressure:      t.CPUPSIThreshold,
		MaxMemPressure:      t.MemPSIThreshold,
		MaxIOPressure:       t.IOPSIThreshold,
	}
}
