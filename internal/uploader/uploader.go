// Package uploader pushes build outputs and build-log files to zero or more
// object stores with retry. It holds its queue purely in memory: a crash
// loses in-flight upload messages, and nothing re-creates them after a
// restart.
package uploader

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"gocloud.dev/blob"

	"github.com/buildbeaver/queue-runner/internal/localstore"
	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
	"github.com/buildbeaver/queue-runner/internal/util"
)

// message is a single upload job: a set of store paths plus the build log
// that accompanied them.
type message struct {
	storePaths   []models.StorePath
	logRemoteKey string
	logLocalPath string
}

// Target is one configured destination store the uploader copies into.
type Target struct {
	Name   string
	Bucket *blob.Bucket
}

// Uploader drains a bounded in-memory queue (4096 messages) of upload jobs
// and fans each one out to every configured Target.
type Uploader struct {
	store   localstore.Store
	targets []Target
	log     logger.Log

	queue chan message
}

// New constructs an Uploader that reads closures from store and copies to targets.
func New(store localstore.Store, targets []Target, log logger.Log) *Uploader {
	return &Uploader{
		store:   store,
		targets: targets,
		log:     log,
		queue:   make(chan message, 4096),
	}
}

// ScheduleUpload enqueues a message for the worker loop to process. It never
// blocks: when the 4096-message queue is full, the message is dropped and an
// error is returned.
func (u *Uploader) ScheduleUpload(storePaths []models.StorePath, logRemoteKey, logLocalPath string) error {
	u.log.Infof("scheduling upload of %d paths", len(storePaths))
	select {
	case u.queue <- message{storePaths: storePaths, logRemoteKey: logRemoteKey, logLocalPath: logLocalPath}:
		return nil
	default:
		return fmt.Errorf("upload queue is full")
	}
}

// Start runs the worker loop as a StatefulService until ctx is cancelled.
func (u *Uploader) Start(ctx context.Context) *util.StatefulService {
	svc := util.NewStatefulService(ctx, u.log, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-u.queue:
				u.processMessage(ctx, msg)
			}
		}
	})
	svc.Start()
	return svc
}

func (u *Uploader) processMessage(ctx context.Context, msg message) {
	u.log.Infof("uploading %d paths", len(msg.storePaths))

	var requisites []models.StorePath
	if len(msg.storePaths) > 0 {
		var err error
		requisites, err = u.store.QueryRequisites(ctx, msg.storePaths[0], false)
		if err != nil {
			u.log.Errorf("failed to query requisites: %v", err)
			return
		}
		for _, p := range msg.storePaths[1:] {
			more, err := u.store.QueryRequisites(ctx, p, false)
			if err != nil {
				u.log.Errorf("failed to query requisites: %v", err)
				return
			}
			requisites = append(requisites, more...)
		}
	}

	for _, target := range u.targets {
		u.uploadToTarget(ctx, target, msg, requisites)
	}

	u.log.Infof("finished uploading %d paths", len(msg.storePaths))
}

func (u *Uploader) uploadToTarget(ctx context.Context, target Target, msg message, requisites []models.StorePath) {
	err := retry(ctx, logUploadRetry, func() error {
		return u.uploadLogFile(ctx, target, msg.logLocalPath, msg.logRemoteKey)
	})
	if err != nil {
		u.log.Errorf("failed to upload log file to %s after retries: %v", target.Name, err)
	}

	if len(msg.storePaths) == 0 {
		u.log.Debugf("no store paths to upload to %s", target.Name)
		return
	}

	missing, err := u.queryMissingPaths(ctx, target, requisites)
	if err != nil {
		u.log.Errorf("failed to query missing paths on %s: %v", target.Name, err)
		return
	}

	err = retry(ctx, storeCopyRetry, func() error {
		return u.copyPaths(ctx, target, missing)
	})
	if err != nil {
		u.log.Errorf("failed to copy paths to %s after retries: %v", target.Name, err)
		return
	}
	u.log.Debugf("successfully uploaded %d paths to %s", len(msg.storePaths), target.Name)
}

func (u *Uploader) uploadLogFile(ctx context.Context, target Target, localPath, remoteKey string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening log file %q: %w", localPath, err)
	}
	defer f.Close()

	w, err := target.Bucket.NewWriter(ctx, remoteKey, &blob.WriterOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return fmt.Errorf("opening writer for %q on %s: %w", remoteKey, target.Name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("writing log file to %s: %w", target.Name, err)
	}
	return w.Close()
}

func (u *Uploader) queryMissingPaths(ctx context.Context, target Target, requisites []models.StorePath) ([]models.StorePath, error) {
	var missing []models.StorePath
	for _, p := range requisites {
		exists, err := target.Bucket.Exists(ctx, string(p))
		if err != nil {
			return nil, fmt.Errorf("checking existence of %q on %s: %w", p, target.Name, err)
		}
		if !exists {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

func (u *Uploader) copyPaths(ctx context.Context, target Target, paths []models.StorePath) error {
	var result *multierror.Error
	for _, p := range paths {
		if err := u.copyOnePath(ctx, target, p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (u *Uploader) copyOnePath(ctx context.Context, target Target, path models.StorePath) error {
	archive, err := u.store.ExportPaths(ctx, []models.StorePath{path})
	if err != nil {
		return fmt.Errorf("exporting %q: %w", path, err)
	}
	w, err := target.Bucket.NewWriter(ctx, string(path), nil)
	if err != nil {
		return fmt.Errorf("opening writer for %q on %s: %w", path, target.Name, err)
	}
	if _, err := w.Write(archive); err != nil {
		w.Close()
		return fmt.Errorf("writing %q to %s: %w", path, target.Name, err)
	}
	return w.Close()
}
