package store

import (
	"context"
	"time"

	"github.com/buildbeaver/queue-runner/internal/fairshare"
	"github.com/buildbeaver/queue-runner/internal/models"
)

// BuildRow is a row from the `builds` table, as read by the queue monitor's
// full poll and by its NOTIFY-driven incremental updates.
type BuildRow struct {
	ID             models.BuildID
	DrvPath        models.StorePath
	JobsetID       models.JobsetID
	ProjectName    string
	JobsetName     string
	Name           string
	CreatedAt      time.Time
	MaxSilentTime  int
	Timeout        int
	LocalPriority  int
	GlobalPriority int64
	Finished       bool
}

// BuildStepRow is a row from the `buildsteps` table.
type BuildStepRow struct {
	BuildID   models.BuildID
	DrvPath   models.StorePath
	Status    models.BuildStatus
	StartTime *time.Time
	StopTime  *time.Time
	ErrorMsg  string
	Busy      bool
}

// Gateway is the full database contract the queue runner's core calls. It
// deliberately never leaks *sql.Rows or driver-specific types to callers.
type Gateway interface {
	fairshare.SeedSource

	// ListUnfinishedBuilds returns every build row not yet marked finished,
	// used by the queue monitor's periodic full poll.
	ListUnfinishedBuilds(ctx context.Context) ([]BuildRow, error)
	// GetBuild fetches a single build row by id, used when reacting to a
	// builds_added/builds_bumped notification.
	GetBuild(ctx context.Context, id models.BuildID) (*BuildRow, error)
	// MarkBuildFinished sets a build's finished-in-db flag.
	MarkBuildFinished(ctx context.Context, txOrNil *Tx, id models.BuildID, finished bool) error

	// UpsertBuildStep inserts or updates a buildsteps row for (buildID, drvPath).
	UpsertBuildStep(ctx context.Context, txOrNil *Tx, buildID models.BuildID, drvPath models.StorePath, requiredSystem string) error
	// FinishBuildStep records a step's terminal result against a build and
	// notifies step_finished, within the supplied transaction.
	FinishBuildStep(ctx context.Context, txOrNil *Tx, result *models.RemoteBuildResult, buildID models.BuildID) error
	// InsertBuildStepOutput records one output path produced by a finished step.
	InsertBuildStepOutput(ctx context.Context, txOrNil *Tx, buildID models.BuildID, drvPath models.StorePath, outputName string, path models.StorePath) error
	// InsertBuildProduct records a named artifact produced by a build.
	InsertBuildProduct(ctx context.Context, txOrNil *Tx, product models.BuildProduct) error
	// InsertBuildMetric records a named numeric measurement for a build.
	InsertBuildMetric(ctx context.Context, txOrNil *Tx, metric models.BuildMetric) error

	// ClearBusy clears any in-progress/busy markers left over from a prior
	// run, called during graceful shutdown and at startup recovery.
	ClearBusy(ctx context.Context) error

	// WithTx exposes transaction scoping to callers that need to bundle
	// several of the above calls atomically.
	WithTx(ctx context.Context, txOrNil *Tx, fn func(tx *Tx) error) error
}
