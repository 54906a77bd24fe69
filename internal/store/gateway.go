package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/buildbeaver/queue-runner/internal/fairshare"
	"github.com/buildbeaver/queue-runner/internal/models"
)

// gateway implements Gateway against a *DB using goqu to build SQL and sqlx
// to scan results, matching the teacher's store idiom.
type gateway struct {
	db *DB
}

// NewGateway wraps db as a Gateway.
func NewGateway(db *DB) Gateway {
	return &gateway{db: db}
}

func (g *gateway) WithTx(ctx context.Context, txOrNil *Tx, fn func(tx *Tx) error) error {
	return g.db.WithTx(ctx, txOrNil, fn)
}

func (g *gateway) ListUnfinishedBuilds(ctx context.Context) ([]BuildRow, error) {
	query, args, err := g.db.Dialect().From("builds").
		Select("id", "drv_path", "jobset_id", "project_name", "jobset_name", "name",
			"created_at", "max_silent_time", "timeout", "local_priority", "global_priority").
		Where(goqu.C("finished").IsFalse()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building ListUnfinishedBuilds query: %w", err)
	}

	var rows []BuildRow
	err = g.db.Read(nil, func(q Queryer) error {
		sqlRows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer sqlRows.Close()
		for sqlRows.Next() {
			var r BuildRow
			if err := sqlRows.Scan(&r.ID, &r.DrvPath, &r.JobsetID, &r.ProjectName, &r.JobsetName,
				&r.Name, &r.CreatedAt, &r.MaxSilentTime, &r.Timeout, &r.LocalPriority, &r.GlobalPriority); err != nil {
				return err
			}
			rows = append(rows, r)
		}
		return sqlRows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing unfinished builds: %w", err)
	}
	return rows, nil
}

func (g *gateway) GetBuild(ctx context.Context, id models.BuildID) (*BuildRow, error) {
	query, args, err := g.db.Dialect().From("builds").
		Select("id", "drv_path", "jobset_id", "project_name", "jobset_name", "name",
			"created_at", "max_silent_time", "timeout", "local_priority", "global_priority", "finished").
		Where(goqu.C("id").Eq(int64(id))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building GetBuild query: %w", err)
	}

	var r BuildRow
	err = g.db.Read(nil, func(q Queryer) error {
		row := q.QueryRowContext(ctx, query, args...)
		return row.Scan(&r.ID, &r.DrvPath, &r.JobsetID, &r.ProjectName, &r.JobsetName, &r.Name,
			&r.CreatedAt, &r.MaxSilentTime, &r.Timeout, &r.LocalPriority, &r.GlobalPriority, &r.Finished)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting build %d: %w", id, err)
	}
	return &r, nil
}

func (g *gateway) MarkBuildFinished(ctx context.Context, txOrNil *Tx, id models.BuildID, finished bool) error {
	query, args, err := g.db.Dialect().Update("builds").
		Set(goqu.Record{"finished": finished}).
		Where(goqu.C("id").Eq(int64(id))).
		ToSQL()
	if err != nil {
		return fmt.Errorf("building MarkBuildFinished query: %w", err)
	}
	return g.db.Write(txOrNil, func(e Execer) error {
		_, err := e.ExecContext(ctx, query, args...)
		return err
	})
}

func (g *gateway) UpsertBuildStep(ctx context.Context, txOrNil *Tx, buildID models.BuildID, drvPath models.StorePath, requiredSystem string) error {
	query, args, err := g.db.Dialect().Insert("buildsteps").
		Rows(goqu.Record{
			"build_id":        int64(buildID),
			"drv_path":        string(drvPath),
			"required_system": requiredSystem,
			"status":          int(models.StatusBusy),
		}).
		OnConflict(goqu.DoUpdate("build_id,drv_path", goqu.Record{"required_system": requiredSystem})).
		ToSQL()
	if err != nil {
		return fmt.Errorf("building UpsertBuildStep query: %w", err)
	}
	return g.db.Write(txOrNil, func(e Execer) error {
		_, err := e.ExecContext(ctx, query, args...)
		return err
	})
}

func (g *gateway) FinishBuildStep(ctx context.Context, txOrNil *Tx, result *models.RemoteBuildResult, buildID models.BuildID) error {
	return g.db.WithTx(ctx, txOrNil, func(tx *Tx) error {
		query, args, err := g.db.Dialect().Update("buildsteps").
			Set(goqu.Record{
				"status":     int(result.Status),
				"start_time": result.StartTime,
				"stop_time":  result.StopTime,
				"error_msg":  result.ErrorMessage,
				"busy":       false,
			}).
			Where(goqu.C("build_id").Eq(int64(buildID)), goqu.C("drv_path").Eq(string(result.DrvPath))).
			ToSQL()
		if err != nil {
			return fmt.Errorf("building FinishBuildStep query: %w", err)
		}
		if err := g.db.Write(tx, func(e Execer) error {
			_, err := e.ExecContext(ctx, query, args...)
			return err
		}); err != nil {
			return err
		}
		return g.notify(ctx, tx, "step_finished", string(result.DrvPath))
	})
}

func (g *gateway) InsertBuildStepOutput(ctx context.Context, txOrNil *Tx, buildID models.BuildID, drvPath models.StorePath, outputName string, path models.StorePath) error {
	query, args, err := g.db.Dialect().Insert("buildstepoutputs").
		Rows(goqu.Record{
			"build_id":    int64(buildID),
			"drv_path":    string(drvPath),
			"output_name": outputName,
			"path":        string(path),
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("building InsertBuildStepOutput query: %w", err)
	}
	return g.db.Write(txOrNil, func(e Execer) error {
		_, err := e.ExecContext(ctx, query, args...)
		return err
	})
}

func (g *gateway) InsertBuildProduct(ctx context.Context, txOrNil *Tx, p models.BuildProduct) error {
	query, args, err := g.db.Dialect().Insert("buildproducts").
		Rows(goqu.Record{
			"build_id":   int64(p.BuildID),
			"step_drv":   string(p.StepDrv),
			"type":       p.Type,
			"subtype":    p.Subtype,
			"file_name":  p.FileName,
			"path":       string(p.Path),
			"sha256_sum": p.Sha256Sum,
			"file_size":  p.FileSize,
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("building InsertBuildProduct query: %w", err)
	}
	return g.db.Write(txOrNil, func(e Execer) error {
		_, err := e.ExecContext(ctx, query, args...)
		return err
	})
}

func (g *gateway) InsertBuildMetric(ctx context.Context, txOrNil *Tx, m models.BuildMetric) error {
	query, args, err := g.db.Dialect().Insert("buildmetrics").
		Rows(goqu.Record{
			"build_id": int64(m.BuildID),
			"name":     m.Name,
			"unit":     m.Unit,
			"value":    m.Value,
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("building InsertBuildMetric query: %w", err)
	}
	return g.db.Write(txOrNil, func(e Execer) error {
		_, err := e.ExecContext(ctx, query, args...)
		return err
	})
}

func (g *gateway) ClearBusy(ctx context.Context) error {
	query, args, err := g.db.Dialect().Update("buildsteps").
		Set(goqu.Record{"busy": false, "status": int(models.StatusAborted)}).
		Where(goqu.C("busy").IsTrue()).
		ToSQL()
	if err != nil {
		return fmt.Errorf("building ClearBusy query: %w", err)
	}
	return g.db.Write(nil, func(e Execer) error {
		_, err := e.ExecContext(ctx, query, args...)
		return err
	})
}

func (g *gateway) GetJobsetSchedulingShares(ctx context.Context, jobsetID models.JobsetID) (int32, error) {
	query, args, err := g.db.Dialect().From("jobsets").
		Select("scheduling_shares").
		Where(goqu.C("id").Eq(int32(jobsetID))).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("building GetJobsetSchedulingShares query: %w", err)
	}
	var shares int32
	err = g.db.Read(nil, func(q Queryer) error {
		return q.QueryRowContext(ctx, query, args...).Scan(&shares)
	})
	if err != nil {
		return 0, fmt.Errorf("getting scheduling shares for jobset %d: %w", jobsetID, err)
	}
	return shares, nil
}

func (g *gateway) GetJobsetBuildSteps(ctx context.Context, jobsetID models.JobsetID, window time.Duration) ([]fairshare.StepWindowEntry, error) {
	cutoff := time.Now().Add(-window)
	query, args, err := g.db.Dialect().From("buildsteps").
		Join(goqu.T("builds"), goqu.On(goqu.Ex{"buildsteps.build_id": goqu.I("builds.id")})).
		Select("buildsteps.start_time", "buildsteps.stop_time").
		Where(
			goqu.I("builds.jobset_id").Eq(int32(jobsetID)),
			goqu.I("buildsteps.start_time").Gte(cutoff),
			goqu.I("buildsteps.stop_time").IsNotNull(),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building GetJobsetBuildSteps query: %w", err)
	}

	var out []fairshare.StepWindowEntry
	err = g.db.Read(nil, func(q Queryer) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e fairshare.StepWindowEntry
			if err := rows.Scan(&e.StartTime, &e.StopTime); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing recent build steps for jobset %d: %w", jobsetID, err)
	}
	return out, nil
}

func (g *gateway) ListJobsetShares(ctx context.Context) (map[fairshare.JobsetKey]int32, error) {
	query, args, err := g.db.Dialect().From("jobsets").
		Select("project_name", "name", "scheduling_shares").
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building ListJobsetShares query: %w", err)
	}

	out := make(map[fairshare.JobsetKey]int32)
	err = g.db.Read(nil, func(q Queryer) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k fairshare.JobsetKey
			var shares int32
			if err := rows.Scan(&k.ProjectName, &k.Name, &shares); err != nil {
				return err
			}
			out[k] = shares
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobset shares: %w", err)
	}
	return out, nil
}

// notify issues a NOTIFY on channel with payload, a no-op on drivers (e.g.
// sqlite) that don't support LISTEN/NOTIFY; those rely on the queue
// monitor's periodic poll alone.
func (g *gateway) notify(ctx context.Context, tx *Tx, channel, payload string) error {
	if g.db.Driver != Postgres {
		return nil
	}
	query := fmt.Sprintf("NOTIFY %s, %s", channel, pqQuoteLiteral(payload))
	return g.db.Write(tx, func(e Execer) error {
		_, err := e.ExecContext(ctx, query)
		return err
	})
}

func pqQuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
