// Package store is the database gateway: typed queries and transactions the
// rest of the queue runner calls, without any component reaching for raw SQL
// of its own. It mirrors the teacher's store package almost exactly (the
// WithTx reuse-or-begin pattern, sqlite serialized via a per-DB lock
// since sqlite has no true concurrent writers) but against this module's own
// schema (builds/buildsteps/buildstepoutputs/buildproducts/buildmetrics/jobsets).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Driver names a supported SQL backend.
type Driver string

const (
	Postgres Driver = "postgres"
	SQLite   Driver = "sqlite3"

	DefaultMaxIdleConnections = 2
	DefaultMaxOpenConnections = 4
)

// Config describes how to connect to the backing relational store.
type Config struct {
	Driver             Driver
	ConnectionString   string
	MaxIdleConnections int
	MaxOpenConnections int
}

// DB is the database gateway handle: a *sqlx.DB plus the goqu dialect bound
// to whichever driver is in use, and the mutex that serializes sqlite
// writers (sqlite has no real concurrent-write support; Postgres needs none
// of this and the lock is a no-op there).
type DB struct {
	*sqlx.DB
	Driver Driver
	dialect goqu.DialectWrapper
	lock    sync.RWMutex
}

// Tx wraps a single database transaction.
type Tx struct {
	tx *sqlx.Tx
}

// Queryer is anything that can run parameterized reads.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Execer is anything that can run parameterized writes, in addition to reads.
type Execer interface {
	Queryer
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Open connects to the configured database, applying sqlite-specific file
// setup if needed, and returns a ready-to-use gateway plus a close function.
func Open(ctx context.Context, cfg Config) (*DB, func() error, error) {
	switch cfg.Driver {
	case SQLite:
		if err := ensureSQLiteFile(cfg.ConnectionString); err != nil {
			return nil, nil, err
		}
	case Postgres:
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	sqlxDB, err := sqlx.Open(string(cfg.Driver), cfg.ConnectionString)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}
	if err := sqlxDB.PingContext(ctx); err != nil {
		sqlxDB.Close()
		return nil, nil, fmt.Errorf("pinging %s database: %w", cfg.Driver, err)
	}

	if cfg.MaxIdleConnections == 0 {
		cfg.MaxIdleConnections = DefaultMaxIdleConnections
	}
	if cfg.MaxOpenConnections == 0 {
		cfg.MaxOpenConnections = DefaultMaxOpenConnections
	}
	sqlxDB.SetMaxIdleConns(cfg.MaxIdleConnections)
	sqlxDB.SetMaxOpenConns(cfg.MaxOpenConnections)

	dialect := "postgres"
	if cfg.Driver == SQLite {
		dialect = "sqlite3"
	}

	db := &DB{
		DB:      sqlxDB,
		Driver:  cfg.Driver,
		dialect: goqu.Dialect(dialect),
	}
	return db, db.DB.Close, nil
}

func ensureSQLiteFile(connectionString string) error {
	if strings.Contains(connectionString, ":memory:") {
		return nil
	}
	const prefix = "file:"
	i := strings.Index(connectionString, prefix)
	if i == -1 {
		return nil
	}
	i += len(prefix)
	path := connectionString[i:]
	if e := strings.IndexByte(path, '?'); e != -1 {
		path = path[:e]
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("ensuring database directory exists: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0660)
	if err != nil {
		return fmt.Errorf("creating database file %q: %w", path, err)
	}
	return f.Close()
}

// WithTx runs fn inside a transaction, reusing txOrNil if one was already
// supplied by a caller further up the stack. On error the transaction is
// rolled back; otherwise it is committed.
func (d *DB) WithTx(ctx context.Context, txOrNil *Tx, fn func(tx *Tx) error) error {
	if txOrNil != nil {
		return fn(txOrNil)
	}

	if d.Driver == SQLite {
		d.lock.Lock()
		defer d.lock.Unlock()
	}

	tx, err := d.DB.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning database transaction")
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(rbErr, "rolling back after error: %s", err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing database transaction")
	}
	return nil
}

// Read runs fn with a Queryer bound either to txOrNil or to the pool,
// holding the sqlite read lock for the duration when there's no caller tx.
func (d *DB) Read(txOrNil *Tx, fn func(Queryer) error) error {
	if txOrNil != nil {
		return fn(txOrNil.tx)
	}
	if d.Driver == SQLite {
		d.lock.RLock()
		defer d.lock.RUnlock()
	}
	return fn(d.DB)
}

// Write runs fn with an Execer bound either to txOrNil or to the pool,
// holding the sqlite write lock for the duration when there's no caller tx.
func (d *DB) Write(txOrNil *Tx, fn func(Execer) error) error {
	if txOrNil != nil {
		return fn(txOrNil.tx)
	}
	if d.Driver == SQLite {
		d.lock.Lock()
		defer d.lock.Unlock()
	}
	return fn(d.DB)
}

func (d *DB) Dialect() goqu.DialectWrapper { return d.dialect }
