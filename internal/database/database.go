// Package database persists watermarks, workflow reports and shared secrets.
// It hides the differences between the supported SQL backends from the rest
// of the codebase.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/achille-roussel/sqlrange"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib" // database/sql compatible driver for pgx
	sqldblogger "github.com/simukti/sqldb-logger"
	"github.com/simukti/sqldb-logger/logadapter/zerologadapter"
	"modernc.org/sqlite"

	"github.com/repoherd/repoherd/internal/config"
	"github.com/repoherd/repoherd/internal/logging"
	"github.com/repoherd/repoherd/internal/repos"
)

const (
	kindSQLite = iota
	kindPostgres
)

const SQLiteMemoryOnlyDSN = "file::memory:?cache=shared"

// Database implements the persistence operations. All queries are logged at
// debug level through the configured logger.
type Database struct {
	db     *sql.DB
	config *config.Database
	kind   int
	log    *logging.Logger
}

func New() *Database {
	return &Database{log: logging.NewNopLogger()}
}

func (d *Database) WithConfig(config *config.Database) *Database {
	d.config = config
	return d
}

func (d *Database) WithLogger(log *logging.Logger) *Database {
	d.log = log
	return d
}

func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Dialect() string {
	if d.kind == kindPostgres {
		return "postgresql"
	}
	return "sqlite"
}

// InitDB opens the configured database and applies pending migrations. It is
// idempotent: a database that is already open is left alone.
func (d *Database) InitDB(ctx context.Context) error {
	if d.db != nil {
		return nil
	}

	adapter := zerologadapter.New(d.log.ZeroLog())

	switch {
	case d.config == nil || d.config.SQL == nil || d.config.SQL.Driver == "sqlite" || d.config.SQL.Driver == "sqlite3":
		dsn := SQLiteMemoryOnlyDSN
		if d.config != nil && d.config.SQL != nil && d.config.SQL.DSN != "" {
			dsn = os.ExpandEnv(d.config.SQL.DSN)
		}
		d.kind = kindSQLite
		d.db = sqldblogger.OpenDriver(dsn, &sqlite.Driver{}, adapter)
		if _, err := d.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return err
		}

	case d.config.SQL.Driver == "postgres" || d.config.SQL.Driver == "pgx":
		dsn := os.ExpandEnv(d.config.SQL.DSN)
		if _, err := pgx.ParseConfig(dsn); err != nil {
			return err
		}
		d.kind = kindPostgres
		d.db = sqldblogger.OpenDriver(dsn, stdlib.GetDefaultDriver(), adapter)

	default:
		return fmt.Errorf("unsupported database driver: %s", d.config.SQL.Driver)
	}

	return d.migrate(ctx)
}

func (d *Database) CloseDB() {
	if d.db != nil {
		d.db.Close()
		d.db = nil
	}
}

// GetWatermark returns the last recorded watermark for the repository, or nil
// when the repository has never been synchronized.
func (d *Database) GetWatermark(ctx context.Context, repo repos.Ref) (*repos.Watermark, error) {
	var wm repos.Watermark
	err := d.db.QueryRowContext(ctx,
		`SELECT commit_sha, synced_at FROM watermarks WHERE repository = `+d.arg(0),
		repo.Key()).Scan(&wm.Commit, &wm.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wm, nil
}

// UpsertWatermark records the watermark reached by a sync pass. Unless force
// is set the stored watermark only moves forward in time; a stale write from
// a pass that raced a forced re-clone is dropped.
func (d *Database) UpsertWatermark(ctx context.Context, repo repos.Ref, wm repos.Watermark, force bool) error {
	return tx(ctx, d, func(tx *sql.Tx) error {
		var syncedAt time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT synced_at FROM watermarks WHERE repository = `+d.arg(0),
			repo.Key()).Scan(&syncedAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil && !force && wm.SyncedAt.Before(syncedAt) {
			d.log.Debugf("Dropping stale watermark for %s", repo)
			return nil
		}
		_, err = tx.ExecContext(ctx, d.upsert("watermarks",
			[]string{"repository", "commit_sha", "synced_at"},
			[]string{"repository"}),
			repo.Key(), wm.Commit, wm.SyncedAt)
		return err
	})
}

// InsertReport appends a workflow report. Reports are never updated.
func (d *Database) InsertReport(ctx context.Context, r repos.Report) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO reports (repository, state, attempts, duration, changed_paths, error_kind, error, timestamp) VALUES (`+
			strings.Join(d.args(8), ", ")+`)`,
		r.Repository, r.State, r.Attempts, int64(r.Duration), r.ChangedPaths, string(r.ErrorKind), r.Error, r.Timestamp)
	return err
}

// ReportsSince streams reports recorded at or after the given timestamp in
// insertion order.
func (d *Database) ReportsSince(since time.Time) func(context.Context) iter.Seq2[repos.Report, error] {
	return func(ctx context.Context) iter.Seq2[repos.Report, error] {
		return sqlrange.QueryContext[repos.Report](ctx,
			d.db,
			`SELECT repository, state, attempts, duration, changed_paths, error_kind, error, timestamp FROM reports WHERE timestamp >= `+
				d.arg(0)+` ORDER BY id`,
			since)
	}
}

func (d *Database) arg(i int) string {
	if d.kind == kindPostgres {
		return "$" + strconv.Itoa(i+1)
	}
	return "?"
}

func (d *Database) args(n int) []string {
	args := make([]string, n)
	for i := range n {
		args[i] = d.arg(i)
	}
	return args
}

func (d *Database) upsert(table string, columns, primaryKey []string) string {
	set := make([]string, 0, len(columns))
	for _, c := range columns {
		if !slices.Contains(primaryKey, c) { // do not update primary key columns
			set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		table, strings.Join(columns, ", "),
		strings.Join(d.args(len(columns)), ", "),
		strings.Join(primaryKey, ", "),
		strings.Join(set, ", "))
}

func tx(ctx context.Context, db *Database, f func(*sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := f(tx); err != nil {
		return err
	}

	return tx.Commit()
}
