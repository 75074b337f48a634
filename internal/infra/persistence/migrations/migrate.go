// Package migrations runs golang-migrate against the activity store.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/activitybus/internal/infra/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be positive")
	errNoDSN        = errors.New("database dsn required")
)

// Source is a set of *.up.sql / *.down.sql files.
type Source struct {
	name string
	fsys fs.FS
}

// Name labels the source in logs and metrics.
func (s Source) Name() string { return s.name }

// Embedded wraps migrations compiled into the binary.
func Embedded(fsys fs.FS) (Source, error) {
	if fsys == nil {
		return Source{}, errors.New("embedded migrations required")
	}
	return Source{name: "embedded", fsys: fsys}, nil
}

// Dir reads migrations from a directory on disk.
func Dir(path string) (Source, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return Source{}, errors.New("migrations path required")
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return Source{}, fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Source{}, fmt.Errorf("migrations directory: %w", err)
	}
	if !info.IsDir() {
		return Source{}, fmt.Errorf("migrations directory %s: %w", abs, errNotDirectory)
	}
	return Source{name: abs, fsys: os.DirFS(abs)}, nil
}

// Runner applies one Source to one database.
type Runner struct {
	dsn    string
	src    Source
	logger *log.Logger
	runs   metric.Int64Counter
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger enables informational logging.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner validates its inputs without touching the database.
func NewRunner(dsn string, src Source, opts ...Option) (*Runner, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errNoDSN
	}
	if src.fsys == nil {
		return nil, errors.New("migrations source required")
	}
	r := &Runner{dsn: dsn, src: src}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	runs, err := otel.Meter("persistence.migrations").Int64Counter("activitybus_db_migrations_total",
		metric.WithDescription("Migration runs by outcome"),
		metric.WithUnit("{run}"))
	if err == nil {
		r.runs = runs
	}
	return r, nil
}

// Up applies every pending migration.
func (r *Runner) Up(ctx context.Context) error {
	r.logf("applying migrations from %s", r.src.name)
	return r.run(ctx, "apply", func(m *migrate.Migrate) error { return m.Up() })
}

// Down reverts the latest steps migrations.
func (r *Runner) Down(ctx context.Context, steps int) error {
	if steps <= 0 {
		return errInvalidSteps
	}
	r.logf("rolling back %d migration(s) from %s", steps, r.src.name)
	return r.run(ctx, "rollback", func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

// Version reports the applied schema version. ok is false on an empty database.
func (r *Runner) Version(ctx context.Context) (version uint, dirty bool, ok bool, err error) {
	err = r.with(ctx, func(m *migrate.Migrate) error {
		v, d, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		if verr != nil {
			return verr
		}
		version, dirty, ok = v, d, true
		return nil
	})
	if err != nil {
		return 0, false, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, ok, nil
}

func (r *Runner) run(ctx context.Context, op string, step func(*migrate.Migrate) error) error {
	err := r.with(ctx, step)
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		r.record(ctx, op, "noop")
		r.logf("schema already current")
		return nil
	case err != nil:
		r.record(ctx, op, "failed")
		return fmt.Errorf("%s migrations: %w", op, err)
	}
	r.record(ctx, op, "ok")
	r.logf("%s finished", op)
	return nil
}

func (r *Runner) with(ctx context.Context, fn func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}
	target, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("pgx v5 migrate driver: %w", err)
	}
	files, err := iofs.New(r.src.fsys, ".")
	if err != nil {
		return fmt.Errorf("open migrations %s: %w", r.src.name, err)
	}
	m, err := migrate.NewWithInstance("iofs", files, "pgx5", target)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if cerr := errors.Join(srcErr, dbErr); cerr != nil {
			r.logf("close migrator: %v", cerr)
		}
	}()
	return fn(m)
}

func (r *Runner) record(ctx context.Context, op, result string) {
	if r.runs == nil {
		return
	}
	r.runs.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(op),
		telemetry.AttrResult.String(result),
		attribute.String("migrations_source", r.src.name),
	))
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// ApplyEmbedded is the startup path: build a Runner over fsys and run Up.
func ApplyEmbedded(ctx context.Context, dsn string, fsys fs.FS, logger *log.Logger) error {
	src, err := Embedded(fsys)
	if err != nil {
		return err
	}
	runner, err := NewRunner(dsn, src, WithLogger(logger))
	if err != nil {
		return err
	}
	return runner.Up(ctx)
}
