// Package migrate brings the envelope schema up to date. Every applied file
// is recorded with its checksum, and a file that changed after it was
// applied stops the store from opening.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var embedded embed.FS

// ErrDrift reports an applied migration whose file no longer matches what
// was applied.
var ErrDrift = errors.New("migrate: applied migration was modified")

type step struct {
	version  int
	name     string
	body     string
	checksum string
}

type applied struct {
	name     string
	checksum string
}

// Runner applies the embedded migrations to one database.
type Runner struct {
	db    *sql.DB
	steps []step
	log   logrus.FieldLogger
}

// NewRunner creates a migration runner for the given database connection.
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db, log: logrus.WithField("component", "migrate")}
}

func loadSteps(fsys fs.FS, dir string) ([]step, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	seen := make(map[int]string)
	var steps []step
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: name must be <version>_<description>.sql", e.Name())
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil || ver <= 0 {
			return nil, fmt.Errorf("migration %s: bad version %q", e.Name(), prefix)
		}
		if other, dup := seen[ver]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, e.Name(), ver)
		}
		seen[ver] = e.Name()

		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(data)
		steps = append(steps, step{
			version:  ver,
			name:     e.Name(),
			body:     string(data),
			checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

func (r *Runner) load() ([]step, error) {
	if r.steps != nil {
		return r.steps, nil
	}
	steps, err := loadSteps(embedded, "migrations")
	if err != nil {
		return nil, err
	}
	r.steps = steps
	return steps, nil
}

func (r *Runner) bootstrap(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		checksum   VARCHAR NOT NULL DEFAULT '',
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`)
	return err
}

func (r *Runner) history(ctx context.Context) (map[int]applied, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version, name, checksum FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]applied)
	for rows.Next() {
		var v int
		var a applied
		if err := rows.Scan(&v, &a.name, &a.checksum); err != nil {
			return nil, err
		}
		out[v] = a
	}
	return out, rows.Err()
}

// plan checks the recorded history against the embedded files and returns
// the steps still to apply.
func (r *Runner) plan(ctx context.Context) ([]step, error) {
	if err := r.bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap schema_migrations: %w", err)
	}
	steps, err := r.load()
	if err != nil {
		return nil, err
	}
	done, err := r.history(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading migration history: %w", err)
	}

	var pending []step
	for _, s := range steps {
		a, ok := done[s.version]
		if !ok {
			pending = append(pending, s)
			continue
		}
		if a.checksum != s.checksum {
			return nil, fmt.Errorf("%w: %s (applied as %s)", ErrDrift, s.name, a.name)
		}
	}
	return pending, nil
}

// Run applies every pending migration in version order, each in its own
// transaction.
func (r *Runner) Run(ctx context.Context) error {
	pending, err := r.plan(ctx)
	if err != nil {
		return err
	}
	for _, s := range pending {
		if err := r.apply(ctx, s); err != nil {
			return err
		}
		r.log.WithFields(logrus.Fields{
			"version":  s.version,
			"checksum": s.checksum[:12],
		}).Infof("applied migration %s", s.name)
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, s step) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", s.name, err)
	}
	if _, err := tx.ExecContext(ctx, s.body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("executing %s: %w", s.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)",
		s.version, s.name, s.checksum); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("recording %s: %w", s.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", s.name, err)
	}
	return nil
}

// Current returns the highest applied version, 0 on a fresh database.
func (r *Runner) Current(ctx context.Context) (int, error) {
	if err := r.bootstrap(ctx); err != nil {
		return 0, fmt.Errorf("bootstrap schema_migrations: %w", err)
	}
	var v sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// Status returns the applied version and how many migrations are pending.
// It fails with ErrDrift when an applied file changed.
func (r *Runner) Status(ctx context.Context) (current, pending int, err error) {
	steps, err := r.plan(ctx)
	if err != nil {
		return 0, 0, err
	}
	current, err = r.Current(ctx)
	if err != nil {
		return 0, 0, err
	}
	return current, len(steps), nil
}
