// Package store persists calibration results in SQLite.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/filtercal/internal/calibrate"
	"github.com/banshee-data/filtercal/internal/grid"
	"github.com/banshee-data/filtercal/internal/monitoring"
	"github.com/banshee-data/filtercal/internal/scorer"
	"github.com/banshee-data/filtercal/internal/search"
	"github.com/banshee-data/filtercal/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	busyRetries = 5
	busyBackoff = 50 * time.Millisecond

	// createdAtLayout is fixed width so created_at text sorts in time order.
	createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrNotFound is returned when a run ID matches no stored calibration.
var ErrNotFound = errors.New("calibration not found")

// Store is a SQLite-backed archive of calibration runs.
type Store struct {
	db    *sql.DB
	clock timeutil.Clock
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	s, err := OpenUnmigrated(path)
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenUnmigrated opens the database at path without touching its schema,
// for the migrate command.
func OpenUnmigrated(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection so per-connection pragmas hold for every statement
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	return &Store{db: db, clock: timeutil.RealClock{}}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// MigrateUp runs all pending migrations up to the latest version.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version and dirty state.
// Returns 0, false, nil if no migrations have been applied yet.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// MigrateDown rolls back the most recent migration.
func (s *Store) MigrateDown() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// MigrateTo migrates up or down to version.
func (s *Store) MigrateTo(version uint) error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	return nil
}

// MigrateForce sets the recorded version without running migrations.
// It is only for recovering from a dirty migration.
func (s *Store) MigrateForce(version int) error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("force migration to version %d failed: %w", version, err)
	}
	return nil
}

// LatestVersion returns the highest migration version embedded in the
// binary.
func LatestVersion() (uint, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return 0, err
	}
	var latest uint
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		if uint(v) > latest {
			latest = uint(v)
		}
	}
	return latest, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Debugf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// retryOnBusy retries fn while SQLite reports the database as locked.
func (s *Store) retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		if attempt < busyRetries-1 {
			s.clock.Sleep(busyBackoff * time.Duration(attempt+1))
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// SaveResult stores a run and every evaluation it scored.
func (s *Store) SaveResult(res *calibrate.Result) error {
	if res == nil || res.ID == "" {
		return errors.New("result has no id")
	}
	noise, err := json.Marshal(res.Noise)
	if err != nil {
		return fmt.Errorf("encoding noise: %w", err)
	}
	speed, err := json.Marshal(res.Speed)
	if err != nil {
		return fmt.Errorf("encoding speed: %w", err)
	}
	crit, err := json.Marshal(res.Criterion)
	if err != nil {
		return fmt.Errorf("encoding criterion: %w", err)
	}
	score, err := json.Marshal(res.Score)
	if err != nil {
		return fmt.Errorf("encoding score: %w", err)
	}

	err = s.retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.Exec(`
			INSERT INTO calibration_runs (
				run_id, label, created_at, sample_rate_hz, seed, objective,
				jitter, cutoff, beta, precision, lag_seconds, lag_samples, settled,
				evaluated, feasible, noise_json, speed_json, criterion_json, score_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.ID, nullStr(res.Label), res.CreatedAt.UTC().Format(createdAtLayout),
			res.SampleRate, int64(res.Seed), res.Objective,
			res.Candidate.Jitter, res.Candidate.Cutoff, res.Candidate.Beta,
			res.Precision, res.LagSeconds, res.Score.LagSamples, res.Score.Settled,
			res.Evaluated, res.Feasible,
			string(noise), string(speed), string(crit), string(score),
		)
		if err != nil {
			return err
		}

		stmt, err := tx.Prepare(`
			INSERT INTO calibration_evaluations (
				run_id, grid_index, jitter, cutoff, beta, precision, lag_seconds,
				feasible, fitness, score_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range res.Evaluations {
			sc, err := json.Marshal(e.Score)
			if err != nil {
				return fmt.Errorf("encoding score for candidate %d: %w", e.Index, err)
			}
			if _, err := stmt.Exec(res.ID, e.Index,
				e.Candidate.Jitter, e.Candidate.Cutoff, e.Candidate.Beta,
				e.Score.Precision, e.Score.LagSeconds, e.Feasible,
				nullFinite(e.Fitness), string(sc),
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("saving calibration %s: %w", res.ID, err)
	}
	return nil
}

// GetResult returns a stored run with its evaluations, or nil if id is
// unknown.
func (s *Store) GetResult(id string) (*calibrate.Result, error) {
	var res calibrate.Result
	var label sql.NullString
	var createdAt, noise, speed, crit, score string
	var seed int64

	err := s.db.QueryRow(`
		SELECT run_id, label, created_at, sample_rate_hz, seed, objective,
		       jitter, cutoff, beta, precision, lag_seconds, evaluated, feasible,
		       noise_json, speed_json, criterion_json, score_json
		FROM calibration_runs
		WHERE run_id = ?`, id).Scan(
		&res.ID, &label, &createdAt, &res.SampleRate, &seed, &res.Objective,
		&res.Candidate.Jitter, &res.Candidate.Cutoff, &res.Candidate.Beta,
		&res.Precision, &res.LagSeconds, &res.Evaluated, &res.Feasible,
		&noise, &speed, &crit, &score,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying calibration %s: %w", id, err)
	}

	res.Label = label.String
	res.Seed = uint64(seed)
	if res.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for calibration %s: %w", id, err)
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  interface{}
	}{
		{"noise", noise, &res.Noise},
		{"speed", speed, &res.Speed},
		{"criterion", crit, &res.Criterion},
		{"score", score, &res.Score},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decoding %s for calibration %s: %w", f.name, id, err)
		}
	}

	if res.Evaluations, err = s.evaluations(id); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Store) evaluations(id string) ([]search.Evaluation, error) {
	rows, err := s.db.Query(`
		SELECT grid_index, jitter, cutoff, beta, feasible, fitness, score_json
		FROM calibration_evaluations
		WHERE run_id = ?
		ORDER BY grid_index`, id)
	if err != nil {
		return nil, fmt.Errorf("querying evaluations for %s: %w", id, err)
	}
	defer rows.Close()

	var out []search.Evaluation
	for rows.Next() {
		var e search.Evaluation
		var fitness sql.NullFloat64
		var score string
		if err := rows.Scan(&e.Index, &e.Candidate.Jitter, &e.Candidate.Cutoff, &e.Candidate.Beta,
			&e.Feasible, &fitness, &score); err != nil {
			return nil, fmt.Errorf("scanning evaluation for %s: %w", id, err)
		}
		e.Fitness = math.Inf(1)
		if fitness.Valid {
			e.Fitness = fitness.Float64
		}
		var sc scorer.Score
		if err := json.Unmarshal([]byte(score), &sc); err != nil {
			return nil, fmt.Errorf("decoding score for %s candidate %d: %w", id, e.Index, err)
		}
		e.Score = sc
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunSummary is a list-view row: the run and its winner without the
// evaluations.
type RunSummary struct {
	ID         string         `json:"id"`
	Label      string         `json:"label,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Objective  string         `json:"objective"`
	Candidate  grid.Candidate `json:"candidate"`
	Precision  float64        `json:"precision"`
	LagSeconds float64        `json:"lag_seconds"`
	Evaluated  int            `json:"evaluated"`
}

// ListResults returns up to limit runs, newest first. A non-positive limit
// returns every run.
func (s *Store) ListResults(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT run_id, label, created_at, objective, jitter, cutoff, beta,
		       precision, lag_seconds, evaluated
		FROM calibration_runs
		ORDER BY created_at DESC, run_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing calibrations: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var label sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &label, &createdAt, &r.Objective,
			&r.Candidate.Jitter, &r.Candidate.Cutoff, &r.Candidate.Beta,
			&r.Precision, &r.LagSeconds, &r.Evaluated); err != nil {
			return nil, fmt.Errorf("scanning calibration: %w", err)
		}
		r.Label = label.String
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for calibration %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteResult removes a run and its evaluations. It returns ErrNotFound
// when id matches no run.
func (s *Store) DeleteResult(id string) error {
	var n int64
	err := s.retryOnBusy(func() error {
		r, err := s.db.Exec(`DELETE FROM calibration_runs WHERE run_id = ?`, id)
		if err != nil {
			return err
		}
		n, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting calibration %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("deleting calibration %s: %w", id, ErrNotFound)
	}
	return nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullFinite maps infinities to NULL.
func nullFinite(f float64) interface{} {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	return f
}
