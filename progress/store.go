package progress

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// StoreFileName is the curve database created inside a run log directory.
const StoreFileName = "curves.db"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUnknownRun is returned when events are requested for a run that was never started.
var ErrUnknownRun = errors.New("unknown run")

// RunInfo describes a started training run.
type RunInfo struct {
	ID        string    `json:"id"`
	Survey    string    `json:"survey"`
	Model     string    `json:"model"`
	Dir       string    `json:"dir"`
	StartedAt time.Time `json:"started_at"`
}

// Store persists training curves in sqlite. Writes are serialised; reads may
// run concurrently with training.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger zerolog.Logger
}

// OpenStore opens (or creates) the curve database at path and applies the
// schema migrations.
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open curve store: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenRunStore opens the store kept in a run log directory.
func OpenRunStore(dir string, logger zerolog.Logger) (*Store, error) {
	return OpenStore(filepath.Join(dir, StoreFileName), logger)
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: that would close s.db.
	m.Log = &migrateLogger{logger: s.logger}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct {
	logger zerolog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug().Msgf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun registers a new run and returns a sink bound to it.
func (s *Store) StartRun(survey, model, dir string) (*Run, error) {
	info := RunInfo{
		ID:        uuid.NewString(),
		Survey:    survey,
		Model:     model,
		Dir:       dir,
		StartedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, survey, model_type, log_dir, started_at) VALUES (?, ?, ?, ?, ?)`,
		info.ID, info.Survey, info.Model, info.Dir, info.StartedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	return &Run{Info: info, store: s}, nil
}

// Record stores every metric of e under e.RunID. A repeated (chunk, epoch,
// metric) replaces the earlier value.
func (s *Store) Record(e Event) error {
	if e.RunID == "" {
		return fmt.Errorf("event has no run id")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO curve_points
		(run_id, chunk, epoch, metric, value, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for name, v := range e.Metrics {
		if _, err := stmt.Exec(e.RunID, e.Chunk, e.Epoch, name, v, e.At.UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// Runs lists every run, oldest first.
func (s *Store) Runs() ([]RunInfo, error) {
	rows, err := s.db.Query(`SELECT run_id, survey, model_type, log_dir, started_at FROM runs ORDER BY started_at, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var (
			r  RunInfo
			ns int64
		)
		if err := rows.Scan(&r.ID, &r.Survey, &r.Model, &r.Dir, &ns); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, ns).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run looks up a single run.
func (s *Store) Run(id string) (RunInfo, error) {
	var (
		r  RunInfo
		ns int64
	)
	err := s.db.QueryRow(`SELECT run_id, survey, model_type, log_dir, started_at FROM runs WHERE run_id = ?`, id).
		Scan(&r.ID, &r.Survey, &r.Model, &r.Dir, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	if err != nil {
		return RunInfo{}, err
	}
	r.StartedAt = time.Unix(0, ns).UTC()
	return r, nil
}

// Events regroups the stored points of a run into events ordered by chunk
// then epoch.
func (s *Store) Events(runID string) ([]Event, error) {
	if _, err := s.Run(runID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT chunk, epoch, metric, value, recorded_at FROM curve_points WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type key struct{ chunk, epoch int }
	grouped := make(map[key]*Event)
	for rows.Next() {
		var (
			k      key
			metric string
			value  float64
			ns     int64
		)
		if err := rows.Scan(&k.chunk, &k.epoch, &metric, &value, &ns); err != nil {
			return nil, err
		}
		e, ok := grouped[k]
		if !ok {
			e = &Event{RunID: runID, Chunk: k.chunk, Epoch: k.epoch, Metrics: make(map[string]float64)}
			grouped[k] = e
		}
		e.Metrics[metric] = value
		if at := time.Unix(0, ns).UTC(); at.After(e.At) {
			e.At = at
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(grouped))
	for _, e := range grouped {
		events = append(events, *e)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Chunk != events[j].Chunk {
			return events[i].Chunk < events[j].Chunk
		}
		return events[i].Epoch < events[j].Epoch
	})
	return events, nil
}

// Run is a Sink bound to one run of a Store.
type Run struct {
	Info  RunInfo
	store *Store
}

// Record stamps e with the run id and stores it.
func (r *Run) Record(e Event) error {
	e.RunID = r.Info.ID
	return r.store.Record(e)
}
