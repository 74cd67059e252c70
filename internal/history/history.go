// Package history keeps a ledger of geocoding runs in a SQL database so that
// an interrupted run can be resumed and finished runs can be audited.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"batchgeocode/internal/jobs"
)

const (
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql"
)

var ErrNotFound = errors.New("no unfinished run recorded")

var schema = map[string]string{
	DriverPostgres: `CREATE TABLE IF NOT EXISTS geocode_runs (
	run_id      VARCHAR(36) PRIMARY KEY,
	input_path  TEXT NOT NULL,
	item_id     VARCHAR(128) NOT NULL,
	job_id      VARCHAR(128) NOT NULL,
	status      VARCHAR(64) NOT NULL,
	output_path TEXT NOT NULL,
	checksum    VARCHAR(64) NOT NULL,
	error_text  TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NULL
)`,
	DriverMySQL: `CREATE TABLE IF NOT EXISTS geocode_runs (
	run_id      VARCHAR(36) PRIMARY KEY,
	input_path  TEXT NOT NULL,
	item_id     VARCHAR(128) NOT NULL,
	job_id      VARCHAR(128) NOT NULL,
	status      VARCHAR(64) NOT NULL,
	output_path TEXT NOT NULL,
	checksum    VARCHAR(64) NOT NULL,
	error_text  TEXT NOT NULL,
	started_at  DATETIME(3) NOT NULL,
	finished_at DATETIME(3) NULL
)`,
}

// Run is one row of the ledger.
type Run struct {
	ID         uuid.UUID
	InputPath  string
	ItemID     string
	JobID      string
	Status     string
	OutputPath string
	Checksum   string
	Error      string
}

// Store persists runs.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the ledger database and creates the table if needed.
// MySQL DSNs should not rely on parseTime; only string columns are read back.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	store, err := New(db, driver, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open database handle.
func New(db *sql.DB, driver string, logger *slog.Logger) (*Store, error) {
	if _, ok := schema[driver]; !ok {
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, driver: driver, logger: logger, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the ledger table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema[s.driver]); err != nil {
		return fmt.Errorf("create geocode_runs: %w", err)
	}
	return nil
}

// Start inserts a new run.
func (s *Store) Start(ctx context.Context, run Run) error {
	query := s.bind(`INSERT INTO geocode_runs
	(run_id, input_path, item_id, job_id, status, output_path, checksum, error_text, started_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		run.ID.String(), run.InputPath, run.ItemID, run.JobID, run.Status,
		run.OutputPath, run.Checksum, run.Error, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// SetItem records the uploaded item id.
func (s *Store) SetItem(ctx context.Context, id uuid.UUID, itemID string) error {
	return s.update(ctx, id, "item_id", itemID)
}

// SetJob records the submitted job id.
func (s *Store) SetJob(ctx context.Context, id uuid.UUID, jobID string) error {
	return s.update(ctx, id, "job_id", jobID)
}

// SetStatus records the last job status seen.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.update(ctx, id, "status", status)
}

// Finish closes a run with its outcome.
func (s *Store) Finish(ctx context.Context, id uuid.UUID, status, outputPath, checksum, errText string) error {
	query := s.bind(`UPDATE geocode_runs
	SET status = ?, output_path = ?, checksum = ?, error_text = ?, finished_at = ?
	WHERE run_id = ?`)
	_, err := s.db.ExecContext(ctx, query, status, outputPath, checksum, errText, s.now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	return nil
}

// LatestUnfinished returns the most recent run that reached job submission
// but never finished.
func (s *Store) LatestUnfinished(ctx context.Context) (Run, error) {
	query := `SELECT run_id, input_path, item_id, job_id, status
	FROM geocode_runs
	WHERE finished_at IS NULL AND job_id <> ''
	ORDER BY started_at DESC
	LIMIT 1`

	var run Run
	var rawID string
	err := s.db.QueryRowContext(ctx, query).Scan(&rawID, &run.InputPath, &run.ItemID, &run.JobID, &run.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("query unfinished run: %w", err)
	}
	run.ID, err = uuid.Parse(rawID)
	if err != nil {
		return Run{}, fmt.Errorf("parse run id %q: %w", rawID, err)
	}
	return run, nil
}

// update sets a single column; column is always one of the literals above.
func (s *Store) update(ctx context.Context, id uuid.UUID, column, value string) error {
	query := s.bind("UPDATE geocode_runs SET " + column + " = ? WHERE run_id = ?")
	if _, err := s.db.ExecContext(ctx, query, value, id.String()); err != nil {
		return fmt.Errorf("update run %s %s: %w", id, column, err)
	}
	return nil
}

// bind rewrites ? placeholders into the driver's syntax.
func (s *Store) bind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Recorder records workflow progress for one run. Write failures are logged
// and never abort the run.
type Recorder struct {
	store *Store
	id    uuid.UUID
}

// Recorder returns a progress recorder for run id.
func (s *Store) Recorder(id uuid.UUID) *Recorder {
	return &Recorder{store: s, id: id}
}

func (r *Recorder) Uploaded(ctx context.Context, itemID string) {
	r.warn(r.store.SetItem(ctx, r.id, itemID))
}

func (r *Recorder) Submitted(ctx context.Context, jobID string) {
	r.warn(r.store.SetJob(ctx, r.id, jobID))
}

func (r *Recorder) StatusChanged(ctx context.Context, status jobs.Status) {
	r.warn(r.store.SetStatus(ctx, r.id, string(status)))
}

func (r *Recorder) warn(err error) {
	if err != nil {
		r.store.logger.Warn("history write failed", "run_id", r.id, "error", err)
	}
}
