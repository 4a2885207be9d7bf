package footprint

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run statuses stored in the ledger.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunPartial   = "completed_with_failures"
	RunAborted   = "aborted"
)

// Ledger records every tile outcome of every run in SQLite, which is what
// makes --resume possible.
type Ledger struct {
	db    *sql.DB
	runID string
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID      string
	Dataset    string
	PlanKey    string
	Status     string
	TileCount  int
	StartedAt  time.Time
	FinishedAt time.Time
	Succeeded  int
	Empty      int
	Failed     int
	Footprints int
	Buildings  int
	Error      string
}

// TileRecord is one row of the tile_results table.
type TileRecord struct {
	TileID     int
	I, J       int
	Bounds     BoundingBox
	Status     TileStatus
	WorkerID   int
	Footprints int
	Duration   time.Duration
	Error      string
}

// OpenLedger opens (creating if needed) the ledger database at path and
// brings its schema up to date.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	// A single connection keeps the single-writer sink and the readers on
	// one SQLite handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring ledger: %w", err)
	}
	if err := migrateLedger(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func migrateLedger(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load ledger migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// m is not closed: that would close db as well.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ledger migration failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// RunID is the identifier of the run started by BeginRun.
func (l *Ledger) RunID() string { return l.runID }

// BeginRun starts a new run and returns its identifier. Subsequent Append
// calls record tiles under it.
func (l *Ledger) BeginRun(dataset, planKey string, tileCount int) (string, error) {
	id := uuid.New().String()
	_, err := l.db.Exec(`INSERT INTO runs (run_id, dataset, plan_key, status, tile_count, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, dataset, planKey, RunRunning, tileCount, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("recording run start: %w", err)
	}
	l.runID = id
	Logf("[ledger] run %s started (%d tiles)", id, tileCount)
	return id, nil
}

// Append records one tile outcome under the current run.
func (l *Ledger) Append(out TileOutcome) error {
	if l.runID == "" {
		return errors.New("ledger: Append before BeginRun")
	}
	var errText sql.NullString
	if out.Err != nil {
		errText = sql.NullString{String: out.Err.Error(), Valid: true}
	}
	b := out.Tile.Bounds
	_, err := l.db.Exec(`INSERT INTO tile_results
		(run_id, tile_id, tile_col, tile_row, min_x, min_y, max_x, max_y, status, worker_id, footprints, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.runID, out.Tile.ID, out.Tile.I, out.Tile.J, b.MinX, b.MinY, b.MaxX, b.MaxY,
		string(out.Status()), out.WorkerID, len(out.Footprints), out.Duration.Milliseconds(), errText)
	if err != nil {
		return fmt.Errorf("recording tile %d: %w", out.Tile.ID, err)
	}
	return nil
}

// FinishRun closes the current run with its final status and counts.
func (l *Ledger) FinishRun(status string, summary RunSummary, buildings int, runErr error) error {
	if l.runID == "" {
		return errors.New("ledger: FinishRun before BeginRun")
	}
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := l.db.Exec(`UPDATE runs SET status = ?, finished_at = ?, succeeded = ?, empty = ?,
		failed = ?, footprints = ?, buildings = ?, error = ? WHERE run_id = ?`,
		status, formatTime(time.Now()), summary.Succeeded, summary.Empty, summary.Failed,
		summary.Footprints, buildings, errText, l.runID)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	Logf("[ledger] run %s %s", l.runID, status)
	return nil
}

// LastFinishedRun returns the most recent finished run for a dataset and
// tile plan, or nil when there is none.
func (l *Ledger) LastFinishedRun(dataset, planKey string) (*RunRecord, error) {
	row := l.db.QueryRow(`SELECT run_id, dataset, plan_key, status, tile_count, started_at,
			COALESCE(finished_at, ''), succeeded, empty, failed, footprints, buildings, COALESCE(error, '')
		FROM runs
		WHERE dataset = ? AND plan_key = ? AND finished_at IS NOT NULL
		ORDER BY started_at DESC, rowid DESC LIMIT 1`, dataset, planKey)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Run loads one run by ID.
func (l *Ledger) Run(runID string) (*RunRecord, error) {
	row := l.db.QueryRow(`SELECT run_id, dataset, plan_key, status, tile_count, started_at,
			COALESCE(finished_at, ''), succeeded, empty, failed, footprints, buildings, COALESCE(error, '')
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*RunRecord, error) {
	var rec RunRecord
	var started, finished string
	err := row.Scan(&rec.RunID, &rec.Dataset, &rec.PlanKey, &rec.Status, &rec.TileCount, &started,
		&finished, &rec.Succeeded, &rec.Empty, &rec.Failed, &rec.Footprints, &rec.Buildings, &rec.Error)
	if err != nil {
		return nil, err
	}
	rec.StartedAt = parseTime(started)
	rec.FinishedAt = parseTime(finished)
	return &rec, nil
}

// CompletedTiles returns, for the last finished run of the same dataset and
// tile plan, the tiles that ended ok or empty together with their footprint
// counts. The map is empty when there is nothing to resume from.
func (l *Ledger) CompletedTiles(dataset, planKey string) (map[int]int, error) {
	done := make(map[int]int)
	last, err := l.LastFinishedRun(dataset, planKey)
	if err != nil {
		return nil, fmt.Errorf("finding previous run: %w", err)
	}
	if last == nil {
		return done, nil
	}
	rows, err := l.db.Query(`SELECT tile_id, footprints FROM tile_results
		WHERE run_id = ? AND status IN (?, ?)`, last.RunID, string(TileOK), string(TileEmpty))
	if err != nil {
		return nil, fmt.Errorf("loading completed tiles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		done[id] = n
	}
	return done, rows.Err()
}

// TileResults lists the tile records of a run in tile order.
func (l *Ledger) TileResults(runID string) ([]TileRecord, error) {
	rows, err := l.db.Query(`SELECT tile_id, tile_col, tile_row, min_x, min_y, max_x, max_y, status, worker_id,
			footprints, duration_ms, COALESCE(error, '')
		FROM tile_results WHERE run_id = ? ORDER BY tile_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading tile results: %w", err)
	}
	defer rows.Close()

	var out []TileRecord
	for rows.Next() {
		var r TileRecord
		var status string
		var ms int64
		if err := rows.Scan(&r.TileID, &r.I, &r.J, &r.Bounds.MinX, &r.Bounds.MinY, &r.Bounds.MaxX,
			&r.Bounds.MaxY, &status, &r.WorkerID, &r.Footprints, &ms, &r.Error); err != nil {
			return nil, err
		}
		r.Status = TileStatus(status)
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunStatusFor maps a run's outcome onto the ledger status strings.
func RunStatusFor(summary RunSummary, runErr error) string {
	switch {
	case runErr != nil:
		return RunAborted
	case summary.HasFailures():
		return RunPartial
	default:
		return RunSucceeded
	}
}

// timeLayout has a fixed-width fraction so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
