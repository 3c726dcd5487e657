package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"sectionreg/internal/registration"
)

// DefaultDriver is the pure-Go sqlite driver; "sqlite3" selects the cgo driver.
const DefaultDriver = "sqlite"

// ErrNotFound is returned when a run or job does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for jobs and registration runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the default driver.
func New(path string) (*Store, error) {
	return Open(DefaultDriver, path)
}

// Open opens the database at path with the named driver and ensures schema.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DefaultDriver
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; serializing here avoids SQLITE_BUSY under the worker pool.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT,
            run_id TEXT,
            result_path TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS registration_runs (
            id TEXT PRIMARY KEY,
            results_path TEXT NOT NULL,
            swapped BOOLEAN DEFAULT FALSE,
            record_count INTEGER NOT NULL,
            complete_count INTEGER NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS registration_records (
            run_id TEXT NOT NULL,
            seq INTEGER NOT NULL,
            fixed_slice INTEGER,
            moving_slice INTEGER,
            fixed_image_path TEXT,
            moving_image_path TEXT,
            cost_func_value REAL,
            num_iterations INTEGER,
            x_trans REAL,
            y_trans REAL,
            x_fixed_origin REAL,
            y_fixed_origin REAL,
            x_moving_origin REAL,
            y_moving_origin REAL,
            scaling REAL,
            image_width INTEGER,
            image_height INTEGER,
            complete INTEGER,
            PRIMARY KEY (run_id, seq)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_registration_records_slices ON registration_records(run_id, fixed_slice, moving_slice);`,
		`CREATE INDEX IF NOT EXISTS idx_registration_runs_path ON registration_runs(results_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	// databases created before jobs were linked to runs
	for _, col := range []string{"run_id", "result_path"} {
		if err := s.addColumn("processing_jobs", col, "TEXT"); err != nil {
			return err
		}
	}
	_, err := s.DB.Exec(`CREATE INDEX IF NOT EXISTS idx_processing_jobs_run ON processing_jobs(run_id);`)
	return err
}

// addColumn adds column to table unless it already exists.
func (s *Store) addColumn(table, column, typ string) error {
	rows, err := s.DB.Query(`SELECT name FROM pragma_table_info(?);`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = s.DB.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, typ))
	return err
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	RunID       string // run indexed or read by the job
	ResultPath  string // file the job wrote or indexed
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobOutcome is what a finished job leaves in the index.
type JobOutcome struct {
	Status     string
	RunID      string
	ResultPath string
	Meta       map[string]any
	Error      string
}

// RunRecord describes one imported results file.
type RunRecord struct {
	ID            string    `json:"id"`
	ResultsPath   string    `json:"results_path"`
	Swapped       bool      `json:"swapped"`
	RecordCount   int       `json:"record_count"`
	CompleteCount int       `json:"complete_count"`
	CreatedAt     time.Time `json:"created_at"`
	Replaced      bool      `json:"replaced,omitempty"` // set by ImportRun only
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with its outcome. Meta is kept as the
// job's latest result blob.
func (s *Store) RecordJobResult(id string, out JobOutcome) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=?, run_id=?, result_path=? WHERE id=?;`,
		out.Status, out.Error, nullString(out.RunID), nullString(out.ResultPath), id)
	if err != nil {
		return err
	}
	if out.Meta == nil {
		return nil
	}
	metaJSON, err := json.Marshal(out.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	return s.queryJobs(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message, run_id, result_path
        FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
}

// RunJobs returns the jobs that indexed or read run id, newest first.
func (s *Store) RunJobs(id string) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	return s.queryJobs(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message, run_id, result_path
        FROM processing_jobs WHERE run_id=? ORDER BY created_at DESC, rowid DESC;`, id)
}

func (s *Store) queryJobs(query string, args ...any) ([]JobRecord, error) {
	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg, runID, resultPath sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg, &runID, &resultPath); err != nil {
			return nil, err
		}
		rec.RunID = runID.String
		rec.ResultPath = resultPath.String
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// ImportRun stores every record of a results file inside one transaction and
// returns the run. Importing a path that is already indexed replaces that
// run's records and keeps its id, so a file the queue controller is still
// appending to maps to a single run.
func (s *Store) ImportRun(ctx context.Context, resultsPath string, swapped bool, records []registration.Record) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	run := RunRecord{
		ResultsPath: resultsPath,
		Swapped:     swapped,
		RecordCount: len(records),
	}
	for i := range records {
		if records[i].IsComplete() {
			run.CompleteCount++
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return RunRecord{}, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `SELECT id FROM registration_runs WHERE results_path=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, resultsPath).Scan(&run.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		run.ID = uuid.NewString()
		if _, err := tx.ExecContext(ctx, `INSERT INTO registration_runs (id, results_path, swapped, record_count, complete_count) VALUES (?, ?, ?, ?, ?);`,
			run.ID, run.ResultsPath, run.Swapped, run.RecordCount, run.CompleteCount); err != nil {
			return RunRecord{}, fmt.Errorf("insert run: %w", err)
		}
	case err != nil:
		return RunRecord{}, fmt.Errorf("find run: %w", err)
	default:
		run.Replaced = true
		if _, err := tx.ExecContext(ctx, `DELETE FROM registration_records WHERE run_id=?;`, run.ID); err != nil {
			return RunRecord{}, fmt.Errorf("clear run %s: %w", run.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE registration_runs SET swapped=?, record_count=?, complete_count=?, created_at=CURRENT_TIMESTAMP WHERE id=?;`,
			run.Swapped, run.RecordCount, run.CompleteCount, run.ID); err != nil {
			return RunRecord{}, fmt.Errorf("update run %s: %w", run.ID, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO registration_records (run_id, seq, fixed_slice, moving_slice, fixed_image_path, moving_image_path,
        cost_func_value, num_iterations, x_trans, y_trans, x_fixed_origin, y_fixed_origin, x_moving_origin, y_moving_origin,
        scaling, image_width, image_height, complete) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return RunRecord{}, err
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		if _, err := stmt.ExecContext(ctx, run.ID, i, r.FixedSlice, r.MovingSlice, r.FixedImagePath, r.MovingImagePath,
			float64(r.CostFuncValue), int64(r.NumIterations), r.XTrans, r.YTrans, r.XFixedOrigin, r.YFixedOrigin,
			r.XMovingOrigin, r.YMovingOrigin, r.Scaling, r.ImageWidth, r.ImageHeight, r.Complete); err != nil {
			return RunRecord{}, fmt.Errorf("insert record %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return RunRecord{}, err
	}
	stored, err := s.Run(run.ID)
	stored.Replaced = run.Replaced
	return stored, err
}

// Run fetches a single run by id.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	var run RunRecord
	err := s.DB.QueryRow(`SELECT id, results_path, swapped, record_count, complete_count, created_at FROM registration_runs WHERE id=?;`, id).
		Scan(&run.ID, &run.ResultsPath, &run.Swapped, &run.RecordCount, &run.CompleteCount, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// RecentRuns returns the latest imported runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, results_path, swapped, record_count, complete_count, created_at FROM registration_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		if err := rows.Scan(&run.ID, &run.ResultsPath, &run.Swapped, &run.RecordCount, &run.CompleteCount, &run.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunRecords returns a run's records in file order.
func (s *Store) RunRecords(id string) ([]registration.Record, error) {
	if _, err := s.Run(id); err != nil {
		return nil, err
	}
	rows, err := s.DB.Query(`SELECT fixed_slice, moving_slice, fixed_image_path, moving_image_path, cost_func_value, num_iterations,
        x_trans, y_trans, x_fixed_origin, y_fixed_origin, x_moving_origin, y_moving_origin, scaling, image_width, image_height, complete
        FROM registration_records WHERE run_id=? ORDER BY seq;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []registration.Record
	for rows.Next() {
		var r registration.Record
		var iterations int64
		// sqlite stores NaN as NULL
		var cost, xt, yt, xf, yf, xm, ym, scaling sql.NullFloat64
		if err := rows.Scan(&r.FixedSlice, &r.MovingSlice, &r.FixedImagePath, &r.MovingImagePath, &cost, &iterations,
			&xt, &yt, &xf, &yf, &xm, &ym, &scaling, &r.ImageWidth, &r.ImageHeight, &r.Complete); err != nil {
			return nil, err
		}
		r.CostFuncValue = float32(nanIfNull(cost))
		r.NumIterations = uint32(iterations)
		r.XTrans, r.YTrans = nanIfNull(xt), nanIfNull(yt)
		r.XFixedOrigin, r.YFixedOrigin = nanIfNull(xf), nanIfNull(yf)
		r.XMovingOrigin, r.YMovingOrigin = nanIfNull(xm), nanIfNull(ym)
		r.Scaling = nanIfNull(scaling)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func nanIfNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
