package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for uploads and pipeline runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the named driver and ensures schema.
// "sqlite" is the pure-Go driver, "sqlite3" the cgo one.
func New(driver, path string) (*Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// each pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS uploads (
            filename TEXT PRIMARY KEY,
            path TEXT NOT NULL,
            size_bytes INTEGER,
            width INTEGER,
            height INTEGER,
            format TEXT,
            source TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            removed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
            id TEXT PRIMARY KEY,
            source TEXT,
            operations_json TEXT NOT NULL,
            status TEXT NOT NULL,
            stage_count INTEGER NOT NULL DEFAULT 0,
            failed_stage INTEGER,
            failed_operation TEXT,
            error_message TEXT,
            output_path TEXT,
            duration_ms INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS stage_results (
            run_id TEXT NOT NULL,
            stage_index INTEGER NOT NULL,
            operation TEXT NOT NULL,
            params_json TEXT,
            width INTEGER,
            height INTEGER,
            channels INTEGER,
            duration_ms INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (run_id, stage_index)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status ON pipeline_runs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_removed_at ON uploads(removed_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// UploadRecord captures one file in the upload directory.
type UploadRecord struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Format    string    `json:"format"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// RunRecord captures a persisted pipeline run.
type RunRecord struct {
	ID              string        `json:"id"`
	Source          string        `json:"source"`
	Operations      []string      `json:"operations"`
	Status          string        `json:"status"`
	StageCount      int           `json:"stage_count"`
	FailedStage     *int          `json:"failed_stage,omitempty"`
	FailedOperation string        `json:"failed_operation,omitempty"`
	Error           string        `json:"error,omitempty"`
	OutputPath      string        `json:"output_path,omitempty"`
	Duration        time.Duration `json:"duration"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// StageRecord captures one completed stage of a run.
type StageRecord struct {
	RunID      string          `json:"run_id"`
	Index      int             `json:"index"`
	Operation  string          `json:"operation"`
	ParamsJSON json.RawMessage `json:"params,omitempty"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Channels   int             `json:"channels"`
	Duration   time.Duration   `json:"duration"`
}

// RunOutcome is the final state of a run.
type RunOutcome struct {
	Status          string
	StageCount      int
	FailedStage     *int
	FailedOperation string
	Error           string
	OutputPath      string
	Duration        time.Duration
}

// RecordUpload inserts or refreshes an upload. A previously removed file becomes active again.
func (s *Store) RecordUpload(rec UploadRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO uploads (filename, path, size_bytes, width, height, format, source) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.Filename, rec.Path, rec.SizeBytes, rec.Width, rec.Height, rec.Format, rec.Source)
	return err
}

// SyncUpload records a file seen on disk. An existing row keeps its source and
// creation time; its file facts are refreshed and it becomes active again.
func (s *Store) SyncUpload(rec UploadRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO uploads (filename, path, size_bytes, width, height, format, source) VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(filename) DO UPDATE SET path=excluded.path, size_bytes=excluded.size_bytes, width=excluded.width,
            height=excluded.height, format=excluded.format, removed_at=NULL;`,
		rec.Filename, rec.Path, rec.SizeBytes, rec.Width, rec.Height, rec.Format, rec.Source)
	return err
}

// MarkUploadRemoved flags an upload as deleted from disk.
func (s *Store) MarkUploadRemoved(filename string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE uploads SET removed_at=CURRENT_TIMESTAMP WHERE filename=? AND removed_at IS NULL;`, filename)
	return err
}

// ClearUploads flags every active upload as removed and reports how many were affected.
func (s *Store) ClearUploads() (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := s.DB.Exec(`UPDATE uploads SET removed_at=CURRENT_TIMESTAMP WHERE removed_at IS NULL;`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Uploads returns the newest active uploads up to limit.
func (s *Store) Uploads(limit int) ([]UploadRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT filename, path, size_bytes, width, height, format, source, created_at FROM uploads WHERE removed_at IS NULL ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []UploadRecord
	for rows.Next() {
		var rec UploadRecord
		var format sql.NullString
		if err := rows.Scan(&rec.Filename, &rec.Path, &rec.SizeBytes, &rec.Width, &rec.Height, &format, &rec.Source, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Format = format.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordRunQueued inserts a pending run. An existing row is left untouched.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	opsJSON, err := json.Marshal(rec.Operations)
	if err != nil {
		return err
	}
	status := rec.Status
	if status == "" {
		status = "queued"
	}
	_, err = s.DB.Exec(`INSERT INTO pipeline_runs (id, source, operations_json, status) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING;`,
		rec.ID, rec.Source, string(opsJSON), status)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE pipeline_runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordStage persists one completed stage.
func (s *Store) RecordStage(rec StageRecord) error {
	if s == nil {
		return nil
	}
	var params any
	if len(rec.ParamsJSON) > 0 {
		params = string(rec.ParamsJSON)
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO stage_results (run_id, stage_index, operation, params_json, width, height, channels, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Index, rec.Operation, params, rec.Width, rec.Height, rec.Channels, rec.Duration.Milliseconds())
	return err
}

// RecordRunResult finalizes a run.
func (s *Store) RecordRunResult(id string, out RunOutcome) error {
	if s == nil {
		return nil
	}
	var failed any
	if out.FailedStage != nil {
		failed = *out.FailedStage
	}
	_, err := s.DB.Exec(`UPDATE pipeline_runs SET status=?, stage_count=?, failed_stage=?, failed_operation=?, error_message=?, output_path=?, duration_ms=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		out.Status, out.StageCount, failed, out.FailedOperation, out.Error, out.OutputPath, out.Duration.Milliseconds(), id)
	return err
}

const runColumns = `id, source, operations_json, status, stage_count, failed_stage, failed_operation, error_message, output_path, duration_ms, created_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var source, failedOp, errorMsg, output sql.NullString
	var failed, durationMS sql.NullInt64
	var opsJSON string
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &source, &opsJSON, &rec.Status, &rec.StageCount, &failed, &failedOp, &errorMsg, &output, &durationMS, &rec.CreatedAt, &started, &completed); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(opsJSON), &rec.Operations); err != nil {
		return rec, fmt.Errorf("unmarshal operations: %w", err)
	}
	rec.Source = source.String
	rec.FailedOperation = failedOp.String
	rec.Error = errorMsg.String
	rec.OutputPath = output.String
	rec.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	if failed.Valid {
		idx := int(failed.Int64)
		rec.FailedStage = &idx
	}
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM pipeline_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run and its stages in order.
func (s *Store) Run(id string) (RunRecord, []StageRecord, error) {
	if s == nil {
		return RunRecord{}, nil, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM pipeline_runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return RunRecord{}, nil, err
	}

	rows, err := s.DB.Query(`SELECT run_id, stage_index, operation, params_json, width, height, channels, duration_ms FROM stage_results WHERE run_id=? ORDER BY stage_index;`, id)
	if err != nil {
		return rec, nil, err
	}
	defer rows.Close()
	var stages []StageRecord
	for rows.Next() {
		var st StageRecord
		var params sql.NullString
		var durationMS int64
		if err := rows.Scan(&st.RunID, &st.Index, &st.Operation, &params, &st.Width, &st.Height, &st.Channels, &durationMS); err != nil {
			return rec, nil, err
		}
		if params.Valid {
			st.ParamsJSON = json.RawMessage(params.String)
		}
		st.Duration = time.Duration(durationMS) * time.Millisecond
		stages = append(stages, st)
	}
	return rec, stages, rows.Err()
}
