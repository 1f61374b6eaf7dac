package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Status values stored in the ledger.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a run id is not in the ledger.
var ErrNotFound = errors.New("run not found")

// Store wraps the SQLite-backed run ledger.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Workers record positions concurrently; SQLite serializes writers anyway.
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
		`CREATE TABLE IF NOT EXISTS runs (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL UNIQUE,
            input_path TEXT NOT NULL,
            output_root TEXT,
            backend TEXT,
            options_json TEXT,
            status TEXT NOT NULL,
            positions INTEGER NOT NULL DEFAULT 0,
            started_at INTEGER NOT NULL,
            finished_at INTEGER,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS positions (
            run_id TEXT NOT NULL,
            position_index INTEGER NOT NULL,
            name TEXT NOT NULL,
            status TEXT NOT NULL,
            error_kind TEXT,
            error_message TEXT,
            tiff_path TEXT,
            metadata_path TEXT,
            duration_ms INTEGER NOT NULL DEFAULT 0,
            volume_bytes INTEGER NOT NULL DEFAULT 0,
            finished_at INTEGER NOT NULL,
            PRIMARY KEY (run_id, position_index)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_runs_input ON runs(input_path);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);`,
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

// RunRecord captures one conversion run.
type RunRecord struct {
	ID          string     `json:"id"`
	InputPath   string     `json:"input_path"`
	OutputRoot  string     `json:"output_root"`
	Backend     string     `json:"backend"`
	OptionsJSON string     `json:"options"`
	Status      string     `json:"status"`
	Positions   int        `json:"positions"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// PositionRecord captures the outcome of one position of a run.
type PositionRecord struct {
	RunID        string        `json:"run_id"`
	Index        int           `json:"index"`
	Name         string        `json:"name"`
	Status       string        `json:"status"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	Error        string        `json:"error,omitempty"`
	TIFFPath     string        `json:"tiff_path,omitempty"`
	MetadataPath string        `json:"metadata_path,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	VolumeBytes  int64         `json:"volume_bytes"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT INTO runs (id, input_path, output_root, backend, options_json, status, positions, started_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.InputPath, rec.OutputRoot, rec.Backend, rec.OptionsJSON, rec.Status, rec.Positions, rec.StartedAt.UnixMilli())
	return err
}

// RecordRunFinish finalizes a run with status and error.
func (s *Store) RecordRunFinish(id, status, errMsg string, at time.Time) error {
	if s == nil {
		return nil
	}
	res, err := s.DB.Exec(`UPDATE runs SET status=?, finished_at=?, error_message=? WHERE id=?;`, status, at.UnixMilli(), errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RecordPosition stores (or replaces) the outcome of one position.
func (s *Store) RecordPosition(rec PositionRecord) error {
	if s == nil {
		return nil
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO positions (run_id, position_index, name, status, error_kind, error_message, tiff_path, metadata_path, duration_ms, volume_bytes, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Index, rec.Name, rec.Status, rec.ErrorKind, rec.Error, rec.TIFFPath, rec.MetadataPath, rec.Duration.Milliseconds(), rec.VolumeBytes, rec.FinishedAt.UnixMilli())
	return err
}

const runColumns = `id, input_path, output_root, backend, options_json, status, positions, started_at, finished_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var output, backend, options, errMsg sql.NullString
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.InputPath, &output, &backend, &options, &rec.Status, &rec.Positions, &started, &finished, &errMsg); err != nil {
		return rec, err
	}
	rec.OutputRoot, rec.Backend, rec.OptionsJSON, rec.Error = output.String, backend.String, options.String, errMsg.String
	rec.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		rec.FinishedAt = &t
	}
	return rec, nil
}

// RecentRuns returns the latest runs up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM runs ORDER BY seq DESC LIMIT ?;`, limit)
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

// Run fetches one run by id.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Positions returns the recorded positions of a run in index order.
func (s *Store) Positions(runID string) ([]PositionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, position_index, name, status, error_kind, error_message, tiff_path, metadata_path, duration_ms, volume_bytes, finished_at
        FROM positions WHERE run_id=? ORDER BY position_index;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PositionRecord
	for rows.Next() {
		var rec PositionRecord
		var kind, errMsg, tiffPath, metaPath sql.NullString
		var durMS, finished int64
		if err := rows.Scan(&rec.RunID, &rec.Index, &rec.Name, &rec.Status, &kind, &errMsg, &tiffPath, &metaPath, &durMS, &rec.VolumeBytes, &finished); err != nil {
			return nil, err
		}
		rec.ErrorKind, rec.Error = kind.String, errMsg.String
		rec.TIFFPath, rec.MetadataPath = tiffPath.String, metaPath.String
		rec.Duration = time.Duration(durMS) * time.Millisecond
		rec.FinishedAt = time.UnixMilli(finished)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
