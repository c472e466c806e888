package monitor

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store persists finished-run snapshots to sqlite. It is entirely
// optional: the monitor's in-memory state is authoritative, and a Store is
// only wired in when the caller passes --monitor-db.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) a sqlite database at dbPath and
// applies the embedded schema. dbPath may be ":memory:".
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create monitor database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open monitor database: %w", err)
	}

	store := &Store{db: db}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init monitor schema: %w", err)
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveFinishedRun persists one finished run's snapshot.
func (s *Store) SaveFinishedRun(r RunStatus) error {
	errMsg := ""
	if r.Err != nil {
		errMsg = r.Err.Error()
	}
	_, err := s.db.Exec(
		`INSERT INTO finished_runs (run_number, phase, total_count, governance_snapshot, error_message, finished_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Phase), r.TotalCount, r.GovernanceSnapshot, errMsg, r.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save finished run %d: %w", r.ID, err)
	}
	return nil
}

// RecentFinished returns up to limit most recently finished run snapshots,
// most recent first.
func (s *Store) RecentFinished(limit int) ([]RunStatus, error) {
	rows, err := s.db.Query(
		`SELECT run_number, phase, total_count, governance_snapshot, error_message, finished_at_unix
		 FROM finished_runs ORDER BY finished_at_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent finished runs: %w", err)
	}
	defer rows.Close()

	var out []RunStatus
	for rows.Next() {
		var r RunStatus
		var phase, errMsg string
		var finishedAtUnix int64
		if err := rows.Scan(&r.ID, &phase, &r.TotalCount, &r.GovernanceSnapshot, &errMsg, &finishedAtUnix); err != nil {
			return nil, fmt.Errorf("scan finished run row: %w", err)
		}
		r.Phase = Phase(phase)
		r.FinishedAt = time.Unix(finishedAtUnix, 0)
		if errMsg != "" {
			r.Err = fmt.Errorf("%s", errMsg)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
