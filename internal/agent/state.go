package agent

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/conductor/fleetagent/internal/job"
)

// State persists the jobs this agent is running so that a restarted
// agent can report the ones it lost.
type State struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// JobState represents a persisted job.
type JobState struct {
	JobID     string
	Status    job.Status
	Request   *job.Request
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewState opens or creates the state database in stateDir.
func NewState(stateDir string) (*State, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dbPath := filepath.Join(stateDir, "agent.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &State{
		db:     db,
		dbPath: dbPath,
	}, nil
}

func createTables(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			request_json TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`

	_, err := db.Exec(schema)
	return err
}

// SaveJob inserts or updates a job.
func (s *State) SaveJob(req *job.Request, status job.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}

	query := `
		INSERT INTO jobs (job_id, status, request_json, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			request_json = excluded.request_json,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := s.db.Exec(query, req.ID, string(status), string(reqJSON)); err != nil {
		return fmt.Errorf("failed to save job state: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id. It returns nil if the job is unknown.
func (s *State) GetJob(jobID string) (*JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT job_id, status, request_json, created_at, updated_at
		FROM jobs
		WHERE job_id = ?
	`, jobID)

	st, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job state: %w", err)
	}
	return st, nil
}

// RunningJobs returns the jobs still marked RUNNING, oldest first.
func (s *State) RunningJobs() ([]*JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT job_id, status, request_json, created_at, updated_at
		FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC
	`, string(job.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to query running jobs: %w", err)
	}
	defer rows.Close()

	var states []*JobState
	for rows.Next() {
		st, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job state: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return states, nil
}

// DeleteJob removes a job.
func (s *State) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM jobs WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to delete job state: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*JobState, error) {
	var (
		st      JobState
		status  string
		reqJSON string
	)
	if err := r.Scan(&st.JobID, &status, &reqJSON, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Status = job.Status(status)
	if err := json.Unmarshal([]byte(reqJSON), &st.Request); err != nil {
		return nil, fmt.Errorf("failed to deserialize job: %w", err)
	}
	return &st, nil
}
