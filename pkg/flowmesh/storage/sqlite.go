package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// SQLiteManager persists process, step and edge-group snapshots to SQLite.
// It is suitable for single-process production use and is the backend that
// makes restart continuity (spec scenario F) durable across process
// restarts rather than just orchestrator restarts within one process.
type SQLiteManager struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteManager opens (creating if necessary) a SQLite-backed storage
// manager. path may be a file path or ":memory:" for testing.
func NewSQLiteManager(path string) (*SQLiteManager, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS process_snapshots (
			step_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (step_id, run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS step_state (
			step_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (step_id, run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS step_edge_data (
			step_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			is_group_edge INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (step_id, run_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteManager{db: db}, nil
}

// SaveProcess implements Manager.
func (s *SQLiteManager) SaveProcess(stepID, runID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrManagerClosed
	}
	_, err := s.db.Exec(`
		INSERT INTO process_snapshots (step_id, run_id, data) VALUES (?, ?, ?)
		ON CONFLICT(step_id, run_id) DO UPDATE SET data = excluded.data
	`, stepID, runID, data)
	if err != nil {
		return fmt.Errorf("save process snapshot: %w", err)
	}
	return nil
}

// GetProcess implements Manager.
func (s *SQLiteManager) GetProcess(stepID, runID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrManagerClosed
	}
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM process_snapshots WHERE step_id = ? AND run_id = ?`, stepID, runID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get process snapshot: %w", err)
	}
	return data, true, nil
}

// SaveStepState implements Manager.
func (s *SQLiteManager) SaveStepState(stepID, runID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrManagerClosed
	}
	_, err := s.db.Exec(`
		INSERT INTO step_state (step_id, run_id, data) VALUES (?, ?, ?)
		ON CONFLICT(step_id, run_id) DO UPDATE SET data = excluded.data
	`, stepID, runID, data)
	if err != nil {
		return fmt.Errorf("save step state: %w", err)
	}
	return nil
}

// GetStepState implements Manager.
func (s *SQLiteManager) GetStepState(stepID, runID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrManagerClosed
	}
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM step_state WHERE step_id = ? AND run_id = ?`, stepID, runID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get step state: %w", err)
	}
	return data, true, nil
}

// SaveStepEdgeData implements Manager.
func (s *SQLiteManager) SaveStepEdgeData(stepID, runID string, data EdgeGroupData, isGroupEdge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrManagerClosed
	}
	if len(data) == 0 {
		_, err := s.db.Exec(`DELETE FROM step_edge_data WHERE step_id = ? AND run_id = ?`, stepID, runID)
		if err != nil {
			return fmt.Errorf("clear step edge data: %w", err)
		}
		return nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode step edge data: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO step_edge_data (step_id, run_id, is_group_edge, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(step_id, run_id) DO UPDATE SET is_group_edge = excluded.is_group_edge, data = excluded.data
	`, stepID, runID, boolToInt(isGroupEdge), encoded)
	if err != nil {
		return fmt.Errorf("save step edge data: %w", err)
	}
	return nil
}

// GetStepEdgeData implements Manager.
func (s *SQLiteManager) GetStepEdgeData(stepID, runID string) (bool, EdgeGroupData, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, nil, false, ErrManagerClosed
	}
	var isGroupEdge int
	var encoded []byte
	err := s.db.QueryRow(`SELECT is_group_edge, data FROM step_edge_data WHERE step_id = ? AND run_id = ?`, stepID, runID).Scan(&isGroupEdge, &encoded)
	if err == sql.ErrNoRows {
		return false, nil, false, nil
	}
	if err != nil {
		return false, nil, false, fmt.Errorf("get step edge data: %w", err)
	}
	var data EdgeGroupData
	if err := json.Unmarshal(encoded, &data); err != nil {
		return false, nil, false, fmt.Errorf("decode step edge data: %w", err)
	}
	return isGroupEdge != 0, data, true, nil
}

// Close implements Manager.
func (s *SQLiteManager) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
