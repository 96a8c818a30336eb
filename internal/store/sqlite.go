// Package store implements the optional write-through PersistenceHook
// (spec.md §6) backed by sqlite, grounded on the teacher's internal/db
// init-and-CRUD pattern but driven by the pure-Go modernc.org/sqlite driver
// rather than cgo sqlite3. When a *crypto.Manager is supplied, job payload
// and result bytes are sealed with it before being written, so a stolen
// database file does not leak conversion inputs/outputs.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"modconvert/internal/crypto"
	"modconvert/internal/jobtypes"
)

// Store is a jobstore.PersistenceHook backed by a sqlite database file.
type Store struct {
	db    *sql.DB
	seal  *crypto.Manager
}

// Open opens the database at path, creates its tables if they are missing
// (existing tables are not altered), and returns a Store. seal
// may be nil, in which case payload/result bytes are stored in cleartext —
// callers that enabled at-rest encryption must pass a ready Manager.
func Open(path string, seal *crypto.Manager) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, seal: seal}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT,
		payload BLOB,
		result BLOB,
		error_json TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS job_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL,
		error_json TEXT,
		timestamp INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_history_job_id ON job_history(job_id)`)
	return err
}

func (s *Store) sealBytes(b []byte) ([]byte, error) {
	if s.seal == nil || b == nil {
		return b, nil
	}
	return s.seal.Seal(b)
}

func (s *Store) openBytes(b []byte) ([]byte, error) {
	if s.seal == nil || b == nil {
		return b, nil
	}
	return s.seal.Open(b)
}

// WriteJob implements jobstore.PersistenceHook.
func (s *Store) WriteJob(job *jobtypes.Job) error {
	payload, err := s.sealBytes(job.Payload)
	if err != nil {
		return fmt.Errorf("store: seal payload: %w", err)
	}
	result, err := s.sealBytes(job.Result)
	if err != nil {
		return fmt.Errorf("store: seal result: %w", err)
	}
	var errJSON []byte
	if job.Error != nil {
		errJSON, err = json.Marshal(job.Error)
		if err != nil {
			return err
		}
	}

	var startedAt, completedAt sql.NullInt64
	if job.StartedAt != nil {
		startedAt = sql.NullInt64{Int64: job.StartedAt.UnixMilli(), Valid: true}
	}
	if job.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: job.CompletedAt.UnixMilli(), Valid: true}
	}

	_, err = s.db.Exec(`INSERT INTO jobs(
		id, type, priority, status, progress, retry_count, max_retries,
		cancel_requested, idempotency_key, payload, result, error_json,
		created_at, started_at, completed_at
	) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET
		type=excluded.type, priority=excluded.priority, status=excluded.status,
		progress=excluded.progress, retry_count=excluded.retry_count,
		max_retries=excluded.max_retries, cancel_requested=excluded.cancel_requested,
		idempotency_key=excluded.idempotency_key, payload=excluded.payload,
		result=excluded.result, error_json=excluded.error_json,
		started_at=excluded.started_at, completed_at=excluded.completed_at`,
		job.ID, job.Type, job.Priority, job.Status, job.Progress, job.RetryCount,
		job.MaxRetries, job.CancelRequested, job.IdempotencyKey, payload, result,
		nullString(errJSON), job.CreatedAt.UnixMilli(), startedAt, completedAt,
	)
	return err
}

// DeleteJob implements jobstore.PersistenceHook.
func (s *Store) DeleteJob(id string) error {
	if _, err := s.db.Exec(`DELETE FROM job_history WHERE job_id=?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM jobs WHERE id=?`, id)
	return err
}

// AppendHistory implements jobstore.PersistenceHook.
func (s *Store) AppendHistory(update jobtypes.StatusUpdate) error {
	var errJSON []byte
	if update.Error != nil {
		var err error
		errJSON, err = json.Marshal(update.Error)
		if err != nil {
			return err
		}
	}
	_, err := s.db.Exec(`INSERT INTO job_history(job_id, status, progress, error_json, timestamp)
		VALUES(?,?,?,?,?)`,
		update.JobID, update.Status, update.Progress, nullString(errJSON), update.Timestamp.UnixMilli())
	return err
}

// LoadAll reads every persisted job back, opening sealed payload/result
// bytes. Nothing in this module calls it at startup; the in-memory store
// starts empty on process restart.
func (s *Store) LoadAll() ([]*jobtypes.Job, error) {
	rows, err := s.db.Query(`SELECT id, type, priority, status, progress, retry_count, max_retries,
		cancel_requested, IFNULL(idempotency_key, ''), payload, result, IFNULL(error_json, ''),
		created_at, started_at, completed_at FROM jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*jobtypes.Job
	for rows.Next() {
		var j jobtypes.Job
		var createdAt int64
		var startedAt, completedAt sql.NullInt64
		var errJSON string
		if err := rows.Scan(&j.ID, &j.Type, &j.Priority, &j.Status, &j.Progress, &j.RetryCount,
			&j.MaxRetries, &j.CancelRequested, &j.IdempotencyKey, &j.Payload, &j.Result, &errJSON,
			&createdAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		j.CreatedAt = time.UnixMilli(createdAt)
		if startedAt.Valid {
			t := time.UnixMilli(startedAt.Int64)
			j.StartedAt = &t
		}
		if completedAt.Valid {
			t := time.UnixMilli(completedAt.Int64)
			j.CompletedAt = &t
		}
		if errJSON != "" {
			var e jobtypes.JobError
			if err := json.Unmarshal([]byte(errJSON), &e); err != nil {
				return nil, err
			}
			j.Error = &e
		}
		if payload, err := s.openBytes(j.Payload); err != nil {
			return nil, fmt.Errorf("store: open payload for %s: %w", j.ID, err)
		} else {
			j.Payload = payload
		}
		if result, err := s.openBytes(j.Result); err != nil {
			return nil, fmt.Errorf("store: open result for %s: %w", j.ID, err)
		} else {
			j.Result = result
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func nullString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
