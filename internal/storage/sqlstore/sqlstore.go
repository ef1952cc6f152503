// Package sqlstore stores jobs, checkpoints and events in SQLite or MySQL.
// Documents are kept as JSON with the fields needed for lookup and
// ordering pulled out into columns.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
	"github.com/vinayprograms/agentrun/internal/storage"
)

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// Store implements storage.Backend over database/sql.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects and creates the schema.
func Open(driver, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("dsn is required")
	}
	if driver != DriverSQLite && driver != DriverMySQL {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverMySQL {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(10 * time.Minute)
	} else {
		// SQLite allows one writer; parallel children would otherwise hit
		// "database is locked".
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens a SQLite file.
func OpenSQLite(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

// OpenMySQL opens a MySQL database.
func OpenMySQL(dsn string) (*Store, error) {
	return Open(DriverMySQL, dsn)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	stmts := sqliteSchema
	if s.driver == DriverMySQL {
		stmts = mysqlSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_job ON checkpoints(job_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id VARCHAR(64) PRIMARY KEY,
		status VARCHAR(32) NOT NULL,
		data LONGTEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id VARCHAR(64) PRIMARY KEY,
		job_id VARCHAR(64) NOT NULL,
		run_id VARCHAR(64) NOT NULL,
		step_number INT NOT NULL,
		status VARCHAR(32) NOT NULL,
		data LONGTEXT NOT NULL,
		created_at BIGINT NOT NULL,
		INDEX idx_checkpoints_job (job_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		seq BIGINT AUTO_INCREMENT PRIMARY KEY,
		id VARCHAR(64) NOT NULL,
		job_id VARCHAR(64) NOT NULL,
		type VARCHAR(64) NOT NULL,
		data LONGTEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		INDEX idx_events_job (job_id)
	)`,
}

// upsert builds an insert-or-replace statement for the dialect.
func (s *Store) upsert(table string, cols []string, updates []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)

	sets := make([]string, len(updates))
	for i, c := range updates {
		if s.driver == DriverMySQL {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		} else {
			sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
		}
	}
	if s.driver == DriverMySQL {
		return stmt + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return stmt + " ON CONFLICT(id) DO UPDATE SET " + strings.Join(sets, ", ")
}

func (s *Store) StoreCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	stmt := s.upsert("checkpoints",
		[]string{"id", "job_id", "run_id", "step_number", "status", "data", "created_at"},
		[]string{"status", "data"})
	_, err = s.db.ExecContext(ctx, stmt,
		cp.ID, cp.JobID, cp.RunID, cp.StepNumber, string(cp.Status), string(data), cp.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) RetrieveCheckpoint(ctx context.Context, jobID, checkpointID string) (*checkpoint.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE job_id = ? AND id = ?`, jobID, checkpointID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, jobID string) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM checkpoints WHERE job_id = ? ORDER BY created_at, step_number`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*checkpoint.Checkpoint
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var cp checkpoint.Checkpoint
		if err := json.Unmarshal([]byte(data), &cp); err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (s *Store) StoreJob(ctx context.Context, job *checkpoint.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	stmt := s.upsert("jobs", []string{"id", "status", "data", "updated_at"}, []string{"status", "data", "updated_at"})
	if _, err := s.db.ExecContext(ctx, stmt, job.ID, string(job.Status), string(data), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *Store) RetrieveJob(ctx context.Context, jobID string) (*checkpoint.Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, jobID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	var job checkpoint.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to parse job: %w", err)
	}
	return &job, nil
}

func (s *Store) CreateJob(ctx context.Context, jobID, expertKey string, maxSteps int) (*checkpoint.Job, error) {
	job := checkpoint.NewJob(jobID, expertKey, maxSteps)
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (id, status, data, updated_at) VALUES (?, ?, ?, ?)`,
		job.ID, string(job.Status), string(data), time.Now().UnixNano())
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil, fmt.Errorf("job %s already exists", jobID)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

func (s *Store) StoreEvent(ctx context.Context, rec event.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (id, job_id, type, data, timestamp) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.JobID, string(rec.Type), string(data), rec.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, jobID string) ([]event.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM events WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec event.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
