package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
)

// SQLiteOptions tunes the SQLite-backed store.
type SQLiteOptions struct {
	Path          string
	EnableWalMode bool
	AutoMigrate   bool
	BusyTimeout   time.Duration
}

// SQLiteStore persists OrbitMesh state in a single SQLite database. Rows
// hold the full record as JSON next to the columns queries filter on; the
// engine's single-writer-per-instance rule makes whole-row writes safe.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and optionally migrates) the database at opts.Path.
func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	dsn := opts.Path
	var params []string
	if opts.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", opts.BusyTimeout.Milliseconds()))
	}
	if opts.EnableWalMode {
		params = append(params, "_journal_mode=WAL")
	}
	params = append(params, "_foreign_keys=on")
	dsn += "?" + strings.Join(params, "&")

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer connection avoids SQLITE_BUSY churn under load.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if opts.AutoMigrate {
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS definitions (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id, version)
	);

	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		status TEXT NOT NULL,
		agent_id TEXT,
		created_at TIMESTAMP NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		fingerprint TEXT,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		name TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_instances_workflow ON instances(workflow_id, status);
	CREATE INDEX IF NOT EXISTS idx_instances_started ON instances(started_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_agent ON jobs(agent_id);
	CREATE INDEX IF NOT EXISTS idx_events_instance ON events(instance_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO definitions (id, version, name, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, def.ID, def.Version, def.Name, string(raw), def.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: definition %s v%d exists", domain.ErrStoreConflict, def.ID, def.Version)
		}
		return fmt.Errorf("failed to insert definition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	var raw string
	var err error
	if version == 0 {
		err = s.db.QueryRowContext(ctx, `
			SELECT data FROM definitions WHERE id = ? ORDER BY version DESC LIMIT 1
		`, id).Scan(&raw)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT data FROM definitions WHERE id = ? AND version = ?
		`, id, version).Scan(&raw)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDefinitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query definition: %w", err)
	}
	def := &workflow.Definition{}
	if err := json.Unmarshal([]byte(raw), def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return def, nil
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM definitions ORDER BY id, version`)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()
	var out []*workflow.Definition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		def := &workflow.Definition{}
		if err := json.Unmarshal([]byte(raw), def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveInstance(ctx context.Context, in *workflow.Instance) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, workflow_id, status, started_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data
	`, in.ID, in.WorkflowID, string(in.Status), in.StartedAt, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM instances WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query instance: %w", err)
	}
	in := &workflow.Instance{}
	if err := json.Unmarshal([]byte(raw), in); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return in, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, f workflow.InstanceFilter) ([]*workflow.Instance, error) {
	query := `SELECT data FROM instances WHERE 1=1`
	var args []any
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += ` AND started_at <= ?`
		args = append(args, f.Until)
	}
	query += ` ORDER BY started_at`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()
	var out []*workflow.Instance
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		in := &workflow.Instance{}
		if err := json.Unmarshal([]byte(raw), in); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job *workflow.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, instance_id, step_id, status, agent_id, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, agent_id = excluded.agent_id, data = excluded.data
	`, job.ID, job.InstanceID, job.StepID, string(job.Status), job.AgentID, job.CreatedAt, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*workflow.Job, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	job := &workflow.Job{}
	if err := json.Unmarshal([]byte(raw), job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) listJobs(ctx context.Context, where string, args ...any) ([]*workflow.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM jobs `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	var out []*workflow.Job
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		job := &workflow.Job{}
		if err := json.Unmarshal([]byte(raw), job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, statuses ...workflow.JobStatus) ([]*workflow.Job, error) {
	if len(statuses) == 0 {
		return s.listJobs(ctx, "")
	}
	holders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		holders[i] = "?"
		args[i] = string(st)
	}
	return s.listJobs(ctx, `WHERE status IN (`+strings.Join(holders, ",")+`)`, args...)
}

func (s *SQLiteStore) ListJobsByAgent(ctx context.Context, agentID string) ([]*workflow.Job, error) {
	return s.listJobs(ctx, `WHERE agent_id = ?`, agentID)
}

// CASJobStatus applies the transition inside one transaction; the first
// terminal frame wins and replays return false.
func (s *SQLiteStore) CASJobStatus(ctx context.Context, id string, from []workflow.JobStatus, to workflow.JobStatus, mutate func(*workflow.Job)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to query job: %w", err)
	}
	job := &workflow.Job{}
	if err := json.Unmarshal([]byte(raw), job); err != nil {
		return false, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	matched := len(from) == 0
	for _, st := range from {
		if job.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	job.Status = to
	if mutate != nil {
		mutate(job)
	}
	updated, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, agent_id = ?, data = ? WHERE id = ?
	`, string(job.Status), job.AgentID, string(updated), id); err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit job update: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *workflow.Agent) error {
	raw, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, fingerprint, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET fingerprint = excluded.fingerprint, data = excluded.data
	`, agent.ID, agent.TokenFingerprint, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*workflow.Agent, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM agents WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrAgentUnavailable, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}
	agent := &workflow.Agent{}
	if err := json.Unmarshal([]byte(raw), agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return agent, nil
}

func (s *SQLiteStore) GetAgentByFingerprint(ctx context.Context, fp string) (*workflow.Agent, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM agents WHERE fingerprint = ?`, fp).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAuthFailed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}
	agent := &workflow.Agent{}
	if err := json.Unmarshal([]byte(raw), agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return agent, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*workflow.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()
	var out []*workflow.Agent
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		agent := &workflow.Agent{}
		if err := json.Unmarshal([]byte(raw), agent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, ev *workflow.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, instance_id, name, received_at, data)
		VALUES (?, ?, ?, ?, ?)
	`, ev.ID, ev.InstanceID, ev.Name, ev.ReceivedAt, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}
