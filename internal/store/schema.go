package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS model_versions (
  id bigserial PRIMARY KEY,
  model_name text NOT NULL,
  version text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_model_versions_model_name ON model_versions (model_name);
CREATE INDEX IF NOT EXISTS idx_model_versions_version ON model_versions (version);

CREATE TABLE IF NOT EXISTS training_jobs (
  id bigserial PRIMARY KEY,
  job_id text NOT NULL UNIQUE,
  model_name text NOT NULL,
  status text NOT NULL DEFAULT 'pending',
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_training_jobs_model_name ON training_jobs (model_name);

CREATE TABLE IF NOT EXISTS metrics (
  id bigserial PRIMARY KEY,
  job_id text NOT NULL REFERENCES training_jobs (job_id),
  metric_name text NOT NULL,
  value double precision NOT NULL,
  "timestamp" timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_metrics_job_id ON metrics (job_id, id);

CREATE TABLE IF NOT EXISTS hyperparameters (
  id bigserial PRIMARY KEY,
  job_id text NOT NULL REFERENCES training_jobs (job_id),
  param_name text NOT NULL,
  param_value double precision NOT NULL,
  "timestamp" timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_hyperparameters_job_id ON hyperparameters (job_id, id);

CREATE TABLE IF NOT EXISTS mirror_events (
  id bigserial PRIMARY KEY,
  job_id text NOT NULL REFERENCES training_jobs (job_id),
  kind text NOT NULL,
  payload jsonb NOT NULL DEFAULT '{}'::jsonb,
  status text NOT NULL DEFAULT 'pending',
  attempts integer NOT NULL DEFAULT 0,
  last_error text,
  claimed_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now(),
  processed_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_mirror_events_status ON mirror_events (status, id);
`

// EnsureSchema creates the tables and indexes if they do not exist yet. It is safe to run on every start.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Open connects to Postgres, verifies the connection and ensures the schema.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*PGStore, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 10
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	st := NewPGStore(db)
	if err := st.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return st, db, nil
}
