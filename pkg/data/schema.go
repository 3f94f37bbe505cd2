package data

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	status      TEXT NOT NULL,
	executor    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
CREATE INDEX IF NOT EXISTS jobs_created_idx ON jobs (created_at);

CREATE TABLE IF NOT EXISTS job_results (
	job_id       TEXT NOT NULL,
	executor     TEXT NOT NULL,
	output_hash  TEXT NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	doc          JSONB NOT NULL,
	PRIMARY KEY (job_id, executor)
);

CREATE TABLE IF NOT EXISTS peers (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	reputation DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	validator  BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen  TIMESTAMPTZ NOT NULL,
	doc        JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS validations (
	request_id   TEXT NOT NULL,
	job_id       TEXT NOT NULL,
	validator    TEXT NOT NULL,
	valid        BOOLEAN NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	doc          JSONB NOT NULL,
	PRIMARY KEY (request_id, validator)
);
CREATE INDEX IF NOT EXISTS validations_job_idx ON validations (job_id);
`

// ensureSchema creates the metadata tables when missing
func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
