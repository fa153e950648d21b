package repository

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema DDL, applied idempotently at daemon startup.
const (
	ddlPromptVersion = `
CREATE TABLE IF NOT EXISTS prompt_version (
	id          UUID PRIMARY KEY,
	field_key   TEXT NOT NULL,
	body        TEXT NOT NULL,
	rationale   TEXT,
	accuracy    DOUBLE PRECISION,
	run_id      UUID,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_prompt_version_field ON prompt_version (field_key, created_at DESC);`

	ddlOptimizationRun = `
CREATE TABLE IF NOT EXISTS optimization_run (
	id               UUID PRIMARY KEY,
	status           TEXT NOT NULL,
	test_model       TEXT NOT NULL,
	request          JSONB,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	fields_total     INT NOT NULL DEFAULT 0,
	fields_improved  INT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);`

	ddlOptimizationRunField = `
CREATE TABLE IF NOT EXISTS optimization_run_field (
	run_id            UUID NOT NULL REFERENCES optimization_run (id),
	field_key         TEXT NOT NULL,
	status            TEXT NOT NULL,
	initial_accuracy  DOUBLE PRECISION NOT NULL DEFAULT 0,
	final_accuracy    DOUBLE PRECISION NOT NULL DEFAULT 0,
	iterations        INT NOT NULL DEFAULT 0,
	improved          BOOLEAN NOT NULL DEFAULT FALSE,
	final_prompt      TEXT,
	error_message     TEXT,
	PRIMARY KEY (run_id, field_key)
);`
)

// Migrate creates the store tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	for _, ddl := range []string{ddlPromptVersion, ddlOptimizationRun, ddlOptimizationRunField} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			logger.Error("migration failed", "error", err)
			return err
		}
	}
	logger.Info("store schema up to date")
	return nil
}
