package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/extractops/fieldtune/constants"
	"github.com/extractops/fieldtune/internal/optimizer"
)

type RunRepository interface {
	Enqueue(ctx context.Context, runID uuid.UUID, testModel string, request []byte) error
	Start(ctx context.Context, runID uuid.UUID, testModel string, fieldsTotal int) error
	Finish(ctx context.Context, runID uuid.UUID, status constants.RunStatus, batch *optimizer.OptimizationBatchResult) error
	ClaimQueued(ctx context.Context) (uuid.UUID, []byte, bool, error)
}

type runRepo struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewRunRepository(pool *pgxpool.Pool, log *slog.Logger) RunRepository {
	return &runRepo{pool: pool, log: log}
}

// Enqueue inserts a run in the queued state; a daemon will pick it up later.
// The request payload is the JSON-encoded batch request.
func (r *runRepo) Enqueue(ctx context.Context, runID uuid.UUID, testModel string, request []byte) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO optimization_run (id, status, test_model, request)
		 VALUES ($1, $2, $3, $4)`,
		runID, string(constants.RunStatusQueued), testModel, request)
	if err != nil {
		r.log.Error("optimization_run enqueue failed", "run_id", runID, "err", err)
		return err
	}
	r.log.Info("optimization_run enqueued", "run_id", runID)
	return nil
}

func (r *runRepo) Start(ctx context.Context, runID uuid.UUID, testModel string, fieldsTotal int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO optimization_run (id, status, test_model, started_at, fields_total)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET status = $2, started_at = $4, fields_total = $5`,
		runID, string(constants.RunStatusRunning), testModel, time.Now(), fieldsTotal)
	if err != nil {
		r.log.Error("optimization_run start failed", "run_id", runID, "err", err)
		return err
	}
	r.log.Info("optimization_run started", "run_id", runID, "fields_total", fieldsTotal)
	return nil
}

func (r *runRepo) Finish(ctx context.Context, runID uuid.UUID, status constants.RunStatus, batch *optimizer.OptimizationBatchResult) error {
	improved := 0
	for _, fr := range batch.PerField {
		if fr.Improved {
			improved++
		}
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE optimization_run SET status = $2, finished_at = $3, fields_improved = $4 WHERE id = $1`,
		runID, string(status), time.Now(), improved)
	if err != nil {
		r.log.Error("optimization_run finish failed", "run_id", runID, "err", err)
		return err
	}

	for _, fr := range batch.PerField {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO optimization_run_field
			 (run_id, field_key, status, initial_accuracy, final_accuracy, iterations, improved, final_prompt, error_message)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (run_id, field_key) DO UPDATE SET
			 status = $3, initial_accuracy = $4, final_accuracy = $5, iterations = $6, improved = $7, final_prompt = $8, error_message = $9`,
			runID, fr.FieldKey, string(fr.Status), fr.InitialAccuracy, fr.FinalAccuracy,
			fr.IterationCount, fr.Improved, fr.FinalPrompt, fr.Err)
		if err != nil {
			r.log.Error("optimization_run_field save failed", "run_id", runID, "field_key", fr.FieldKey, "err", err)
			return err
		}
	}
	r.log.Info("optimization_run finished", "run_id", runID, "status", status, "improved", improved)
	return nil
}

// ClaimQueued atomically claims the oldest queued run and returns its request
// payload. The bool return is false when the queue is empty.
func (r *runRepo) ClaimQueued(ctx context.Context) (uuid.UUID, []byte, bool, error) {
	var runID uuid.UUID
	var request []byte
	err := r.pool.QueryRow(ctx,
		`UPDATE optimization_run SET status = $1, started_at = now()
		 WHERE id = (
			SELECT id FROM optimization_run
			WHERE status = $2
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING id, request`,
		string(constants.RunStatusRunning), string(constants.RunStatusQueued)).Scan(&runID, &request)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, nil, false, nil
		}
		return uuid.Nil, nil, false, err
	}
	return runID, request, true, nil
}
