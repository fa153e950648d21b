package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PromptVersion is one saved candidate prompt for a field.
type PromptVersion struct {
	ID        uuid.UUID
	FieldKey  string
	Body      string
	Rationale string
	Accuracy  float64
	RunID     uuid.UUID
	CreatedAt time.Time
}

type PromptVersionRepository interface {
	Save(ctx context.Context, v *PromptVersion) error
	ListByField(ctx context.Context, fieldKey string, limit int) ([]*PromptVersion, error)
	Current(ctx context.Context, fieldKey string) (*PromptVersion, error)
}

type promptVersionRepo struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewPromptVersionRepository(pool *pgxpool.Pool, log *slog.Logger) PromptVersionRepository {
	return &promptVersionRepo{pool: pool, log: log}
}

func (r *promptVersionRepo) Save(ctx context.Context, v *PromptVersion) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO prompt_version (id, field_key, body, rationale, accuracy, run_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.FieldKey, v.Body, v.Rationale, v.Accuracy, v.RunID)
	if err != nil {
		r.log.Error("prompt_version save failed", "field_key", v.FieldKey, "err", err)
		return err
	}
	r.log.Info("prompt_version saved", "id", v.ID, "field_key", v.FieldKey, "accuracy", v.Accuracy)
	return nil
}

func (r *promptVersionRepo) ListByField(ctx context.Context, fieldKey string, limit int) ([]*PromptVersion, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, field_key, body, COALESCE(rationale, ''), COALESCE(accuracy, 0), COALESCE(run_id, '00000000-0000-0000-0000-000000000000'), created_at
		 FROM prompt_version WHERE field_key = $1
		 ORDER BY created_at DESC LIMIT $2`,
		fieldKey, limit)
	if err != nil {
		r.log.Error("prompt_version list failed", "field_key", fieldKey, "err", err)
		return nil, err
	}
	defer rows.Close()

	var out []*PromptVersion
	for rows.Next() {
		var v PromptVersion
		if err := rows.Scan(&v.ID, &v.FieldKey, &v.Body, &v.Rationale, &v.Accuracy, &v.RunID, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (r *promptVersionRepo) Current(ctx context.Context, fieldKey string) (*PromptVersion, error) {
	var v PromptVersion
	err := r.pool.QueryRow(ctx,
		`SELECT id, field_key, body, COALESCE(rationale, ''), COALESCE(accuracy, 0), COALESCE(run_id, '00000000-0000-0000-0000-000000000000'), created_at
		 FROM prompt_version WHERE field_key = $1
		 ORDER BY created_at DESC LIMIT 1`,
		fieldKey).Scan(&v.ID, &v.FieldKey, &v.Body, &v.Rationale, &v.Accuracy, &v.RunID, &v.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		r.log.Error("prompt_version current failed", "field_key", fieldKey, "err", err)
		return nil, err
	}
	return &v, nil
}
