package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/extractops/fieldtune/constants"
	"github.com/extractops/fieldtune/internal/optimizer"
)

const journalDDL = `
CREATE TABLE IF NOT EXISTS run_journal (
	run_id       TEXT NOT NULL,
	field_key    TEXT NOT NULL,
	status       TEXT NOT NULL,
	initial_acc  REAL NOT NULL DEFAULT 0,
	final_acc    REAL NOT NULL DEFAULT 0,
	iterations   INTEGER NOT NULL DEFAULT 0,
	improved     INTEGER NOT NULL DEFAULT 0,
	final_prompt TEXT,
	error        TEXT,
	recorded_at  TEXT NOT NULL,
	PRIMARY KEY (run_id, field_key)
);`

// journalTimeLayout is fixed width so lexicographic ORDER BY recorded_at is
// also chronological.
const journalTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Journal is a local, file-backed record of completed runs. It exists so the
// CLI keeps history without a database connection.
type Journal struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenJournal opens (creating if needed) the journal file at path.
func OpenJournal(path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(journalDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return &Journal{db: db, log: logger}, nil
}

// Record writes every per-field outcome of a finished batch.
func (j *Journal) Record(ctx context.Context, batch *optimizer.OptimizationBatchResult) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(journalTimeLayout)
	for _, fr := range batch.PerField {
		improved := 0
		if fr.Improved {
			improved = 1
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO run_journal
			 (run_id, field_key, status, initial_acc, final_acc, iterations, improved, final_prompt, error, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			batch.RunID, fr.FieldKey, string(fr.Status), fr.InitialAccuracy, fr.FinalAccuracy,
			fr.IterationCount, improved, fr.FinalPrompt, fr.Err, now)
		if err != nil {
			return fmt.Errorf("journal insert %s: %w", fr.FieldKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal commit: %w", err)
	}
	j.log.Info("journal recorded", "run_id", batch.RunID, "fields", len(batch.PerField))
	return nil
}

// FieldHistory returns the recorded outcomes for one field, newest first.
func (j *Journal) FieldHistory(ctx context.Context, fieldKey string, limit int) ([]optimizer.FieldResult, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT status, initial_acc, final_acc, iterations, improved, final_prompt, error
		 FROM run_journal WHERE field_key = ? ORDER BY recorded_at DESC LIMIT ?`,
		fieldKey, limit)
	if err != nil {
		return nil, fmt.Errorf("journal history: %w", err)
	}
	defer rows.Close()

	var out []optimizer.FieldResult
	for rows.Next() {
		var fr optimizer.FieldResult
		var status string
		var improved int
		var prompt, errMsg sql.NullString
		if err := rows.Scan(&status, &fr.InitialAccuracy, &fr.FinalAccuracy, &fr.IterationCount, &improved, &prompt, &errMsg); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		fr.FieldKey = fieldKey
		fr.Status = constants.FieldStatus(status)
		fr.Improved = improved != 0
		fr.FinalPrompt = prompt.String
		fr.Err = errMsg.String
		out = append(out, fr)
	}
	return out, rows.Err()
}

// Close releases the journal file handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
