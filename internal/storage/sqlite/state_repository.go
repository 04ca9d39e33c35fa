package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/italolelis/model_downloader/internal/storage"
)

// StateRepository implements storage.StateRepository and stores one row per model in SQLite.
type StateRepository struct {
	db *sql.DB
}

func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

func (r *StateRepository) LoadStates(ctx context.Context) (storage.States, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, status, progress, downloaded, total, error FROM model_states`)
	if err != nil {
		return nil, fmt.Errorf("failed to query model states: %w", err)
	}
	defer rows.Close()

	states := storage.States{}

	for rows.Next() {
		var (
			name   string
			status string
			state  storage.DownloadState
		)

		if err := rows.Scan(&name, &status, &state.Progress, &state.Downloaded, &state.Total, &state.Error); err != nil {
			return nil, fmt.Errorf("failed to scan model state: %w", err)
		}

		state.Status = storage.ParseStatus(status)
		states[name] = state
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate model states: %w", err)
	}

	return states, nil
}

// SaveStates replaces the table contents with states in a single transaction.
func (r *StateRepository) SaveStates(ctx context.Context, states storage.States) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM model_states`); err != nil {
		return fmt.Errorf("failed to clear model states: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO model_states (name, status, progress, downloaded, total, error) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for name, state := range states {
		if _, err := stmt.ExecContext(ctx, name, string(state.Status), state.Progress, state.Downloaded, state.Total, state.Error); err != nil {
			return fmt.Errorf("failed to insert state for %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit model states: %w", err)
	}

	return nil
}
