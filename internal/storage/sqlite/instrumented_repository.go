package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/telemetry"
)

// InstrumentedStateRepository wraps StateRepository with telemetry.
type InstrumentedStateRepository struct {
	repo      *StateRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedStateRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedStateRepository {
	return &InstrumentedStateRepository{
		repo:      NewStateRepository(db),
		telemetry: tel,
	}
}

// LoadStates loads all model states with telemetry.
func (r *InstrumentedStateRepository) LoadStates(ctx context.Context) (storage.States, error) {
	var result storage.States

	err := r.telemetry.InstrumentDBOperation(ctx, "load_states", func(ctx context.Context) error {
		var err error

		result, err = r.repo.LoadStates(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SaveStates saves all model states with telemetry.
func (r *InstrumentedStateRepository) SaveStates(ctx context.Context, states storage.States) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_states", func(ctx context.Context) error {
		return r.repo.SaveStates(ctx, states)
	})
}
