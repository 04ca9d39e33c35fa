// Package jsonfile persists model states as a single pretty-printed JSON document.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/storage"
)

// FileName is the document name inside the models directory.
const FileName = storage.DocumentBaseName + ".json"

const filePerm = 0o644

// StateRepository implements storage.StateRepository on top of one JSON file.
type StateRepository struct {
	path string
}

func NewStateRepository(path string) *StateRepository {
	return &StateRepository{path: path}
}

// LoadStates reads the document. A missing file is an empty mapping; a corrupt one is
// logged and treated as empty so a bad write never blocks startup.
func (r *StateRepository) LoadStates(ctx context.Context) (storage.States, error) {
	logger := logctx.LoggerFromContext(ctx)

	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return storage.States{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read state document: %w", err)
	}

	states := storage.States{}

	if len(bytes.TrimSpace(data)) == 0 {
		return states, nil
	}

	if err := json.Unmarshal(data, &states); err != nil {
		logger.Warn("state document is corrupt, starting with empty states", "path", r.path, "err", err)

		return storage.States{}, nil
	}

	return states, nil
}

// SaveStates rewrites the whole document through a temp file and a rename.
func (r *StateRepository) SaveStates(_ context.Context, states storage.States) error {
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal states: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+storage.DocumentBaseName+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write state document: %w", err)
	}

	if err := tmp.Chmod(filePerm); err != nil {
		return fmt.Errorf("failed to chmod state document: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync state document: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state document: %w", err)
	}

	if err := os.Rename(tmp.Name(), r.path); err != nil {
		_ = os.Remove(tmp.Name())
		committed = true

		return fmt.Errorf("failed to replace state document: %w", err)
	}

	committed = true

	return nil
}
