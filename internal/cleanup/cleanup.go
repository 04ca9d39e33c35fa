package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/storage"
)

// Reconcile brings the models directory and the state document back in line for
// downloaded models: a staging file left next to a finalized artifact is deleted, and
// the state of an artifact that vanished from disk is dropped.
func Reconcile(ctx context.Context, store *storage.Store, modelsDir string) error {
	logger := logctx.LoggerFromContext(ctx)

	var errs []error

	for name, state := range store.Snapshot() {
		if state.Status != storage.StatusDownloaded {
			continue
		}

		artifact := filepath.Join(modelsDir, name)

		if _, err := os.Stat(artifact); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Error("failed to stat model", "model", name, "err", err)
				errs = append(errs, err)

				continue
			}

			if err := dropVanished(ctx, store, name); err != nil {
				errs = append(errs, err)

				continue
			}

			logger.Info("dropped state of vanished model", "model", name)

			continue
		}

		staging := artifact + downloader.StagingSuffix

		switch err := os.Remove(staging); {
		case err == nil:
			logger.Info("deleted leftover staging file", "model", name)
		case !errors.Is(err, fs.ErrNotExist):
			logger.Error("failed to delete leftover staging file", "model", name, "err", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// dropVanished removes the entry only if it is still recorded as downloaded.
func dropVanished(ctx context.Context, store *storage.Store, name string) error {
	return store.Apply(ctx, func(states storage.States) bool {
		if cur, ok := states[name]; !ok || cur.Status != storage.StatusDownloaded {
			return false
		}

		delete(states, name)

		return true
	})
}
