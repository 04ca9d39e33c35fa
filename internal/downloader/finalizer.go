package downloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/model_downloader/internal/checksum"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/italolelis/model_downloader/internal/transfer"
)

// Oracle resolves the reference hash of an artifact.
type Oracle interface {
	ExpectedHash(ctx context.Context, artifact string) (string, error)
}

// Finalizer verifies staging files against the oracle and promotes them to artifacts.
// At most one finalize per name runs at a time.
type Finalizer struct {
	store     *storage.Store
	oracle    Oracle
	telemetry *telemetry.Telemetry
	registry  *Registry
}

func NewFinalizer(store *storage.Store, oracle Oracle, tel *telemetry.Telemetry) *Finalizer {
	return &Finalizer{
		store:     store,
		oracle:    oracle,
		telemetry: tel,
		registry:  NewRegistry(),
	}
}

// Busy reports whether a finalize for name is in flight.
func (f *Finalizer) Busy(name string) bool {
	return f.registry.Held(name)
}

// Finalize hashes staging, compares it with the expected hash and renames it to dest on a match.
// On a mismatch the staging file is kept and a *transfer.ChecksumError is returned.
func (f *Finalizer) Finalize(ctx context.Context, name, staging, dest string) error {
	release, ok := f.registry.TryAcquire(name)
	if !ok {
		return transfer.ErrAlreadyFinalizing
	}
	defer release()

	logger := logctx.LoggerFromContext(ctx)

	_, _, err := f.store.Update(ctx, name, func(cur storage.DownloadState, _ bool) (storage.DownloadState, bool) {
		next := cur
		next.Status = storage.StatusFinalizing
		next.Error = ""

		return next, true
	})
	if err != nil {
		logger.Warn("failed to persist finalizing status", "err", err)
	}

	return f.telemetry.InstrumentFinalize(ctx, func(ctx context.Context) error {
		return f.finalize(ctx, name, staging, dest)
	})
}

func (f *Finalizer) finalize(ctx context.Context, name, staging, dest string) error {
	logger := logctx.LoggerFromContext(ctx)

	if !fileExists(staging) || fileExists(dest) {
		return f.fail(ctx, name, transfer.ErrNothingToFinalize, storage.DownloadState{})
	}

	var expected, actual string

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sum, err := checksum.HashFile(gctx, staging)
		if err != nil {
			return fmt.Errorf("failed to hash staging file: %w", err)
		}

		actual = sum

		return nil
	})

	g.Go(func() error {
		sum, err := f.oracle.ExpectedHash(gctx, name)
		if err != nil {
			return err
		}

		expected = sum

		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			logger.Info("finalize interrupted, staging kept", "err", ctx.Err())
			f.pauseOnCancel(ctx, name)

			return ctx.Err()
		}

		cur, _ := f.store.Get(name)

		return f.fail(ctx, name, err, cur)
	}

	if !strings.EqualFold(expected, actual) {
		logger.Error("checksum mismatch", "expected", expected, "actual", actual)

		mismatch := &transfer.ChecksumError{Name: name, Expected: expected, Actual: actual}

		return f.fail(ctx, name, mismatch, storage.DownloadState{Progress: 100})
	}

	if err := os.Rename(staging, dest); err != nil {
		cur, _ := f.store.Get(name)

		return f.fail(ctx, name, fmt.Errorf("%w: failed to rename staging file: %w", transfer.ErrFileWrite, err), cur)
	}

	if err := os.Remove(staging); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to remove leftover staging file", "err", err)
	}

	if err := f.store.Upsert(ctx, name, storage.DownloadState{Status: storage.StatusDownloaded, Progress: 100}); err != nil {
		logger.Warn("failed to persist downloaded status", "err", err)
	}

	logger.Info("model finalized", "sha1", actual)

	return nil
}

// pauseOnCancel puts an interrupted finalize back to paused so the next start verifies again.
func (f *Finalizer) pauseOnCancel(ctx context.Context, name string) {
	_, _, err := f.store.Update(context.WithoutCancel(ctx), name, func(cur storage.DownloadState, exists bool) (storage.DownloadState, bool) {
		if !exists || cur.Status != storage.StatusFinalizing {
			return cur, false
		}

		next := cur
		next.Status = storage.StatusPaused
		next.Error = ""

		return next, true
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to persist interrupted finalize", "err", err)
	}
}

// fail records status error keeping the counters of base and returns cause.
func (f *Finalizer) fail(ctx context.Context, name string, cause error, base storage.DownloadState) error {
	next := base
	next.Status = storage.StatusError
	next.Error = cause.Error()

	if err := f.store.Upsert(context.WithoutCancel(ctx), name, next); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to persist finalize error", "err", err)
	}

	return cause
}
