package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/italolelis/model_downloader/internal/downloader/progress"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/italolelis/model_downloader/internal/transfer"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// StagingSuffix is appended to the artifact name for the partial download.
	StagingSuffix = ".part"

	DefaultMaxRangeRetries  = 3
	DefaultProgressInterval = time.Second

	chunkSize = 256 * 1024
)

// Source probes and fetches artifact bytes.
type Source interface {
	Probe(ctx context.Context, name string) (*transfer.FileInfo, error)
	Fetch(ctx context.Context, name string, offset int64) (*transfer.Response, error)
}

// Options configures the Engine.
type Options struct {
	ModelsDir        string
	Tolerance        int64
	MaxRangeRetries  int
	ProgressInterval time.Duration
}

// Engine runs resumable transfers into staging files and hands complete ones to the Finalizer.
type Engine struct {
	store     *storage.Store
	source    Source
	finalizer *Finalizer
	telemetry *telemetry.Telemetry
	opts      Options

	transfers *Registry

	mu      sync.Mutex
	signals map[string]*Signal
}

func NewEngine(store *storage.Store, source Source, finalizer *Finalizer, tel *telemetry.Telemetry, opts Options) *Engine {
	if opts.MaxRangeRetries <= 0 {
		opts.MaxRangeRetries = DefaultMaxRangeRetries
	}

	return &Engine{
		store:     store,
		source:    source,
		finalizer: finalizer,
		telemetry: tel,
		opts:      opts,
		transfers: NewRegistry(),
		signals:   make(map[string]*Signal),
	}
}

// ModelsDir returns the directory holding artifacts and staging files.
func (e *Engine) ModelsDir() string {
	return e.opts.ModelsDir
}

// StagingPath returns the partial download path for name.
func (e *Engine) StagingPath(name string) string {
	return filepath.Join(e.opts.ModelsDir, name+StagingSuffix)
}

// ArtifactPath returns the finalized artifact path for name.
func (e *Engine) ArtifactPath(name string) string {
	return filepath.Join(e.opts.ModelsDir, name)
}

// Active reports whether a transfer for name is running.
func (e *Engine) Active(name string) bool {
	return e.transfers.Held(name)
}

// Finalizing reports whether name is being verified or is recorded as finalizing.
func (e *Engine) Finalizing(name string) bool {
	state, _ := e.store.Get(name)

	return state.Status == storage.StatusFinalizing || e.finalizer.Busy(name)
}

// Stop signals the running transfer for name, if any. The returned channel is closed when
// that transfer has returned; it is nil when nothing was running.
func (e *Engine) Stop(name string, reason StopReason) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	sig, ok := e.signals[name]
	if !ok {
		return nil
	}

	sig.Stop(reason)

	return sig.Done()
}

// Download starts or resumes the transfer for name and blocks until it finishes, stops or fails.
// A transfer stopped by Pause or Remove returns nil.
func (e *Engine) Download(ctx context.Context, name string) error {
	ctx, logger := logctx.With(ctx, "model", name, "run_id", uuid.NewString())

	if e.Finalizing(name) {
		return transfer.ErrAlreadyFinalizing
	}

	release, ok := e.transfers.TryAcquire(name)
	if !ok {
		return transfer.ErrAlreadyDownloading
	}
	defer release()

	sig := e.register(name)
	defer e.unregister(name, sig)

	if state, _ := e.store.Get(name); state.Status == storage.StatusDownloaded && fileExists(e.ArtifactPath(name)) {
		logger.Info("model already downloaded")

		return nil
	}

	_, _, err := e.store.Update(ctx, name, func(cur storage.DownloadState, exists bool) (storage.DownloadState, bool) {
		next := cur
		if !exists || cur.Status == storage.StatusDownloaded {
			next = storage.DownloadState{}
		}

		next.Status = storage.StatusDownloading
		next.Error = ""

		return next, true
	})
	if err != nil {
		logger.Warn("failed to persist download start", "err", err)
	}

	if err := os.MkdirAll(e.opts.ModelsDir, dirPerm); err != nil {
		dirErr := &transfer.DirectoryError{
			DirectoryName: e.opts.ModelsDir,
			Reason:        err.Error(),
			Err:           fmt.Errorf("%w: %w", transfer.ErrDirectoryCreate, err),
		}

		e.fail(ctx, name, dirErr, 0, 0)

		return dirErr
	}

	return e.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		return e.run(ctx, name, sig)
	})
}

func (e *Engine) run(ctx context.Context, name string, sig *Signal) error {
	logger := logctx.LoggerFromContext(ctx)
	stagingPath := e.StagingPath(name)

	for attempt := 0; ; attempt++ {
		stagingSize, err := fileSize(stagingPath)
		if err != nil {
			err = fmt.Errorf("%w: %w", transfer.ErrFileWrite, err)
			e.fail(ctx, name, err, 0, 0)

			return err
		}

		recorded, _ := e.store.Get(name)

		in := Inputs{
			Recorded:        recorded,
			StagingSize:     stagingSize,
			ServerSize:      UnknownServerSize,
			Tolerance:       e.opts.Tolerance,
			Attempt:         attempt,
			MaxRangeRetries: e.opts.MaxRangeRetries,
		}

		action := Decide(in)
		if action.needsProbe() {
			info, err := e.source.Probe(ctx, name)
			if err != nil && ctx.Err() != nil {
				e.pauseOnCancel(ctx, name, stagingSize, recorded.Total)

				return ctx.Err()
			}

			if err != nil {
				logger.Warn("failed to probe server size, restarting from zero", "err", err)

				in.ProbeFailed = true
			} else {
				in.ServerSize = info.Size
			}

			action = Decide(in)
		}

		logger.Debug("transfer decision",
			"action", action.Kind.String(),
			"offset", action.Offset,
			"staging_size", humanize.IBytes(uint64(stagingSize)),
			"server_size", in.ServerSize,
			"attempt", attempt,
		)

		var offset int64

		switch action.Kind {
		case ActionFinalize:
			return e.finalizer.Finalize(ctx, name, stagingPath, e.ArtifactPath(name))
		case ActionFail:
			err := fmt.Errorf("giving up after %d attempts: %w", attempt, transfer.ErrRangeNotSatisfiable)
			e.fail(ctx, name, err, 0, 0)

			return err
		case ActionRestartFromZero:
			if err := removeIfExists(stagingPath); err != nil {
				err = fmt.Errorf("%w: %w", transfer.ErrFileWrite, err)
				e.fail(ctx, name, err, 0, 0)

				return err
			}
		case ActionResume:
			offset = action.Offset
		}

		if offset > 0 {
			logger.Info("resuming download", "offset", humanize.IBytes(uint64(offset)))
		} else {
			logger.Info("starting download")
		}

		err = e.stream(ctx, name, sig, offset)
		if errors.Is(err, transfer.ErrRangeNotSatisfiable) {
			logger.Warn("range not satisfiable, discarding staging file", "offset", offset)

			if err := removeIfExists(stagingPath); err != nil {
				err = fmt.Errorf("%w: %w", transfer.ErrFileWrite, err)
				e.fail(ctx, name, err, 0, 0)

				return err
			}

			continue
		}

		return err
	}
}

// errStopped reports a cooperative stop from inside stream.
var errStopped = errors.New("transfer stopped")

func (e *Engine) stream(ctx context.Context, name string, sig *Signal, offset int64) error {
	logger := logctx.LoggerFromContext(ctx)
	stagingPath := e.StagingPath(name)

	resp, err := e.source.Fetch(ctx, name, offset)
	if err != nil {
		if errors.Is(err, transfer.ErrRangeNotSatisfiable) {
			return err
		}

		if ctx.Err() != nil {
			e.pauseOnCancel(ctx, name, offset, 0)

			return ctx.Err()
		}

		e.fail(ctx, name, err, offset, 0)

		return err
	}
	defer resp.Body.Close()

	start := resp.Offset
	if start > offset {
		err := &transfer.NetworkError{
			Operation:  "fetch",
			StatusCode: resp.StatusCode,
			APIMessage: fmt.Sprintf("server answered from byte %d, asked for %d", start, offset),
		}
		e.fail(ctx, name, err, offset, 0)

		return err
	}

	total := resp.Total

	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		err = fmt.Errorf("%w: %w", transfer.ErrFileWrite, err)
		e.fail(ctx, name, err, offset, total)

		return err
	}

	// a 200 answer to a ranged request restarts the file; a 206 continues it
	if err := f.Truncate(start); err == nil {
		_, err = f.Seek(start, io.SeekStart)
	}

	if err != nil {
		f.Close()

		err = fmt.Errorf("%w: %w", transfer.ErrFileWrite, err)
		e.fail(ctx, name, err, offset, total)

		return err
	}

	logger.Info("streaming model",
		"offset", humanize.IBytes(uint64(start)),
		"total", humanize.IBytes(uint64(total)),
		"partial", resp.Partial,
	)

	pw := progress.NewWriter(f, start, total, e.opts.ProgressInterval, func(written, total int64) {
		e.reportProgress(ctx, name, written, total)
	})

	err = e.copyChunks(ctx, pw, resp.Body, sig)

	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("%w: %w", transfer.ErrFileWrite, closeErr)
	}

	downloaded := pw.Written()

	switch {
	case errors.Is(err, errStopped):
		logger.Info("download stopped", "reason", sig.Reason().String(), "downloaded", humanize.IBytes(uint64(downloaded)))
		e.recordStop(ctx, name, downloaded, total)

		return nil
	case err != nil && ctx.Err() != nil:
		logger.Info("download interrupted", "downloaded", humanize.IBytes(uint64(downloaded)))
		e.pauseOnCancel(ctx, name, downloaded, total)

		return ctx.Err()
	case err != nil:
		e.fail(ctx, name, err, downloaded, total)

		return err
	}

	if total <= 0 {
		total = downloaded
	}

	if downloaded < total {
		err := fmt.Errorf("%w: stream ended at %d of %d bytes", transfer.ErrChunkRead, downloaded, total)
		e.fail(ctx, name, err, downloaded, total)

		return err
	}

	e.reportProgress(ctx, name, downloaded, total)

	logger.Info("download complete, finalizing", "size", humanize.IBytes(uint64(downloaded)))

	return e.finalizer.Finalize(ctx, name, stagingPath, e.ArtifactPath(name))
}

// copyChunks moves the body into w chunk by chunk, checking the stop signal before every write.
func (e *Engine) copyChunks(ctx context.Context, w io.Writer, r io.Reader, sig *Signal) error {
	buf := make([]byte, chunkSize)

	for {
		n, readErr := r.Read(buf)

		if n > 0 {
			if sig.Reason() != StopNone {
				return errStopped
			}

			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: %w", transfer.ErrFileWrite, err)
			}

			e.telemetry.RecordBytesDownloaded(ctx, int64(n))
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		}

		if readErr != nil {
			return fmt.Errorf("%w: %w", transfer.ErrChunkRead, readErr)
		}

		if sig.Reason() != StopNone {
			return errStopped
		}
	}
}

// reportProgress records counters while the transfer is still the owner of the status.
func (e *Engine) reportProgress(ctx context.Context, name string, downloaded, total int64) {
	_, _, err := e.store.Update(ctx, name, func(cur storage.DownloadState, exists bool) (storage.DownloadState, bool) {
		if !exists || cur.Status == storage.StatusPaused || cur.Status == storage.StatusRemoving {
			return cur, false
		}

		next := cur.WithCounters(downloaded, total)
		next.Status = storage.StatusDownloading

		return next, true
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to persist progress", "err", err)
	}
}

// recordStop keeps the status chosen by Pause or Remove and only refreshes the counters.
func (e *Engine) recordStop(ctx context.Context, name string, downloaded, total int64) {
	_, _, err := e.store.Update(ctx, name, func(cur storage.DownloadState, exists bool) (storage.DownloadState, bool) {
		if !exists {
			return cur, false
		}

		return cur.WithCounters(downloaded, knownTotal(total, cur)), true
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to persist stopped download", "err", err)
	}
}

func (e *Engine) pauseOnCancel(ctx context.Context, name string, downloaded, total int64) {
	ctx = context.WithoutCancel(ctx)

	_, _, err := e.store.Update(ctx, name, func(cur storage.DownloadState, exists bool) (storage.DownloadState, bool) {
		if !exists || cur.Status == storage.StatusRemoving {
			return cur, false
		}

		next := cur.WithCounters(downloaded, knownTotal(total, cur))
		next.Status = storage.StatusPaused

		return next, true
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to persist interrupted download", "err", err)
	}
}

func (e *Engine) fail(ctx context.Context, name string, cause error, downloaded, total int64) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Error("download failed", "err", cause)

	e.telemetry.RecordSystemError("downloader", "download_failed")

	_, _, err := e.store.Update(context.WithoutCancel(ctx), name, func(cur storage.DownloadState, exists bool) (storage.DownloadState, bool) {
		if exists && cur.Status == storage.StatusRemoving {
			return cur, false
		}

		next := storage.DownloadState{Status: storage.StatusError, Error: cause.Error()}.WithCounters(downloaded, total)

		return next, true
	})
	if err != nil {
		logger.Warn("failed to persist download error", "err", err)
	}
}

func (e *Engine) register(name string) *Signal {
	e.mu.Lock()
	defer e.mu.Unlock()

	sig := newSignal()
	e.signals[name] = sig

	return sig
}

func (e *Engine) unregister(name string, sig *Signal) {
	e.mu.Lock()
	if e.signals[name] == sig {
		delete(e.signals, name)
	}
	e.mu.Unlock()

	close(sig.done)
}

// knownTotal falls back to the recorded total when the server did not declare one.
func knownTotal(total int64, cur storage.DownloadState) int64 {
	if total > 0 {
		return total
	}

	return cur.Total
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}
