package models

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/transfer"
)

const (
	DefaultProbeParallel = 4
	DefaultPauseInterval = time.Second
	DefaultRemoveWait    = 5 * time.Second
)

// RemoteSource resolves artifact URLs and probes their size.
type RemoteSource interface {
	URL(name string) string
	Probe(ctx context.Context, name string) (*transfer.FileInfo, error)
}

// Options configures the Manager.
type Options struct {
	Catalog       []string
	ProbeParallel int
	PauseInterval time.Duration
	RemoveWait    time.Duration
}

// Manager is the command surface over the state store and the transfer engine.
type Manager struct {
	store  *storage.Store
	engine *downloader.Engine
	remote RemoteSource
	opts   Options

	mu     sync.Mutex
	pauses map[string]*rate.Limiter
}

func NewManager(store *storage.Store, engine *downloader.Engine, remote RemoteSource, opts Options) *Manager {
	if len(opts.Catalog) == 0 {
		opts.Catalog = DefaultCatalog
	}

	if opts.ProbeParallel <= 0 {
		opts.ProbeParallel = DefaultProbeParallel
	}

	if opts.PauseInterval <= 0 {
		opts.PauseInterval = DefaultPauseInterval
	}

	if opts.RemoveWait <= 0 {
		opts.RemoveWait = DefaultRemoveWait
	}

	return &Manager{
		store:  store,
		engine: engine,
		remote: remote,
		opts:   opts,
		pauses: make(map[string]*rate.Limiter),
	}
}

// ListLocal returns the artifact files present in the models directory, sorted by name.
func (m *Manager) ListLocal(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.engine.ModelsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read models directory: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()

		if !entry.Type().IsRegular() ||
			strings.HasPrefix(name, ".") ||
			strings.HasSuffix(name, downloader.StagingSuffix) ||
			strings.HasPrefix(name, storage.DocumentBaseName) {
			continue
		}

		names = append(names, name)
	}

	sort.Strings(names)

	logctx.LoggerFromContext(ctx).Debug("listed local models", "count", len(names))

	return names, nil
}

// ListRemote returns the catalog with human readable sizes. Sizes come from the recorded
// total when known and from a HEAD probe otherwise; probed sizes are cached into the state
// document. A failed probe shows the size as "?".
func (m *Manager) ListRemote(ctx context.Context) ([]RemoteModel, error) {
	logger := logctx.LoggerFromContext(ctx)
	snapshot := m.store.Snapshot()

	out := make([]RemoteModel, len(m.opts.Catalog))
	learned := make([]int64, len(m.opts.Catalog))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.ProbeParallel)

	for i, model := range m.opts.Catalog {
		fileName := catalogFileName(model)

		out[i] = RemoteModel{
			Name:     model,
			FileName: fileName,
			URL:      m.remote.URL(fileName),
			Size:     unknownSize,
		}

		if state, ok := snapshot[fileName]; ok && state.Total > 0 {
			out[i].Size = humanize.IBytes(uint64(state.Total))
			out[i].Bytes = state.Total

			continue
		}

		g.Go(func() error {
			info, err := m.remote.Probe(gctx, fileName)
			if err != nil {
				logger.Warn("failed to probe remote model size", "model", fileName, "err", err)

				return nil
			}

			if info.Size <= 0 {
				return nil
			}

			out[i].Size = humanize.IBytes(uint64(info.Size))
			out[i].Bytes = info.Size
			learned[i] = info.Size

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	err := m.store.Apply(ctx, func(states storage.States) bool {
		changed := false

		for i, size := range learned {
			if size <= 0 {
				continue
			}

			name := out[i].FileName

			state, ok := states[name]
			if !ok {
				state = storage.DownloadState{Status: storage.StatusNone}
			}

			state.Total = size
			states[name] = state
			changed = true
		}

		return changed
	})
	if err != nil {
		logger.Warn("failed to cache remote model sizes", "err", err)
	}

	return out, nil
}

// Start downloads or resumes name and blocks until the transfer finishes, stops or fails.
func (m *Manager) Start(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	return m.engine.Download(ctx, name)
}

// CheckStart reports why Start would be rejected right now, if at all. Callers that run
// Start in the background use it to answer synchronously.
func (m *Manager) CheckStart(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	if m.engine.Finalizing(name) {
		return transfer.ErrAlreadyFinalizing
	}

	if m.engine.Active(name) {
		return transfer.ErrAlreadyDownloading
	}

	return nil
}

// Pause marks a running download as paused and signals its transfer. Pause requests may
// arrive in bursts, so the document write and broadcast happen at most once per
// PauseInterval per model; skipped requests only change memory and are written by the
// next commit.
func (m *Manager) Pause(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx).With("model", name)

	_, changed := m.store.Stage(name, func(cur storage.DownloadState, exists bool) (storage.DownloadState, bool) {
		if !exists || cur.Status != storage.StatusDownloading {
			return cur, false
		}

		cur.Status = storage.StatusPaused

		return cur, true
	})

	m.engine.Stop(name, downloader.StopPaused)

	if !changed {
		logger.Debug("nothing to pause")

		return nil
	}

	if !m.pauseLimiter(name).Allow() {
		logger.Debug("pause coalesced")

		return nil
	}

	if err := m.store.Flush(ctx); err != nil {
		return err
	}

	logger.Info("download paused")

	return nil
}

// Remove deletes the artifact and staging file of name and drops its state. A running
// transfer is moved to removing and stopped first.
func (m *Manager) Remove(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx).With("model", name)

	if m.engine.Finalizing(name) {
		return transfer.ErrAlreadyFinalizing
	}

	state, exists := m.store.Get(name)

	if m.engine.Active(name) || (exists && state.Status == storage.StatusDownloading) {
		_, _, err := m.store.Update(ctx, name, func(cur storage.DownloadState, exists bool) (storage.DownloadState, bool) {
			if !exists {
				return cur, false
			}

			cur.Status = storage.StatusRemoving

			return cur, true
		})
		if err != nil {
			logger.Warn("failed to persist removing status", "err", err)
		}

		m.awaitStop(ctx, name)
	}

	removed := false

	for _, path := range []string{m.engine.ArtifactPath(name), m.engine.StagingPath(name)} {
		err := os.Remove(path)

		switch {
		case err == nil:
			removed = true
		case !errors.Is(err, fs.ErrNotExist):
			logger.Warn("failed to delete model file", "path", path, "err", err)
		}
	}

	if removed {
		m.forgetPause(name)

		if err := m.store.Remove(ctx, name); err != nil {
			return err
		}

		logger.Info("model removed")

		return nil
	}

	notFound := fmt.Errorf("failed to remove model: %w", transfer.ErrNotFound)

	_, _, err := m.store.Update(ctx, name, func(cur storage.DownloadState, exists bool) (storage.DownloadState, bool) {
		if !exists {
			return cur, false
		}

		cur.Status = storage.StatusError
		cur.Error = notFound.Error()

		return cur, true
	})
	if err != nil {
		logger.Warn("failed to persist remove failure", "err", err)
	}

	return notFound
}

// States returns the full state mapping and re-broadcasts it to observers.
func (m *Manager) States(_ context.Context) storage.States {
	return m.store.Broadcast()
}

// Resumable reports whether name has bytes on disk and how many. The staging file is
// preferred over the finalized artifact.
func (m *Manager) Resumable(name string) (bool, int64, error) {
	if err := ValidateName(name); err != nil {
		return false, 0, err
	}

	for _, path := range []string{m.engine.StagingPath(name), m.engine.ArtifactPath(name)} {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		return info.Size() > 0, info.Size(), nil
	}

	return false, 0, nil
}

// ModelPath resolves the finalized artifact of name for consumers such as a transcriber.
func (m *Manager) ModelPath(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	path := m.engine.ArtifactPath(name)

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("model %s: %w", name, transfer.ErrNotFound)
	}

	return path, nil
}

// awaitStop signals the running transfer and waits for it to return, bounded by RemoveWait.
func (m *Manager) awaitStop(ctx context.Context, name string) {
	done := m.engine.Stop(name, downloader.StopRemoving)
	if done == nil {
		return
	}

	timer := time.NewTimer(m.opts.RemoveWait)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		logctx.LoggerFromContext(ctx).Warn("transfer did not stop in time, removing anyway", "model", name)
	case <-ctx.Done():
	}
}

func (m *Manager) pauseLimiter(name string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.pauses[name]
	if !ok {
		l = rate.NewLimiter(rate.Every(m.opts.PauseInterval), 1)
		m.pauses[name] = l
	}

	return l
}

func (m *Manager) forgetPause(name string) {
	m.mu.Lock()
	delete(m.pauses, name)
	m.mu.Unlock()
}
