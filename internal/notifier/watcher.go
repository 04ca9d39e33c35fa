package notifier

import (
	"context"
	"fmt"
	"sort"

	"github.com/italolelis/model_downloader/internal/events"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/storage"
)

// Watcher notifies when a model enters the downloaded or error status.
type Watcher struct {
	notifier Notifier
	last     map[string]storage.Status
}

// NewWatcher seeds the watcher with the statuses in initial so they are not reported again.
func NewWatcher(n Notifier, initial storage.States) *Watcher {
	last := make(map[string]storage.Status, len(initial))
	for name, state := range initial {
		last[name] = state.Status
	}

	return &Watcher{notifier: n, last: last}
}

// Run observes changes until ctx is done or the channel is closed.
func (w *Watcher) Run(ctx context.Context, changes <-chan events.StateChange) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("notification watcher shutting down")

			return
		case change, ok := <-changes:
			if !ok {
				return
			}

			w.Observe(ctx, change.States)
		}
	}
}

// Observe compares states with the previous mapping and sends one notification per transition.
func (w *Watcher) Observe(ctx context.Context, states storage.States) {
	logger := logctx.LoggerFromContext(ctx)

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		state := states[name]

		prev, seen := w.last[name]
		if seen && prev == state.Status {
			continue
		}

		var content string

		switch state.Status {
		case storage.StatusDownloaded:
			content = "✅ Model downloaded: " + name
		case storage.StatusError:
			content = fmt.Sprintf("❌ Model download failed: %s (%s)", name, state.Error)
		}

		if content != "" {
			if err := w.notifier.Notify(ctx, content); err != nil {
				logger.Error("failed to send notification", "model", name, "err", err)
			}
		}
	}

	next := make(map[string]storage.Status, len(states))
	for name, state := range states {
		next[name] = state.Status
	}

	w.last = next
}
