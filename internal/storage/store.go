package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/italolelis/model_downloader/internal/logctx"
)

// Mutation receives the current entry (exists reports whether there is one) and
// returns its replacement. Returning write=false leaves the store untouched.
type Mutation func(current DownloadState, exists bool) (next DownloadState, write bool)

// Store is the in-memory, lock-guarded view of the state document.
// Every committed change rewrites the whole document and then publishes the full mapping.
type Store struct {
	repo StateRepository
	pub  Publisher

	loadOnce sync.Once
	loadErr  error

	mu     sync.Mutex
	states States
}

func NewStore(repo StateRepository, pub Publisher) *Store {
	return &Store{
		repo:   repo,
		pub:    pub,
		states: States{},
	}
}

// Load reads the persisted document once per Store. Entries left in a transient
// status by a previous process are demoted to paused before they are admitted.
func (s *Store) Load(ctx context.Context) error {
	s.loadOnce.Do(func() {
		logger := logctx.LoggerFromContext(ctx)

		loaded, err := s.repo.LoadStates(ctx)
		if err != nil {
			s.loadErr = fmt.Errorf("failed to load model states: %w", err)

			return
		}

		recovered := 0

		s.mu.Lock()

		for name, state := range loaded {
			if state.Status == StatusDownloading || state.Status == StatusFinalizing {
				logger.Info("recovered interrupted download", "model", name, "status", state.Status)

				state.Status = StatusPaused
				recovered++
			}

			if _, ok := s.states[name]; !ok {
				s.states[name] = state
			}
		}

		s.mu.Unlock()

		logger.Debug("model states loaded", "count", len(loaded), "recovered", recovered)

		if recovered > 0 {
			if err := s.Flush(ctx); err != nil {
				logger.Warn("failed to persist recovered states", "err", err)
			}
		}
	})

	return s.loadErr
}

// Get returns the state for name and whether an entry exists.
func (s *Store) Get(name string) (DownloadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[name]

	return state, ok
}

// Snapshot returns a copy of the full mapping.
func (s *Store) Snapshot() States {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.states.Clone()
}

// Upsert replaces the entry for name.
func (s *Store) Upsert(ctx context.Context, name string, state DownloadState) error {
	_, _, err := s.Update(ctx, name, func(DownloadState, bool) (DownloadState, bool) {
		return state, true
	})

	return err
}

// Update applies fn to the entry for name and commits the result when fn asks for it.
// It returns the resulting entry and whether a write happened.
func (s *Store) Update(ctx context.Context, name string, fn Mutation) (DownloadState, bool, error) {
	var (
		result  DownloadState
		written bool
	)

	err := s.Apply(ctx, func(states States) bool {
		current, exists := states[name]

		next, write := fn(current, exists)
		if !write {
			result = current

			return false
		}

		if exists && next.Status != current.Status {
			if err := ValidateTransition(current.Status, next.Status); err != nil {
				logctx.LoggerFromContext(ctx).Warn("unexpected model status transition", "model", name, "err", err)
			}
		}

		states[name] = next
		result = next
		written = true

		return true
	})

	return result, written, err
}

// Remove drops the entry for name entirely.
func (s *Store) Remove(ctx context.Context, name string) error {
	return s.Apply(ctx, func(states States) bool {
		if _, ok := states[name]; !ok {
			return false
		}

		delete(states, name)

		return true
	})
}

// Stage applies fn in memory only. The change reaches disk and observers on the next
// commit or Flush.
func (s *Store) Stage(name string, fn Mutation) (DownloadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.states[name]

	next, write := fn(current, exists)
	if !write {
		return current, false
	}

	s.states[name] = next

	return next, true
}

// Apply runs fn against the live mapping under the store lock. When fn reports a change
// the full document is written and observers are notified before the lock is released,
// so observers see commits in order.
func (s *Store) Apply(ctx context.Context, fn func(states States) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !fn(s.states) {
		return nil
	}

	return s.commitLocked(ctx)
}

// Flush rewrites the document from the current mapping and notifies observers.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(ctx)
}

// Broadcast notifies observers with the current mapping without touching disk.
func (s *Store) Broadcast() States {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.states.Clone()
	s.publishLocked(snapshot)

	return snapshot
}

// commitLocked writes the whole document and publishes it. The write ignores
// cancellation so a change kept in memory also reaches disk.
func (s *Store) commitLocked(ctx context.Context) error {
	snapshot := s.states.Clone()

	err := s.repo.SaveStates(context.WithoutCancel(ctx), snapshot)

	s.publishLocked(snapshot)

	if err != nil {
		return fmt.Errorf("failed to save model states: %w", err)
	}

	return nil
}

func (s *Store) publishLocked(snapshot States) {
	if s.pub == nil {
		return
	}

	s.pub.Publish(snapshot)
}
