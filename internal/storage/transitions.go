package storage

import "fmt"

// ValidTransitions lists the statuses reachable from each status.
// Removing has no successor because the entry is dropped once the files are gone.
// Downloaded may go back to downloading when the artifact file vanished from disk.
// Finalizing falls back to paused when the process stops mid-verification.
var ValidTransitions = map[Status][]Status{
	StatusNone:        {StatusDownloading, StatusError},
	StatusDownloading: {StatusDownloading, StatusPaused, StatusError, StatusRemoving, StatusFinalizing},
	StatusPaused:      {StatusDownloading, StatusRemoving, StatusFinalizing, StatusError, StatusPaused},
	StatusError:       {StatusDownloading, StatusFinalizing, StatusRemoving, StatusError},
	StatusFinalizing:  {StatusDownloaded, StatusError, StatusPaused},
	StatusDownloaded:  {StatusRemoving, StatusError, StatusDownloading},
	StatusRemoving:    {},
}

func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}
