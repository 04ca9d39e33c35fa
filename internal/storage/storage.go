package storage

import (
	"context"
	"encoding/json"
	"maps"
	"math"
)

// DocumentBaseName is the base name of the persisted state document inside the models directory.
const DocumentBaseName = "model_states"

// Status is the lifecycle status of a model download.
type Status string

const (
	StatusNone        Status = "none"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusError       Status = "error"
	StatusDownloaded  Status = "downloaded"
	StatusRemoving    Status = "removing"
	StatusFinalizing  Status = "finalizing"
)

// ParseStatus maps a persisted status string to a Status. Unknown values decode to StatusNone.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusDownloading, StatusPaused, StatusError, StatusDownloaded, StatusRemoving, StatusFinalizing:
		return Status(s)
	default:
		return StatusNone
	}
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = ParseStatus(raw)

	return nil
}

// DownloadState is the persisted record of one model download.
type DownloadState struct {
	Status     Status `json:"status"`
	Progress   int64  `json:"progress"`
	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total"`
	Error      string `json:"error,omitempty"`
}

// WithCounters returns a copy of the state carrying the given byte counters and the derived progress.
func (s DownloadState) WithCounters(downloaded, total int64) DownloadState {
	s.Downloaded = downloaded
	s.Total = total
	s.Progress = Percent(downloaded, total)

	return s
}

// Percent returns round(downloaded/total*100), or 0 when the total is unknown.
func Percent(downloaded, total int64) int64 {
	if total <= 0 {
		return 0
	}

	return int64(math.Round(float64(downloaded) / float64(total) * 100))
}

// States maps a model name to its download state.
type States map[string]DownloadState

// Clone returns a shallow copy safe to hand to other goroutines.
func (s States) Clone() States {
	if s == nil {
		return States{}
	}

	return maps.Clone(s)
}

// StateRepository persists the full state document. Writes always replace the whole document.
type StateRepository interface {
	LoadStates(ctx context.Context) (States, error)
	SaveStates(ctx context.Context, states States) error
}

// Publisher receives the full state mapping after every committed change.
// Publish is called with the store lock held and must not block.
type Publisher interface {
	Publish(states States)
}
