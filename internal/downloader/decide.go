package downloader

import "github.com/italolelis/model_downloader/internal/storage"

// DefaultTolerance is the shortfall below the recorded total still treated as complete.
const DefaultTolerance int64 = 1 << 20

// UnknownServerSize marks Inputs taken before the server was probed.
const UnknownServerSize int64 = -1

type ActionKind int

const (
	ActionResume ActionKind = iota
	ActionRestartFromZero
	ActionFinalize
	ActionFail
)

func (k ActionKind) String() string {
	switch k {
	case ActionResume:
		return "resume"
	case ActionRestartFromZero:
		return "restart"
	case ActionFinalize:
		return "finalize"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Action is what the engine does next. Offset is only meaningful for ActionResume.
type Action struct {
	Kind   ActionKind
	Offset int64
}

// Inputs is everything the next step depends on.
type Inputs struct {
	Recorded    storage.DownloadState
	StagingSize int64
	// ServerSize is UnknownServerSize until the server was probed; 0 means it did not declare one.
	ServerSize  int64
	ProbeFailed bool
	Tolerance   int64

	// Attempt counts restarts caused by unsatisfiable ranges.
	Attempt         int
	MaxRangeRetries int
}

// Decide picks the next step of a transfer. It performs no I/O.
func Decide(in Inputs) Action {
	if in.MaxRangeRetries > 0 && in.Attempt > in.MaxRangeRetries {
		return Action{Kind: ActionFail}
	}

	if in.Recorded.Total > 0 && in.StagingSize > 0 && in.StagingSize+in.Tolerance >= in.Recorded.Total {
		return Action{Kind: ActionFinalize}
	}

	if in.StagingSize <= 0 {
		return Action{Kind: ActionResume}
	}

	if in.ProbeFailed || in.ServerSize == 0 {
		return Action{Kind: ActionRestartFromZero}
	}

	if in.ServerSize == UnknownServerSize {
		return Action{Kind: ActionResume, Offset: in.StagingSize}
	}

	switch {
	case in.StagingSize > in.ServerSize:
		return Action{Kind: ActionRestartFromZero}
	case in.StagingSize == in.ServerSize:
		return Action{Kind: ActionFinalize}
	default:
		return Action{Kind: ActionResume, Offset: in.StagingSize}
	}
}

// needsProbe reports whether a pre-probe decision must be confirmed against the server.
func (a Action) needsProbe() bool {
	return a.Kind == ActionResume && a.Offset > 0
}
